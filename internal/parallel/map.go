// Package parallel runs a function over a batch of items with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for every item, at most limit calls at a time, and yields
// the results in completion order. Items not started yet are skipped once
// ctx is done. Breaking out of the loop cancels the context of the calls in
// flight and returns after they finished.
//
//	for job, err := range parallel.Map(ctx, 4, ids, supervisor.Cancel) {}
func Map[E, D any](ctx context.Context, limit int, items []E, fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		results := make(chan result[D])

		go func() {
			defer close(results)
			for _, item := range items {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, item)
					select {
					case results <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range results {
			if !yield(r.d, r.e) {
				cancel()
				for range results {
				}
				return
			}
		}
	}
}
