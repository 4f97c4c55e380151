package parallel_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/parallel"
	"github.com/stretchr/testify/require"
)

func sleep(ctx context.Context, d time.Duration) (time.Duration, error) {
	select {
	case <-time.After(d):
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestMap(t *testing.T) {
	t.Parallel()

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 0", 0, 18 * time.Second},
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []time.Duration
				for d, err := range parallel.Map(t.Context(), tt.limit, input, sleep) {
					require.NoError(t, err)
					got = append(got, d)
				}
				require.ElementsMatch(t, input, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapCompletionOrder(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		input := []time.Duration{3 * time.Second, 1 * time.Second, 2 * time.Second}
		var got []time.Duration
		for d, err := range parallel.Map(t.Context(), len(input), input, sleep) {
			require.NoError(t, err)
			got = append(got, d)
		}
		require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}, got)
	})
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(_ context.Context, n int) (string, error) {
		if n%2 == 1 {
			return "", fmt.Errorf("%d: %w", n, boom)
		}
		return fmt.Sprint(n), nil
	}

	var values []string
	var errs int
	for v, err := range parallel.Map(t.Context(), 2, []int{1, 2, 3, 4}, f) {
		if err != nil {
			require.ErrorIs(t, err, boom)
			errs++
			continue
		}
		values = append(values, v)
	}
	require.Equal(t, 2, errs)
	require.ElementsMatch(t, []string{"2", "4"}, values)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var cancelled atomic.Int32
		f := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			d, err := sleep(ctx, d)
			if err != nil {
				cancelled.Add(1)
			}
			return d, err
		}

		start := time.Now()
		input := []time.Duration{1 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}
		for d := range parallel.Map(t.Context(), 2, input, f) {
			require.Equal(t, 1*time.Second, d)
			break
		}
		require.Equal(t, 1*time.Second, time.Since(start))
		// the second item was in flight, later ones may have started in
		// the freed slot with an already cancelled context
		require.LessOrEqual(t, cancelled.Load(), int32(3))
		require.GreaterOrEqual(t, cancelled.Load(), int32(1))
	})
}

func TestMapContextDone(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		defer cancel()

		start := time.Now()
		var got []time.Duration
		input := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
		for d, err := range parallel.Map(ctx, 1, input, sleep) {
			if err == nil {
				got = append(got, d)
			}
		}
		require.Equal(t, []time.Duration{1 * time.Second}, got)
		require.Equal(t, 1500*time.Millisecond, time.Since(start))
	})
}
