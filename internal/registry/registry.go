// Package registry keeps analysis jobs in memory for the lifetime of the
// server. Each record has its own lock, so updates of unrelated jobs never
// contend; the map lock is held only to look a record up or to insert and
// evict one.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

type entry struct {
	mx  sync.Mutex
	job model.Job
}

type Registry struct {
	mx      sync.RWMutex
	jobs    map[string]*entry
	now     func() time.Time
	newID   func() string
	maxJobs int
	ttl     time.Duration
}

type Option func(*Registry)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDs overrides the uuid based id generator.
func WithIDs(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// WithRetention bounds the finished jobs kept by Evict. Zero values disable
// the respective limit.
func WithRetention(maxJobs int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.maxJobs = maxJobs
		r.ttl = ttl
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:  make(map[string]*entry),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// Create inserts a pending job for cfg and returns its id.
func (r *Registry) Create(cfg model.Analysis) string {
	r.mx.Lock()
	defer r.mx.Unlock()
	id := r.newID()
	for _, ok := r.jobs[id]; ok; _, ok = r.jobs[id] {
		id = r.newID()
	}
	r.jobs[id] = &entry{job: model.Job{
		ID:        id,
		Status:    model.JobPending,
		Config:    cfg,
		CreatedAt: r.now(),
	}}
	return id
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mx.RLock()
	e, ok := r.jobs[id]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (model.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return model.Job{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.job.Clone(), nil
}

// Update applies mutator to a copy of the job and stores the result if
// mutator returns nil and the change keeps the job invariants. The stored
// job is returned either way.
func (r *Registry) Update(id string, mutator func(*model.Job) error) (model.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return model.Job{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()

	next := e.job.Clone()
	if err := mutator(&next); err != nil {
		return e.job.Clone(), err
	}
	if err := e.job.ValidateChange(next); err != nil {
		return e.job.Clone(), err
	}
	e.job = next
	return e.job.Clone(), nil
}

// List returns up to limit jobs, most recently started first. Jobs not
// started yet follow, newest first. A limit <= 0 means all.
func (r *Registry) List(limit int) []model.Job {
	r.mx.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mx.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mx.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mx.Unlock()
	}

	slices.SortFunc(jobs, func(a, b model.Job) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Len returns the number of jobs held.
func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.jobs)
}

// TTL returns how long finished jobs are kept, zero means no limit.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Evict drops finished jobs older than the retention ttl, then the oldest
// finished jobs above max jobs. Pending and running jobs are never evicted.
// It returns the number of removed jobs.
func (r *Registry) Evict() int {
	now := r.now()

	type candidate struct {
		id       string
		finished time.Time
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	var finished []candidate
	for id, e := range r.jobs {
		e.mx.Lock()
		if e.job.Status.Terminal() {
			finished = append(finished, candidate{id: id, finished: e.job.FinishedAt})
		}
		e.mx.Unlock()
	}

	removed := 0
	if r.ttl > 0 {
		finished = slices.DeleteFunc(finished, func(c candidate) bool {
			if now.Sub(c.finished) < r.ttl {
				return false
			}
			delete(r.jobs, c.id)
			removed++
			return true
		})
	}

	if r.maxJobs > 0 && len(r.jobs) > r.maxJobs {
		slices.SortFunc(finished, func(a, b candidate) int {
			return a.finished.Compare(b.finished)
		})
		for _, c := range finished {
			if len(r.jobs) <= r.maxJobs {
				break
			}
			delete(r.jobs, c.id)
			removed++
		}
	}
	return removed
}
