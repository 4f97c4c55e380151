package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/registry"
)

// Retention periodically evicts finished jobs from the registry.
type Retention struct {
	scheduler gocron.Scheduler
}

// NewRetention schedules reg.Evict according to cfg, cron has a precedence
// over duration. A sweep interval above the registry TTL is refused, jobs
// would be kept up to twice as long. Call Start to run it.
func NewRetention(ctx context.Context, cfg model.Schedule, reg *registry.Registry, opts ...gocron.SchedulerOption) (*Retention, error) {
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	var (
		job      gocron.JobDefinition
		interval time.Duration
		err      error
	)
	switch {
	case cfg.Cron != "":
		interval, err = model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
	case cfg.Duration != "":
		interval, err = model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule.duration: %w", err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("retention.schedule.duration must be positive, got %s", cfg.Duration)
		}
		job = gocron.DurationJob(interval)
	default:
		return nil, errors.New("both cron and duration are empty")
	}
	if ttl := reg.TTL(); ttl > 0 && interval > ttl {
		return nil, fmt.Errorf("retention sweep interval %s exceeds retention.ttl %s", interval, ttl)
	}
	slog.DebugContext(ctx, "retention scheduled", "cron", cfg.Cron, "interval", interval.String())

	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			if n := reg.Evict(); n > 0 {
				slog.InfoContext(ctx, "evicted finished jobs", "count", n, "kept", reg.Len())
			}
		}),
		gocron.WithName("retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return &Retention{scheduler: s}, nil
}

func (r *Retention) Start() {
	r.scheduler.Start()
}

func (r *Retention) Shutdown(ctx context.Context) {
	if err := r.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}
