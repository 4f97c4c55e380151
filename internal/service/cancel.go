package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// Terminable is the part of a running process the cancellation ladder
// acts on. Runner implements it.
type Terminable interface {
	Terminate() error
	Kill() error
	Exited() <-chan struct{}
}

// Outcome is the step of the ladder at which the process exited.
type Outcome int

const (
	OutcomeGraceful Outcome = iota + 1
	OutcomeForced
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGraceful:
		return "graceful"
	case OutcomeForced:
		return "forced"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Ladder is the two phase termination: graceful signal, wait up to
// Graceful, forceful signal, wait up to Kill.
type Ladder struct {
	Graceful time.Duration
	Kill     time.Duration
}

// Run walks the ladder until p exits or both waits expire.
func (l Ladder) Run(ctx context.Context, p Terminable) Outcome {
	select {
	case <-p.Exited():
		return OutcomeGraceful
	default:
	}

	if err := p.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "sending termination signal", "error", err)
	}
	if waitExit(p, l.Graceful) {
		return OutcomeGraceful
	}

	slog.WarnContext(ctx, "process ignored termination signal: killing", "graceful_timeout", l.Graceful.String())
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "sending kill signal", "error", err)
	}
	if waitExit(p, l.Kill) {
		return OutcomeForced
	}
	return OutcomeTimeout
}

func waitExit(p Terminable, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Exited():
		return true
	case <-t.C:
		return false
	}
}

// settleSlack is added to the ladder timeouts and the output drain while
// Cancel waits for the job to reach its final state.
const settleSlack = 2 * time.Second

// Cancel stops the job. A pending job is cancelled directly and never
// spawned. A running job is marked cancelled and its process terminated
// via the Ladder, Cancel returns once the job settled or the ladder
// expired. Cancelling a finished job is a no-op returning it unchanged.
func (s *Supervisor) Cancel(ctx context.Context, id string) (model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))
	job, err := s.registry.Update(id, func(j *model.Job) error {
		if j.Status.Terminal() {
			return model.ErrAlreadyTerminal
		}
		j.Cancelled = true
		if j.Status == model.JobPending {
			j.Status = model.JobCancelled
			j.FinishedAt = s.registry.Now()
		}
		return nil
	})
	switch {
	case errors.Is(err, model.ErrAlreadyTerminal):
		slog.DebugContext(ctx, "cancel on finished job: ignoring", "status", job.Status)
		return job, nil
	case err != nil:
		return job, err
	}

	if job.Status == model.JobCancelled {
		slog.InfoContext(ctx, "job cancelled before start")
		s.metrics.finish(ctx, job)
		return job, nil
	}

	p := s.lookup(id)
	if p == nil {
		// finished between the update and the lookup
		return s.registry.Get(id)
	}
	if t, ok := p.claim(); ok {
		s.wg.Go(func() {
			s.terminate(context.WithoutCancel(ctx), id, p, t)
		})
	}

	t := time.NewTimer(s.ladder.Graceful + s.ladder.Kill + DefaultDrainDelay + settleSlack)
	defer t.Stop()
	select {
	case <-p.settled:
	case <-t.C:
		slog.WarnContext(ctx, "job did not settle after cancel")
	case <-ctx.Done():
	}
	return s.registry.Get(id)
}

// terminate runs the ladder against t. Unless the process outlives both
// signals the job is finalized by supervise once the process exits.
func (s *Supervisor) terminate(ctx context.Context, id string, p *proc, t Terminable) {
	var pid int
	if job, err := s.registry.Get(id); err == nil {
		pid = job.PID
	}
	slog.InfoContext(ctx, "terminating scanner", "pid", pid)
	outcome := s.ladder.Run(ctx, t)
	s.metrics.terminated(ctx, outcome)
	if outcome != OutcomeTimeout {
		slog.DebugContext(ctx, "scanner terminated", "pid", pid, "outcome", outcome.String())
		return
	}

	err := fmt.Errorf("%w: pid %d still running after %s and kill after %s",
		model.ErrTerminationTimeout, pid, s.ladder.Graceful, s.ladder.Kill)
	slog.ErrorContext(ctx, "scanner can't be terminated: operator attention required", "pid", pid, "error", err)
	job, uerr := s.registry.Update(id, func(j *model.Job) error {
		j.Fail(s.registry.Now(), err)
		return nil
	})
	if uerr != nil {
		slog.WarnContext(ctx, "termination timeout not recorded", "error", uerr)
	} else {
		s.metrics.finish(ctx, job)
	}
	p.settle()
}
