package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/parallel"
	"github.com/CZERTAINLY/RepoStats/internal/progress"
	"github.com/CZERTAINLY/RepoStats/internal/registry"
	"github.com/CZERTAINLY/RepoStats/internal/report"
)

// Supervisor runs one scanner process per job and keeps the registry
// up to date with its progress and outcome.
type Supervisor struct {
	cfg      Config
	ladder   Ladder
	registry *registry.Registry
	metrics  *metrics
	tracer   trace.Tracer

	mx    sync.Mutex
	procs map[string]*proc
	wg    sync.WaitGroup
}

// proc is the supervisor side of a running job.
type proc struct {
	mx          sync.Mutex
	runner      Terminable
	terminating bool
	settled     chan struct{}
	once        sync.Once
}

// claim marks the process as being terminated. It returns the process when
// the caller is the one to run the ladder.
func (p *proc) claim() (Terminable, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.terminating {
		return nil, false
	}
	p.terminating = true
	return p.runner, p.runner != nil
}

func (p *proc) settle() {
	p.once.Do(func() { close(p.settled) })
}

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

type Option func(*options)

// WithMeterProvider sets the provider of the supervisor metrics, the global
// one is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the provider of the job spans, the global one is
// used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func NewSupervisor(cfg Config, reg *registry.Registry, opts ...Option) (*Supervisor, error) {
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Supervisor{
		cfg:      cfg,
		ladder:   Ladder{Graceful: cfg.Graceful, Kill: cfg.Kill},
		registry: reg,
		metrics:  m,
		tracer:   tp.Tracer(instrumentationName),
		procs:    make(map[string]*proc),
	}, nil
}

// Submit creates a pending job for a and starts it in the background.
func (s *Supervisor) Submit(ctx context.Context, a model.Analysis) (model.Job, error) {
	a = a.WithDefaults()
	if len(a.Organizations) == 0 {
		return model.Job{}, errors.New("at least one organization is required")
	}
	id := s.registry.Create(a)
	slog.InfoContext(ctx, "job submitted", "job_id", id, "organizations", a.Organizations, "hostname", a.Hostname)

	bg := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		if err := s.Start(bg, id); err != nil {
			slog.ErrorContext(bg, "job start failed", "job_id", id, "error", err)
		}
	})
	return s.registry.Get(id)
}

func (s *Supervisor) Get(id string) (model.Job, error) {
	return s.registry.Get(id)
}

func (s *Supervisor) List(limit int) []model.Job {
	return s.registry.List(limit)
}

// Start spawns the scanner of a pending job. A job cancelled before it
// started is left untouched. Scanner failures are recorded in the job,
// the returned error is for a job that can't be started at all.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))
	p, err := s.attach(id)
	if err != nil {
		return err
	}

	job, err := s.registry.Update(id, func(j *model.Job) error {
		if j.Status != model.JobPending || j.Cancelled {
			return model.ErrAlreadyTerminal
		}
		j.Status = model.JobRunning
		j.StartedAt = s.registry.Now()
		if n := len(j.Config.RepoList); n > 0 {
			j.Progress.Total = n
		}
		return nil
	})
	if err != nil {
		s.detach(id, p)
		if errors.Is(err, model.ErrAlreadyTerminal) {
			slog.DebugContext(ctx, "job not pending: not starting", "status", job.Status)
			return nil
		}
		return err
	}

	// the job outlives the request which submitted it
	ctx, _ = s.tracer.Start(ctx, "repostats.job",
		trace.WithNewRoot(),
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.StringSlice("job.organizations", job.Config.Organizations),
			attribute.String("job.hostname", job.Config.Hostname),
		))

	dir, err := os.MkdirTemp(s.cfg.Workdir, "repostats-"+id+"-")
	if err != nil {
		s.finish(ctx, id, report.Report{}, fmt.Errorf("%w: creating job directory: %w", model.ErrSpawn, err))
		s.detach(id, p)
		return nil
	}

	inv := s.cfg.Build(job.Config, dir)
	out, err := prepare(dir, inv.Files)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.finish(ctx, id, report.Report{}, fmt.Errorf("%w: %w", model.ErrSpawn, err))
		s.detach(id, p)
		return nil
	}

	secret := job.Config.Token
	tail := newTail(s.cfg.TailLines)
	runner := NewRunner()
	onLine := func(ctx context.Context, line string) {
		line = secret.Redact(line)
		tail.add(line)
		s.metrics.line(ctx)
		s.apply(ctx, id, line)
	}

	if err := runner.Start(ctx, inv.Command, out, onLine); err != nil {
		_ = out.Close()
		_ = os.RemoveAll(dir)
		slog.ErrorContext(ctx, "scanner can't be started", "path", inv.Command.Path, "error", err)
		s.finish(ctx, id, report.Report{}, err)
		s.detach(id, p)
		return nil
	}
	pid := runner.PID()
	s.metrics.start(ctx)
	slog.InfoContext(ctx, "scanner started", "pid", pid, "dir", dir)

	if _, err := s.registry.Update(id, func(j *model.Job) error {
		j.PID = pid
		j.Dir = dir
		return nil
	}); err != nil {
		slog.DebugContext(ctx, "recording pid", "error", err)
	}

	p.mx.Lock()
	p.runner = runner
	terminating := p.terminating
	p.mx.Unlock()
	if terminating {
		// cancelled while spawning
		s.wg.Go(func() {
			s.terminate(ctx, id, p, runner)
		})
	}

	s.wg.Go(func() {
		s.supervise(ctx, id, p, runner, dir, out, tail)
	})
	return nil
}

// prepare writes the input files and creates the stdout sink in dir.
func prepare(dir string, files map[string]string) (*os.File, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening job directory: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()
	for name, content := range files {
		if err := root.WriteFile(name, []byte(content), 0o600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	out, err := root.Create(outputFile)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", outputFile, err)
	}
	return out, nil
}

// apply folds a diagnostic line into the job.
func (s *Supervisor) apply(ctx context.Context, id, line string) {
	_, err := s.registry.Update(id, func(j *model.Job) error {
		j.AppendLog(line, s.cfg.LogLines)
		if j.Status != model.JobRunning {
			return nil
		}
		if next, ok := progress.Advance(line, j.Progress); ok {
			j.Progress = next
		}
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "diagnostic line not applied", "error", err)
	}
}

func (s *Supervisor) supervise(ctx context.Context, id string, p *proc, runner *Runner, dir string, out *os.File, tail *tail) {
	defer p.settle()
	defer s.detach(id, p)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "removing job directory", "dir", dir, "error", err)
		}
	}()

	<-runner.Exited()
	s.metrics.exit(ctx)
	s.release(ctx, id)
	<-runner.Drained()
	if err := out.Close(); err != nil {
		slog.DebugContext(ctx, "closing output", "error", err)
	}
	res := runner.Result()
	trace.SpanFromContext(ctx).AddEvent("scanner exited", trace.WithAttributes(attribute.Int("exit_code", res.ExitCode())))
	slog.DebugContext(ctx, "scanner exited", "code", res.ExitCode(), "duration", res.Stopped.Sub(res.Started).String())

	rep, err := s.evaluate(ctx, res, dir, tail)
	s.finish(ctx, id, rep, err)
}

// release drops the pid of an exited scanner while its output is still
// being read.
func (s *Supervisor) release(ctx context.Context, id string) {
	_, err := s.registry.Update(id, func(j *model.Job) error {
		if j.Status.Terminal() {
			return model.ErrAlreadyTerminal
		}
		j.PID = 0
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "releasing pid", "error", err)
	}
}

// evaluate decides whether the run is a success candidate and parses its
// output if so.
func (s *Supervisor) evaluate(ctx context.Context, res Result, dir string, tail *tail) (report.Report, error) {
	if code := res.ExitCode(); code != 0 {
		return report.Report{}, fmt.Errorf("%w: exit code %d%s", model.ErrExitNonZero, code, tail.context())
	}
	if res.ReadErr != nil {
		return report.Report{}, fmt.Errorf("%w: reading output: %w%s", model.ErrMissingOutput, res.ReadErr, tail.context())
	}
	path, err := s.locate(dir)
	if err != nil {
		return report.Report{}, fmt.Errorf("%w%s", err, tail.context())
	}
	slog.DebugContext(ctx, "parsing results", "path", filepath.Base(path))
	return report.ParseFile(ctx, path)
}

// locate returns the captured stdout if not empty, otherwise a file the
// scanner wrote to the job directory matching the output glob.
func (s *Supervisor) locate(dir string) (string, error) {
	primary := filepath.Join(dir, outputFile)
	if nonEmpty(primary) {
		return primary, nil
	}
	if s.cfg.OutputGlob != "" {
		matches, err := filepath.Glob(filepath.Join(dir, s.cfg.OutputGlob))
		if err != nil {
			return "", fmt.Errorf("%w: %w", model.ErrMissingOutput, err)
		}
		for _, m := range matches {
			if nonEmpty(m) {
				return m, nil
			}
		}
	}
	return "", model.ErrMissingOutput
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// finish moves the job to its terminal status and ends the job span.
// Cancellation wins over the outcome of the run.
func (s *Supervisor) finish(ctx context.Context, id string, rep report.Report, runErr error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	job, err := s.registry.Update(id, func(j *model.Job) error {
		now := s.registry.Now()
		j.PID = 0
		j.Dir = ""
		switch {
		case j.Cancelled:
			j.Status = model.JobCancelled
			j.FinishedAt = now
		case runErr != nil:
			j.Fail(now, runErr)
		default:
			summary := rep.Summary
			j.Status = model.JobCompleted
			j.Records = rep.Repos
			j.Summary = &summary
			j.FinishedAt = now
			if j.Progress.Total == 0 {
				j.Progress.Total = len(rep.Repos)
			}
			j.Progress.Processed = j.Progress.Total
		}
		return nil
	})
	if errors.Is(err, model.ErrAlreadyTerminal) {
		// failed by a termination timeout, the process exited late
		slog.DebugContext(ctx, "job already finished", "status", job.Status)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "job outcome not recorded", "error", err)
		return
	}
	s.metrics.finish(ctx, job)
	span.SetAttributes(
		attribute.String("job.status", job.Status.String()),
		attribute.Int("job.repos", len(job.Records)),
	)
	switch job.Status {
	case model.JobFailed:
		span.SetStatus(codes.Error, string(job.ErrorKind))
		slog.ErrorContext(ctx, "job failed", "error_kind", job.ErrorKind, "error", job.Error)
	default:
		slog.InfoContext(ctx, "job finished", "status", job.Status, "repos", len(job.Records))
	}
}

func (s *Supervisor) attach(id string) (*proc, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.procs[id]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInProgress, id)
	}
	p := &proc{settled: make(chan struct{})}
	s.procs[id] = p
	return p, nil
}

func (s *Supervisor) detach(id string, p *proc) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.procs[id] == p {
		delete(s.procs, id)
	}
	p.settle()
}

func (s *Supervisor) lookup(id string) *proc {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.procs[id]
}

// Shutdown cancels every job which is not finished and waits for all
// background work, or until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var live []string
	for _, job := range s.registry.List(0) {
		if !job.Status.Terminal() {
			live = append(live, job.ID)
		}
	}
	if len(live) > 0 {
		slog.InfoContext(ctx, "cancelling live jobs", "count", len(live))
		for job, err := range parallel.Map(ctx, 4, live, s.Cancel) {
			if err != nil {
				slog.WarnContext(ctx, "cancel on shutdown", "error", err)
				continue
			}
			slog.DebugContext(ctx, "job stopped", "job_id", job.ID, "status", job.Status)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tail keeps the last n diagnostic lines for error messages. It is written
// by the stderr reader only and read after the process exited.
type tail struct {
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: max(n, 0)}
}

func (t *tail) add(line string) {
	if t.n == 0 {
		return
	}
	if len(t.lines) == t.n {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.n-1]
	}
	t.lines = append(t.lines, line)
}

func (t *tail) context() string {
	if len(t.lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(t.lines, "\n")
}
