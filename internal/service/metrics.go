package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// instrumentationName names both the meter and the tracer of this package.
const instrumentationName = "github.com/CZERTAINLY/RepoStats/internal/service"

type metrics struct {
	started      metric.Int64Counter
	finished     metric.Int64Counter
	active       metric.Int64UpDownCounter
	duration     metric.Float64Histogram
	lines        metric.Int64Counter
	skipped      metric.Int64Counter
	terminations metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var m metrics
	var err error
	if m.started, err = meter.Int64Counter("repostats.jobs.started",
		metric.WithDescription("Scanner processes spawned.")); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("repostats.jobs.finished",
		metric.WithDescription("Jobs reaching a terminal status.")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("repostats.jobs.active",
		metric.WithDescription("Scanner processes currently running.")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("repostats.jobs.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time from start to a terminal status.")); err != nil {
		return nil, err
	}
	if m.lines, err = meter.Int64Counter("repostats.scanner.lines",
		metric.WithDescription("Diagnostic lines read from scanners.")); err != nil {
		return nil, err
	}
	if m.skipped, err = meter.Int64Counter("repostats.report.skipped_rows",
		metric.WithDescription("Result rows which could not be parsed.")); err != nil {
		return nil, err
	}
	if m.terminations, err = meter.Int64Counter("repostats.scanner.terminations",
		metric.WithDescription("Cancellation ladders by outcome.")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) start(ctx context.Context) {
	m.started.Add(ctx, 1)
	m.active.Add(ctx, 1)
}

func (m *metrics) exit(ctx context.Context) {
	m.active.Add(ctx, -1)
}

func (m *metrics) line(ctx context.Context) {
	m.lines.Add(ctx, 1)
}

func (m *metrics) finish(ctx context.Context, job model.Job) {
	attrs := metric.WithAttributes(attribute.String("status", job.Status.String()))
	m.finished.Add(ctx, 1, attrs)
	if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
		m.duration.Record(ctx, job.FinishedAt.Sub(job.StartedAt).Seconds(), attrs)
	}
	if job.Summary != nil && job.Summary.SkippedRows > 0 {
		m.skipped.Add(ctx, int64(job.Summary.SkippedRows))
	}
}

func (m *metrics) terminated(ctx context.Context, outcome Outcome) {
	m.terminations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}
