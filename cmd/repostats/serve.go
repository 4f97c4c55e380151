package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/api"
	"github.com/CZERTAINLY/RepoStats/internal/github"
	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/registry"
	"github.com/CZERTAINLY/RepoStats/internal/service"
	"github.com/CZERTAINLY/RepoStats/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and the analysis jobs",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("repostats",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		slog.DebugContext(ctx, fmt.Sprintf(format, args...))
	}))
	if err != nil {
		slog.WarnContext(ctx, "setting GOMAXPROCS", "error", err)
	}
	defer undo()

	providers, shutdownTelemetry, err := telemetry.Init(ctx, config.Telemetry, version())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		shutdownTelemetry(ctx)
	}()

	reg, err := newRegistry(config.Retention)
	if err != nil {
		return err
	}
	supervisor, err := newSupervisor(reg, providers)
	if err != nil {
		return err
	}

	retention, err := service.NewRetention(ctx, config.Retention.Schedule, reg)
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Shutdown(context.WithoutCancel(ctx))

	checker := github.Checker{}
	if config.GitHub != nil {
		checker.APIURL = config.GitHub.APIURL
	}
	server, err := api.New(api.Options{
		Jobs:           supervisor,
		Tokens:         checker,
		Limits:         config.Limits,
		Version:        version(),
		MeterProvider:  providers.Meter,
		TracerProvider: providers.Tracer,
	})
	if err != nil {
		return err
	}

	serveErr := server.ListenAndServe(ctx, config.Service.Listen)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "jobs did not stop in time", "error", err)
	}
	return serveErr
}

func newRegistry(cfg model.Retention) (*registry.Registry, error) {
	ttl, err := model.ParseISODuration(cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("parsing retention.ttl: %w", err)
	}
	return registry.New(registry.WithRetention(cfg.MaxJobs, ttl)), nil
}

func newSupervisor(reg *registry.Registry, p telemetry.Providers) (*service.Supervisor, error) {
	cfg, err := service.ParseConfig(config.Scanner)
	if err != nil {
		return nil, err
	}
	return service.NewSupervisor(cfg, reg,
		service.WithMeterProvider(p.Meter),
		service.WithTracerProvider(p.Tracer),
	)
}
