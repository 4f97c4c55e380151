package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/registry"
	"github.com/CZERTAINLY/RepoStats/internal/report"
	"github.com/CZERTAINLY/RepoStats/internal/telemetry"
	"github.com/spf13/cobra"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// tokenEnv holds the GitHub credential, it is never accepted as a flag.
const tokenEnv = "GH_TOKEN"

var (
	flagOrgs          []string
	flagRepos         []string
	flagHostname      string
	flagTokenType     string
	flagOutput        string
	flagRepoPageSize  int
	flagExtraPageSize int
	flagRepoConflicts bool
	flagTeamConflicts bool
	pollInterval      = 500 * time.Millisecond
)

func init() {
	f := analyzeCmd.Flags()
	f.StringSliceVarP(&flagOrgs, "org", "o", nil, "organization to analyze, repeat or separate by comma")
	f.StringSliceVar(&flagRepos, "repo", nil, "restrict the analysis to these repositories")
	f.StringVarP(&flagHostname, "hostname", "H", model.DefaultHostname, "GitHub hostname")
	f.StringVar(&flagTokenType, "token-type", model.TokenTypeUser, "token type: user or app")
	f.StringVar(&flagOutput, "output", "-", "CSV output file, - is stdout")
	f.IntVar(&flagRepoPageSize, "repo-page-size", 0, "repositories per page")
	f.IntVar(&flagExtraPageSize, "extra-page-size", 0, "extra items per page")
	f.BoolVar(&flagRepoConflicts, "repo-conflicts", false, "analyze repository name conflicts")
	f.BoolVar(&flagTeamConflicts, "team-conflicts", false, "analyze team name conflicts")
	_ = analyzeCmd.MarkFlagRequired("org")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "analyze runs a single analysis and writes the records as CSV, the token is read from " + tokenEnv,
	RunE:  doAnalyze,
}

func doAnalyze(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("repostats",
		slog.String("cmd", "analyze"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if flagTokenType != model.TokenTypeUser && flagTokenType != model.TokenTypeApp {
		return fmt.Errorf("unsupported token type %q", flagTokenType)
	}
	a := model.Analysis{
		Organizations:        model.SplitList(strings.Join(flagOrgs, "\n")),
		RepoList:             model.SplitList(strings.Join(flagRepos, "\n")),
		Hostname:             flagHostname,
		Token:                model.Secret(os.Getenv(tokenEnv)),
		RepoPageSize:         flagRepoPageSize,
		ExtraPageSize:        flagExtraPageSize,
		TokenType:            flagTokenType,
		AnalyzeRepoConflicts: flagRepoConflicts,
		AnalyzeTeamConflicts: flagTeamConflicts,
	}

	supervisor, err := newSupervisor(registry.New(), telemetry.Providers{
		Meter:  metricnoop.NewMeterProvider(),
		Tracer: tracenoop.NewTracerProvider(),
	})
	if err != nil {
		return err
	}
	job, err := supervisor.Submit(ctx, a)
	if err != nil {
		return err
	}
	job, err = waitJob(ctx, supervisor, job.ID)
	if err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "analysis did not stop in time", "error", err)
	}

	switch job.Status {
	case model.JobCompleted:
	case model.JobCancelled:
		return errors.New("analysis cancelled")
	default:
		return fmt.Errorf("analysis failed (%s): %s", job.ErrorKind, job.Error)
	}

	if err := writeRecords(flagOutput, cmd.OutOrStdout(), job.Records); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.ErrOrStderr())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]model.Summary{"summary": *job.Summary})
}

type jobs interface {
	Get(id string) (model.Job, error)
	Cancel(ctx context.Context, id string) (model.Job, error)
}

// waitJob polls the job until it is finished. When ctx is done the job is
// cancelled and its final state returned.
func waitJob(ctx context.Context, j jobs, id string) (model.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last int
	for {
		job, err := j.Get(id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if pct := job.Progress.Percent(); pct != last {
			last = pct
			slog.InfoContext(ctx, "analysis progress",
				"percent", pct,
				"processed", job.Progress.Processed,
				"total", job.Progress.Total,
				"current", job.Progress.Current)
		}
		select {
		case <-ctx.Done():
			slog.WarnContext(ctx, "interrupted, cancelling analysis", "job_id", id)
			return j.Cancel(context.WithoutCancel(ctx), id)
		case <-ticker.C:
		}
	}
}

func writeRecords(path string, stdout io.Writer, repos []model.Repo) error {
	if path == "" || path == "-" {
		return report.WriteCSV(stdout, repos)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := report.WriteCSV(f, repos); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
