package service_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/registry"
	"github.com/CZERTAINLY/RepoStats/internal/service"
	"github.com/stretchr/testify/require"
)

func TestNewRetention(t *testing.T) {
	t.Parallel()
	reg := registry.New()

	var testCases = []struct {
		scenario string
		given    model.Schedule
		err      string
	}{
		{"cron", model.Schedule{Cron: "*/5 * * * *"}, ""},
		{"cron wins", model.Schedule{Cron: "@hourly", Duration: "bogus"}, ""},
		{"duration", model.Schedule{Duration: "PT1M"}, ""},
		{"empty", model.Schedule{}, "both cron and duration are empty"},
		{"bad cron", model.Schedule{Cron: "* * 32 * *"}, "parsing retention.schedule.cron: parsing cron \"* * 32 * *\": end of range (32) above maximum (31)"},
		{"bad duration", model.Schedule{Duration: "1m"}, "parsing retention.schedule.duration: invalid ISO8601 duration: \"1m\""},
		{"zero duration", model.Schedule{Duration: "PT0S"}, "retention.schedule.duration must be positive, got PT0S"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			r, err := service.NewRetention(t.Context(), tt.given, reg)
			if tt.err != "" {
				require.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			r.Shutdown(t.Context())
		})
	}

	_, err := service.NewRetention(t.Context(), model.Schedule{Duration: "PT1M"}, nil)
	require.Error(t, err)

	t.Run("interval above ttl", func(t *testing.T) {
		short := registry.New(registry.WithRetention(10, 30*time.Minute))
		_, err := service.NewRetention(t.Context(), model.Schedule{Cron: "@hourly"}, short)
		require.EqualError(t, err, "retention sweep interval 1h0m0s exceeds retention.ttl 30m0s")
		_, err = service.NewRetention(t.Context(), model.Schedule{Duration: "PT2H"}, short)
		require.EqualError(t, err, "retention sweep interval 2h0m0s exceeds retention.ttl 30m0s")

		r, err := service.NewRetention(t.Context(), model.Schedule{Cron: "*/30 * * * *"}, short)
		require.NoError(t, err)
		r.Shutdown(t.Context())
	})
}

func TestRetentionEvicts(t *testing.T) {
	t.Parallel()
	var now atomic.Pointer[time.Time]
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	now.Store(&start)
	reg := registry.New(
		registry.WithClock(func() time.Time { return *now.Load() }),
		registry.WithRetention(10, time.Hour),
	)

	finished := reg.Create(model.Analysis{Organizations: []string{"octo"}})
	_, err := reg.Update(finished, func(j *model.Job) error {
		j.Status = model.JobCancelled
		j.Cancelled = true
		j.FinishedAt = reg.Now()
		return nil
	})
	require.NoError(t, err)
	pending := reg.Create(model.Analysis{Organizations: []string{"octo"}})

	r, err := service.NewRetention(t.Context(), model.Schedule{Duration: "PT0.05S"}, reg)
	require.NoError(t, err)
	r.Start()
	t.Cleanup(func() { r.Shutdown(t.Context()) })

	later := start.Add(2 * time.Hour)
	now.Store(&later)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = reg.Get(pending)
	require.NoError(t, err)
	_, err = reg.Get(finished)
	require.ErrorIs(t, err, model.ErrNotFound)
}
