package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"PT5S", 5 * time.Second, false},
		{"PT0S", 0, false},
		{"PT1.5S", 1500 * time.Millisecond, false},
		{"PT0,25S", 250 * time.Millisecond, false},
		{"PT0.000000001S", time.Nanosecond, false},
		{"PT1M", time.Minute, false},
		{"PT24H", 24 * time.Hour, false},
		{"P1D", 24 * time.Hour, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT1H30M15S", time.Hour + 30*time.Minute + 15*time.Second, false},
		{"P2M", 0, true},
		{"P1W", 0, true},
		{"PT-5S", 0, true},
		{"PT1.5M", 0, true},
		{"PT0.0000000001S", 0, true},
		{"P99999999999999D", 0, true},
		{"P1DT", 0, true},
		{"PT", 0, true},
		{"P", 0, true},
		{"5s", 0, true},
		{"", 0, true},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tt.given)
			if tt.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}
}
