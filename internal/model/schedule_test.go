package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"*/15 * * * *", 15 * time.Minute},
		{" 0 * * * * ", time.Hour},
		{"@every 5m", 5 * time.Minute},
		{"@hourly", time.Hour},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			d, err := model.ParseCron(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}

	_, err := model.ParseCron("")
	require.EqualError(t, err, "empty cron expression")

	_, err = model.ParseCron("* * 32 * *")
	require.Error(t, err)

	// six fields need a seconds aware parser
	_, err = model.ParseCron("0 */5 * * * *")
	require.Error(t, err)
}
