package progress_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/progress"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		line     string
		prior    model.Progress
		then     model.Progress
		rule     progress.Rule
	}{
		{"index with name", "Processing 1/3: A", model.Progress{}, model.Progress{Processed: 1, Total: 3, Current: "A"}, progress.RuleIndex},
		{"index without name", "Processing 2/3", model.Progress{Processed: 1, Total: 3, Current: "A"}, model.Progress{Processed: 2, Total: 3, Current: "A"}, progress.RuleIndex},
		{"index repo prefix and suffix", "processing repo 4 / 10: octo/api (archived)", model.Progress{}, model.Progress{Processed: 4, Total: 10, Current: "octo/api"}, progress.RuleIndex},
		{"index of", "PROCESSING repository 2 of 5 - web", model.Progress{}, model.Progress{Processed: 2, Total: 5, Current: "web"}, progress.RuleIndex},
		{"index stale total", "Processing 2/3: B", model.Progress{Processed: 1, Total: 8}, model.Progress{Processed: 2, Total: 8, Current: "B"}, progress.RuleIndex},
		{"index clamps processed", "Processing 9/3", model.Progress{}, model.Progress{Processed: 3, Total: 3}, progress.RuleIndex},
		{"name", "Analyzing repo-a", model.Progress{Processed: 1, Total: 2}, model.Progress{Processed: 1, Total: 2, Current: "repo-a"}, progress.RuleName},
		{"name quoted", `Analyzing repository "svc" (3 branches)`, model.Progress{}, model.Progress{Current: "svc"}, progress.RuleName},
		{"total first", "Found 42 repositories", model.Progress{}, model.Progress{Total: 42}, progress.RuleTotal},
		{"total already known", "found 50 repos", model.Progress{Total: 42}, model.Progress{Total: 42}, progress.RuleTotal},
		{"noise", "Fetching page 2 of results", model.Progress{Total: 3}, model.Progress{Total: 3}, progress.RuleNone},
		{"empty", "   ", model.Progress{}, model.Progress{}, progress.RuleNone},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			got, rule := progress.Match(tt.line, tt.prior)
			require.Equal(t, tt.rule, rule)
			require.Equal(t, tt.then, got)
		})
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()
	prior := model.Progress{Total: 3}

	_, ok := progress.Extract("Found 3 items", prior)
	require.False(t, ok, "redundant discovery is a no-op")

	_, ok = progress.Extract("nothing to see", prior)
	require.False(t, ok)

	next, ok := progress.Extract("Processing 1/3: A", prior)
	require.True(t, ok)
	require.Equal(t, 33, next.Percent())
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	prior := model.Progress{Processed: 5, Total: 10, Current: "e"}

	_, ok := progress.Advance("Processing 3/10: c", prior)
	require.False(t, ok, "percentage must not decrease")

	_, ok = progress.Advance("Processing 6/8: f", prior)
	require.True(t, ok, "a stale total keeps the larger one")

	next, ok := progress.Advance("Analyzing f", prior)
	require.True(t, ok)
	require.Equal(t, model.Progress{Processed: 5, Total: 10, Current: "f"}, next)

	next, ok = progress.Advance("unrelated", prior)
	require.False(t, ok)
	require.Equal(t, prior, next)
}

// replay folds lines the way the supervisor applies them to a job.
func replay(lines []string) model.Progress {
	var p model.Progress
	for _, line := range lines {
		if next, ok := progress.Advance(line, p); ok {
			p = next
		}
	}
	return p
}

func TestReplayMonotonic(t *testing.T) {
	t.Parallel()
	lines := []string{
		"Found 10 repositories",
		"Processing 1/10: a",
		"Analyzing b",
		"Processing 2/10: b",
		"Processing 5/10: e",
		"Processing 3/10: c",
		"Processing 6/8: f",
		"Processing 10/10: j",
	}
	var p model.Progress
	last := 0
	for i := range lines {
		p = replay(lines[:i+1])
		require.GreaterOrEqual(t, p.Percent(), last, "after %q", lines[i])
		last = p.Percent()
	}
	require.Equal(t, model.Progress{Processed: 10, Total: 10, Current: "j"}, p)
}

type golden struct {
	Processed int    `json:"processed_count"`
	Total     int    `json:"total_count"`
	Current   string `json:"current_item"`
	Percent   int    `json:"progress_percent"`
}

func TestGolden(t *testing.T) {
	t.Parallel()
	dir := filepath.Join("testdata", fmt.Sprintf("v%d", progress.ContractVersion))
	logs, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	for _, path := range logs {
		name := strings.TrimSuffix(filepath.Base(path), ".log")
		t.Run(name, func(t *testing.T) {
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			want, err := os.ReadFile(filepath.Join(dir, name+".golden.json"))
			require.NoError(t, err)
			var then golden
			require.NoError(t, json.Unmarshal(want, &then))

			p := replay(strings.Split(string(raw), "\n"))
			require.Equal(t, then, golden{
				Processed: p.Processed,
				Total:     p.Total,
				Current:   p.Current,
				Percent:   p.Percent(),
			})
		})
	}
}
