package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/service"

	"github.com/stretchr/testify/require"
)

const scannerConfig = `
version: 0
scanner:
  path: /opt/gh-repo-stats/gh-repo-stats
  graceful_timeout: PT2S
  kill_timeout: PT0.5S
  env:
    home: $HOME
    LC_ALL: C
`

func TestParseConfig(t *testing.T) {
	t.Parallel()
	full, err := model.LoadConfig(strings.NewReader(scannerConfig))
	require.NoError(t, err)
	cfg, err := service.ParseConfig(full.Scanner)
	require.NoError(t, err)

	require.Equal(t, "/opt/gh-repo-stats/gh-repo-stats", cfg.Path)
	require.Equal(t, 2*time.Second, cfg.Graceful)
	require.Equal(t, 500*time.Millisecond, cfg.Kill)
	require.Equal(t, 20, cfg.TailLines)
	require.Equal(t, 500, cfg.LogLines)
	require.Equal(t, "*-all_repos-*.csv", cfg.OutputGlob)

	t.Run("bad timeout", func(t *testing.T) {
		s := full.Scanner
		s.KillTimeout = "5s"
		_, err := service.ParseConfig(s)
		require.ErrorIs(t, err, model.ErrISOFormat)
	})
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestBuild(t *testing.T) {
	t.Setenv("HOME", "/home/octo")
	cfg := service.Config{
		Path: "gh-repo-stats",
		Env: map[string]string{
			"home":   "$HOME",
			"LC_ALL": "C",
		},
	}

	var testCases = []struct {
		scenario string
		given    model.Analysis
		args     []string
		files    map[string]string
	}{
		{
			scenario: "single org",
			given: model.Analysis{
				Organizations: []string{"octo"},
				Token:         "ghp_secret",
			}.WithDefaults(),
			args:  []string{"-o", "octo", "-O", "CSV", "-p", "10", "-e", "50", "-y", "user"},
			files: map[string]string{},
		},
		{
			scenario: "orgs file, enterprise host, flags and repo list",
			given: model.Analysis{
				Organizations:        []string{"octo", "hub"},
				RepoList:             []string{"api", "web"},
				Hostname:             "ghe.example.com",
				Token:                "ghp_secret",
				RepoPageSize:         5,
				ExtraPageSize:        20,
				TokenType:            model.TokenTypeApp,
				AnalyzeRepoConflicts: true,
				AnalyzeTeamConflicts: true,
			},
			args: []string{
				"-i", "orgs.txt", "-H", "ghe.example.com", "-O", "CSV", "-p", "5", "-e", "20",
				"-y", "app", "-r", "-T", "-rl", "repos.txt",
			},
			files: map[string]string{
				"orgs.txt":  "octo\nhub\n",
				"repos.txt": "api\nweb\n",
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			inv := cfg.Build(tt.given, "/tmp/job")
			require.Equal(t, "gh-repo-stats", inv.Command.Path)
			require.Equal(t, "/tmp/job", inv.Command.Dir)
			require.Equal(t, tt.args, inv.Command.Args)
			require.Equal(t, tt.files, inv.Files)
			for _, arg := range inv.Command.Args {
				require.NotContains(t, arg, "ghp_secret")
			}

			env := envMap(inv.Command.Env)
			require.Equal(t, "ghp_secret", env["GH_TOKEN"])
			require.Equal(t, tt.given.Hostname, env["GH_HOST"])
			require.Equal(t, "/home/octo", env["HOME"])
			require.Equal(t, "C", env["LC_ALL"])
		})
	}
}
