package service

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

const (
	orgsFile    = "orgs.txt"
	reposFile   = "repos.txt"
	outputFile  = "output.csv"
	tokenEnv    = "GH_TOKEN"
	hostnameEnv = "GH_HOST"
)

// Config is the parsed scanner section used by the Supervisor.
type Config struct {
	Path       string
	Workdir    string
	Graceful   time.Duration
	Kill       time.Duration
	TailLines  int
	LogLines   int
	OutputGlob string
	Env        map[string]string
}

func ParseConfig(s model.Scanner) (Config, error) {
	graceful, kill, err := s.Timeouts()
	if err != nil {
		return Config{}, err
	}
	if s.Path == "" {
		return Config{}, fmt.Errorf("scanner.path is empty")
	}
	return Config{
		Path:       s.Path,
		Workdir:    s.Workdir,
		Graceful:   graceful,
		Kill:       kill,
		TailLines:  s.TailLines,
		LogLines:   s.LogLines,
		OutputGlob: s.OutputGlob,
		Env:        s.Env,
	}, nil
}

// Invocation is a scanner command together with the input files it refers
// to. Files are relative to the job directory.
type Invocation struct {
	Command Command
	Files   map[string]string
}

// Build returns the scanner invocation for a. The token is passed in the
// environment only.
func (c Config) Build(a model.Analysis, dir string) Invocation {
	files := make(map[string]string)
	var args []string

	if len(a.Organizations) == 1 {
		args = append(args, "-o", a.Organizations[0])
	} else {
		files[orgsFile] = strings.Join(a.Organizations, "\n") + "\n"
		args = append(args, "-i", orgsFile)
	}
	if a.Hostname != "" && a.Hostname != model.DefaultHostname {
		args = append(args, "-H", a.Hostname)
	}
	args = append(args,
		"-O", "CSV",
		"-p", strconv.Itoa(a.RepoPageSize),
		"-e", strconv.Itoa(a.ExtraPageSize),
		"-y", a.TokenType,
	)
	if a.AnalyzeRepoConflicts {
		args = append(args, "-r")
	}
	if a.AnalyzeTeamConflicts {
		args = append(args, "-T")
	}
	if len(a.RepoList) > 0 {
		files[reposFile] = strings.Join(a.RepoList, "\n") + "\n"
		args = append(args, "-rl", reposFile)
	}

	return Invocation{
		Command: Command{
			Path: c.Path,
			Args: args,
			Env:  c.env(a),
			Dir:  dir,
		},
		Files: files,
	}
}

// env is the process environment with scanner.env and the credential
// appended, later entries win.
func (c Config) env(a model.Analysis) []string {
	env := os.Environ()
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	if a.Token != "" {
		env = append(env, tokenEnv+"="+a.Token.Reveal())
	}
	if a.Hostname != "" {
		env = append(env, hostnameEnv+"="+a.Hostname)
	}
	return env
}
