package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	Scanner   Scanner    `json:"scanner" yaml:"scanner"`
	Retention Retention  `json:"retention" yaml:"retention"`
	Limits    Limits     `json:"limits" yaml:"limits"`
	GitHub    *GitHub    `json:"github,omitempty" yaml:"github,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

type Service struct {
	Listen  string `json:"listen" yaml:"listen"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Scanner configures how the external gh-repo-stats executable is run.
type Scanner struct {
	Path            string            `json:"path" yaml:"path"`
	Workdir         string            `json:"workdir,omitempty" yaml:"workdir,omitempty"` // parent of per-job temp dirs, empty => os.TempDir
	GracefulTimeout string            `json:"graceful_timeout" yaml:"graceful_timeout"`
	KillTimeout     string            `json:"kill_timeout" yaml:"kill_timeout"`
	TailLines       int               `json:"tail_lines" yaml:"tail_lines"`
	LogLines        int               `json:"log_lines" yaml:"log_lines"`
	OutputGlob      string            `json:"output_glob" yaml:"output_glob"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Timeouts returns the parsed graceful and kill timeouts.
func (s Scanner) Timeouts() (graceful, kill time.Duration, err error) {
	graceful, err = ParseISODuration(s.GracefulTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing scanner.graceful_timeout: %w", err)
	}
	kill, err = ParseISODuration(s.KillTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing scanner.kill_timeout: %w", err)
	}
	return graceful, kill, nil
}

// Retention bounds the number and age of finished jobs kept in memory.
type Retention struct {
	MaxJobs  int      `json:"max_jobs" yaml:"max_jobs"`
	TTL      string   `json:"ttl" yaml:"ttl"`
	Schedule Schedule `json:"schedule" yaml:"schedule"`
}

// Schedule of the retention sweep, cron has a precedence.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Limits struct {
	AnalyzeRPS   float64 `json:"analyze_rps" yaml:"analyze_rps"`
	AnalyzeBurst int     `json:"analyze_burst" yaml:"analyze_burst"`
}

type GitHub struct {
	APIURL string `json:"api_url" yaml:"api_url"`
}

type Telemetry struct {
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool   `json:"insecure" yaml:"insecure"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration with every schema default applied.
func DefaultConfig(ctx context.Context) Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		slog.ErrorContext(ctx, "default config does not validate", "error", err)
		panic(err)
	}
	return cfg
}
