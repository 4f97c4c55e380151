package model

import (
	"log/slog"
	"slices"
	"strings"
)

const (
	DefaultHostname      = "github.com"
	DefaultRepoPageSize  = 10
	DefaultExtraPageSize = 50

	TokenTypeUser = "user"
	TokenTypeApp  = "app"
)

// Secret is an opaque credential. It never renders its value through
// fmt, encoding/json or slog.
type Secret string

const redacted = "[REDACTED]"

// Reveal returns the raw value. Use only for the scanner environment or
// the Authorization header.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Redact replaces every occurrence of the secret in line.
func (s Secret) Redact(line string) string {
	if s == "" {
		return line
	}
	return strings.ReplaceAll(line, string(s), redacted)
}

// Analysis is the immutable input of a job, captured at creation.
type Analysis struct {
	Organizations        []string `json:"organizations"`
	RepoList             []string `json:"repo_list,omitempty"`
	Hostname             string   `json:"hostname"`
	Token                Secret   `json:"-"`
	RepoPageSize         int      `json:"repo_page_size"`
	ExtraPageSize        int      `json:"extra_page_size"`
	TokenType            string   `json:"token_type"`
	AnalyzeRepoConflicts bool     `json:"analyze_repo_conflicts"`
	AnalyzeTeamConflicts bool     `json:"analyze_team_conflicts"`
}

// WithDefaults fills the zero fields the way the scanner expects them.
func (a Analysis) WithDefaults() Analysis {
	a.Hostname = strings.TrimSpace(a.Hostname)
	if a.Hostname == "" {
		a.Hostname = DefaultHostname
	}
	if a.RepoPageSize <= 0 {
		a.RepoPageSize = DefaultRepoPageSize
	}
	if a.ExtraPageSize <= 0 {
		a.ExtraPageSize = DefaultExtraPageSize
	}
	if a.TokenType == "" {
		a.TokenType = TokenTypeUser
	}
	return a
}

// Equal reports whether both snapshots carry the same inputs.
func (a Analysis) Equal(b Analysis) bool {
	return slices.Equal(a.Organizations, b.Organizations) &&
		slices.Equal(a.RepoList, b.RepoList) &&
		a.Hostname == b.Hostname &&
		a.Token == b.Token &&
		a.RepoPageSize == b.RepoPageSize &&
		a.ExtraPageSize == b.ExtraPageSize &&
		a.TokenType == b.TokenType &&
		a.AnalyzeRepoConflicts == b.AnalyzeRepoConflicts &&
		a.AnalyzeTeamConflicts == b.AnalyzeTeamConflicts
}

// SplitList splits comma or newline separated input, dropping blanks.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
