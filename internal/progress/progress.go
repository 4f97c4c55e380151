// Package progress turns gh-repo-stats diagnostic lines into job counters.
//
// Three line shapes are recognized, tried in this order, first match wins:
//
//	Processing <i>/<n>[: <name>]    index rule
//	Analyzing <name>                name rule
//	Found <n> <noun>                total discovery rule
//
// Matching is case-insensitive. Anything after the matched number or name is
// ignored, and any other line leaves the counters untouched.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// ContractVersion identifies the set of recognized line shapes. Fixtures in
// testdata/v<ContractVersion> pin the behavior.
const ContractVersion = 1

var (
	indexRx = regexp.MustCompile(`(?i)\bprocessing\s+(?:repo(?:sitory)?\s+)?#?(\d+)\s*(?:/|of)\s*(\d+)(?:\s*[:\-]\s*["']?([^\s"']+))?`)
	nameRx  = regexp.MustCompile(`(?i)\banalyzing\s+(?:repo(?:sitory)?\s+)?["']?([^\s"']+)`)
	totalRx = regexp.MustCompile(`(?i)\bfound\s+(\d+)\s+\w+`)
)

// Rule names which line shape produced an update.
type Rule int

const (
	RuleNone Rule = iota
	RuleIndex
	RuleName
	RuleTotal
)

func (r Rule) String() string {
	switch r {
	case RuleIndex:
		return "index"
	case RuleName:
		return "name"
	case RuleTotal:
		return "total"
	default:
		return "none"
	}
}

// Extract applies line to prior and returns the updated counters. It
// returns false when the line carries no progress information or when it
// would not change anything.
func Extract(line string, prior model.Progress) (model.Progress, bool) {
	next, rule := match(line, prior)
	if rule == RuleNone || next == prior {
		return prior, false
	}
	return next, true
}

// match is Extract reporting the rule which matched.
func match(line string, prior model.Progress) (model.Progress, Rule) {
	line = strings.TrimSpace(line)
	if line == "" {
		return prior, RuleNone
	}

	if m := indexRx.FindStringSubmatch(line); m != nil {
		i, errI := strconv.Atoi(m[1])
		n, errN := strconv.Atoi(m[2])
		if errI != nil || errN != nil {
			return prior, RuleNone
		}
		next := prior
		// a smaller total than the one already seen is stale
		if n > next.Total {
			next.Total = n
		}
		next.Processed = max(i, 0)
		if next.Total > 0 {
			next.Processed = min(next.Processed, next.Total)
		}
		if m[3] != "" {
			next.Current = m[3]
		}
		return next, RuleIndex
	}

	if m := nameRx.FindStringSubmatch(line); m != nil {
		next := prior
		next.Current = m[1]
		return next, RuleName
	}

	if m := totalRx.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return prior, RuleNone
		}
		next := prior
		if next.Total == 0 {
			next.Total = n
			if n > 0 {
				next.Processed = min(next.Processed, n)
			}
		}
		return next, RuleTotal
	}

	return prior, RuleNone
}

// Advance is Extract for a running job. An update which would lower the
// percentage is dropped, so callers folding lines never move backwards.
func Advance(line string, prior model.Progress) (model.Progress, bool) {
	next, ok := Extract(line, prior)
	if !ok || next.Percent() < prior.Percent() {
		return prior, false
	}
	return next, true
}
