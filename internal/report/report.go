// Package report materializes the CSV written by gh-repo-stats into typed
// repositories and summary aggregates.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// Header is the fixed column order of the scanner output.
var Header = []string{
	"Org_Name", "Repo_Name", "Is_Empty", "Last_Push", "Last_Update",
	"isFork", "isArchived", "Repo_Size(mb)", "Record_Count", "Collaborator_Count",
	"Protected_Branch_Count", "PR_Review_Count", "Milestone_Count", "Issue_Count", "PR_Count",
	"PR_Review_Comment_Count", "Commit_Comment_Count", "Issue_Comment_Count", "Issue_Event_Count", "Release_Count",
	"Project_Count", "Branch_Count", "Tag_Count", "Discussion_Count", "Has_Wiki",
	"Full_URL", "Migration_Issue", "Created",
}

const (
	colOrg = iota
	colName
	colIsEmpty
	colLastPush
	colLastUpdate
	colIsFork
	colIsArchived
	colSize
	colRecordCount
	colCollaborators
	colProtectedBranches
	colPRReviews
	colMilestones
	colIssues
	colPRs
	colPRReviewComments
	colCommitComments
	colIssueComments
	colIssueEvents
	colReleases
	colProjects
	colBranches
	colTags
	colDiscussions
	colHasWiki
	colURL
	colMigrationIssue
	colCreated
	columns
)

// Migration thresholds. Size is in megabytes, 1.5 GB being 1500 MB.
const (
	MigrationRecordThreshold = 60000
	MigrationSizeThresholdMB = 1500
)

// MigrationIssue reports whether a repository is at risk during migration.
func MigrationIssue(recordCount int64, sizeMB float64) bool {
	return recordCount >= MigrationRecordThreshold || sizeMB > MigrationSizeThresholdMB
}

type Report struct {
	Repos   []model.Repo
	Summary model.Summary
}

// ParseFile opens path and parses it.
func ParseFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("opening results: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Parse(ctx, f)
}

// Parse reads the CSV table from r. A leading header row is skipped. Rows
// that can't be typed are counted in Summary.SkippedRows and never fail the
// parse; only read errors do.
func Parse(ctx context.Context, r io.Reader) (Report, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var (
		repos   []model.Repo
		skipped int
		line    int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return Report{}, fmt.Errorf("reading results: %w", err)
			}
			skipped++
			slog.DebugContext(ctx, "skipping row", "line", perr.Line, "error", errors.Join(model.ErrRowParse, err))
			continue
		}
		if line == 1 && isHeader(record) {
			continue
		}
		if blank(record) {
			continue
		}
		repo, err := parseRow(record)
		if err != nil {
			skipped++
			slog.DebugContext(ctx, "skipping row", "line", line, "error", err)
			continue
		}
		repos = append(repos, repo)
	}

	summary := Summarize(repos)
	summary.SkippedRows = skipped
	return Report{Repos: repos, Summary: summary}, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(record[0]), "\ufeff"), Header[0])
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

type rowParser struct {
	record []string
	err    error
}

func (p *rowParser) fail(col int, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: column %s: %w", model.ErrRowParse, Header[col], err)
	}
}

func (p *rowParser) str(col int) string {
	return strings.TrimSpace(p.record[col])
}

func (p *rowParser) count(col int) int64 {
	return int64(math.Round(p.measure(col)))
}

// measure parses a non-negative number, the scanner reports sizes with
// a fraction.
func (p *rowParser) measure(col int) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, err)
		return 0
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		p.fail(col, fmt.Errorf("invalid value %s", s))
		return 0
	}
	return f
}

func (p *rowParser) flag(col int) bool {
	b, ok := parseBool(p.str(col))
	if !ok {
		p.fail(col, fmt.Errorf("invalid boolean %q", p.str(col)))
	}
	return b
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (p *rowParser) timestamp(col int) time.Time {
	s := p.str(col)
	if s == "" || strings.EqualFold(s, "null") {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	p.fail(col, fmt.Errorf("invalid time %q", s))
	return time.Time{}
}

func parseBool(s string) (value, ok bool) {
	switch strings.ToLower(s) {
	case "", "false", "f", "0", "no", "n":
		return false, true
	case "true", "t", "1", "yes", "y":
		return true, true
	default:
		return false, false
	}
}

func parseRow(record []string) (model.Repo, error) {
	if len(record) != columns {
		return model.Repo{}, fmt.Errorf("%w: expected %d columns, got %d", model.ErrRowParse, columns, len(record))
	}
	p := rowParser{record: record}
	sizeMB := p.measure(colSize)
	repo := model.Repo{
		Org:                  p.str(colOrg),
		Name:                 p.str(colName),
		IsEmpty:              p.flag(colIsEmpty),
		LastPush:             p.timestamp(colLastPush),
		LastUpdate:           p.timestamp(colLastUpdate),
		IsFork:               p.flag(colIsFork),
		IsArchived:           p.flag(colIsArchived),
		SizeMB:               int64(math.Round(sizeMB)),
		RecordCount:          p.count(colRecordCount),
		CollaboratorCount:    p.count(colCollaborators),
		ProtectedBranchCount: p.count(colProtectedBranches),
		PRReviewCount:        p.count(colPRReviews),
		MilestoneCount:       p.count(colMilestones),
		IssueCount:           p.count(colIssues),
		PRCount:              p.count(colPRs),
		PRReviewCommentCount: p.count(colPRReviewComments),
		CommitCommentCount:   p.count(colCommitComments),
		IssueCommentCount:    p.count(colIssueComments),
		IssueEventCount:      p.count(colIssueEvents),
		ReleaseCount:         p.count(colReleases),
		ProjectCount:         p.count(colProjects),
		BranchCount:          p.count(colBranches),
		TagCount:             p.count(colTags),
		DiscussionCount:      p.count(colDiscussions),
		HasWiki:              p.flag(colHasWiki),
		URL:                  p.str(colURL),
		Created:              p.timestamp(colCreated),
	}
	if repo.Org == "" || repo.Name == "" {
		p.fail(colName, errors.New("organization and repository name are required"))
	}

	// upstream flag wins, an empty cell is recomputed
	if flag := p.str(colMigrationIssue); flag == "" {
		repo.MigrationIssue = MigrationIssue(repo.RecordCount, sizeMB)
	} else {
		repo.MigrationIssue = p.flag(colMigrationIssue)
	}

	if p.err != nil {
		return model.Repo{}, p.err
	}
	return repo, nil
}

// Summarize computes the aggregates of repos.
func Summarize(repos []model.Repo) model.Summary {
	var s model.Summary
	s.TotalRepos = len(repos)
	for _, r := range repos {
		s.TotalSizeMB += r.SizeMB
		s.TotalRecords += r.RecordCount
		s.TotalPRs += r.PRCount
		s.TotalIssues += r.IssueCount
		if r.MigrationIssue {
			s.ReposWithIssues++
		}
		if r.IsEmpty {
			s.EmptyRepos++
		}
		if r.IsArchived {
			s.ArchivedRepos++
		}
		if r.IsFork {
			s.ForkedRepos++
		}
	}
	if len(repos) > 0 {
		s.AvgRecordCount = int64(math.Round(float64(s.TotalRecords) / float64(len(repos))))
	}
	return s
}
