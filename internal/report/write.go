package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

// WriteCSV writes repos with a header row, keeping the scanner column order.
func WriteCSV(w io.Writer, repos []model.Repo) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	row := make([]string, columns)
	for _, r := range repos {
		row[colOrg] = r.Org
		row[colName] = r.Name
		row[colIsEmpty] = strconv.FormatBool(r.IsEmpty)
		row[colLastPush] = formatTime(r.LastPush)
		row[colLastUpdate] = formatTime(r.LastUpdate)
		row[colIsFork] = strconv.FormatBool(r.IsFork)
		row[colIsArchived] = strconv.FormatBool(r.IsArchived)
		row[colSize] = itoa(r.SizeMB)
		row[colRecordCount] = itoa(r.RecordCount)
		row[colCollaborators] = itoa(r.CollaboratorCount)
		row[colProtectedBranches] = itoa(r.ProtectedBranchCount)
		row[colPRReviews] = itoa(r.PRReviewCount)
		row[colMilestones] = itoa(r.MilestoneCount)
		row[colIssues] = itoa(r.IssueCount)
		row[colPRs] = itoa(r.PRCount)
		row[colPRReviewComments] = itoa(r.PRReviewCommentCount)
		row[colCommitComments] = itoa(r.CommitCommentCount)
		row[colIssueComments] = itoa(r.IssueCommentCount)
		row[colIssueEvents] = itoa(r.IssueEventCount)
		row[colReleases] = itoa(r.ReleaseCount)
		row[colProjects] = itoa(r.ProjectCount)
		row[colBranches] = itoa(r.BranchCount)
		row[colTags] = itoa(r.TagCount)
		row[colDiscussions] = itoa(r.DiscussionCount)
		row[colHasWiki] = strconv.FormatBool(r.HasWiki)
		row[colURL] = r.URL
		row[colMigrationIssue] = strings.ToUpper(strconv.FormatBool(r.MigrationIssue))
		row[colCreated] = formatTime(r.Created)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing %s/%s: %w", r.Org, r.Name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
