package model

import "time"

// Repo is one row of the scanner's CSV output.
type Repo struct {
	Org                  string    `json:"Org_Name"`
	Name                 string    `json:"Repo_Name"`
	IsEmpty              bool      `json:"Is_Empty"`
	LastPush             time.Time `json:"Last_Push,omitzero"`
	LastUpdate           time.Time `json:"Last_Update,omitzero"`
	IsFork               bool      `json:"isFork"`
	IsArchived           bool      `json:"isArchived"`
	SizeMB               int64     `json:"Repo_Size(mb)"`
	RecordCount          int64     `json:"Record_Count"`
	CollaboratorCount    int64     `json:"Collaborator_Count"`
	ProtectedBranchCount int64     `json:"Protected_Branch_Count"`
	PRReviewCount        int64     `json:"PR_Review_Count"`
	MilestoneCount       int64     `json:"Milestone_Count"`
	IssueCount           int64     `json:"Issue_Count"`
	PRCount              int64     `json:"PR_Count"`
	PRReviewCommentCount int64     `json:"PR_Review_Comment_Count"`
	CommitCommentCount   int64     `json:"Commit_Comment_Count"`
	IssueCommentCount    int64     `json:"Issue_Comment_Count"`
	IssueEventCount      int64     `json:"Issue_Event_Count"`
	ReleaseCount         int64     `json:"Release_Count"`
	ProjectCount         int64     `json:"Project_Count"`
	BranchCount          int64     `json:"Branch_Count"`
	TagCount             int64     `json:"Tag_Count"`
	DiscussionCount      int64     `json:"Discussion_Count"`
	HasWiki              bool      `json:"Has_Wiki"`
	URL                  string    `json:"Full_URL"`
	MigrationIssue       bool      `json:"Migration_Issue"`
	Created              time.Time `json:"Created,omitzero"`
}

// Summary aggregates a completed job's records.
type Summary struct {
	TotalRepos      int   `json:"total_repos"`
	TotalSizeMB     int64 `json:"total_size_mb"`
	TotalRecords    int64 `json:"total_records"`
	ReposWithIssues int   `json:"repos_with_issues"`
	AvgRecordCount  int64 `json:"avg_record_count"`
	EmptyRepos      int   `json:"empty_repos"`
	ArchivedRepos   int   `json:"archived_repos"`
	ForkedRepos     int   `json:"forked_repos"`
	TotalPRs        int64 `json:"total_prs"`
	TotalIssues     int64 `json:"total_issues"`
	SkippedRows     int   `json:"skipped_rows"`
}
