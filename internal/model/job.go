package model

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobPending:
		return target == JobRunning || target == JobCancelled
	case JobRunning:
		return target == JobCompleted || target == JobFailed || target == JobCancelled
	default:
		return false
	}
}

// Progress holds the counters derived from the scanner's diagnostic output.
type Progress struct {
	Processed int    `json:"processed_count"`
	Total     int    `json:"total_count"`
	Current   string `json:"current_item,omitempty"`
}

// Percent is round(100*processed/total) clamped to [0,100], or 0 with unknown total.
func (p Progress) Percent() int {
	if p.Total <= 0 || p.Processed <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(p.Processed) / float64(p.Total)))
	return min(max(pct, 0), 100)
}

// Job is a single orchestration unit tracked by the registry.
type Job struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	Config     Analysis  `json:"config"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Progress   Progress  `json:"progress"`
	Summary    *Summary  `json:"result_summary,omitempty"`
	Records    []Repo    `json:"-"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	// PID is the process reference, non zero only while running.
	PID int `json:"-"`
	// Dir is the scoped output location, released when the job finishes.
	Dir string   `json:"-"`
	Log []string `json:"-"`
}

// Clone returns a copy safe to hand out of the registry. Records are
// shared as they are written once, at completion.
func (j Job) Clone() Job {
	j.Log = slices.Clone(j.Log)
	if j.Summary != nil {
		s := *j.Summary
		j.Summary = &s
	}
	return j
}

// AppendLog adds line keeping at most limit trailing lines.
func (j *Job) AppendLog(line string, limit int) {
	if limit <= 0 {
		return
	}
	if len(j.Log) >= limit {
		n := copy(j.Log, j.Log[len(j.Log)-limit+1:])
		j.Log = j.Log[:n]
	}
	j.Log = append(j.Log, line)
}

// Fail moves the job to failed, recording err as the diagnostic.
func (j *Job) Fail(now time.Time, err error) {
	j.Status = JobFailed
	j.Error = err.Error()
	j.ErrorKind = KindOf(err)
	j.FinishedAt = now
	j.PID = 0
	j.Dir = ""
}

// ValidateChange checks that next is a legal successor of j.
func (j Job) ValidateChange(next Job) error {
	if next.ID != j.ID {
		return fmt.Errorf("%w: id is immutable", ErrInvariant)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, j.Status)
	}
	if !next.Config.Equal(j.Config) {
		return fmt.Errorf("%w: config is immutable", ErrInvariant)
	}
	if next.Status != j.Status {
		if err := j.Status.ValidateTransition(next.Status); err != nil {
			return err
		}
	}
	if j.Cancelled && !next.Cancelled {
		return fmt.Errorf("%w: cancelled can't be unset", ErrInvariant)
	}
	if next.Cancelled && next.Status != j.Status && (next.Status == JobRunning || next.Status == JobCompleted) {
		return fmt.Errorf("%w: cancelled job can't become %s", ErrInvariant, next.Status)
	}
	if !j.StartedAt.IsZero() && !next.StartedAt.Equal(j.StartedAt) {
		return fmt.Errorf("%w: started_at already set", ErrInvariant)
	}
	if !j.FinishedAt.IsZero() && !next.FinishedAt.Equal(j.FinishedAt) {
		return fmt.Errorf("%w: finished_at already set", ErrInvariant)
	}
	if next.Progress.Processed < 0 || next.Progress.Total < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvariant)
	}
	if j.Progress.Total > 0 && next.Progress.Total < j.Progress.Total {
		return fmt.Errorf("%w: total_count decreased from %d to %d", ErrInvariant, j.Progress.Total, next.Progress.Total)
	}
	if next.Progress.Total > 0 && next.Progress.Processed > next.Progress.Total {
		return fmt.Errorf("%w: processed_count %d exceeds total_count %d", ErrInvariant, next.Progress.Processed, next.Progress.Total)
	}
	if j.Status == JobRunning && next.Status == JobRunning && next.Progress.Percent() < j.Progress.Percent() {
		return fmt.Errorf("%w: progress decreased", ErrInvariant)
	}
	return nil
}
