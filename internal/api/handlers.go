package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/CZERTAINLY/RepoStats/internal/github"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/report"
)

const (
	maxBody      = 1 << 20
	defaultLimit = 10
	sampleID     = "sample"
)

// StringList decodes either a JSON array of strings or a single comma or
// newline separated string.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = model.SplitList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.New("expected a string or a list of strings")
	}
	*l = model.SplitList(strings.Join(list, "\n"))
	return nil
}

type analyzeRequest struct {
	Organizations        StringList `json:"organizations" validate:"min=1,max=1000,dive,required,max=100"`
	RepoList             StringList `json:"repo_list" validate:"max=10000,dive,required,max=200"`
	Hostname             string     `json:"hostname" validate:"omitempty,hostname_rfc1123"`
	Token                string     `json:"token" validate:"max=1024"`
	RepoPageSize         int        `json:"repo_page_size" validate:"omitempty,min=1,max=100"`
	ExtraPageSize        int        `json:"extra_page_size" validate:"omitempty,min=1,max=100"`
	TokenType            string     `json:"token_type" validate:"omitempty,oneof=user app"`
	AnalyzeRepoConflicts bool       `json:"analyze_repo_conflicts"`
	AnalyzeTeamConflicts bool       `json:"analyze_team_conflicts"`
}

func (r analyzeRequest) analysis() model.Analysis {
	return model.Analysis{
		Organizations:        r.Organizations,
		RepoList:             r.RepoList,
		Hostname:             r.Hostname,
		Token:                model.Secret(r.Token),
		RepoPageSize:         r.RepoPageSize,
		ExtraPageSize:        r.ExtraPageSize,
		TokenType:            r.TokenType,
		AnalyzeRepoConflicts: r.AnalyzeRepoConflicts,
		AnalyzeTeamConflicts: r.AnalyzeTeamConflicts,
	}
}

type tokenRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname" validate:"omitempty,hostname_rfc1123"`
}

type statusResponse struct {
	ID              string          `json:"id"`
	Status          model.JobStatus `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	ProcessedCount  int             `json:"processed_count"`
	TotalCount      int             `json:"total_count"`
	CurrentItem     string          `json:"current_item,omitempty"`
	ResultSummary   *model.Summary  `json:"result_summary,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       model.ErrorKind `json:"error_kind,omitempty"`
	Cancelled       bool            `json:"cancelled"`
	Organizations   []string        `json:"organizations"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	FinishedAt      time.Time       `json:"finished_at,omitzero"`
	Output          []string        `json:"output,omitempty"`
}

func newStatus(j model.Job, output bool) statusResponse {
	resp := statusResponse{
		ID:              j.ID,
		Status:          j.Status,
		ProgressPercent: j.Progress.Percent(),
		ProcessedCount:  j.Progress.Processed,
		TotalCount:      j.Progress.Total,
		CurrentItem:     j.Progress.Current,
		ResultSummary:   j.Summary,
		Error:           j.Error,
		ErrorKind:       j.ErrorKind,
		Cancelled:       j.Cancelled,
		Organizations:   j.Config.Organizations,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
	if output {
		resp.Output = j.Log
		if resp.Output == nil {
			resp.Output = []string{}
		}
	}
	return resp
}

type resultsResponse struct {
	Records []model.Repo  `json:"records"`
	Summary model.Summary `json:"summary"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.jobs.Submit(r.Context(), req.analysis())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to submit analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": job.Status.String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	output, _ := strconv.ParseBool(r.URL.Query().Get("output"))
	writeJSON(w, http.StatusOK, newStatus(job, output))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.jobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatus(job, false))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.completed(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Records: records(job.Records), Summary: *job.Summary})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var repos []model.Repo
	var name string
	if chi.URLParam(r, "id") == sampleID {
		repos = report.Sample(r.Context()).Repos
		name = "sample-repo-stats.csv"
	} else {
		job, ok := s.completed(w, r)
		if !ok {
			return
		}
		repos = job.Records
		name = Filename(job.Config.Organizations)
	}

	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, repos); err != nil {
		slog.ErrorContext(r.Context(), "failed to write csv", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export results")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Filename names a download after the first three organizations.
func Filename(orgs []string) string {
	name := strings.Join(orgs[:min(3, len(orgs))], "-")
	if len(orgs) > 3 {
		name += fmt.Sprintf("-and-%d-more", len(orgs)-3)
	}
	return name + "-repo-stats.csv"
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs := s.jobs.List(limit)
	resp := make([]statusResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, newStatus(j, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	sample := report.Sample(r.Context())
	writeJSON(w, http.StatusOK, resultsResponse{Records: sample.Repos, Summary: sample.Summary})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "message": "No token provided"})
		return
	}
	token := model.Secret(req.Token)
	user, err := s.tokens.ValidateToken(r.Context(), token, req.Hostname)
	var message string
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   true,
			"message": "Authenticated as " + user.Login,
			"login":   user.Login,
		})
		return
	case errors.Is(err, github.ErrInvalidToken):
		message = "Invalid or expired token"
	case errors.Is(err, github.ErrAccessDenied):
		message = "Access denied" + strings.TrimPrefix(err.Error(), github.ErrAccessDenied.Error())
	default:
		slog.WarnContext(r.Context(), "token validation failed", "error", err)
		message = "Validation error: " + err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": false, "message": token.Redact(message)})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "No token provided")
		return
	}
	token := model.Secret(req.Token)
	rl, err := s.tokens.RateLimit(r.Context(), token, req.Hostname)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rl)
	case errors.Is(err, github.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
	case errors.Is(err, github.ErrAccessDenied):
		writeError(w, http.StatusForbidden, token.Redact(err.Error()))
	default:
		slog.WarnContext(r.Context(), "rate limit check failed", "error", err)
		writeError(w, http.StatusBadGateway, "Failed to check rate limit: "+token.Redact(err.Error()))
	}
}

// decode reads and validates a JSON body, on failure it writes a 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, humanize(err))
		return false
	}
	return true
}

func humanize(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, after, ok := strings.Cut(field, "."); ok {
			field = after
		}
		switch fe.Tag() {
		case "min":
			if fe.Field() == "organizations" {
				msgs = append(msgs, "at least one organization is required")
				continue
			}
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "hostname_rfc1123":
			msgs = append(msgs, fmt.Sprintf("%s is not a valid hostname", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.jobError(w, r, err)
		return model.Job{}, false
	}
	return job, true
}

// completed returns the job if it has results, otherwise it writes 404 or 409.
func (s *Server) completed(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, ok := s.job(w, r)
	if !ok {
		return model.Job{}, false
	}
	if job.Status != model.JobCompleted || job.Summary == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job not completed",
			"status": job.Status.String(),
		})
		return model.Job{}, false
	}
	return job, true
}

func (s *Server) jobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	slog.ErrorContext(r.Context(), "job operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func records(r []model.Repo) []model.Repo {
	if r == nil {
		return []model.Repo{}
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
