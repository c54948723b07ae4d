package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
	})
}

// ListJobs handles GET /api/v1/jobs
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	active, _ := strconv.ParseBool(q.Get("active"))
	jobs, err := s.engine.Jobs(r.Context(), engine.JobFilter{
		IDs:    q["id"],
		From:   from,
		To:     to,
		Owner:  q.Get("owner"),
		Query:  q.Get("q"),
		Active: active,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	response := JobListResponse{
		Jobs:  make([]JobResponse, len(jobs)),
		Total: len(jobs),
	}
	for i, j := range jobs {
		response.Jobs[i] = jobToResponse(j)
	}
	s.jsonResponse(w, http.StatusOK, response)
}

// GetJob handles GET /api/v1/jobs/{id}
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, jobToResponse(j))
}

// CreateJobs handles POST /api/v1/jobs
func (s *Server) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	req.User = user(r)

	ids, err := s.engine.CreateJobs(r.Context(), req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, CreateJobsResponse{Jobs: ids})
}

// AbortTasks handles POST /api/v1/jobs/abort
func (s *Server) AbortTasks(w http.ResponseWriter, r *http.Request) {
	var req engine.AbortRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	req.User = user(r)

	aborted, err := s.engine.AbortTasks(r.Context(), req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, AbortResponse{Aborted: aborted})
}

// AppendComment handles POST /api/v1/jobs/{id}/comment
func (s *Server) AppendComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.engine.AppendComment(r.Context(), chi.URLParam(r, "id"), user(r), req.Text); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// SetAlert handles PUT /api/v1/jobs/{id}/tasks/{task}/alert
func (s *Server) SetAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.engine.SetAlert(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "task"), req.Alert); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// InspectDone handles POST /api/v1/jobs/{id}/tasks/{task}/inspect
func (s *Server) InspectDone(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	err := s.engine.InspectDone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "task"), req.Result, req.Summary, req.Extracted)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// RerunTask handles POST /api/v1/jobs/{id}/tasks/{task}/rerun
func (s *Server) RerunTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RerunTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "task")); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// ListResources handles GET /api/v1/resources
func (s *Server) ListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rs, err := s.engine.Resources(r.Context(), engine.ResourceFilter{
		Type:       q.Get("type"),
		Capability: q.Get("capability"),
		Query:      q.Get("q"),
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ResourceListResponse{Resources: rs, Total: len(rs)})
}

// SuspendResources handles POST /api/v1/resources/suspend
func (s *Server) SuspendResources(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if len(req.IDs) == 0 {
		s.errorResponse(w, model.InvalidRequest("ids is required"))
		return
	}
	if err := s.engine.SetResourceSuspend(r.Context(), req.IDs, req.Suspended, user(r)); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// UpdateResource handles PUT /api/v1/resources/{id}
func (s *Server) UpdateResource(w http.ResponseWriter, r *http.Request) {
	var req UpdateResourceRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.engine.UpdateResource(r.Context(), chi.URLParam(r, "id"), req.Capabilities, req.Description); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// RequestExit handles POST /api/v1/resources/{id}/exit
func (s *Server) RequestExit(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RequestResourceExit(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// DeleteResource handles DELETE /api/v1/resources/{id}
func (s *Server) DeleteResource(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteResource(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Resource deleted"})
}

// ListSchedules handles GET /api/v1/schedules
func (s *Server) ListSchedules(w http.ResponseWriter, r *http.Request) {
	scs, err := s.engine.Schedules(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	resp := ScheduleListResponse{Schedules: scs, Total: len(scs)}
	if s.cron != nil {
		resp.Cron = s.cron.NextRunTimes()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}
func (s *Server) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Schedule deleted"})
}

// deleteTemplate handles DELETE on one kind of template record.
func (s *Server) deleteTemplate(del func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := del(r.Context(), chi.URLParam(r, "id")); err != nil {
			s.errorResponse(w, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
	}
}

// TriggerSchedule handles POST /api/v1/schedules/{id}/trigger
func (s *Server) TriggerSchedule(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.TriggerSchedule(r.Context(), chi.URLParam(r, "id"), user(r))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, CreateJobsResponse{Jobs: ids})
}

// SuspendSchedule handles POST /api/v1/schedules/{id}/suspend
func (s *Server) SuspendSchedule(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.engine.SetScheduleSuspend(r.Context(), chi.URLParam(r, "id"), req.Suspended); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// ListShadowRuns handles GET /api/v1/shadow
func (s *Server) ListShadowRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	runs, err := s.engine.ShadowRuns(r.Context(), shadow.Filter{IDs: q["id"], From: from, To: to, Query: q.Get("q")})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ShadowListResponse{Runs: runs, Total: len(runs)})
}

// AddShadowRun handles POST /api/v1/shadow
func (s *Server) AddShadowRun(w http.ResponseWriter, r *http.Request) {
	var run shadow.Run
	if err := decodeBody(r, &run); err != nil {
		s.errorResponse(w, err)
		return
	}
	id, err := s.engine.AddShadowRun(r.Context(), run)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, ShadowCreatedResponse{ID: id})
}

// CompleteShadowRun handles POST /api/v1/shadow/{id}/result
func (s *Server) CompleteShadowRun(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.engine.CompleteShadowRun(r.Context(), chi.URLParam(r, "id"), req.Result, req.Summary, req.Extracted); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

// Sync handles POST /api/v1/runners/{id}/sync
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	var req engine.SyncRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	req.RunnerID = chi.URLParam(r, "id")

	resp, err := s.engine.Sync(r.Context(), req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// Report handles POST /api/v1/runners/{id}/report
func (s *Server) Report(w http.ResponseWriter, r *http.Request) {
	var rep engine.Report
	if err := decodeBody(r, &rep); err != nil {
		s.errorResponse(w, err)
		return
	}
	rep.RunnerID = chi.URLParam(r, "id")

	if err := s.engine.ReportCompletion(r.Context(), rep); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

func jobToResponse(j *job.Job) JobResponse {
	res, _ := j.Result()
	return JobResponse{
		Job:    j,
		Result: res,
		Final:  j.IsFinal(),
		Counts: j.Counts(),
	}
}

func user(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.InvalidRequest("invalid request body: %v", err)
	}
	return nil
}

func timeRange(q url.Values) (from, to time.Time, err error) {
	parse := func(key string) (time.Time, error) {
		v := q.Get(key)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, model.InvalidRequest("invalid %s (use RFC3339): %v", key, err)
		}
		return t, nil
	}
	if from, err = parse("from"); err != nil {
		return
	}
	to, err = parse("to")
	return
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse maps an error kind to its HTTP status.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, model.ErrRecordInUse):
		status, code = http.StatusConflict, "record_in_use"
	case errors.Is(err, model.ErrDuplicateID):
		status, code = http.StatusConflict, "duplicate_id"
	case errors.Is(err, engine.ErrStopped):
		status, code = http.StatusServiceUnavailable, "stopped"
	}

	resp := ErrorResponse{
		Error: http.StatusText(status),
		Code:  code,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	var inUse *model.RecordInUseError
	if errors.As(err, &inUse) {
		resp.Links = inUse.Links(link)
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.jsonResponse(w, status, resp)
}

// link points at the API view of a referencing record where one exists.
func link(kind, id string) string {
	switch kind {
	case "task":
		jobID, task, _ := strings.Cut(id, "/")
		return "/api/v1/jobs/" + url.PathEscape(jobID) + "#" + url.PathEscape(task)
	case "job":
		return "/api/v1/jobs/" + url.PathEscape(id)
	case "resource":
		return "/api/v1/resources?q=" + url.QueryEscape(id)
	case "framework":
		return "/api/v1/frameworks/" + url.PathEscape(id)
	case "task definition":
		return "/api/v1/task-definitions/" + url.PathEscape(id)
	case "configuration":
		return "/api/v1/configurations/" + url.PathEscape(id)
	}
	return fmt.Sprintf("%s:%s", kind, id)
}
