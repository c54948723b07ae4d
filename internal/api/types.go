package api

import (
	"time"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// JobResponse is a job with its derived state.
type JobResponse struct {
	*job.Job
	Result model.Result      `json:"result,omitempty"`
	Final  bool              `json:"final"`
	Counts map[job.State]int `json:"counts"`
}

// JobListResponse represents a list of jobs
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// CreateJobsResponse lists the jobs created by one request.
type CreateJobsResponse struct {
	Jobs []string `json:"jobs"`
}

// AbortResponse maps every job to the tasks that were aborted in it.
type AbortResponse struct {
	Aborted map[string][]string `json:"aborted"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type AlertRequest struct {
	Alert string `json:"alert"`
}

// ResultRequest finishes an inspection or a shadow run.
type ResultRequest struct {
	Result    model.Result      `json:"result"`
	Summary   string            `json:"summary,omitempty"`
	Extracted map[string]string `json:"extracted,omitempty"`
}

// ResourceListResponse represents a list of resources
type ResourceListResponse struct {
	Resources []resource.Resource `json:"resources"`
	Total     int                 `json:"total"`
}

type UpdateResourceRequest struct {
	Capabilities []string `json:"capabilities"`
	Description  string   `json:"description,omitempty"`
}

// SuspendRequest suspends or resumes resources or a schedule. IDs is ignored
// for schedules.
type SuspendRequest struct {
	IDs       []string `json:"ids,omitempty"`
	Suspended bool     `json:"suspended"`
}

// ScheduleListResponse represents a list of schedules
type ScheduleListResponse struct {
	Schedules []schedule.Schedule `json:"schedules"`
	Total     int                 `json:"total"`
	// Cron holds the next fire time of every schedule the cron runner tracks.
	Cron map[string]time.Time `json:"cron,omitempty"`
}

// ShadowListResponse represents a list of shadow runs
type ShadowListResponse struct {
	Runs  []shadow.Run `json:"runs"`
	Total int          `json:"total"`
}

type ShadowCreatedResponse struct {
	ID string `json:"id"`
}

// SyncResponse is engine.SyncResponse on the wire.
type SyncResponse = engine.SyncResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details string   `json:"details,omitempty"`
	Links   []string `json:"links,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
