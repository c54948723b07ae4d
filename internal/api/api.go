package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// UserHeader carries the acting user. Authentication happens in front of
// this server.
const UserHeader = "X-User"

// Engine is the set of engine operations the API exposes.
type Engine interface {
	CreateJobs(ctx context.Context, req engine.CreateRequest) ([]string, error)
	AbortTasks(ctx context.Context, req engine.AbortRequest) (map[string][]string, error)
	SetAlert(ctx context.Context, jobID, taskName, alert string) error
	AppendComment(ctx context.Context, jobID, user, text string) error
	InspectDone(ctx context.Context, jobID, taskName string, result model.Result, summary string, extracted map[string]string) error
	RerunTask(ctx context.Context, jobID, taskName string) error
	Jobs(ctx context.Context, f engine.JobFilter) ([]*job.Job, error)
	Job(ctx context.Context, id string) (*job.Job, error)

	Resources(ctx context.Context, f engine.ResourceFilter) ([]resource.Resource, error)
	SetResourceSuspend(ctx context.Context, ids []string, suspended bool, user string) error
	UpdateResource(ctx context.Context, id string, caps []string, description string) error
	RequestResourceExit(ctx context.Context, id string) error
	DeleteResource(ctx context.Context, id string) error

	Schedules(ctx context.Context) ([]schedule.Schedule, error)
	TriggerSchedule(ctx context.Context, id, user string) ([]string, error)
	SetScheduleSuspend(ctx context.Context, id string, suspended bool) error
	DeleteSchedule(ctx context.Context, id string) error

	DeleteResourceType(ctx context.Context, id string) error
	DeleteProduct(ctx context.Context, id string) error
	DeleteFramework(ctx context.Context, id string) error
	DeleteTaskDefinition(ctx context.Context, id string) error
	DeleteConfiguration(ctx context.Context, id string) error

	ShadowRuns(ctx context.Context, f shadow.Filter) ([]shadow.Run, error)
	AddShadowRun(ctx context.Context, run shadow.Run) (string, error)
	CompleteShadowRun(ctx context.Context, id string, result model.Result, summary string, extracted map[string]string) error

	Sync(ctx context.Context, req engine.SyncRequest) (engine.SyncResponse, error)
	ReportCompletion(ctx context.Context, rep engine.Report) error
}

var _ Engine = (*engine.Engine)(nil)

// Cron reports when the cron runner fires each schedule next.
type Cron interface {
	NextRunTimes() map[string]time.Time
}

var _ Cron = (*schedule.Runner)(nil)

// Server represents the API server
type Server struct {
	engine  Engine
	cron    Cron
	version string
	router  chi.Router
}

// NewServer creates a new API server. cron may be nil.
func NewServer(e Engine, cron Cron, version string) *Server {
	s := &Server{
		engine:  e,
		cron:    cron,
		version: version,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// API routes - all at top level to avoid chi subrouter issues with multiple params
	r.Get("/api/v1/health", s.HealthCheck)

	// Jobs
	r.Get("/api/v1/jobs", s.ListJobs)
	r.Post("/api/v1/jobs", s.CreateJobs)
	r.Post("/api/v1/jobs/abort", s.AbortTasks)
	r.Get("/api/v1/jobs/{id}", s.GetJob)
	r.Post("/api/v1/jobs/{id}/comment", s.AppendComment)
	r.Put("/api/v1/jobs/{id}/tasks/{task}/alert", s.SetAlert)
	r.Post("/api/v1/jobs/{id}/tasks/{task}/inspect", s.InspectDone)
	r.Post("/api/v1/jobs/{id}/tasks/{task}/rerun", s.RerunTask)

	// Resources
	r.Get("/api/v1/resources", s.ListResources)
	r.Post("/api/v1/resources/suspend", s.SuspendResources)
	r.Put("/api/v1/resources/{id}", s.UpdateResource)
	r.Post("/api/v1/resources/{id}/exit", s.RequestExit)
	r.Delete("/api/v1/resources/{id}", s.DeleteResource)

	// Schedules
	r.Get("/api/v1/schedules", s.ListSchedules)
	r.Post("/api/v1/schedules/{id}/trigger", s.TriggerSchedule)
	r.Post("/api/v1/schedules/{id}/suspend", s.SuspendSchedule)
	r.Delete("/api/v1/schedules/{id}", s.DeleteSchedule)

	// Templates
	r.Delete("/api/v1/resource-types/{id}", s.deleteTemplate(s.engine.DeleteResourceType))
	r.Delete("/api/v1/products/{id}", s.deleteTemplate(s.engine.DeleteProduct))
	r.Delete("/api/v1/frameworks/{id}", s.deleteTemplate(s.engine.DeleteFramework))
	r.Delete("/api/v1/task-definitions/{id}", s.deleteTemplate(s.engine.DeleteTaskDefinition))
	r.Delete("/api/v1/configurations/{id}", s.deleteTemplate(s.engine.DeleteConfiguration))

	// Shadow runs
	r.Get("/api/v1/shadow", s.ListShadowRuns)
	r.Post("/api/v1/shadow", s.AddShadowRun)
	r.Post("/api/v1/shadow/{id}/result", s.CompleteShadowRun)

	// Task Runners
	r.Post("/api/v1/runners/{id}/sync", s.Sync)
	r.Post("/api/v1/runners/{id}/report", s.Report)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
