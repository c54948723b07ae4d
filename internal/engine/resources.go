package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// RegisterResource adds a resource of a known type. Task Runners start
// UNKNOWN until they sync; passive resources start CONNECTED.
func (s *State) RegisterResource(ctx context.Context, r resource.Resource) error {
	defer s.flush(ctx)

	if _, ok := s.graph.ResourceType(r.Type); !ok {
		return model.InvalidRequest("resource %q has unknown type %q", r.ID, r.Type)
	}
	if r.Status == "" {
		r.Status = resource.StatusConnected
		if r.IsTaskRunner() {
			r.Status = resource.StatusUnknown
		}
	}
	if r.LastSync.IsZero() {
		r.LastSync = s.now()
	}
	r.Holder = nil
	if err := s.registry.Register(r); err != nil {
		return err
	}
	s.touchResource(r.ID)
	slog.InfoContext(ctx, "resource registered", "resource", r.ID, "type", r.Type)
	return nil
}

// UpdateResource replaces the capabilities and description of a resource.
func (s *State) UpdateResource(ctx context.Context, id string, caps []string, description string) error {
	defer s.flush(ctx)

	if err := s.registry.Update(id, caps, description); err != nil {
		return err
	}
	s.touchResource(id)
	return nil
}

// DeleteResource removes a resource no task is using.
func (s *State) DeleteResource(ctx context.Context, id string) error {
	defer s.flush(ctx)

	if !s.registry.Has(id) {
		return model.NotFound("resource", id)
	}
	if users := s.runningOn(id); len(users) > 0 {
		refs := make([]string, len(users))
		for i, c := range users {
			refs[i] = c.task.Reservation().String()
		}
		return &model.RecordInUseError{Kind: "resource", ID: id, RefKind: "task", RefIDs: refs}
	}
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	delete(s.dirty.resources, id)
	s.dirty.removedResources[id] = struct{}{}
	slog.InfoContext(ctx, "resource deleted", "resource", id)
	return nil
}

// SetResourceSuspend suspends or resumes every named resource. All names are
// checked before any is changed.
func (s *State) SetResourceSuspend(ctx context.Context, ids []string, suspended bool, user string) error {
	defer s.flush(ctx)

	for _, id := range ids {
		if !s.registry.Has(id) {
			return model.NotFound("resource", id)
		}
	}
	for _, id := range ids {
		if err := s.registry.SetSuspend(id, suspended, user); err != nil {
			return err
		}
		s.touchResource(id)
	}
	slog.InfoContext(ctx, "resources suspend changed", "resources", ids, "suspended", suspended, "user", user)
	return nil
}

// RequestResourceExit asks a Task Runner to exit after its current task.
func (s *State) RequestResourceExit(ctx context.Context, id string) error {
	defer s.flush(ctx)

	if err := s.registry.RequestExit(id); err != nil {
		return err
	}
	s.touchResource(id)
	slog.InfoContext(ctx, "resource exit requested", "resource", id)
	return nil
}

// SetConnectionStatus changes the connection status of a resource. Entering
// LOST puts every task running on the resource back to waiting.
func (s *State) SetConnectionStatus(ctx context.Context, id string, status resource.ConnectionStatus) error {
	defer s.flush(ctx)
	return s.setConnectionStatus(ctx, id, status)
}

func (s *State) setConnectionStatus(ctx context.Context, id string, status resource.ConnectionStatus) error {
	before, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	if _, err := s.registry.SetConnectionStatus(id, status); err != nil {
		return err
	}
	if before.Status == status {
		return nil
	}
	s.touchResource(id)
	slog.InfoContext(ctx, "resource status changed", "resource", id, "from", before.Status, "to", status)
	if status == resource.StatusLost {
		for _, c := range s.runningOn(id) {
			s.requeue(ctx, c.job, c.task, "resource "+id+" lost")
		}
	}
	return nil
}

// runningOn lists the running tasks that have id among their resources.
func (s *State) runningOn(id string) []candidate {
	var out []candidate
	for _, j := range s.jobs {
		for _, t := range j.Tasks {
			if t.State() == job.StateRunning && slices.Contains(t.Run.Assigned, id) {
				out = append(out, candidate{j, t})
			}
		}
	}
	return out
}

func (s *State) requeue(ctx context.Context, j *job.Job, t *job.Task, reason string) {
	assigned := slices.Clone(t.Run.Assigned)
	if err := t.Requeue(); err != nil {
		return
	}
	s.touchResources(s.registry.Release(t.Reservation(), assigned...)...)
	s.touchJob(j.ID)
	slog.WarnContext(ctx, "task requeued", "job", j.ID, "task", t.Name, "reason", reason)
}

// SyncRequest is a Task Runner poll.
type SyncRequest struct {
	RunnerID     string   `json:"-"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
	// RunningJob and RunningTask name what the runner is executing, if anything.
	RunningJob  string `json:"running_job,omitempty"`
	RunningTask string `json:"running_task,omitempty"`
}

// SyncResponse tells a Task Runner what to do next.
type SyncResponse struct {
	Assignment *Assignment `json:"assignment,omitempty"`
	Shadow     *shadow.Run `json:"shadow,omitempty"`
	Exit       bool        `json:"exit,omitempty"`
}

// Sync handles a Task Runner poll: the runner is registered on first contact
// and marked connected, a task the engine believes it runs but it does not
// report is requeued, and an idle runner is offered work.
func (s *State) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	defer s.flush(ctx)

	if req.RunnerID == "" {
		return SyncResponse{}, model.InvalidRequest("task runner id is required")
	}
	r, err := s.registry.Lookup(req.RunnerID)
	switch {
	case err != nil:
		r = resource.Resource{
			ID:           req.RunnerID,
			Type:         resource.TaskRunnerType,
			Capabilities: resource.NewCapabilities(req.Capabilities...),
			Description:  req.Description,
			Status:       resource.StatusUnknown,
		}
		if err := s.registry.Register(r); err != nil {
			return SyncResponse{}, err
		}
		slog.InfoContext(ctx, "task runner registered", "resource", r.ID)
	case !r.IsTaskRunner():
		return SyncResponse{}, model.InvalidRequest("resource %q is not a task runner", r.ID)
	case req.Capabilities != nil && !slices.Equal(r.Capabilities, resource.NewCapabilities(req.Capabilities...)),
		req.Description != "" && req.Description != r.Description:
		desc := req.Description
		if desc == "" {
			desc = r.Description
		}
		caps := r.Capabilities
		if req.Capabilities != nil {
			caps = req.Capabilities
		}
		if err := s.registry.Update(r.ID, caps, desc); err != nil {
			return SyncResponse{}, err
		}
	}
	s.touchResource(r.ID)
	if err := s.setConnectionStatus(ctx, r.ID, resource.StatusConnected); err != nil {
		return SyncResponse{}, err
	}

	prevSync := r.LastSync
	for _, c := range s.runningOn(r.ID) {
		if dropped(c.task, req, prevSync) {
			s.requeue(ctx, c.job, c.task, "task runner "+r.ID+" no longer runs it")
		}
	}

	var resp SyncResponse
	r, _ = s.registry.Lookup(r.ID)
	if r.ExitRequested {
		resp.Exit = true
	}
	if r.Holder == nil && !r.ExitRequested && !r.Suspended {
		if _, err := s.SchedulePass(ctx); err != nil {
			return SyncResponse{}, err
		}
	}
	// after the pass, so that whatever is assigned now counts as delivered
	if err := s.registry.Touch(r.ID, s.now()); err != nil {
		return SyncResponse{}, err
	}
	if cs := s.runningOn(r.ID); len(cs) > 0 {
		resp.Assignment = s.assignment(cs[0].job, cs[0].task)
		return resp, nil
	}
	if !resp.Exit {
		if run, ok := s.shadow.Pending(r.ID); ok {
			if err := s.shadow.Start(run.ID, r.ID, s.now()); err != nil {
				return SyncResponse{}, err
			}
			s.touchShadow(run.ID)
			run, _ = s.shadow.Get(run.ID)
			resp.Shadow = &run
		}
	}
	return resp, nil
}

// dropped reports whether a poll shows the runner no longer runs t. A task
// assigned after the runner's previous poll has not reached it yet.
func dropped(t *job.Task, req SyncRequest, prevSync time.Time) bool {
	if req.RunningJob != "" {
		return t.JobID != req.RunningJob || t.Name != req.RunningTask
	}
	return !prevSync.IsZero() && !t.Run.Started.After(prevSync)
}

// SweepTimeouts completes every running task past its timeout with ERROR,
// exactly as if its runner had reported it.
func (s *State) SweepTimeouts(ctx context.Context) []string {
	defer s.flush(ctx)

	now := s.now()
	var timedOut []string
	for _, j := range s.jobs {
		for _, t := range j.Tasks {
			if !t.Overdue(now) {
				continue
			}
			rep := Report{
				RunnerID: s.runnerOf(t),
				JobID:    j.ID,
				TaskName: t.Name,
				Result:   model.ResultError,
				Summary:  "timed out after " + t.Timeout.String(),
			}
			if err := s.complete(ctx, j, t, rep); err != nil {
				slog.ErrorContext(ctx, "cannot time out task", "job", j.ID, "task", t.Name, "error", err)
				continue
			}
			timedOut = append(timedOut, t.Reservation().String())
			slog.WarnContext(ctx, "task timed out", "job", j.ID, "task", t.Name, "timeout", t.Timeout)
		}
	}
	return timedOut
}

// SweepConnections downgrades Task Runners that stopped syncing: WARNING
// after the warn period and LOST after the lost period.
func (s *State) SweepConnections(ctx context.Context) {
	defer s.flush(ctx)

	now := s.now()
	for _, r := range s.registry.List() {
		if !r.IsTaskRunner() || r.Status == resource.StatusLost {
			continue
		}
		silent := now.Sub(r.LastSync)
		var next resource.ConnectionStatus
		switch {
		case silent > s.lostAfter:
			next = resource.StatusLost
		case silent > s.warnAfter && r.Status == resource.StatusConnected:
			next = resource.StatusWarning
		default:
			continue
		}
		if err := s.setConnectionStatus(ctx, r.ID, next); err != nil {
			slog.ErrorContext(ctx, "cannot change connection status", "resource", r.ID, "error", err)
		}
	}
}
