package engine

import (
	"context"
	"log/slog"
	"maps"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// AddShadowRun records an externally executed run. A missing id or creation
// time is filled in.
func (s *State) AddShadowRun(ctx context.Context, run shadow.Run) (string, error) {
	defer s.flush(ctx)

	if run.ID == "" {
		run.ID = s.newID()
	}
	if run.Created.IsZero() {
		run.Created = s.now()
	}
	evicted, err := s.shadow.Add(run)
	if err != nil {
		return "", err
	}
	s.touchShadow(run.ID)
	s.evicted(evicted)
	return run.ID, nil
}

// queueExtraction enqueues the extraction run of a completed task on the
// runner that executed it.
func (s *State) queueExtraction(ctx context.Context, j *job.Job, t *job.Task, runner string) {
	run := shadow.Run{
		ID:          s.newID(),
		Created:     s.now(),
		Description: "extract data of " + j.ID + "/" + t.Name,
		Location:    runner,
		JobID:       j.ID,
		TaskName:    t.Name,
	}
	evicted, err := s.shadow.Add(run)
	if err != nil {
		slog.ErrorContext(ctx, "cannot queue extraction", "job", j.ID, "task", t.Name, "error", err)
		return
	}
	s.touchShadow(run.ID)
	s.evicted(evicted)
	slog.DebugContext(ctx, "extraction queued", "job", j.ID, "task", t.Name, "shadow", run.ID)
}

// CompleteShadowRun finishes a shadow run. Extracted data of a run tied to a
// task is stored on the task.
func (s *State) CompleteShadowRun(ctx context.Context, id string, result model.Result, summary string, extracted map[string]string) error {
	defer s.flush(ctx)

	pending, err := s.shadow.Get(id)
	if err != nil {
		return err
	}
	var task *job.Task
	if pending.JobID != "" {
		if j, t, err := s.lookupTask(pending.JobID, pending.TaskName); err == nil {
			task = t
			s.touchJob(j.ID)
		}
	}

	run, evicted, err := s.shadow.Complete(id, s.now(), result, summary, extracted)
	if err != nil {
		return err
	}
	s.touchShadow(id)
	s.evicted(evicted)
	if task != nil && len(run.Extracted) > 0 {
		if task.Run.Extracted == nil {
			task.Run.Extracted = make(map[string]string, len(run.Extracted))
		}
		maps.Copy(task.Run.Extracted, run.Extracted)
	}
	slog.InfoContext(ctx, "shadow run done", "shadow", id, "result", result)
	return nil
}
