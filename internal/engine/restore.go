package engine

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// Snapshot is the persisted state loaded at startup.
type Snapshot struct {
	Jobs       []*job.Job
	Resources  []resource.Resource
	ShadowRuns []shadow.Run
	Schedules  []schedule.Schedule
}

// Restore loads a snapshot into an empty state. Task Runners come back
// UNKNOWN and are declared lost if they do not sync in time, which puts
// their tasks back to waiting. Reservations are rebuilt from the running
// tasks and the unfinished jobs; records that no longer fit the template
// graph are skipped with a warning.
func (s *State) Restore(ctx context.Context, snap Snapshot) error {
	if len(s.jobs) > 0 || s.registry.Len() > 0 || s.shadow.Len() > 0 || len(s.schedules) > 0 {
		return model.Internalf("restore into a non-empty state")
	}
	now := s.now()

	jobs := slices.Clone(snap.Jobs)
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].Created.Equal(jobs[b].Created) {
			return jobs[a].Created.Before(jobs[b].Created)
		}
		return jobs[a].ID < jobs[b].ID
	})
	for _, j := range jobs {
		if _, dup := s.jobsByID[j.ID]; dup {
			slog.WarnContext(ctx, "skipping duplicate job", "job", j.ID)
			continue
		}
		if j.Products == nil {
			j.Products = make(map[string]string)
		}
		s.jobs = append(s.jobs, j)
		s.jobsByID[j.ID] = j
	}

	holders := make(map[string]resource.Reservation)
	for _, j := range s.jobs {
		for _, t := range j.Tasks {
			if t.State() != job.StateRunning {
				continue
			}
			for _, id := range t.Run.Assigned {
				holders[id] = t.Reservation()
			}
		}
	}

	for _, r := range snap.Resources {
		typ, ok := s.graph.ResourceType(r.Type)
		if !ok {
			slog.WarnContext(ctx, "skipping resource of unknown type", "resource", r.ID, "type", r.Type)
			continue
		}
		held := r.Holder
		r.Holder = nil
		switch {
		case typ.PerJob:
			if held != nil && held.TaskName == "" {
				if j, ok := s.jobsByID[held.JobID]; ok && !j.IsFinal() {
					r.Holder = &resource.Reservation{JobID: held.JobID}
				}
			}
		case typ.Exclusive():
			if h, ok := holders[r.ID]; ok {
				r.Holder = &h
			}
		}
		if r.IsTaskRunner() {
			r.Status = resource.StatusUnknown
		}
		r.LastSync = now
		if err := s.registry.Register(r); err != nil {
			slog.WarnContext(ctx, "skipping resource", "resource", r.ID, "error", err)
		}
	}

	for _, run := range snap.ShadowRuns {
		evicted, err := s.shadow.Add(run)
		if err != nil {
			slog.WarnContext(ctx, "skipping shadow run", "shadow", run.ID, "error", err)
			continue
		}
		s.evicted(evicted)
	}

	for _, sc := range snap.Schedules {
		if err := sc.Validate(); err != nil {
			slog.WarnContext(ctx, "skipping schedule", "schedule", sc.ID, "error", err)
			continue
		}
		sc = sc.Clone()
		if sc.NextRun.IsZero() {
			sc.ComputeNext(now)
		}
		s.schedules[sc.ID] = &sc
	}

	// running tasks whose resources vanished cannot finish
	for _, j := range s.jobs {
		for _, t := range j.Tasks {
			if t.State() == job.StateRunning && !s.holdsAll(t) {
				s.requeue(ctx, j, t, "resources missing after restart")
			}
		}
	}
	s.flush(ctx)

	slog.InfoContext(ctx, "state restored",
		"jobs", len(s.jobs), "resources", s.registry.Len(),
		"shadow_runs", s.shadow.Len(), "schedules", len(s.schedules))
	return nil
}

func (s *State) holdsAll(t *job.Task) bool {
	for _, id := range t.Run.Assigned {
		if !s.registry.Has(id) {
			return false
		}
	}
	return true
}
