package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/schedule"
)

// AddSchedule stores a new schedule and computes its first fire time.
func (s *State) AddSchedule(ctx context.Context, sc schedule.Schedule) error {
	defer s.flush(ctx)

	if err := sc.Validate(); err != nil {
		return err
	}
	if _, ok := s.schedules[sc.ID]; ok {
		return &model.DuplicateIDError{Kind: "schedule", ID: sc.ID}
	}
	sc = sc.Clone()
	if sc.NextRun.IsZero() {
		sc.ComputeNext(s.now())
	}
	s.schedules[sc.ID] = &sc
	s.touchSchedule(sc.ID)
	return nil
}

// DeleteSchedule removes a schedule.
func (s *State) DeleteSchedule(ctx context.Context, id string) error {
	defer s.flush(ctx)

	if _, ok := s.schedules[id]; !ok {
		return model.NotFound("schedule", id)
	}
	delete(s.schedules, id)
	delete(s.dirty.schedules, id)
	s.dirty.removedSchedules[id] = struct{}{}
	return nil
}

// SetScheduleSuspend suspends or resumes a schedule.
func (s *State) SetScheduleSuspend(ctx context.Context, id string, suspended bool) error {
	defer s.flush(ctx)

	sc, ok := s.schedules[id]
	if !ok {
		return model.NotFound("schedule", id)
	}
	sc.Suspended = suspended
	if !suspended && sc.Kind() == schedule.KindPeriodic {
		sc.ComputeNext(s.now())
	}
	s.touchSchedule(id)
	return nil
}

// TriggerSchedule fires a schedule by hand, whatever its trigger rule.
func (s *State) TriggerSchedule(ctx context.Context, id, user string) ([]string, error) {
	defer s.flush(ctx)

	sc, ok := s.schedules[id]
	if !ok {
		return nil, model.NotFound("schedule", id)
	}
	return s.fire(ctx, sc, user, false)
}

// FireSchedule fires a schedule if it is due and does nothing otherwise.
func (s *State) FireSchedule(ctx context.Context, id string) ([]string, error) {
	defer s.flush(ctx)

	sc, ok := s.schedules[id]
	if !ok {
		return nil, model.NotFound("schedule", id)
	}
	if !sc.Due(s.now()) {
		return nil, nil
	}
	return s.fire(ctx, sc, "", true)
}

// DueSchedules fires every due schedule in id order and returns the jobs
// created. Failures are logged; a failing schedule still moves on.
func (s *State) DueSchedules(ctx context.Context) []string {
	defer s.flush(ctx)

	now := s.now()
	var due []string
	for id, sc := range s.schedules {
		if sc.Due(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	var created []string
	for _, id := range due {
		ids, err := s.fire(ctx, s.schedules[id], "", true)
		if err != nil {
			continue
		}
		created = append(created, ids...)
	}
	return created
}

// fire creates the schedule's jobs. The configuration must still exist and
// the schedule's parameters must resolve every required one.
func (s *State) fire(ctx context.Context, sc *schedule.Schedule, user string, automatic bool) ([]string, error) {
	if user == "" {
		user = sc.Owner
	}
	ids, err := s.CreateJobs(ctx, CreateRequest{
		ConfigID: sc.ConfigID,
		User:     user,
		Params:   sc.Params,
		Comment:  sc.Comment,
	})
	now := s.now()
	if err != nil {
		if automatic {
			// a broken schedule still moves on to its next fire time
			sc.Fired(now, nil)
			s.touchSchedule(sc.ID)
		}
		slog.WarnContext(ctx, "schedule trigger failed", "schedule", sc.ID, "config", sc.ConfigID, "error", err)
		return nil, err
	}
	sc.Fired(now, ids)
	s.touchSchedule(sc.ID)
	slog.InfoContext(ctx, "schedule triggered", "schedule", sc.ID, "jobs", ids, "user", user)
	return ids, nil
}
