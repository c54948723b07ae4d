package engine

import (
	"slices"
	"sort"
	"time"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// JobFilter selects jobs. Zero fields match everything. Query is a wildcard
// matched against the configuration, target and comment.
type JobFilter struct {
	IDs    []string
	From   time.Time
	To     time.Time
	Owner  string
	Query  string
	Active bool // only jobs that are not final
}

func (f JobFilter) match(j *job.Job) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, j.ID) {
		return false
	}
	if !f.From.IsZero() && j.Created.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && j.Created.After(f.To) {
		return false
	}
	if f.Owner != "" && f.Owner != j.Owner {
		return false
	}
	if f.Active && j.IsFinal() {
		return false
	}
	if f.Query == "" {
		return true
	}
	return model.Wildcard(f.Query, j.ConfigID) || model.Wildcard(f.Query, j.Target) || model.Wildcard(f.Query, j.Comment)
}

// Jobs returns copies of the matching jobs in creation order.
func (s *State) Jobs(f JobFilter) []*job.Job {
	var out []*job.Job
	for _, j := range s.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Job returns a copy of one job.
func (s *State) Job(id string) (*job.Job, error) {
	j, ok := s.jobsByID[id]
	if !ok {
		return nil, model.NotFound("job", id)
	}
	return j.Clone(), nil
}

// ResourceFilter selects resources. Zero fields match everything.
type ResourceFilter struct {
	Type       string
	Capability string
	Query      string // wildcard on id and description
}

// Resources returns copies of the matching resources ordered by id.
func (s *State) Resources(f ResourceFilter) []resource.Resource {
	var ids []string
	switch {
	case f.Type != "":
		ids = s.registry.OfType(f.Type)
		if f.Capability != "" {
			withCap := s.registry.WithCapability(f.Capability)
			ids = slices.DeleteFunc(ids, func(id string) bool { return !slices.Contains(withCap, id) })
		}
	case f.Capability != "":
		ids = s.registry.WithCapability(f.Capability)
	default:
		for _, r := range s.registry.List() {
			ids = append(ids, r.ID)
		}
	}
	var out []resource.Resource
	for _, id := range ids {
		r, err := s.registry.Lookup(id)
		if err != nil {
			continue
		}
		if f.Query != "" && !model.Wildcard(f.Query, r.ID) && !model.Wildcard(f.Query, r.Description) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ShadowRuns returns copies of the matching shadow runs, oldest first.
func (s *State) ShadowRuns(f shadow.Filter) []shadow.Run {
	return s.shadow.List(f)
}

// Schedules returns copies of every schedule ordered by id.
func (s *State) Schedules() []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
