package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
	"github.com/kylemclaren/taskfab/internal/template"
)

// Fairness decides the order in which a scheduling pass visits waiting tasks.
type Fairness string

const (
	// FairnessOldestFirst visits jobs oldest first and each job's tasks in order.
	FairnessOldestFirst Fairness = "oldest-first"
	// FairnessRoundRobin visits one task per job per round, oldest job first.
	FairnessRoundRobin Fairness = "round-robin"
)

// ParseFairness validates s; an empty string selects the default.
func ParseFairness(s string) (Fairness, error) {
	switch f := Fairness(s); f {
	case "":
		return FairnessOldestFirst, nil
	case FairnessOldestFirst, FairnessRoundRobin:
		return f, nil
	}
	return "", fmt.Errorf("unknown fairness policy %q", s)
}

// Store persists records after the engine changed them.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	SaveResource(ctx context.Context, r resource.Resource) error
	DeleteResource(ctx context.Context, id string) error
	SaveShadowRun(ctx context.Context, r shadow.Run) error
	DeleteShadowRun(ctx context.Context, id string) error
	SaveSchedule(ctx context.Context, s schedule.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

type nopStore struct{}

func (nopStore) SaveJob(context.Context, *job.Job) error                { return nil }
func (nopStore) SaveResource(context.Context, resource.Resource) error  { return nil }
func (nopStore) DeleteResource(context.Context, string) error           { return nil }
func (nopStore) SaveShadowRun(context.Context, shadow.Run) error        { return nil }
func (nopStore) DeleteShadowRun(context.Context, string) error          { return nil }
func (nopStore) SaveSchedule(context.Context, schedule.Schedule) error  { return nil }
func (nopStore) DeleteSchedule(context.Context, string) error           { return nil }

// Options configure a State. Zero values select defaults.
type Options struct {
	Store     Store
	Now       func() time.Time
	NewID     func() string
	Fairness  Fairness
	WarnAfter time.Duration
	LostAfter time.Duration
	Shadow    shadow.Limits
}

// State holds every job, resource, shadow run and schedule and implements
// all engine operations. It is plain synchronous code: State is not safe for
// concurrent use and is meant to be owned by an Engine.
type State struct {
	graph     *template.Graph
	registry  *resource.Registry
	jobs      []*job.Job
	jobsByID  map[string]*job.Job
	shadow    *shadow.Queue
	schedules map[string]*schedule.Schedule

	store     Store
	now       func() time.Time
	newID     func() string
	fairness  Fairness
	warnAfter time.Duration
	lostAfter time.Duration

	dirty changes
}

// NewState creates an empty state over graph.
func NewState(graph *template.Graph, opts Options) *State {
	s := &State{
		graph:     graph,
		registry:  resource.NewRegistry(),
		jobsByID:  make(map[string]*job.Job),
		shadow:    shadow.NewQueue(opts.Shadow),
		schedules: make(map[string]*schedule.Schedule),
		store:     opts.Store,
		now:       opts.Now,
		newID:     opts.NewID,
		fairness:  opts.Fairness,
		warnAfter: opts.WarnAfter,
		lostAfter: opts.LostAfter,
	}
	if s.store == nil {
		s.store = nopStore{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.fairness == "" {
		s.fairness = FairnessOldestFirst
	}
	if s.warnAfter <= 0 {
		s.warnAfter = 30 * time.Second
	}
	if s.lostAfter <= s.warnAfter {
		s.lostAfter = 4 * s.warnAfter
	}
	s.dirty.reset()
	return s
}

// Graph exposes the template graph for read access.
func (s *State) Graph() *template.Graph { return s.graph }

// changes collects the records touched by one operation.
type changes struct {
	jobs             map[string]struct{}
	resources        map[string]struct{}
	removedResources map[string]struct{}
	shadow           map[string]struct{}
	removedShadow    map[string]struct{}
	schedules        map[string]struct{}
	removedSchedules map[string]struct{}
}

func (c *changes) reset() {
	c.jobs = make(map[string]struct{})
	c.resources = make(map[string]struct{})
	c.removedResources = make(map[string]struct{})
	c.shadow = make(map[string]struct{})
	c.removedShadow = make(map[string]struct{})
	c.schedules = make(map[string]struct{})
	c.removedSchedules = make(map[string]struct{})
}

func (s *State) touchJob(id string)      { s.dirty.jobs[id] = struct{}{} }
func (s *State) touchResource(id string) { s.dirty.resources[id] = struct{}{} }
func (s *State) touchShadow(id string)   { s.dirty.shadow[id] = struct{}{} }
func (s *State) touchSchedule(id string) { s.dirty.schedules[id] = struct{}{} }

func (s *State) touchResources(ids ...string) {
	for _, id := range ids {
		s.touchResource(id)
	}
}

func (s *State) evicted(ids []string) {
	for _, id := range ids {
		delete(s.dirty.shadow, id)
		s.dirty.removedShadow[id] = struct{}{}
	}
}

// flush writes every touched record to the store. Store failures are logged;
// memory stays authoritative.
func (s *State) flush(ctx context.Context) {
	d := s.dirty
	s.dirty.reset()

	for _, id := range sortedSet(d.jobs) {
		if j, ok := s.jobsByID[id]; ok {
			s.persist(ctx, "job", id, s.store.SaveJob(ctx, j))
		}
	}
	for _, id := range sortedSet(d.resources) {
		if r, err := s.registry.Lookup(id); err == nil {
			s.persist(ctx, "resource", id, s.store.SaveResource(ctx, r))
		}
	}
	for _, id := range sortedSet(d.removedResources) {
		s.persist(ctx, "resource", id, s.store.DeleteResource(ctx, id))
	}
	for _, id := range sortedSet(d.shadow) {
		if r, err := s.shadow.Get(id); err == nil {
			s.persist(ctx, "shadow run", id, s.store.SaveShadowRun(ctx, r))
		}
	}
	for _, id := range sortedSet(d.removedShadow) {
		s.persist(ctx, "shadow run", id, s.store.DeleteShadowRun(ctx, id))
	}
	for _, id := range sortedSet(d.schedules) {
		if sc, ok := s.schedules[id]; ok {
			s.persist(ctx, "schedule", id, s.store.SaveSchedule(ctx, *sc))
		}
	}
	for _, id := range sortedSet(d.removedSchedules) {
		s.persist(ctx, "schedule", id, s.store.DeleteSchedule(ctx, id))
	}
}

func (s *State) persist(ctx context.Context, kind, id string, err error) {
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist record", "kind", kind, "id", id, "error", err)
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
