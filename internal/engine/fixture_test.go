package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
	"github.com/kylemclaren/taskfab/internal/template"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore keeps the last saved copy of every record.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	resources map[string]resource.Resource
	shadow    map[string]shadow.Run
	schedules map[string]schedule.Schedule
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*job.Job),
		resources: make(map[string]resource.Resource),
		shadow:    make(map[string]shadow.Run),
		schedules: make(map[string]schedule.Schedule),
	}
}

func (m *memStore) SaveJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *memStore) SaveResource(_ context.Context, r resource.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r.Clone()
	return nil
}

func (m *memStore) DeleteResource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
	return nil
}

func (m *memStore) SaveShadowRun(_ context.Context, r shadow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shadow[r.ID] = r.Clone()
	return nil
}

func (m *memStore) DeleteShadowRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shadow, id)
	return nil
}

func (m *memStore) SaveSchedule(_ context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *memStore) snapshot() engine.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap engine.Snapshot
	for _, j := range m.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	for _, r := range m.resources {
		snap.Resources = append(snap.Resources, r.Clone())
	}
	for _, r := range m.shadow {
		snap.ShadowRuns = append(snap.ShadowRuns, r.Clone())
	}
	for _, s := range m.schedules {
		snap.Schedules = append(snap.Schedules, s.Clone())
	}
	return snap
}

func testGraph(t *testing.T) *template.Graph {
	t.Helper()
	g := template.NewGraph()
	require.NoError(t, g.AddResourceType(resource.Type{ID: "T", PerTask: true}))
	require.NoError(t, g.AddResourceType(resource.Type{ID: "db", PerJob: true}))
	require.NoError(t, g.AddResourceType(resource.Type{ID: "license"}))
	require.NoError(t, g.AddProduct(template.Product{ID: "binary", Locator: template.LocatorURL}))
	require.NoError(t, g.AddProduct(template.Product{ID: "report", Combined: true}))
	require.NoError(t, g.AddProduct(template.Product{ID: "workspace", Local: true}))

	frameworks := []template.Framework{
		{ID: "fw", Claim: resource.Claim{{Type: "T", Capabilities: resource.Capabilities{"linux"}}}},
		{ID: "plain"},
		{ID: "build", Outputs: []string{"binary"}},
		{ID: "test", Inputs: []string{"binary"}, Outputs: []string{"report"}},
		{ID: "summary", Inputs: []string{"report"}},
		{ID: "checkout", Outputs: []string{"workspace"}},
		{ID: "inplace", Inputs: []string{"workspace"}},
		{ID: "review", Inspect: true},
		{ID: "extract", Extract: true},
		{ID: "usesdb", Claim: resource.Claim{{Type: "db"}}},
	}
	for _, f := range frameworks {
		require.NoError(t, g.AddFramework(f))
	}
	defs := []template.TaskDefinition{
		{ID: "A", Framework: "fw"},
		{ID: "B", Framework: "fw"},
		{ID: "slow", Framework: "plain", Timeout: 5},
		{ID: "p1", Framework: "plain"},
		{ID: "p2", Framework: "plain"},
		{ID: "p3", Framework: "plain"},
		{ID: "p4", Framework: "plain"},
		{ID: "compile", Framework: "build"},
		{ID: "unit", Framework: "test"},
		{ID: "integration", Framework: "test"},
		{ID: "summ", Framework: "summary"},
		{ID: "clone", Framework: "checkout"},
		{ID: "scan", Framework: "inplace"},
		{ID: "check", Framework: "review"},
		{ID: "stats", Framework: "extract"},
		{ID: "d1", Framework: "usesdb"},
		{ID: "d2", Framework: "usesdb"},
		{ID: "param", Framework: "plain", Params: map[string]string{"branch": "", "depth": "1"}},
	}
	for _, d := range defs {
		require.NoError(t, g.AddTaskDefinition(d))
	}
	return g
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clock *clock
	graph *template.Graph
	store *memStore
	state *engine.State
}

func newFixture(t *testing.T, fairness engine.Fairness) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   t.Context(),
		clock: &clock{now: t0},
		graph: testGraph(t),
		store: newMemStore(),
	}
	f.state = engine.NewState(f.graph, f.options(fairness))
	return f
}

func (f *fixture) options(fairness engine.Fairness) engine.Options {
	n := 0
	return engine.Options{
		Store: f.store,
		Now:   f.clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("%04x-id-%d", n, n)
		},
		Fairness:  fairness,
		WarnAfter: 30 * time.Second,
		LostAfter: 2 * time.Minute,
		Shadow:    shadow.Limits{MaxDone: 10, MaxOK: 5},
	}
}

func (f *fixture) newState() *engine.State {
	return engine.NewState(f.graph, f.options(engine.FairnessOldestFirst))
}

func (f *fixture) config(id string, tasks ...string) {
	f.t.Helper()
	cfg := template.Configuration{ID: id}
	for _, name := range tasks {
		cfg.Tasks = append(cfg.Tasks, template.ConfigTask{Name: name})
	}
	require.NoError(f.t, f.graph.AddConfiguration(cfg))
}

// resource registers a connected resource.
func (f *fixture) resource(id, typ string, caps ...string) {
	f.t.Helper()
	require.NoError(f.t, f.state.RegisterResource(f.ctx, resource.Resource{ID: id, Type: typ, Capabilities: caps}))
	if typ == resource.TaskRunnerType {
		require.NoError(f.t, f.state.SetConnectionStatus(f.ctx, id, resource.StatusConnected))
	}
}

func (f *fixture) runners(n int) {
	f.t.Helper()
	for i := 1; i <= n; i++ {
		f.resource(fmt.Sprintf("r-%d", i), resource.TaskRunnerType)
	}
}

func (f *fixture) create(config string) string {
	f.t.Helper()
	ids, err := f.state.CreateJobs(f.ctx, engine.CreateRequest{ConfigID: config, User: "alice"})
	require.NoError(f.t, err)
	require.Len(f.t, ids, 1)
	return ids[0]
}

func (f *fixture) pass() []engine.Assignment {
	f.t.Helper()
	as, err := f.state.SchedulePass(f.ctx)
	require.NoError(f.t, err)
	return as
}

func (f *fixture) task(jobID, name string) *job.Task {
	f.t.Helper()
	j, err := f.state.Job(jobID)
	require.NoError(f.t, err)
	task, err := j.Task(name)
	require.NoError(f.t, err)
	return task
}

func (f *fixture) runnerOf(jobID, name string) string {
	f.t.Helper()
	for _, id := range f.task(jobID, name).Run.Assigned {
		if strings.HasPrefix(id, "r-") {
			return id
		}
	}
	f.t.Fatalf("task %s/%s has no runner", jobID, name)
	return ""
}

func (f *fixture) report(jobID, name string, result model.Result, outputs map[string]string) {
	f.t.Helper()
	require.NoError(f.t, f.state.ReportCompletion(f.ctx, engine.Report{
		RunnerID: f.runnerOf(jobID, name),
		JobID:    jobID,
		TaskName: name,
		Result:   result,
		Outputs:  outputs,
	}))
}

func (f *fixture) holder(id string) *resource.Reservation {
	f.t.Helper()
	rs := f.state.Resources(engine.ResourceFilter{Query: id})
	for _, r := range rs {
		if r.ID == id {
			return r.Holder
		}
	}
	f.t.Fatalf("resource %s not found", id)
	return nil
}
