package db

import (
	"path/filepath"
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

func open(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "taskfab.db")
	db, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, path := open(t)
	v, err := db.SchemaVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, schemaVersion, v)
	require.NoError(t, db.Close())

	again, err := New(path)
	require.NoError(t, err)
	defer again.Close()
	v, err = again.SchemaVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, schemaVersion, v)

	_, err = again.GetSetting(t.Context(), "nope")
	require.Error(t, err)
}

func testGraph(t *testing.T) *template.Graph {
	t.Helper()
	g := template.NewGraph()
	require.NoError(t, g.AddResourceType(resource.Type{ID: "device", PerTask: true}))
	require.NoError(t, g.AddProduct(template.Product{ID: "binary"}))
	require.NoError(t, g.AddFramework(template.Framework{
		ID:      "build",
		Outputs: []string{"binary"},
		Claim:   resource.Claim{{Type: "device", Capabilities: resource.Capabilities{"arm64"}}},
		Extract: true,
	}))
	require.NoError(t, g.AddFramework(template.Framework{ID: "test", Inputs: []string{"binary"}}))
	require.NoError(t, g.AddTaskDefinition(template.TaskDefinition{ID: "compile", Framework: "build", Timeout: 10}))
	require.NoError(t, g.AddTaskDefinition(template.TaskDefinition{ID: "smoke", Framework: "test", Params: map[string]string{"suite": "smoke"}}))
	require.NoError(t, g.AddConfiguration(template.Configuration{
		ID:    "nightly",
		Tasks: []template.ConfigTask{{Name: "compile"}, {Name: "smoke"}},
	}))
	return g
}

func TestEngineStateSurvivesRestart(t *testing.T) {
	db, _ := open(t)
	ctx := t.Context()
	g := testGraph(t)
	now := t0
	opts := engine.Options{Store: db, Now: func() time.Time { return now }}

	s := engine.NewState(g, opts)
	require.NoError(t, s.RegisterResource(ctx, resource.Resource{ID: "dev-1", Type: "device", Capabilities: resource.Capabilities{"arm64"}}))
	require.NoError(t, s.AddSchedule(ctx, schedule.Schedule{ID: "nightly", ConfigID: "nightly", Owner: "alice", Cron: "0 2 * * *"}))
	ids, err := s.CreateJobs(ctx, engine.CreateRequest{ConfigID: "nightly", User: "bob", Comment: "first"})
	require.NoError(t, err)
	id := ids[0]

	resp, err := s.Sync(ctx, engine.SyncRequest{RunnerID: "r-1", Description: "builder"})
	require.NoError(t, err)
	require.Equal(t, "compile", resp.Assignment.TaskName)

	now = now.Add(time.Minute)
	require.NoError(t, s.ReportCompletion(ctx, engine.Report{
		RunnerID: "r-1", JobID: id, TaskName: "compile", Result: model.ResultOK,
		Outputs: map[string]string{"binary": "http://ci/b"},
	}))
	require.NoError(t, s.SetAlert(ctx, id, "smoke", "flaky"))

	snap, err := db.Load(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Jobs, 1)
	j := snap.Jobs[0]
	require.Equal(t, id, j.ID)
	require.Equal(t, "bob", j.Owner)
	require.Equal(t, "first", j.Comment)
	require.True(t, j.Created.Equal(t0))
	require.Equal(t, map[string]string{"binary": "http://ci/b"}, j.Products)
	require.Len(t, j.Tasks, 2)
	compile, smoke := j.Tasks[0], j.Tasks[1]
	require.Equal(t, "compile", compile.Name)
	require.Equal(t, job.StateDone, compile.State())
	require.Equal(t, model.ResultOK, compile.Run.Result)
	require.Equal(t, 10*time.Minute, compile.Timeout)
	require.True(t, compile.Extract)
	require.True(t, compile.Run.Started.Equal(t0))
	require.Equal(t, []string{"dev-1", "r-1"}, compile.Run.Assigned)
	require.Equal(t, "flaky", smoke.Alert)
	require.Equal(t, map[string]string{"suite": "smoke"}, smoke.Params)
	require.Equal(t, []string{"binary"}, smoke.Inputs)

	byID := map[string]resource.Resource{}
	for _, r := range snap.Resources {
		byID[r.ID] = r
	}
	require.Equal(t, resource.Capabilities{"arm64"}, byID["dev-1"].Capabilities)
	require.Equal(t, "builder", byID["r-1"].Description)
	require.Equal(t, resource.StatusConnected, byID["r-1"].Status)

	require.Len(t, snap.ShadowRuns, 1, "extraction queued")
	require.Equal(t, id, snap.ShadowRuns[0].JobID)
	require.Len(t, snap.Schedules, 1)
	require.False(t, snap.Schedules[0].NextRun.IsZero())

	restored := engine.NewState(g, opts)
	require.NoError(t, restored.Restore(ctx, *snap))
	rj, err := restored.Job(id)
	require.NoError(t, err)
	require.Equal(t, j.Products, rj.Products)
}

func TestDeletes(t *testing.T) {
	db, _ := open(t)
	ctx := t.Context()

	require.NoError(t, db.SaveResource(ctx, resource.Resource{ID: "x", Type: "device", Status: resource.StatusConnected,
		Holder: &resource.Reservation{JobID: "j"}}))
	require.NoError(t, db.SaveShadowRun(ctx, shadow.Run{ID: "s", Created: t0}))
	require.NoError(t, db.SaveSchedule(ctx, schedule.Schedule{ID: "c", ConfigID: "nightly"}))

	snap, err := db.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, &resource.Reservation{JobID: "j"}, snap.Resources[0].Holder)
	require.Len(t, snap.ShadowRuns, 1)
	require.Len(t, snap.Schedules, 1)

	require.NoError(t, db.DeleteResource(ctx, "x"))
	require.NoError(t, db.DeleteShadowRun(ctx, "s"))
	require.NoError(t, db.DeleteSchedule(ctx, "c"))
	snap, err = db.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Resources)
	require.Empty(t, snap.ShadowRuns)
	require.Empty(t, snap.Schedules)
}

func TestLegacyResultCodes(t *testing.T) {
	db, _ := open(t)
	ctx := t.Context()

	_, err := db.conn.ExecContext(ctx, `INSERT INTO jobs (id, config_id, created_at) VALUES ('old', 'nightly', ?)`, t0)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (job_id, position, name, framework, run, history)
		VALUES ('old', 0, 'compile', 'build', '{"result":"blocked"}', '[{"result":"dismissed"},{"result":"ok"}]')
	`)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx, `INSERT INTO shadow_runs (id, created_at, done, result) VALUES ('s', ?, 1, 'dismissed')`, t0)
	require.NoError(t, err)

	snap, err := db.Load(ctx)
	require.NoError(t, err)
	task := snap.Jobs[0].Tasks[0]
	require.Equal(t, model.ResultCancelled, task.Run.Result)
	require.Equal(t, model.ResultCancelled, task.History[0].Result)
	require.Equal(t, model.ResultOK, task.History[1].Result)
	require.Equal(t, model.ResultCancelled, snap.ShadowRuns[0].Result)

	// rewritten rows carry the current version and keep their codes
	require.NoError(t, db.SaveJob(ctx, snap.Jobs[0]))
	var version int
	require.NoError(t, db.conn.QueryRowContext(ctx, "SELECT record_version FROM tasks WHERE job_id = 'old'").Scan(&version))
	require.Equal(t, recordVersion, version)
}

func TestUpgradeResult(t *testing.T) {
	cases := []struct {
		scenario string
		version  int
		given    model.Result
		then     model.Result
	}{
		{"v1_blocked", 1, "blocked", model.ResultCancelled},
		{"v1_dismissed", 1, "dismissed", model.ResultCancelled},
		{"v1_error", 1, model.ResultError, model.ResultError},
		{"v2_untouched", 2, "blocked", "blocked"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, upgradeResult(tc.version, tc.given))
		})
	}
}
