package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startEngine(t *testing.T, f *fixture, interval time.Duration) (*engine.Engine, func()) {
	t.Helper()
	e := engine.New(f.state, interval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Do(ctx) }()
	return e, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestEngineSerialisesCalls(t *testing.T) {
	f := newFixture(t, engine.FairnessOldestFirst)
	f.config("one", "p1")
	e, stop := startEngine(t, f, time.Hour)
	defer stop()

	ids, err := e.CreateJobs(f.ctx, engine.CreateRequest{ConfigID: "one", User: "alice"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	resp, err := e.Sync(f.ctx, engine.SyncRequest{RunnerID: "r-1"})
	require.NoError(t, err)
	require.NotNil(t, resp.Assignment)

	require.NoError(t, e.ReportCompletion(f.ctx, engine.Report{RunnerID: "r-1", JobID: ids[0], TaskName: "p1", Result: model.ResultOK}))

	j, err := e.Job(f.ctx, ids[0])
	require.NoError(t, err)
	require.True(t, j.IsFinal())

	_, err = e.Job(f.ctx, "nope")
	require.ErrorIs(t, err, model.ErrNotFound)

	sentinel := errors.New("boom")
	require.ErrorIs(t, e.Call(f.ctx, func(context.Context, *engine.State) error { return sentinel }), sentinel)
}

func TestEngineTickAssignsWork(t *testing.T) {
	f := newFixture(t, engine.FairnessOldestFirst)
	f.runners(1)
	f.config("one", "p1")
	id := f.create("one")
	e, stop := startEngine(t, f, 10*time.Millisecond)
	defer stop()

	require.Eventually(t, func() bool {
		j, err := e.Job(f.ctx, id)
		if err != nil {
			return false
		}
		task, _ := j.Task("p1")
		return task.State() == job.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineStopped(t *testing.T) {
	f := newFixture(t, engine.FairnessOldestFirst)
	e, stop := startEngine(t, f, time.Hour)
	stop()

	_, err := e.Jobs(f.ctx, engine.JobFilter{})
	require.ErrorIs(t, err, engine.ErrStopped)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	e2 := engine.New(f.state, time.Hour)
	require.ErrorIs(t, e2.Call(ctx, func(context.Context, *engine.State) error { return nil }), context.Canceled)
}
