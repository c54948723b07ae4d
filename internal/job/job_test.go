package job_test

import (
	"testing"
	"time"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTaskLifecycle(t *testing.T) {
	task := &job.Task{Name: "A", JobID: "J"}
	require.Equal(t, job.StateWaiting, task.State())
	require.False(t, task.HasResult())

	err := task.Complete(t0, model.ResultOK, "", nil)
	require.ErrorIs(t, err, model.ErrInvalidRequest, "waiting task cannot complete")

	require.NoError(t, task.Start(t0, []string{"R1"}))
	require.Equal(t, job.StateRunning, task.State())
	require.ErrorIs(t, task.Start(t0, nil), model.ErrInvalidRequest)

	require.ErrorIs(t, task.Complete(t0, model.ResultCancelled, "", nil), model.ErrInvalidRequest)
	require.NoError(t, task.Complete(t0.Add(time.Minute), model.ResultWarning, "flaky", map[string]string{"k": "v"}))
	require.Equal(t, job.StateDone, task.State())
	require.True(t, task.HasResult())
	require.Equal(t, time.Minute, task.Run.Duration())

	require.False(t, task.Cancel(t0, "late"), "done task cannot be cancelled")
	require.Equal(t, model.ResultWarning, task.Run.Result)
}

func TestTaskInspection(t *testing.T) {
	task := &job.Task{Name: "A", JobID: "J", Inspect: true}
	require.ErrorIs(t, task.FinishInspection(model.ResultOK, "", nil), model.ErrInvalidRequest)

	require.NoError(t, task.Start(t0, []string{"R1"}))
	require.NoError(t, task.Complete(t0, model.ResultError, "reported", map[string]string{"a": "1"}))
	require.Equal(t, job.StateInspect, task.State())
	require.False(t, task.HasResult())
	require.Equal(t, model.ResultError, task.Run.Reported)

	require.NoError(t, task.Rerun())
	require.Equal(t, job.StateWaiting, task.State())
	require.Len(t, task.History, 1)

	require.NoError(t, task.Start(t0, []string{"R1"}))
	require.NoError(t, task.Complete(t0, model.ResultError, "reported", map[string]string{"a": "1"}))
	require.NoError(t, task.FinishInspection(model.ResultOK, "", map[string]string{"b": "2"}))
	require.Equal(t, job.StateDone, task.State())
	require.Equal(t, "reported", task.Run.Summary)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, task.Run.Extracted)

	require.ErrorIs(t, task.FinishInspection(model.ResultOK, "", nil), model.ErrInvalidRequest)
}

func TestTaskCancelAndRequeue(t *testing.T) {
	waiting := &job.Task{Name: "A", JobID: "J"}
	require.True(t, waiting.Cancel(t0, "aborted by alice"))
	require.Equal(t, job.StateCancelled, waiting.State())
	require.True(t, waiting.Run.Stopped.IsZero())
	require.False(t, waiting.Cancel(t0, "again"))

	running := &job.Task{Name: "B", JobID: "J"}
	require.NoError(t, running.Start(t0, []string{"R1"}))
	require.NoError(t, running.Requeue())
	require.Equal(t, job.StateWaiting, running.State())
	require.Empty(t, running.Run.Assigned)
	require.ErrorIs(t, running.Requeue(), model.ErrInvalidRequest)

	require.NoError(t, running.Start(t0, []string{"R2"}))
	require.True(t, running.Cancel(t0.Add(time.Second), ""))
	require.Equal(t, t0.Add(time.Second), running.Run.Stopped)
}

func TestTaskOverdue(t *testing.T) {
	task := &job.Task{Name: "A", JobID: "J", Timeout: 5 * time.Minute}
	require.False(t, task.Overdue(t0.Add(time.Hour)), "waiting tasks never time out")
	require.NoError(t, task.Start(t0, nil))
	require.False(t, task.Overdue(t0.Add(5*time.Minute)))
	require.True(t, task.Overdue(t0.Add(5*time.Minute+time.Second)))

	task.Timeout = 0
	require.False(t, task.Overdue(t0.Add(24*time.Hour)))
}

func TestJobResult(t *testing.T) {
	cases := []struct {
		scenario string
		given    []model.Result
		then     model.Result
		ok       bool
	}{
		{"all_ok", []model.Result{model.ResultOK, model.ResultOK}, model.ResultOK, true},
		{"warning_beats_ok", []model.Result{model.ResultOK, model.ResultWarning}, model.ResultWarning, true},
		{"error_beats_warning", []model.Result{model.ResultWarning, model.ResultError, model.ResultOK}, model.ResultError, true},
		{"cancelled_is_worst", []model.Result{model.ResultError, model.ResultCancelled}, model.ResultCancelled, true},
		{"absent_while_pending", []model.Result{model.ResultOK, model.ResultNone}, model.ResultNone, false},
		{"absent_while_inspecting", []model.Result{model.ResultOK, model.ResultInspect}, model.ResultNone, false},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			j := &job.Job{ID: "J"}
			for i, r := range tc.given {
				j.Tasks = append(j.Tasks, &job.Task{Name: string(rune('A' + i)), JobID: "J", Run: job.TaskRun{Result: r}})
			}
			got, ok := j.Result()
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	j := &job.Job{
		ID:       "J",
		Products: map[string]string{"src": "git://x"},
		Tasks:    []*job.Task{{Name: "A", JobID: "J", Params: map[string]string{"p": "1"}}},
	}
	c := j.Clone()
	c.Products["src"] = "changed"
	c.Tasks[0].Params["p"] = "2"
	require.NoError(t, c.Tasks[0].Start(t0, []string{"R1"}))

	require.Equal(t, "git://x", j.Products["src"])
	require.Equal(t, "1", j.Tasks[0].Params["p"])
	require.Equal(t, job.StateWaiting, j.Tasks[0].State())

	j.AppendComment("alice", "first")
	j.AppendComment("", "  ")
	j.AppendComment("bob", "second")
	require.Equal(t, "alice: first\nbob: second", j.Comment)

	_, err := j.Task("missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestOrder(t *testing.T) {
	test := &job.Task{Name: "test", Inputs: []string{"binary"}, Outputs: []string{"report"}}
	build := &job.Task{Name: "build", Inputs: []string{"src"}, Outputs: []string{"binary"}}
	lint := &job.Task{Name: "lint", Inputs: []string{"src"}}
	publish := &job.Task{Name: "publish", Inputs: []string{"report", "binary"}}

	ordered, err := job.Order([]*job.Task{publish, test, lint, build})
	require.NoError(t, err)
	names := make([]string, len(ordered))
	for i, o := range ordered {
		names[i] = o.Name
	}
	require.Equal(t, []string{"lint", "build", "test", "publish"}, names)

	a := &job.Task{Name: "a", Inputs: []string{"y"}, Outputs: []string{"x"}}
	b := &job.Task{Name: "b", Inputs: []string{"x"}, Outputs: []string{"y"}}
	_, err = job.Order([]*job.Task{a, b})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}
