package job

import (
	"maps"
	"slices"
	"time"

	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
)

// State of a task, derived from its current run.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateInspect   State = "inspect"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// allowedTransitions lists the states each state may move to.
var allowedTransitions = map[State][]State{
	StateWaiting: {StateRunning, StateCancelled},
	StateRunning: {StateDone, StateInspect, StateCancelled, StateWaiting},
	StateInspect: {StateDone, StateWaiting},
}

func isAllowedTransition(from, to State) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// TaskRun is one execution attempt of a task.
type TaskRun struct {
	Started  time.Time    `json:"started,omitzero"`
	Stopped  time.Time    `json:"stopped,omitzero"`
	Assigned []string     `json:"assigned,omitempty"`
	Result   model.Result `json:"result,omitempty"`
	// Reported is what the runner reported for a run held for inspection.
	Reported  model.Result      `json:"reported,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Extracted map[string]string `json:"extracted,omitempty"`
	// Outputs are the product locators reported by the runner.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// State derives the lifecycle state from the run's fields.
func (r TaskRun) State() State {
	switch {
	case r.Result == model.ResultCancelled:
		return StateCancelled
	case r.Result == model.ResultInspect:
		return StateInspect
	case r.Result != model.ResultNone:
		return StateDone
	case !r.Started.IsZero():
		return StateRunning
	default:
		return StateWaiting
	}
}

// Duration is the run time of a stopped run.
func (r TaskRun) Duration() time.Duration {
	if r.Started.IsZero() || r.Stopped.IsZero() {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}

func (r TaskRun) clone() TaskRun {
	r.Assigned = slices.Clone(r.Assigned)
	r.Extracted = maps.Clone(r.Extracted)
	r.Outputs = maps.Clone(r.Outputs)
	return r
}

// Task is one instance of a task definition inside a job.
type Task struct {
	Name      string            `json:"name"`
	JobID     string            `json:"job_id"`
	Framework string            `json:"framework"`
	Inputs    []string          `json:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"`
	Claim     resource.Claim    `json:"claim"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	Inspect   bool              `json:"inspect,omitempty"`
	Extract   bool              `json:"extract,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Alert     string            `json:"alert,omitempty"`
	Run       TaskRun           `json:"run"`
	// History keeps runs replaced by a rerun from inspection.
	History []TaskRun `json:"history,omitempty"`
}

// State of the current run.
func (t *Task) State() State { return t.Run.State() }

// HasResult is true once a result other than INSPECT is set.
func (t *Task) HasResult() bool {
	return t.Run.Result != model.ResultNone && t.Run.Result != model.ResultInspect
}

// IsFinal is true for done and cancelled tasks.
func (t *Task) IsFinal() bool { return t.Run.Result.IsFinal() }

// Reservation is the holder key the task uses for its resources.
func (t *Task) Reservation() resource.Reservation {
	return resource.Reservation{JobID: t.JobID, TaskName: t.Name}
}

func (t *Task) transition(to State) error {
	from := t.State()
	if !isAllowedTransition(from, to) {
		return model.InvalidRequest("task %s/%s cannot go from %s to %s", t.JobID, t.Name, from, to)
	}
	return nil
}

// Start marks a waiting task running on the assigned resources.
func (t *Task) Start(now time.Time, assigned []string) error {
	if err := t.transition(StateRunning); err != nil {
		return err
	}
	t.Run.Started = now
	t.Run.Assigned = slices.Clone(assigned)
	return nil
}

// Complete records a reported result. A task that requires inspection is
// held in StateInspect with the reported result kept aside.
func (t *Task) Complete(now time.Time, result model.Result, summary string, extracted map[string]string) error {
	if err := model.MustBeReportable(result); err != nil {
		return err
	}
	to := StateDone
	if t.Inspect {
		to = StateInspect
	}
	if err := t.transition(to); err != nil {
		return err
	}
	t.Run.Stopped = now
	t.Run.Summary = summary
	t.Run.Extracted = maps.Clone(extracted)
	if t.Inspect {
		t.Run.Reported = result
		t.Run.Result = model.ResultInspect
	} else {
		t.Run.Result = result
	}
	return nil
}

// FinishInspection settles a task awaiting inspection. An empty summary
// keeps the reported one; extracted data is merged over what was reported.
func (t *Task) FinishInspection(result model.Result, summary string, extracted map[string]string) error {
	if t.State() != StateInspect {
		return model.InvalidRequest("task %s/%s is not awaiting inspection", t.JobID, t.Name)
	}
	if err := model.MustBeReportable(result); err != nil {
		return err
	}
	t.Run.Result = result
	if summary != "" {
		t.Run.Summary = summary
	}
	if len(extracted) > 0 {
		if t.Run.Extracted == nil {
			t.Run.Extracted = make(map[string]string, len(extracted))
		}
		maps.Copy(t.Run.Extracted, extracted)
	}
	return nil
}

// Cancel forces a waiting or running task to cancelled and reports whether
// anything changed. Cancelling a final task is a no-op.
func (t *Task) Cancel(now time.Time, summary string) bool {
	if t.transition(StateCancelled) != nil {
		return false
	}
	if t.State() == StateRunning {
		t.Run.Stopped = now
	}
	t.Run.Result = model.ResultCancelled
	t.Run.Summary = summary
	return true
}

// Requeue puts a running task back to waiting after its runner was lost.
func (t *Task) Requeue() error {
	if t.State() != StateRunning {
		return model.InvalidRequest("task %s/%s is %s, not running", t.JobID, t.Name, t.State())
	}
	t.Run = TaskRun{}
	return nil
}

// Rerun archives the run under inspection and starts a fresh one.
func (t *Task) Rerun() error {
	if t.State() != StateInspect {
		return model.InvalidRequest("task %s/%s is not awaiting inspection", t.JobID, t.Name)
	}
	t.History = append(t.History, t.Run)
	t.Run = TaskRun{}
	return nil
}

// Overdue reports whether a running task has exceeded its timeout.
func (t *Task) Overdue(now time.Time) bool {
	return t.Timeout > 0 && t.State() == StateRunning && now.Sub(t.Run.Started) > t.Timeout
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.Inputs = slices.Clone(t.Inputs)
	c.Outputs = slices.Clone(t.Outputs)
	c.Claim = slices.Clone(t.Claim)
	for i := range c.Claim {
		c.Claim[i].Capabilities = slices.Clone(c.Claim[i].Capabilities)
	}
	c.Params = maps.Clone(t.Params)
	c.Run = t.Run.clone()
	if t.History != nil {
		c.History = make([]TaskRun, len(t.History))
		for i, r := range t.History {
			c.History[i] = r.clone()
		}
	}
	return &c
}
