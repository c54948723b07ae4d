package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

// ErrStopped is returned by calls made after the event loop has exited.
var ErrStopped = errors.New("engine stopped")

type call struct {
	ctx  context.Context
	fn   func(ctx context.Context, s *State) error
	done chan error
}

// Engine owns a State and serialises every operation on it through the
// goroutine running Do. The methods below are safe for concurrent use.
type Engine struct {
	state    *State
	interval time.Duration
	calls    chan call
	stopped  chan struct{}
}

// New wraps state. interval is the period of the housekeeping tick.
func New(state *State, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Engine{
		state:    state,
		interval: interval,
		calls:    make(chan call),
		stopped:  make(chan struct{}),
	}
}

// Do runs the event loop until ctx is cancelled. It multiplexes
//  1. calls from the methods below, run one at a time,
//  2. the housekeeping tick: connection and timeout sweeps, due schedules
//     and a scheduling pass.
func (e *Engine) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting the engine", "interval", e.interval)
	defer close(e.stopped)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-e.calls:
			c.done <- e.run(c)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) run(c call) error {
	err := c.fn(c.ctx, e.state)
	if errors.Is(err, model.ErrInternal) {
		slog.ErrorContext(c.ctx, "engine invariant violated", "error", err)
	}
	return err
}

func (e *Engine) tick(ctx context.Context) {
	e.state.SweepConnections(ctx)
	e.state.SweepTimeouts(ctx)
	e.state.DueSchedules(ctx)
	if _, err := e.state.SchedulePass(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduling pass failed", "error", err)
	}
}

// Call runs fn on the event loop and returns its error. It gives up when ctx
// is cancelled or the loop has stopped.
func (e *Engine) Call(ctx context.Context, fn func(ctx context.Context, s *State) error) error {
	c := call{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	// once accepted the call always completes
	return <-c.done
}

func (e *Engine) CreateJobs(ctx context.Context, req CreateRequest) (ids []string, err error) {
	err = e.Call(ctx, func(ctx context.Context, s *State) error {
		ids, err = s.CreateJobs(ctx, req)
		return err
	})
	return ids, err
}

func (e *Engine) AbortTasks(ctx context.Context, req AbortRequest) (aborted map[string][]string, err error) {
	err = e.Call(ctx, func(ctx context.Context, s *State) error {
		aborted, err = s.AbortTasks(ctx, req)
		return err
	})
	return aborted, err
}

func (e *Engine) SetAlert(ctx context.Context, jobID, taskName, alert string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.SetAlert(ctx, jobID, taskName, alert)
	})
}

func (e *Engine) AppendComment(ctx context.Context, jobID, user, text string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.AppendComment(ctx, jobID, user, text)
	})
}

func (e *Engine) InspectDone(ctx context.Context, jobID, taskName string, result model.Result, summary string, extracted map[string]string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.InspectDone(ctx, jobID, taskName, result, summary, extracted)
	})
}

func (e *Engine) RerunTask(ctx context.Context, jobID, taskName string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.RerunTask(ctx, jobID, taskName)
	})
}

func (e *Engine) TriggerSchedule(ctx context.Context, id, user string) (ids []string, err error) {
	err = e.Call(ctx, func(ctx context.Context, s *State) error {
		ids, err = s.TriggerSchedule(ctx, id, user)
		return err
	})
	return ids, err
}

// FireSchedule has the signature of schedule.TriggerFunc.
func (e *Engine) FireSchedule(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		_, err := s.FireSchedule(ctx, id)
		return err
	})
}

func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteSchedule(ctx, id)
	})
}

func (e *Engine) SetScheduleSuspend(ctx context.Context, id string, suspended bool) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.SetScheduleSuspend(ctx, id, suspended)
	})
}

func (e *Engine) AddShadowRun(ctx context.Context, run shadow.Run) (id string, err error) {
	err = e.Call(ctx, func(ctx context.Context, s *State) error {
		id, err = s.AddShadowRun(ctx, run)
		return err
	})
	return id, err
}

func (e *Engine) SetResourceSuspend(ctx context.Context, ids []string, suspended bool, user string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.SetResourceSuspend(ctx, ids, suspended, user)
	})
}

func (e *Engine) UpdateResource(ctx context.Context, id string, caps []string, description string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.UpdateResource(ctx, id, caps, description)
	})
}

func (e *Engine) RequestResourceExit(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.RequestResourceExit(ctx, id)
	})
}

func (e *Engine) DeleteResource(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteResource(ctx, id)
	})
}

func (e *Engine) DeleteResourceType(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteResourceType(ctx, id)
	})
}

func (e *Engine) DeleteProduct(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteProduct(ctx, id)
	})
}

func (e *Engine) DeleteFramework(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteFramework(ctx, id)
	})
}

func (e *Engine) DeleteTaskDefinition(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteTaskDefinition(ctx, id)
	})
}

func (e *Engine) DeleteConfiguration(ctx context.Context, id string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.DeleteConfiguration(ctx, id)
	})
}

func (e *Engine) Sync(ctx context.Context, req SyncRequest) (resp SyncResponse, err error) {
	err = e.Call(ctx, func(ctx context.Context, s *State) error {
		resp, err = s.Sync(ctx, req)
		return err
	})
	return resp, err
}

func (e *Engine) ReportCompletion(ctx context.Context, rep Report) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.ReportCompletion(ctx, rep)
	})
}

func (e *Engine) CompleteShadowRun(ctx context.Context, id string, result model.Result, summary string, extracted map[string]string) error {
	return e.Call(ctx, func(ctx context.Context, s *State) error {
		return s.CompleteShadowRun(ctx, id, result, summary, extracted)
	})
}

func (e *Engine) Jobs(ctx context.Context, f JobFilter) (jobs []*job.Job, err error) {
	err = e.Call(ctx, func(_ context.Context, s *State) error {
		jobs = s.Jobs(f)
		return nil
	})
	return jobs, err
}

func (e *Engine) Job(ctx context.Context, id string) (j *job.Job, err error) {
	err = e.Call(ctx, func(_ context.Context, s *State) error {
		j, err = s.Job(id)
		return err
	})
	return j, err
}

func (e *Engine) Resources(ctx context.Context, f ResourceFilter) (rs []resource.Resource, err error) {
	err = e.Call(ctx, func(_ context.Context, s *State) error {
		rs = s.Resources(f)
		return nil
	})
	return rs, err
}

func (e *Engine) ShadowRuns(ctx context.Context, f shadow.Filter) (runs []shadow.Run, err error) {
	err = e.Call(ctx, func(_ context.Context, s *State) error {
		runs = s.ShadowRuns(f)
		return nil
	})
	return runs, err
}

// Schedules makes Engine a schedule.Source.
func (e *Engine) Schedules(ctx context.Context) (out []schedule.Schedule, err error) {
	err = e.Call(ctx, func(_ context.Context, s *State) error {
		out = s.Schedules()
		return nil
	})
	return out, err
}
