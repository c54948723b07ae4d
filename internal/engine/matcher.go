package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
)

// Assignment tells a Task Runner what to execute.
type Assignment struct {
	JobID     string            `json:"job"`
	TaskName  string            `json:"task"`
	Framework string            `json:"framework"`
	Resources []string          `json:"resources"`
	Params    map[string]string `json:"params,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"`
	Timeout   int               `json:"timeout_minutes,omitempty"`
}

func (s *State) assignment(j *job.Job, t *job.Task) *Assignment {
	a := &Assignment{
		JobID:     j.ID,
		TaskName:  t.Name,
		Framework: t.Framework,
		Resources: slices.Clone(t.Run.Assigned),
		Params:    maps.Clone(t.Params),
		Outputs:   slices.Clone(t.Outputs),
		Timeout:   int(t.Timeout.Minutes()),
	}
	if len(t.Inputs) > 0 {
		a.Inputs = make(map[string]string, len(t.Inputs))
		for _, p := range t.Inputs {
			a.Inputs[p] = j.Products[p]
		}
	}
	return a
}

// SchedulePass makes one deterministic traversal of the waiting tasks and
// starts every task whose inputs are available and whose whole claim can be
// reserved. It returns the assignments it made.
func (s *State) SchedulePass(ctx context.Context) ([]Assignment, error) {
	defer s.flush(ctx)

	var out []Assignment
	for _, cand := range s.waitingOrder() {
		j, t := cand.job, cand.task
		if t.State() != job.StateWaiting || !s.inputsReady(j, t) {
			continue
		}
		pick, ok := s.pick(j, t)
		if !ok {
			continue
		}
		if err := s.reserve(j, t, pick); err != nil {
			return out, err
		}
		out = append(out, *s.assignment(j, t))
		slog.InfoContext(ctx, "task assigned", "job", j.ID, "task", t.Name, "resources", t.Run.Assigned)
	}
	return out, nil
}

type candidate struct {
	job  *job.Job
	task *job.Task
}

// waitingOrder lists waiting tasks in the order the fairness policy visits them.
func (s *State) waitingOrder() []candidate {
	perJob := make([][]candidate, 0, len(s.jobs))
	for _, j := range s.jobs {
		var cs []candidate
		for _, t := range j.Tasks {
			if t.State() == job.StateWaiting {
				cs = append(cs, candidate{j, t})
			}
		}
		if len(cs) > 0 {
			perJob = append(perJob, cs)
		}
	}

	var out []candidate
	if s.fairness != FairnessRoundRobin {
		for _, cs := range perJob {
			out = append(out, cs...)
		}
		return out
	}
	for round := 0; ; round++ {
		added := false
		for _, cs := range perJob {
			if round < len(cs) {
				out = append(out, cs[round])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

func (s *State) inputsReady(j *job.Job, t *job.Task) bool {
	for _, p := range t.Inputs {
		if !j.HasProduct(p) {
			return false
		}
	}
	return true
}

// pinnedRunner is the Task Runner holding the task's local inputs.
func (s *State) pinnedRunner(j *job.Job, t *job.Task) string {
	for _, p := range t.Inputs {
		if at := j.LocalAt[p]; at != "" {
			return at
		}
	}
	return ""
}

// selection is the result of matching one task's claim.
type selection struct {
	perTask []string
	perJob  []string
	shared  []string
}

func (sel selection) all() []string {
	out := slices.Concat(sel.perTask, sel.perJob, sel.shared)
	sort.Strings(out)
	return out
}

// pick chooses resources for every spec of the task's claim, or reports that
// the claim cannot be met right now.
func (s *State) pick(j *job.Job, t *job.Task) (selection, bool) {
	var sel selection
	jobHolder := resource.Reservation{JobID: j.ID}
	pinned := s.pinnedRunner(j, t)

	for _, spec := range t.Claim {
		typ, known := s.graph.ResourceType(spec.Type)
		if !known {
			return selection{}, false
		}
		cands := s.registry.Candidates(spec.Type)
		if typ.PerJob {
			// resources the job already holds come first
			sort.SliceStable(cands, func(a, b int) bool {
				return heldBy(cands[a], jobHolder) && !heldBy(cands[b], jobHolder)
			})
		}

		var chosen []string
		for _, r := range cands {
			if len(chosen) == spec.Quantity() {
				break
			}
			if !resource.Matches(r, spec) {
				continue
			}
			if r.IsTaskRunner() && pinned != "" && r.ID != pinned {
				continue
			}
			switch {
			case typ.PerJob:
				if r.Holder != nil && *r.Holder != jobHolder {
					continue
				}
			case typ.Exclusive():
				if r.Holder != nil {
					continue
				}
			}
			chosen = append(chosen, r.ID)
		}
		if len(chosen) < spec.Quantity() {
			return selection{}, false
		}
		switch {
		case typ.PerJob:
			sel.perJob = append(sel.perJob, chosen...)
		case typ.Exclusive():
			sel.perTask = append(sel.perTask, chosen...)
		default:
			sel.shared = append(sel.shared, chosen...)
		}
	}
	return sel, true
}

func heldBy(r resource.Resource, holder resource.Reservation) bool {
	return r.Holder != nil && *r.Holder == holder
}

// reserve commits a selection and starts the task. Everything was checked by
// pick, so a failure here is an invariant violation; partial reservations are
// rolled back before it is reported.
func (s *State) reserve(j *job.Job, t *job.Task, sel selection) error {
	if err := s.registry.Reserve(t.Reservation(), sel.perTask...); err != nil {
		return model.Internalf("reserving for %s/%s: %v", j.ID, t.Name, err)
	}
	if err := s.registry.Reserve(resource.Reservation{JobID: j.ID}, sel.perJob...); err != nil {
		s.registry.Release(t.Reservation(), sel.perTask...)
		return model.Internalf("reserving per-job resources for %s/%s: %v", j.ID, t.Name, err)
	}
	if err := t.Start(s.now(), sel.all()); err != nil {
		s.registry.Release(t.Reservation(), sel.perTask...)
		return model.Internalf("starting %s/%s: %v", j.ID, t.Name, err)
	}
	s.touchJob(j.ID)
	s.touchResources(sel.perTask...)
	s.touchResources(sel.perJob...)
	return nil
}
