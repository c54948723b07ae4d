package job

import (
	"maps"
	"strings"
	"time"

	"github.com/kylemclaren/taskfab/internal/model"
)

// Job is an ordered set of tasks instantiated from a configuration.
type Job struct {
	ID       string    `json:"id"`
	ConfigID string    `json:"config_id"`
	Target   string    `json:"target,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	Created  time.Time `json:"created"`
	// Products maps every available product to its locator value.
	Products map[string]string `json:"products,omitempty"`
	// LocalAt maps local products to the Task Runner holding them.
	LocalAt map[string]string `json:"local_at,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Tasks   []*Task           `json:"tasks"`
}

// Task returns the named task.
func (j *Job) Task(name string) (*Task, error) {
	for _, t := range j.Tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, model.NotFound("task", j.ID+"/"+name)
}

// Result is the worst task result. It is absent while any task lacks one.
func (j *Job) Result() (model.Result, bool) {
	results := make([]model.Result, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		if !t.HasResult() {
			return model.ResultNone, false
		}
		results = append(results, t.Run.Result)
	}
	return model.Worst(results...)
}

// IsFinal is true when no task can change state any more.
func (j *Job) IsFinal() bool {
	for _, t := range j.Tasks {
		if !t.IsFinal() {
			return false
		}
	}
	return true
}

// Counts tallies tasks by state.
func (j *Job) Counts() map[State]int {
	out := make(map[State]int)
	for _, t := range j.Tasks {
		out[t.State()]++
	}
	return out
}

// AppendComment adds a line to the job's comment.
func (j *Job) AppendComment(user, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if user != "" {
		text = user + ": " + text
	}
	if j.Comment == "" {
		j.Comment = text
		return
	}
	j.Comment += "\n" + text
}

// HasProduct reports whether product is available to the job's tasks.
func (j *Job) HasProduct(product string) bool {
	_, ok := j.Products[product]
	return ok
}

// Producers lists the tasks that output product, in job order.
func (j *Job) Producers(product string) []*Task {
	var out []*Task
	for _, t := range j.Tasks {
		for _, p := range t.Outputs {
			if p == product {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Products = maps.Clone(j.Products)
	c.LocalAt = maps.Clone(j.LocalAt)
	c.Params = maps.Clone(j.Params)
	c.Tasks = make([]*Task, len(j.Tasks))
	for i, t := range j.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}
