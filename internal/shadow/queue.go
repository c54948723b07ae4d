package shadow

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/kylemclaren/taskfab/internal/model"
)

// Run is a proxy execution for work done outside the normal Task Runner
// loop, such as data extraction after a task finished.
type Run struct {
	ID          string            `json:"id"`
	Created     time.Time         `json:"created"`
	Started     time.Time         `json:"started,omitzero"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Description string            `json:"description,omitempty"`
	Location    string            `json:"location,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
	TaskName    string            `json:"task_name,omitempty"`
	Done        bool              `json:"done"`
	Result      model.Result      `json:"result,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Extracted   map[string]string `json:"extracted,omitempty"`
}

// IsDone reports whether the run has finished.
func (r Run) IsDone() bool { return r.Done }

// Outcome is the result of a finished run.
func (r Run) Outcome() (model.Result, bool) {
	if !r.Done {
		return model.ResultNone, false
	}
	return r.Result, true
}

func (r Run) isOK() bool { return r.Done && r.Result == model.ResultOK }

// Clone returns a deep copy.
func (r Run) Clone() Run {
	r.Extracted = maps.Clone(r.Extracted)
	return r
}

// Limits bounds how many finished runs are retained.
type Limits struct {
	MaxDone int `mapstructure:"max_done"`
	MaxOK   int `mapstructure:"max_ok"`
}

// Filter selects runs for listing. Zero fields match everything.
type Filter struct {
	IDs   []string
	From  time.Time
	To    time.Time
	Query string
}

func (f Filter) match(r *Run) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if !f.From.IsZero() && r.Created.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Created.After(f.To) {
		return false
	}
	return model.Wildcard(f.Query, r.Description)
}

// Queue holds shadow runs ordered by creation. After every mutation at most
// Limits.MaxDone finished runs and Limits.MaxOK successful runs remain; runs
// still in progress are never evicted.
//
// Queue is not safe for concurrent use.
type Queue struct {
	limits Limits
	runs   []*Run
	byID   map[string]*Run
}

// NewQueue creates an empty queue.
func NewQueue(limits Limits) *Queue {
	return &Queue{limits: limits, byID: make(map[string]*Run)}
}

// Add inserts r and returns the ids of runs evicted to stay within limits.
func (q *Queue) Add(r Run) ([]string, error) {
	if r.ID == "" {
		return nil, model.InvalidRequest("shadow run id is required")
	}
	if _, ok := q.byID[r.ID]; ok {
		return nil, &model.DuplicateIDError{Kind: "shadow run", ID: r.ID}
	}
	if r.Done {
		if err := model.MustBeReportable(r.Result); err != nil && r.Result != model.ResultCancelled {
			return nil, err
		}
	}
	run := r.Clone()
	q.byID[run.ID] = &run
	// keep creation order; equal timestamps keep insertion order
	i := sort.Search(len(q.runs), func(i int) bool { return q.runs[i].Created.After(run.Created) })
	q.runs = slices.Insert(q.runs, i, &run)
	return q.evict(), nil
}

// Get returns a copy of the run.
func (q *Queue) Get(id string) (Run, error) {
	r, ok := q.byID[id]
	if !ok {
		return Run{}, model.NotFound("shadow run", id)
	}
	return r.Clone(), nil
}

// Start marks a pending run as picked up at location.
func (q *Queue) Start(id, location string, now time.Time) error {
	r, ok := q.byID[id]
	if !ok {
		return model.NotFound("shadow run", id)
	}
	if r.Done {
		return model.InvalidRequest("shadow run %q is already done", id)
	}
	r.Started = now
	if location != "" {
		r.Location = location
	}
	return nil
}

// Complete finishes a run and returns its final state together with the
// ids evicted as a consequence.
func (q *Queue) Complete(id string, now time.Time, result model.Result, summary string, extracted map[string]string) (Run, []string, error) {
	r, ok := q.byID[id]
	if !ok {
		return Run{}, nil, model.NotFound("shadow run", id)
	}
	if r.Done {
		return Run{}, nil, model.InvalidRequest("shadow run %q is already done", id)
	}
	if err := model.MustBeReportable(result); err != nil {
		return Run{}, nil, err
	}
	start := r.Started
	if start.IsZero() {
		start = r.Created
	}
	r.Done = true
	r.Result = result
	r.Summary = summary
	r.Extracted = maps.Clone(extracted)
	r.Duration = now.Sub(start)
	out := r.Clone()
	return out, q.evict(), nil
}

// Remove deletes a run.
func (q *Queue) Remove(id string) error {
	if _, ok := q.byID[id]; !ok {
		return model.NotFound("shadow run", id)
	}
	q.drop(id)
	return nil
}

// Pending returns the oldest unfinished, unstarted run for location. Runs
// without a location may be picked up anywhere.
func (q *Queue) Pending(location string) (Run, bool) {
	for _, r := range q.runs {
		if r.Done || !r.Started.IsZero() {
			continue
		}
		if r.Location == "" || r.Location == location {
			return r.Clone(), true
		}
	}
	return Run{}, false
}

// List returns copies of the matching runs, oldest first.
func (q *Queue) List(f Filter) []Run {
	var out []Run
	for _, r := range q.runs {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Counts returns the number of finished and of successful runs.
func (q *Queue) Counts() (done, ok int) {
	for _, r := range q.runs {
		if r.Done {
			done++
		}
		if r.isOK() {
			ok++
		}
	}
	return done, ok
}

// Len is the number of runs in the queue.
func (q *Queue) Len() int { return len(q.runs) }

func (q *Queue) evict() []string {
	var evicted []string
	done, ok := q.Counts()
	for done > max(q.limits.MaxDone, 0) {
		r := q.oldest((*Run).IsDone)
		if r.isOK() {
			ok--
		}
		done--
		evicted = append(evicted, r.ID)
		q.drop(r.ID)
	}
	for ok > max(q.limits.MaxOK, 0) {
		r := q.oldest((*Run).isOK)
		ok--
		evicted = append(evicted, r.ID)
		q.drop(r.ID)
	}
	return evicted
}

func (q *Queue) oldest(pred func(*Run) bool) *Run {
	for _, r := range q.runs {
		if pred(r) {
			return r
		}
	}
	return nil
}

func (q *Queue) drop(id string) {
	delete(q.byID, id)
	q.runs = slices.DeleteFunc(q.runs, func(r *Run) bool { return r.ID == id })
}
