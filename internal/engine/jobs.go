package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/template"
)

// CreateRequest asks for jobs from a configuration.
type CreateRequest struct {
	ConfigID string            `json:"config"`
	User     string            `json:"-"`
	Target   string            `json:"target,omitempty"`
	Products map[string]string `json:"products,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	// LocalAt names the Task Runner holding the local products supplied in
	// Products.
	LocalAt string `json:"local_at,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// CreateJobs creates one job per target of the configuration, or a single
// job for req.Target when set. Nothing is created unless every job is valid.
func (s *State) CreateJobs(ctx context.Context, req CreateRequest) ([]string, error) {
	defer s.flush(ctx)

	cfg, ok := s.graph.Configuration(req.ConfigID)
	if !ok {
		return nil, model.InvalidRequest("configuration %q does not exist", req.ConfigID)
	}
	targets := cfg.Targets
	if req.Target != "" {
		targets = []string{req.Target}
	}
	if len(targets) == 0 {
		targets = []string{""}
	}

	jobs := make([]*job.Job, 0, len(targets))
	for _, target := range targets {
		j, err := s.buildJob(cfg, target, req)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		j.ID = s.nextJobID(j)
		for _, t := range j.Tasks {
			t.JobID = j.ID
		}
		s.jobs = append(s.jobs, j)
		s.jobsByID[j.ID] = j
		s.touchJob(j.ID)
		ids = append(ids, j.ID)
		slog.InfoContext(ctx, "job created", "job", j.ID, "config", cfg.ID, "target", j.Target, "owner", j.Owner, "tasks", len(j.Tasks))
	}
	return ids, nil
}

func (s *State) nextJobID(j *job.Job) string {
	prefix := j.Created.Format("060102-1504")
	for {
		id := prefix + "-" + strings.ReplaceAll(s.newID(), "-", "")[:4]
		if _, taken := s.jobsByID[id]; !taken {
			return id
		}
	}
}

func (s *State) buildJob(cfg template.Configuration, target string, req CreateRequest) (*job.Job, error) {
	j := &job.Job{
		ConfigID: cfg.ID,
		Target:   target,
		Owner:    req.User,
		Created:  s.now(),
		Products: make(map[string]string),
		Params:   make(map[string]string),
	}
	j.AppendComment("", cfg.Comment)
	j.AppendComment("", req.Comment)
	maps.Copy(j.Params, cfg.Params)
	maps.Copy(j.Params, req.Params)

	supplied := maps.Clone(cfg.Products)
	if supplied == nil {
		supplied = make(map[string]string)
	}
	maps.Copy(supplied, req.Products)
	for _, p := range sortedKeys(supplied) {
		prod, ok := s.graph.Product(p)
		if !ok {
			return nil, model.InvalidRequest("product %q does not exist", p)
		}
		j.Products[p] = supplied[p]
		if prod.Local {
			if req.LocalAt == "" {
				return nil, model.InvalidRequest("local product %q needs a Task Runner to be located at", p)
			}
			if j.LocalAt == nil {
				j.LocalAt = make(map[string]string)
			}
			j.LocalAt[p] = req.LocalAt
		}
	}

	tasks := make([]*job.Task, 0, len(cfg.Tasks))
	for _, ct := range cfg.Tasks {
		t, err := s.buildTask(cfg, ct, target, req.Params)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	produced := make(map[string]bool)
	for _, t := range tasks {
		for _, p := range t.Outputs {
			produced[p] = true
		}
	}
	for _, t := range tasks {
		for _, p := range t.Inputs {
			if !produced[p] && !j.HasProduct(p) {
				return nil, model.InvalidRequest("input %q of task %q is neither supplied nor produced", p, t.Name)
			}
		}
	}

	ordered, err := job.Order(tasks)
	if err != nil {
		return nil, err
	}
	j.Tasks = ordered
	return j, nil
}

func (s *State) buildTask(cfg template.Configuration, ct template.ConfigTask, target string, reqParams map[string]string) (*job.Task, error) {
	def, ok := s.graph.TaskDefinition(ct.Name)
	if !ok {
		return nil, model.InvalidRequest("configuration %q uses missing task definition %q", cfg.ID, ct.Name)
	}
	fw, ok := s.graph.Framework(def.Framework)
	if !ok {
		return nil, model.InvalidRequest("task definition %q uses missing framework %q", def.ID, def.Framework)
	}
	claim, err := s.graph.EffectiveClaim(def.ID)
	if err != nil {
		return nil, err
	}
	runner := resource.Spec{Type: resource.TaskRunnerType}
	if target != "" {
		runner.Capabilities = resource.Capabilities{target}
	}
	claim = claim.Merge(resource.NewClaim(runner))
	if spec, _ := claim.Spec(resource.TaskRunnerType); spec.Quantity() != 1 {
		return nil, model.InvalidRequest("task %q claims %d Task Runners, want exactly one", def.ID, spec.Quantity())
	}
	for _, spec := range claim {
		if _, ok := s.graph.ResourceType(spec.Type); !ok {
			return nil, model.InvalidRequest("task %q claims missing resource type %q", def.ID, spec.Type)
		}
	}

	// definition < configuration < configuration task < request
	params := maps.Clone(def.Params)
	if params == nil {
		params = make(map[string]string)
	}
	overrideDeclared(params, cfg.Params)
	maps.Copy(params, ct.Params)
	overrideDeclared(params, reqParams)
	var missing []string
	for k, v := range params {
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, model.InvalidRequest("task %q is missing required parameters %s", def.ID, strings.Join(missing, ", "))
	}

	return &job.Task{
		Name:      def.ID,
		Framework: fw.ID,
		Inputs:    slices.Clone(fw.Inputs),
		Outputs:   slices.Clone(fw.Outputs),
		Claim:     claim,
		Timeout:   def.TimeoutDuration(),
		Inspect:   fw.Inspect,
		Extract:   fw.Extract,
		Params:    params,
	}, nil
}

func (s *State) lookupTask(jobID, taskName string) (*job.Job, *job.Task, error) {
	j, ok := s.jobsByID[jobID]
	if !ok {
		return nil, nil, model.NotFound("job", jobID)
	}
	t, err := j.Task(taskName)
	if err != nil {
		return nil, nil, err
	}
	return j, t, nil
}

// AbortRequest selects tasks to cancel.
type AbortRequest struct {
	JobIDs      []string `json:"jobs"`
	TaskNames   []string `json:"tasks,omitempty"`
	OnlyWaiting bool     `json:"only_waiting,omitempty"`
	User        string   `json:"-"`
}

func (r AbortRequest) selects(t *job.Task) bool {
	if len(r.TaskNames) > 0 && !slices.Contains(r.TaskNames, t.Name) {
		return false
	}
	if r.OnlyWaiting {
		return t.State() == job.StateWaiting
	}
	return true
}

// AbortTasks cancels the selected waiting and running tasks, releasing their
// resources, and returns the names aborted per job. Tasks already final are
// skipped, so repeating a call aborts nothing.
func (s *State) AbortTasks(ctx context.Context, req AbortRequest) (map[string][]string, error) {
	defer s.flush(ctx)

	for _, id := range req.JobIDs {
		if _, ok := s.jobsByID[id]; !ok {
			return nil, model.NotFound("job", id)
		}
	}
	summary := "aborted"
	if req.User != "" {
		summary = "aborted by " + req.User
	}

	out := make(map[string][]string)
	for _, id := range req.JobIDs {
		j := s.jobsByID[id]
		for _, t := range j.Tasks {
			if !req.selects(t) {
				continue
			}
			if s.cancelTask(j, t, summary) {
				out[id] = append(out[id], t.Name)
			}
		}
		if len(out[id]) > 0 {
			slog.InfoContext(ctx, "tasks aborted", "job", id, "tasks", out[id], "user", req.User)
			s.settleJob(ctx, j)
		}
	}
	return out, nil
}

func (s *State) cancelTask(j *job.Job, t *job.Task, summary string) bool {
	assigned := slices.Clone(t.Run.Assigned)
	if !t.Cancel(s.now(), summary) {
		return false
	}
	s.touchResources(s.registry.Release(t.Reservation(), assigned...)...)
	s.touchJob(j.ID)
	// a cancelled producer may be the last one a combined product waited for
	for _, out := range t.Outputs {
		if prod, _ := s.graph.Product(out); prod.Combined {
			s.combine(j, out)
		}
	}
	return true
}

// SetAlert sets or clears the operator annotation of a task.
func (s *State) SetAlert(ctx context.Context, jobID, taskName, alert string) error {
	defer s.flush(ctx)

	j, t, err := s.lookupTask(jobID, taskName)
	if err != nil {
		return err
	}
	t.Alert = strings.TrimSpace(alert)
	s.touchJob(j.ID)
	return nil
}

// AppendComment adds text to a job's comment.
func (s *State) AppendComment(ctx context.Context, jobID, user, text string) error {
	defer s.flush(ctx)

	j, ok := s.jobsByID[jobID]
	if !ok {
		return model.NotFound("job", jobID)
	}
	j.AppendComment(user, text)
	s.touchJob(j.ID)
	return nil
}

// InspectDone settles a task awaiting inspection with the operator's result.
func (s *State) InspectDone(ctx context.Context, jobID, taskName string, result model.Result, summary string, extracted map[string]string) error {
	defer s.flush(ctx)

	j, t, err := s.lookupTask(jobID, taskName)
	if err != nil {
		return err
	}
	if err := t.FinishInspection(result, summary, extracted); err != nil {
		return err
	}
	s.touchJob(j.ID)
	slog.InfoContext(ctx, "inspection done", "job", j.ID, "task", t.Name, "result", result)
	s.settleTask(ctx, j, t)
	return nil
}

// RerunTask sends a task awaiting inspection back to waiting.
func (s *State) RerunTask(ctx context.Context, jobID, taskName string) error {
	defer s.flush(ctx)

	j, t, err := s.lookupTask(jobID, taskName)
	if err != nil {
		return err
	}
	if err := t.Rerun(); err != nil {
		return err
	}
	s.touchJob(j.ID)
	slog.InfoContext(ctx, "task rerun", "job", j.ID, "task", t.Name)
	return nil
}

// Report is a completion report from a Task Runner.
type Report struct {
	RunnerID  string            `json:"-"`
	JobID     string            `json:"job"`
	TaskName  string            `json:"task"`
	Result    model.Result      `json:"result"`
	Summary   string            `json:"summary,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Extracted map[string]string `json:"extracted,omitempty"`
}

// ReportCompletion finishes a running task. Only the Task Runner executing
// the task may report it.
func (s *State) ReportCompletion(ctx context.Context, rep Report) error {
	defer s.flush(ctx)

	j, t, err := s.lookupTask(rep.JobID, rep.TaskName)
	if err != nil {
		return err
	}
	if !s.registry.Has(rep.RunnerID) {
		return model.NotFound("resource", rep.RunnerID)
	}
	if t.State() != job.StateRunning {
		return model.InvalidRequest("task %s/%s is %s, not running", j.ID, t.Name, t.State())
	}
	if !slices.Contains(s.registry.HeldBy(t.Reservation()), rep.RunnerID) {
		return model.InvalidRequest("task %s/%s is not running on %s", j.ID, t.Name, rep.RunnerID)
	}
	if err := model.MustBeReportable(rep.Result); err != nil {
		return err
	}
	for p := range rep.Outputs {
		if !slices.Contains(t.Outputs, p) {
			return model.InvalidRequest("task %s/%s does not produce %q", j.ID, t.Name, p)
		}
	}
	return s.complete(ctx, j, t, rep)
}

// complete moves a validated running task to done or inspect.
func (s *State) complete(ctx context.Context, j *job.Job, t *job.Task, rep Report) error {
	assigned := slices.Clone(t.Run.Assigned)
	if err := t.Complete(s.now(), rep.Result, rep.Summary, rep.Extracted); err != nil {
		return err
	}
	t.Run.Outputs = maps.Clone(rep.Outputs)
	s.touchJob(j.ID)
	s.touchResources(s.registry.Release(t.Reservation(), assigned...)...)
	slog.InfoContext(ctx, "task completed", "job", j.ID, "task", t.Name, "result", rep.Result, "state", t.State())

	if t.Extract {
		s.queueExtraction(ctx, j, t, rep.RunnerID)
	}
	if t.HasResult() {
		s.settleTask(ctx, j, t)
	}
	return nil
}

// settleTask publishes the outputs of a task that has its final result.
func (s *State) settleTask(ctx context.Context, j *job.Job, t *job.Task) {
	produced := t.Run.Result == model.ResultOK || t.Run.Result == model.ResultWarning
	for _, p := range t.Outputs {
		prod, _ := s.graph.Product(p)
		if prod.Combined {
			s.combine(j, p)
			continue
		}
		if !produced || j.HasProduct(p) {
			continue
		}
		j.Products[p] = t.Run.Outputs[p]
		if prod.Local {
			if runner := s.runnerOf(t); runner != "" {
				if j.LocalAt == nil {
					j.LocalAt = make(map[string]string)
				}
				j.LocalAt[p] = runner
			}
		}
	}
	s.settleJob(ctx, j)
}

// combine makes a combined product available once every producer is final.
func (s *State) combine(j *job.Job, product string) {
	var values []string
	for _, t := range j.Producers(product) {
		if !t.IsFinal() {
			return
		}
		if t.Run.Result == model.ResultOK || t.Run.Result == model.ResultWarning {
			values = append(values, t.Run.Outputs[product])
		}
	}
	if len(values) > 0 {
		if j.Products == nil {
			j.Products = make(map[string]string)
		}
		j.Products[product] = strings.Join(values, " ")
	}
}

// settleJob cancels tasks that can no longer get their inputs and releases
// the job's per-job resources once it is final.
func (s *State) settleJob(ctx context.Context, j *job.Job) {
	if j.Products == nil {
		j.Products = make(map[string]string)
	}
	for changed := true; changed; {
		changed = false
		for _, t := range j.Tasks {
			if t.State() != job.StateWaiting {
				continue
			}
			if p, dead := s.unobtainableInput(j, t); dead {
				s.cancelTask(j, t, "input "+p+" cannot be produced")
				slog.InfoContext(ctx, "task cancelled, input unobtainable", "job", j.ID, "task", t.Name, "product", p)
				changed = true
			}
		}
	}
	if j.IsFinal() {
		if released := s.registry.ReleaseJob(j.ID); len(released) > 0 {
			s.touchResources(released...)
			slog.DebugContext(ctx, "per-job resources released", "job", j.ID, "resources", released)
		}
		res, _ := j.Result()
		slog.InfoContext(ctx, "job finished", "job", j.ID, "result", res)
	}
}

func (s *State) unobtainableInput(j *job.Job, t *job.Task) (string, bool) {
	for _, p := range t.Inputs {
		if j.HasProduct(p) {
			continue
		}
		pending := false
		for _, producer := range j.Producers(p) {
			if !producer.IsFinal() {
				pending = true
				break
			}
		}
		if !pending {
			return p, true
		}
	}
	return "", false
}

// runnerOf returns the Task Runner a task ran or runs on.
func (s *State) runnerOf(t *job.Task) string {
	for _, id := range t.Run.Assigned {
		if r, err := s.registry.Lookup(id); err == nil && r.IsTaskRunner() {
			return id
		}
	}
	return ""
}

// overrideDeclared copies the values of keys params already declares.
func overrideDeclared(params, values map[string]string) {
	for k, v := range values {
		if _, declared := params[k]; declared {
			params[k] = v
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
