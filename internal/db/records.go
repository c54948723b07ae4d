package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/job"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/shadow"
)

var _ engine.Store = (*DB)(nil)

// SaveJob writes a job and all of its tasks in one transaction.
func (db *DB) SaveJob(ctx context.Context, j *job.Job) error {
	products, err := encode(j.Products)
	if err != nil {
		return err
	}
	localAt, err := encode(j.LocalAt)
	if err != nil {
		return err
	}
	params, err := encode(j.Params)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, config_id, target, owner, comment, created_at, products, local_at, params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			comment = excluded.comment,
			products = excluded.products,
			local_at = excluded.local_at,
			params = excluded.params
	`, j.ID, j.ConfigID, j.Target, j.Owner, j.Comment, j.Created.UTC(), products, localAt, params)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", j.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE job_id = ?", j.ID); err != nil {
		return fmt.Errorf("saving job %s: %w", j.ID, err)
	}
	for i, t := range j.Tasks {
		if err := insertTask(ctx, tx, j.ID, i, t); err != nil {
			return fmt.Errorf("saving task %s/%s: %w", j.ID, t.Name, err)
		}
	}
	return tx.Commit()
}

func insertTask(ctx context.Context, tx *sql.Tx, jobID string, position int, t *job.Task) error {
	var cols [6]string
	for i, v := range []any{t.Inputs, t.Outputs, t.Claim, t.Params, t.Run, t.History} {
		s, err := encode(v)
		if err != nil {
			return err
		}
		cols[i] = s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (job_id, position, name, framework, inputs, outputs, claim, timeout_ns,
			inspect, extract, params, alert, run, history, record_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, position, t.Name, t.Framework, cols[0], cols[1], cols[2], int64(t.Timeout),
		t.Inspect, t.Extract, cols[3], t.Alert, cols[4], cols[5], recordVersion)
	return err
}

// SaveResource inserts or replaces a resource.
func (db *DB) SaveResource(ctx context.Context, r resource.Resource) error {
	caps, err := encode(r.Capabilities)
	if err != nil {
		return err
	}
	var holderJob, holderTask string
	if r.Holder != nil {
		holderJob, holderTask = r.Holder.JobID, r.Holder.TaskName
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO resources (id, type, capabilities, description, status, suspended,
			suspended_by, exit_requested, last_sync, holder_job, holder_task)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Type, caps, r.Description, string(r.Status), r.Suspended,
		r.SuspendedBy, r.ExitRequested, nullTime(r.LastSync), holderJob, holderTask)
	if err != nil {
		return fmt.Errorf("saving resource %s: %w", r.ID, err)
	}
	return nil
}

// DeleteResource deletes a resource
func (db *DB) DeleteResource(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", id)
	return err
}

// SaveShadowRun inserts or replaces a shadow run.
func (db *DB) SaveShadowRun(ctx context.Context, r shadow.Run) error {
	extracted, err := encode(r.Extracted)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO shadow_runs (id, created_at, started_at, duration_ns, description, location,
			job_id, task_name, done, result, summary, extracted, record_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Created.UTC(), nullTime(r.Started), int64(r.Duration), r.Description, r.Location,
		r.JobID, r.TaskName, r.Done, string(r.Result), r.Summary, extracted, recordVersion)
	if err != nil {
		return fmt.Errorf("saving shadow run %s: %w", r.ID, err)
	}
	return nil
}

// DeleteShadowRun deletes a shadow run
func (db *DB) DeleteShadowRun(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM shadow_runs WHERE id = ?", id)
	return err
}

// SaveSchedule inserts or replaces a schedule.
func (db *DB) SaveSchedule(ctx context.Context, s schedule.Schedule) error {
	params, err := encode(s.Params)
	if err != nil {
		return err
	}
	lastJobs, err := encode(s.LastJobs)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedules (id, config_id, owner, comment, cron, start_at, params,
			suspended, done, last_run, next_run, last_jobs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ConfigID, s.Owner, s.Comment, s.Cron, nullTime(s.StartAt), params,
		s.Suspended, s.Done, nullTime(s.LastRun), nullTime(s.NextRun), lastJobs)
	if err != nil {
		return fmt.Errorf("saving schedule %s: %w", s.ID, err)
	}
	return nil
}

// DeleteSchedule deletes a schedule
func (db *DB) DeleteSchedule(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	return err
}

// Load reads every stored record for engine.State.Restore.
func (db *DB) Load(ctx context.Context) (*engine.Snapshot, error) {
	var snap engine.Snapshot
	var err error
	if snap.Jobs, err = db.loadJobs(ctx); err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}
	if snap.Resources, err = db.loadResources(ctx); err != nil {
		return nil, fmt.Errorf("loading resources: %w", err)
	}
	if snap.ShadowRuns, err = db.loadShadowRuns(ctx); err != nil {
		return nil, fmt.Errorf("loading shadow runs: %w", err)
	}
	if snap.Schedules, err = db.loadSchedules(ctx); err != nil {
		return nil, fmt.Errorf("loading schedules: %w", err)
	}
	return &snap, nil
}

func (db *DB) loadJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, config_id, target, owner, comment, created_at, products, local_at, params
		FROM jobs ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	byID := make(map[string]*job.Job)
	for rows.Next() {
		j := &job.Job{}
		var products, localAt, params string
		if err := rows.Scan(&j.ID, &j.ConfigID, &j.Target, &j.Owner, &j.Comment, &j.Created, &products, &localAt, &params); err != nil {
			return nil, err
		}
		j.Created = j.Created.UTC()
		for _, c := range []struct {
			raw string
			dst *map[string]string
		}{{products, &j.Products}, {localAt, &j.LocalAt}, {params, &j.Params}} {
			if err := decode(c.raw, c.dst); err != nil {
				return nil, fmt.Errorf("job %s: %w", j.ID, err)
			}
		}
		jobs = append(jobs, j)
		byID[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := db.conn.QueryContext(ctx, `
		SELECT job_id, name, framework, inputs, outputs, claim, timeout_ns, inspect, extract,
			params, alert, run, history, record_version
		FROM tasks ORDER BY job_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		t, err := scanTask(trows)
		if err != nil {
			return nil, err
		}
		j, ok := byID[t.JobID]
		if !ok {
			continue
		}
		j.Tasks = append(j.Tasks, t)
	}
	return jobs, trows.Err()
}

func scanTask(r row) (*job.Task, error) {
	t := &job.Task{}
	var inputs, outputs, claim, params, run, history string
	var timeout int64
	var version int
	err := r.Scan(&t.JobID, &t.Name, &t.Framework, &inputs, &outputs, &claim, &timeout,
		&t.Inspect, &t.Extract, &params, &t.Alert, &run, &history, &version)
	if err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeout)
	for _, c := range []struct {
		raw string
		dst any
	}{{inputs, &t.Inputs}, {outputs, &t.Outputs}, {claim, &t.Claim}, {params, &t.Params}, {run, &t.Run}, {history, &t.History}} {
		if err := decode(c.raw, c.dst); err != nil {
			return nil, fmt.Errorf("task %s/%s: %w", t.JobID, t.Name, err)
		}
	}
	t.Run.Result = upgradeResult(version, t.Run.Result)
	t.Run.Reported = upgradeResult(version, t.Run.Reported)
	for i := range t.History {
		t.History[i].Result = upgradeResult(version, t.History[i].Result)
	}
	return t, nil
}

func (db *DB) loadResources(ctx context.Context) ([]resource.Resource, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, type, capabilities, description, status, suspended, suspended_by,
			exit_requested, last_sync, holder_job, holder_task
		FROM resources ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resource.Resource
	for rows.Next() {
		var r resource.Resource
		var caps, status, holderJob, holderTask string
		var lastSync sql.NullTime
		err := rows.Scan(&r.ID, &r.Type, &caps, &r.Description, &status, &r.Suspended, &r.SuspendedBy,
			&r.ExitRequested, &lastSync, &holderJob, &holderTask)
		if err != nil {
			return nil, err
		}
		if err := decode(caps, &r.Capabilities); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		if r.Status, err = resource.ParseConnectionStatus(status); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		r.LastSync = timeOf(lastSync)
		if holderJob != "" {
			r.Holder = &resource.Reservation{JobID: holderJob, TaskName: holderTask}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) loadShadowRuns(ctx context.Context) ([]shadow.Run, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, created_at, started_at, duration_ns, description, location, job_id, task_name,
			done, result, summary, extracted, record_version
		FROM shadow_runs ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shadow.Run
	for rows.Next() {
		var r shadow.Run
		var started sql.NullTime
		var duration int64
		var result, extracted string
		var version int
		err := rows.Scan(&r.ID, &r.Created, &started, &duration, &r.Description, &r.Location, &r.JobID, &r.TaskName,
			&r.Done, &result, &r.Summary, &extracted, &version)
		if err != nil {
			return nil, err
		}
		r.Created = r.Created.UTC()
		r.Started = timeOf(started)
		r.Duration = time.Duration(duration)
		r.Result = upgradeResult(version, model.Result(result))
		if err := decode(extracted, &r.Extracted); err != nil {
			return nil, fmt.Errorf("shadow run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) loadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, config_id, owner, comment, cron, start_at, params, suspended, done,
			last_run, next_run, last_jobs
		FROM schedules ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var s schedule.Schedule
		var startAt, lastRun, nextRun sql.NullTime
		var params, lastJobs string
		err := rows.Scan(&s.ID, &s.ConfigID, &s.Owner, &s.Comment, &s.Cron, &startAt, &params, &s.Suspended, &s.Done,
			&lastRun, &nextRun, &lastJobs)
		if err != nil {
			return nil, err
		}
		s.StartAt, s.LastRun, s.NextRun = timeOf(startAt), timeOf(lastRun), timeOf(nextRun)
		if err := decode(params, &s.Params); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		if err := decode(lastJobs, &s.LastJobs); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
