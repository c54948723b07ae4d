package schedule

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kylemclaren/taskfab/internal/model"
)

// Kind of trigger rule.
type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindOnce     Kind = "once"
	KindManual   Kind = "manual"
)

// Cron expressions accept an optional seconds field and descriptors such as
// @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Schedule instantiates jobs from a configuration, periodically (Cron), once
// (StartAt) or only when triggered by hand (neither).
type Schedule struct {
	ID        string            `json:"id" yaml:"id"`
	ConfigID  string            `json:"config_id" yaml:"config"`
	Owner     string            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Comment   string            `json:"comment,omitempty" yaml:"comment,omitempty"`
	Cron      string            `json:"cron,omitempty" yaml:"cron,omitempty"`
	StartAt   time.Time         `json:"start_at,omitzero" yaml:"start_at,omitempty"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Suspended bool              `json:"suspended,omitempty" yaml:"suspended,omitempty"`
	Done      bool              `json:"done,omitempty" yaml:"-"`
	LastRun   time.Time         `json:"last_run,omitzero" yaml:"-"`
	NextRun   time.Time         `json:"next_run,omitzero" yaml:"-"`
	LastJobs  []string          `json:"last_jobs,omitempty" yaml:"-"`
}

// Kind classifies the trigger rule.
func (s Schedule) Kind() Kind {
	switch {
	case s.Cron != "":
		return KindPeriodic
	case !s.StartAt.IsZero():
		return KindOnce
	default:
		return KindManual
	}
}

// Validate checks the record itself; whether its configuration still exists
// is checked when it fires.
func (s Schedule) Validate() error {
	if s.ID == "" {
		return model.InvalidRequest("schedule id is required")
	}
	if s.ConfigID == "" {
		return model.InvalidRequest("schedule %q has no configuration", s.ID)
	}
	if s.Cron != "" && !s.StartAt.IsZero() {
		return model.InvalidRequest("schedule %q sets both cron and start_at", s.ID)
	}
	if s.Cron != "" {
		if _, err := ParseCron(s.Cron); err != nil {
			return model.InvalidRequest("schedule %q: %v", s.ID, err)
		}
	}
	return nil
}

// ComputeNext sets NextRun to the first fire time after after.
func (s *Schedule) ComputeNext(after time.Time) {
	s.NextRun = time.Time{}
	if s.Done {
		return
	}
	switch s.Kind() {
	case KindPeriodic:
		if sched, err := ParseCron(s.Cron); err == nil {
			s.NextRun = sched.Next(after)
		}
	case KindOnce:
		s.NextRun = s.StartAt
	}
}

// Due reports whether an automatic trigger should fire at now.
func (s Schedule) Due(now time.Time) bool {
	return !s.Suspended && !s.Done && !s.NextRun.IsZero() && !now.Before(s.NextRun)
}

// Fired records a trigger. One-shot schedules are done afterwards; periodic
// ones move on to their next fire time.
func (s *Schedule) Fired(now time.Time, jobs []string) {
	s.LastRun = now
	s.LastJobs = slices.Clone(jobs)
	if s.Kind() == KindOnce {
		s.Done = true
	}
	s.ComputeNext(now)
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	s.Params = maps.Clone(s.Params)
	s.LastJobs = slices.Clone(s.LastJobs)
	return s
}

// onceAt is a cron.Schedule that fires a single time.
type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	at := time.Time(o)
	if t.Before(at) {
		return at
	}
	return time.Time{}
}
