package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Source lists the current schedules.
type Source interface {
	Schedules(ctx context.Context) ([]Schedule, error)
}

// TriggerFunc fires the schedule with the given id.
type TriggerFunc func(ctx context.Context, id string) error

// Runner keeps one cron entry per active schedule and calls the trigger
// function when an entry fires. It resyncs with its source periodically to
// pick up added, changed and removed schedules.
type Runner struct {
	cron     *cron.Cron
	source   Source
	trigger  TriggerFunc
	interval time.Duration

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	rules   map[string]string // detects changed trigger rules
}

// NewRunner creates a runner. interval is how often it resyncs.
func NewRunner(source Source, trigger TriggerFunc, interval time.Duration, opts ...cron.Option) *Runner {
	return &Runner{
		cron:     cron.New(opts...),
		source:   source,
		trigger:  trigger,
		interval: interval,
		entries:  make(map[string]cron.EntryID),
		rules:    make(map[string]string),
	}
}

// Run schedules the current schedules and blocks until ctx is cancelled.
// Triggers already in flight are waited for before it returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Sync(ctx); err != nil {
		return fmt.Errorf("initial schedule sync: %w", err)
	}
	r.cron.Start()
	defer func() {
		<-r.cron.Stop().Done()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				slog.WarnContext(ctx, "schedule sync failed", "error", err)
			}
		}
	}
}

// Sync reconciles cron entries with the source.
func (r *Runner) Sync(ctx context.Context) error {
	schedules, err := r.source.Schedules(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	active := make(map[string]Schedule, len(schedules))
	for _, s := range schedules {
		if s.Suspended || s.Done || s.Kind() == KindManual {
			continue
		}
		active[s.ID] = s
	}

	for id := range r.entries {
		if _, ok := active[id]; !ok {
			r.removeLocked(id)
		}
	}
	for id, s := range active {
		if _, ok := r.entries[id]; ok && r.rules[id] == rule(s) {
			continue
		}
		if err := r.addLocked(ctx, s); err != nil {
			slog.WarnContext(ctx, "cannot schedule", "schedule", id, "error", err)
		}
	}
	return nil
}

// NextRunTimes returns the next fire time of every scheduled entry.
func (r *Runner) NextRunTimes() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]time.Time, len(r.entries))
	for id, eid := range r.entries {
		if next := r.cron.Entry(eid).Next; !next.IsZero() {
			out[id] = next
		}
	}
	return out
}

func rule(s Schedule) string {
	if s.Kind() == KindOnce {
		return "once " + s.StartAt.UTC().Format(time.RFC3339Nano)
	}
	return s.Cron
}

func (r *Runner) addLocked(ctx context.Context, s Schedule) error {
	r.removeLocked(s.ID)

	var sched cron.Schedule = onceAt(s.StartAt)
	if s.Kind() == KindPeriodic {
		var err error
		if sched, err = ParseCron(s.Cron); err != nil {
			return err
		}
	}

	id := s.ID
	// cron jobs outlive the Sync call, so they carry their own context
	jobCtx := context.WithoutCancel(ctx)
	eid := r.cron.Schedule(sched, cron.FuncJob(func() {
		if err := r.trigger(jobCtx, id); err != nil {
			slog.WarnContext(jobCtx, "scheduled trigger failed", "schedule", id, "error", err)
		}
	}))
	r.entries[id] = eid
	r.rules[id] = rule(s)
	return nil
}

func (r *Runner) removeLocked(id string) {
	if eid, ok := r.entries[id]; ok {
		r.cron.Remove(eid)
		delete(r.entries, id)
		delete(r.rules, id)
	}
}
