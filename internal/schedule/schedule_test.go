package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/schedule"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func TestScheduleKinds(t *testing.T) {
	cases := []struct {
		scenario string
		given    schedule.Schedule
		kind     schedule.Kind
		next     time.Time
	}{
		{"periodic_hourly", schedule.Schedule{ID: "s", ConfigID: "c", Cron: "0 * * * *"}, schedule.KindPeriodic, t0.Add(30 * time.Minute)},
		{"periodic_with_seconds", schedule.Schedule{ID: "s", ConfigID: "c", Cron: "15 30 10 * * *"}, schedule.KindPeriodic, t0.Add(15 * time.Second)},
		{"descriptor", schedule.Schedule{ID: "s", ConfigID: "c", Cron: "@daily"}, schedule.KindPeriodic, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{"once", schedule.Schedule{ID: "s", ConfigID: "c", StartAt: t0.Add(time.Hour)}, schedule.KindOnce, t0.Add(time.Hour)},
		{"manual", schedule.Schedule{ID: "s", ConfigID: "c"}, schedule.KindManual, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			s := tc.given
			require.NoError(t, s.Validate())
			require.Equal(t, tc.kind, s.Kind())
			s.ComputeNext(t0)
			require.True(t, tc.next.Equal(s.NextRun), "next run %v, want %v", s.NextRun, tc.next)
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	cases := []struct {
		scenario string
		given    schedule.Schedule
	}{
		{"missing_id", schedule.Schedule{ConfigID: "c"}},
		{"missing_config", schedule.Schedule{ID: "s"}},
		{"bad_cron", schedule.Schedule{ID: "s", ConfigID: "c", Cron: "every day"}},
		{"cron_and_start", schedule.Schedule{ID: "s", ConfigID: "c", Cron: "@hourly", StartAt: t0}},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.ErrorIs(t, tc.given.Validate(), model.ErrInvalidRequest)
		})
	}
}

func TestScheduleFired(t *testing.T) {
	once := schedule.Schedule{ID: "s", ConfigID: "c", StartAt: t0}
	once.ComputeNext(t0.Add(-time.Hour))
	require.False(t, once.Due(t0.Add(-time.Second)))
	require.True(t, once.Due(t0))

	once.Fired(t0, []string{"J1", "J2"})
	require.True(t, once.Done)
	require.True(t, once.NextRun.IsZero())
	require.False(t, once.Due(t0.Add(time.Hour)), "one-shot schedules fire once")
	require.Equal(t, []string{"J1", "J2"}, once.LastJobs)

	periodic := schedule.Schedule{ID: "p", ConfigID: "c", Cron: "0 * * * *"}
	periodic.ComputeNext(t0)
	periodic.Fired(t0.Add(30*time.Minute), nil)
	require.False(t, periodic.Done)
	require.Equal(t, t0.Add(90*time.Minute), periodic.NextRun)

	periodic.Suspended = true
	require.False(t, periodic.Due(t0.Add(24*time.Hour)))
}

type fakeSource struct {
	mu        sync.Mutex
	schedules []schedule.Schedule
}

func (f *fakeSource) Schedules(context.Context) ([]schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schedule.Schedule(nil), f.schedules...), nil
}

func (f *fakeSource) set(s ...schedule.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = s
}

func TestRunnerSync(t *testing.T) {
	src := &fakeSource{}
	r := schedule.NewRunner(src, func(context.Context, string) error { return nil }, time.Hour)

	future := time.Now().Add(time.Hour)
	src.set(
		schedule.Schedule{ID: "hourly", ConfigID: "c", Cron: "@hourly"},
		schedule.Schedule{ID: "once", ConfigID: "c", StartAt: future},
		schedule.Schedule{ID: "manual", ConfigID: "c"},
		schedule.Schedule{ID: "paused", ConfigID: "c", Cron: "@hourly", Suspended: true},
		schedule.Schedule{ID: "bad", ConfigID: "c", Cron: "nope"},
	)
	require.NoError(t, r.Sync(t.Context()))

	// entries only get next times once cron is running
	next := r.NextRunTimes()
	require.NotContains(t, next, "manual")
	require.NotContains(t, next, "paused")
	require.NotContains(t, next, "bad")

	src.set(schedule.Schedule{ID: "once", ConfigID: "c", StartAt: future, Done: true})
	require.NoError(t, r.Sync(t.Context()))
	require.Empty(t, r.NextRunTimes())
}

func TestRunnerFiresOneShot(t *testing.T) {
	src := &fakeSource{}
	src.set(schedule.Schedule{ID: "soon", ConfigID: "c", StartAt: time.Now().Add(time.Second)})

	fired := make(chan string, 4)
	r := schedule.NewRunner(src, func(_ context.Context, id string) error {
		fired <- id
		return nil
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case id := <-fired:
		require.Equal(t, "soon", id)
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot schedule did not fire")
	}

	cancel()
	require.NoError(t, <-done)
	require.Empty(t, fired, "one-shot schedule fired twice")
}
