package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/resource"
	"github.com/openfab/autopilot/runtime/ops/store/inmem"
)

type allowAll struct{}

func (allowAll) Admit(context.Context, resource.Workload) resource.Decision {
	return resource.Decision{Allow: true}
}

type denyAll struct{ reason string }

func (d denyAll) Admit(context.Context, resource.Workload) resource.Decision {
	return resource.Decision{Reason: d.reason}
}

func newScheduler(t *testing.T, c clock.Clock, admit Admitter) (*Scheduler, *inmem.Store) {
	t.Helper()
	sink := inmem.New()
	auditLog := audit.New(sink, audit.WithClock(c))
	auditLog.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		auditLog.Close(ctx)
	})
	return New(c, admit, auditLog, WithTick(time.Millisecond)), sink
}

func TestCronNext(t *testing.T) {
	base := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC) // a Monday

	t.Run("daily", func(t *testing.T) {
		c := Cron{Minute: 0, Hour: 4}
		next := c.Next(base)
		require.Equal(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), next)
		// Firing at 04:00 schedules the next day.
		require.Equal(t, time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC), c.Next(next))
	})

	t.Run("weekly", func(t *testing.T) {
		mon := time.Monday
		c := Cron{Minute: 0, Hour: 5, Weekday: &mon}
		next := c.Next(base)
		require.Equal(t, time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC), next)
		require.Equal(t, time.Date(2026, 3, 9, 5, 0, 0, 0, time.UTC), c.Next(next))
	})

	t.Run("zone", func(t *testing.T) {
		loc := time.FixedZone("UTC+2", 2*3600)
		c := Cron{Minute: 0, Hour: 4, Loc: loc}
		// 04:00 local is 02:00 UTC.
		require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), c.Next(base.Add(-3*time.Hour)))
	})
}

func TestIntervalNextJitterBounds(t *testing.T) {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	i := Interval{Every: time.Hour, Jitter: 10 * time.Minute}
	for n := 0; n < 50; n++ {
		next := i.Next(base)
		require.False(t, next.Before(base.Add(time.Hour)))
		require.True(t, next.Before(base.Add(time.Hour+10*time.Minute)))
	}
}

func TestSchedulerRunsDueJob(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, c, allowAll{})

	var runs atomic.Int32
	require.True(t, s.Register(Job{
		Name:     "fleet_health",
		Trigger:  Interval{Every: time.Hour},
		Workload: resource.Scheduled,
		Run:      func(context.Context) error { runs.Add(1); return nil },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	c.Advance(61 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	status := s.Snapshot()
	require.Len(t, status, 1)
	require.Equal(t, "ok", status[0].LastStatus)
	require.Equal(t, "fleet_health", status[0].Name)
}

func TestSchedulerNonReentrant(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, sink := newScheduler(t, c, allowAll{})

	release := make(chan struct{})
	var releaseOnce sync.Once
	closeRelease := func() { releaseOnce.Do(func() { close(release) }) }
	var starts atomic.Int32
	require.True(t, s.Register(Job{
		Name:     "task_execution",
		Trigger:  Interval{Every: time.Minute},
		Workload: resource.Scheduled,
		Timeout:  time.Hour,
		Run: func(context.Context) error {
			starts.Add(1)
			<-release
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()
	defer closeRelease()

	c.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Second fire while the first invocation is blocked: dropped, not run.
	c.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		for _, st := range s.Snapshot() {
			if st.LastStatus == "dropped" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), starts.Load())
	closeRelease()

	require.Eventually(t, func() bool {
		for _, ev := range sink.AuditEvents() {
			if ev.EventKind == "job.tick_dropped" && ev.SubjectID == "task_execution" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerDeniedJobDoesNotRun(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, sink := newScheduler(t, c, denyAll{reason: "daily budget exhausted"})

	var runs atomic.Int32
	s.Register(Job{
		Name:     "opportunity_cycle",
		Trigger:  Interval{Every: time.Minute},
		Workload: resource.Scheduled,
		Run:      func(context.Context) error { runs.Add(1); return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	c.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		for _, ev := range sink.AuditEvents() {
			if ev.EventKind == "job.denied" {
				return ev.Payload["reason"] == "daily budget exhausted"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, runs.Load())
}

func TestSchedulerWindowGate(t *testing.T) {
	// 12:00 UTC, window 04:00-06:00: gated.
	c := clock.NewManual(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, c, allowAll{})

	var runs atomic.Int32
	s.Register(Job{
		Name:     "project_generation",
		Trigger:  Interval{Every: time.Minute},
		Workload: resource.Scheduled,
		Window:   &clock.Window{StartHour: 4, EndHour: 6},
		Run:      func(context.Context) error { runs.Add(1); return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	c.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		st := s.Snapshot()
		return len(st) == 1 && st[0].LastStatus == "window_closed"
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, runs.Load())

	// Jump inside the window: the job runs.
	c.Set(time.Date(2026, 3, 3, 4, 30, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerJobErrorRecorded(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, c, allowAll{})

	s.Register(Job{
		Name:     "daily_health",
		Trigger:  Interval{Every: time.Minute},
		Workload: resource.Scheduled,
		Run:      func(context.Context) error { return errors.New("probe failed") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	c.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		st := s.Snapshot()
		return len(st) == 1 && st[0].LastStatus == "error"
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, c, allowAll{})
	j := Job{Name: "daily_health", Trigger: Interval{Every: time.Hour}, Run: func(context.Context) error { return nil }}
	require.True(t, s.Register(j))
	require.False(t, s.Register(j))
}

// Guards against regressions in concurrent Snapshot/step interleaving.
func TestSnapshotConcurrentWithDispatch(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, c, allowAll{})
	for _, name := range []string{"a", "b", "c"} {
		s.Register(Job{Name: name, Trigger: Interval{Every: time.Minute}, Run: func(context.Context) error { return nil }})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				_ = s.Snapshot()
			}
		}()
	}
	c.Advance(5 * time.Minute)
	wg.Wait()
}
