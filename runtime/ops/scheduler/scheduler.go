// Package scheduler drives the autonomous job registry. Each registered job
// declares a trigger (cron or interval), a workload class for admission, and
// an optional local-time window gate. The dispatch loop evaluates triggers
// once per tick; a firing job passes through the window gate and the
// ResourceManager before running on a bounded worker pool. Jobs are
// non-reentrant: while an invocation is still running, later fires of the
// same job are dropped with an audit event.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/resource"
	"github.com/openfab/autopilot/telemetry"
)

type (
	// Admitter gates job execution on resource availability.
	Admitter interface {
		Admit(ctx context.Context, w resource.Workload) resource.Decision
	}

	// Job is one registered unit of periodic autonomous work.
	Job struct {
		Name     string
		Trigger  Trigger
		Workload resource.Workload
		// Window, when set, gates execution to a local-time interval.
		Window *clock.Window
		// Timeout bounds one invocation; zero defaults to the trigger period.
		Timeout time.Duration
		Run     func(ctx context.Context) error
	}

	// Status is the introspection view of one job.
	Status struct {
		Name       string    `json:"name"`
		Trigger    string    `json:"trigger"`
		Workload   string    `json:"workload"`
		NextRunAt  time.Time `json:"next_run_at"`
		LastRunAt  time.Time `json:"last_run_at,omitempty"`
		LastStatus string    `json:"last_status,omitempty"`
	}

	jobState struct {
		job     Job
		running atomic.Bool

		mu         sync.Mutex
		nextRun    time.Time
		lastRun    time.Time
		lastStatus string
		failures   int
	}

	// Scheduler owns the registry and the dispatch loop.
	Scheduler struct {
		clock clock.Clock
		admit Admitter
		audit *audit.Log

		tickEvery time.Duration
		workers   int
		backlog   chan func()

		mu     sync.Mutex
		jobs   []*jobState
		byName map[string]*jobState

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// Option customises a Scheduler.
	Option func(*Scheduler)
)

// Job invocation outcomes recorded in Status.LastStatus.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusDropped = "dropped"
	statusDenied  = "denied"
	statusGated   = "window_closed"
)

// WithTick sets the trigger evaluation interval (default 1s).
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tickEvery = d }
}

// WithWorkers sizes the worker pool and its backlog (defaults 4 and 16).
func WithWorkers(workers, backlog int) Option {
	return func(s *Scheduler) {
		if backlog > 0 {
			s.backlog = make(chan func(), backlog)
		}
		if workers > 0 {
			s.workers = workers
		}
	}
}

// New constructs a Scheduler.
func New(c clock.Clock, admit Admitter, auditLog *audit.Log, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:     c,
		admit:     admit,
		audit:     auditLog,
		tickEvery: time.Second,
		backlog:   make(chan func(), 16),
		byName:    make(map[string]*jobState),
		workers:   4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Registering after Start is allowed; the job is picked
// up on the next tick. Registering a duplicate name replaces nothing and
// returns false.
func (s *Scheduler) Register(j Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[j.Name]; ok {
		return false
	}
	st := &jobState{job: j, nextRun: j.Trigger.Next(s.clock.Now())}
	s.jobs = append(s.jobs, st)
	s.byName[j.Name] = st
	return true
}

// Start launches the worker pool and the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case fn := <-s.backlog:
					fn()
				}
			}
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.step(runCtx, s.clock.Now())
			}
		}
	}()
	log.Printf(ctx, "scheduler started: %d jobs, %d workers", len(s.jobs), s.workers)
}

// Stop cancels the loop and waits for in-flight jobs to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Snapshot reports every job for the introspection endpoint, in registration
// order.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, st := range s.jobs {
		st.mu.Lock()
		out = append(out, Status{
			Name:       st.job.Name,
			Trigger:    st.job.Trigger.String(),
			Workload:   string(st.job.Workload),
			NextRunAt:  st.nextRun,
			LastRunAt:  st.lastRun,
			LastStatus: st.lastStatus,
		})
		st.mu.Unlock()
	}
	return out
}

// step evaluates triggers once. Split out so tests can drive the scheduler
// with a manual clock.
func (s *Scheduler) step(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		st.mu.Lock()
		if !now.Before(st.nextRun) {
			st.nextRun = st.job.Trigger.Next(now)
			due = append(due, st)
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()

	for _, st := range due {
		s.fire(ctx, st, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, st *jobState, now time.Time) {
	name := st.job.Name

	if st.job.Window != nil && !st.job.Window.Contains(now) {
		st.record(now, statusGated)
		return
	}
	if d := s.admit.Admit(ctx, st.job.Workload); !d.Allow {
		st.record(now, statusDenied)
		telemetry.JobRuns.WithLabelValues(name, statusDenied).Inc()
		s.audit.Emit(ctx, "scheduler", "job.denied", name, map[string]any{"reason": d.Reason})
		return
	}
	if !st.running.CompareAndSwap(false, true) {
		st.record(now, statusDropped)
		telemetry.JobRuns.WithLabelValues(name, statusDropped).Inc()
		s.audit.Emit(ctx, "scheduler", "job.tick_dropped", name, map[string]any{"reason": "previous invocation still running"})
		return
	}

	invoke := func() {
		defer st.running.Store(false)
		timeout := st.job.Timeout
		if timeout <= 0 {
			timeout = st.job.Trigger.Period()
		}
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := st.job.Run(jobCtx)
		finished := s.clock.Now()
		if err != nil {
			st.record(finished, statusError)
			telemetry.JobRuns.WithLabelValues(name, statusError).Inc()
			log.Errorf(jobCtx, err, "job %s failed", name)
			s.audit.Emit(ctx, "scheduler", "job.failed", name, map[string]any{"error": err.Error()})
			return
		}
		st.record(finished, statusOK)
		telemetry.JobRuns.WithLabelValues(name, statusOK).Inc()
	}

	select {
	case s.backlog <- invoke:
	default:
		st.running.Store(false)
		st.record(now, statusDropped)
		telemetry.JobRuns.WithLabelValues(name, statusDropped).Inc()
		s.audit.Emit(ctx, "scheduler", "job.backlog_full", name, nil)
	}
}

func (st *jobState) record(at time.Time, status string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastRun = at
	st.lastStatus = status
	if status == statusError {
		st.failures++
	} else if status == statusOK {
		st.failures = 0
	}
}
