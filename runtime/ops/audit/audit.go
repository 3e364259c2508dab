// Package audit provides the append-only reasoning stream. Every autonomous
// decision emits one event. Emission never fails the caller: events are
// buffered in a bounded in-process queue and drained to a sink by a
// background goroutine with bounded retries. When the queue saturates, new
// events are dropped and a counter incremented. Ordering is per-process FIFO;
// no cross-process ordering is guaranteed.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/telemetry"
)

type (
	// Sink receives drained audit events. The store-backed sink is the
	// production implementation; tests use in-memory sinks.
	Sink interface {
		AppendAudit(ctx context.Context, ev model.AuditEvent) error
	}

	// Log is the process-wide audit logger.
	Log struct {
		sink    Sink
		clock   clock.Clock
		queue   chan model.AuditEvent
		limiter *rate.Limiter
		retries int

		dropped atomic.Uint64

		mu      sync.Mutex
		cancel  context.CancelFunc
		done    chan struct{}
		started bool
		closed  bool
	}

	// Option customises a Log.
	Option func(*Log)
)

// WithQueueSize bounds the in-process buffer (default 1024).
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan model.AuditEvent, n)
		}
	}
}

// WithClock injects the time source (default system clock).
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithRetries sets how many times a failed append is retried in-process
// before the event is dropped (default 3).
func WithRetries(n int) Option {
	return func(l *Log) { l.retries = n }
}

// WithDrainRate caps sink writes per second (default 200/s, burst 50). The
// cap keeps a misbehaving sink from starving the process of goroutine time.
func WithDrainRate(perSecond float64, burst int) Option {
	return func(l *Log) { l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New constructs a Log draining into sink. Call Start before emitting and
// Close during shutdown.
func New(sink Sink, opts ...Option) *Log {
	l := &Log{
		sink:    sink,
		clock:   clock.System(),
		queue:   make(chan model.AuditEvent, 1024),
		limiter: rate.NewLimiter(rate.Limit(200), 50),
		retries: 3,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the drain goroutine. Calling Start twice is a no-op.
func (l *Log) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true
	go l.drain(drainCtx)
}

// Close stops the drain goroutine after flushing whatever is queued, bounded
// by the context deadline.
func (l *Log) Close(ctx context.Context) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.started = false
	l.closed = true
	// Closing under the mutex keeps a concurrent Emit from sending on the
	// closed channel.
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
}

// Emit queues one audit event. It never blocks and never returns an error;
// when the queue is full the event is counted as dropped.
func (l *Log) Emit(ctx context.Context, actor, kind, subjectID string, payload map[string]any) {
	ev := model.AuditEvent{
		TS:        l.clock.Now(),
		Actor:     actor,
		EventKind: kind,
		SubjectID: subjectID,
		Payload:   payload,
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.drop()
		log.Printf(ctx, "audit log closed, dropped event %s", kind)
		return
	}
	select {
	case l.queue <- ev:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		l.drop()
		log.Printf(ctx, "audit queue saturated, dropped event %s (total dropped %d)", kind, l.dropped.Load())
	}
}

// Dropped returns the number of events dropped since construction.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

// drop counts one lost event on both the internal counter and the exported
// metric.
func (l *Log) drop() {
	l.dropped.Add(1)
	telemetry.AuditDropped.Inc()
}

func (l *Log) drain(ctx context.Context) {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.limiter.Wait(ctx); err != nil {
			// Shutdown deadline hit; count the remainder as dropped.
			l.drop()
			continue
		}
		l.append(ctx, ev)
	}
}

func (l *Log) append(ctx context.Context, ev model.AuditEvent) {
	var err error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if err = l.sink.AppendAudit(ctx, ev); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			l.drop()
			return
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	l.drop()
	log.Errorf(ctx, err, "audit append failed after %d retries, event %s dropped", l.retries, ev.EventKind)
}
