package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/telemetry"
)

type memorySink struct {
	mu     sync.Mutex
	events []model.AuditEvent
	fail   int // fail the first N appends
}

func (s *memorySink) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) all() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.events...)
}

func TestEmitDrainsInOrder(t *testing.T) {
	sink := &memorySink{}
	l := New(sink)
	ctx := context.Background()
	l.Start(ctx)

	for i := 0; i < 5; i++ {
		l.Emit(ctx, "system", "scheduler.tick", "job-1", map[string]any{"seq": i})
	}
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Close(closeCtx)

	events := sink.all()
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, "scheduler.tick", ev.EventKind)
		require.Equal(t, i, ev.Payload["seq"])
	}
}

func TestEmitRetriesTransientSinkFailure(t *testing.T) {
	sink := &memorySink{fail: 2}
	l := New(sink, WithRetries(3))
	ctx := context.Background()
	l.Start(ctx)

	l.Emit(ctx, "system", "goal.identified", "g-1", nil)
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Close(closeCtx)

	require.Len(t, sink.all(), 1)
	require.Zero(t, l.Dropped())
}

func TestEmitDropsWhenQueueSaturated(t *testing.T) {
	sink := &memorySink{}
	l := New(sink, WithQueueSize(2))
	ctx := context.Background()
	// Not started: nothing drains the queue, so the third emit must drop.
	l.Emit(ctx, "system", "a", "1", nil)
	l.Emit(ctx, "system", "b", "2", nil)
	l.Emit(ctx, "system", "c", "3", nil)
	require.Equal(t, uint64(1), l.Dropped())
}

func TestDropsAreExportedAsMetric(t *testing.T) {
	before := testutil.ToFloat64(telemetry.AuditDropped)
	sink := &memorySink{}
	l := New(sink, WithQueueSize(1))
	ctx := context.Background()
	// Not started: the second emit saturates the queue and drops.
	l.Emit(ctx, "system", "a", "1", nil)
	l.Emit(ctx, "system", "b", "2", nil)
	require.Equal(t, uint64(1), l.Dropped())
	require.Equal(t, before+1, testutil.ToFloat64(telemetry.AuditDropped))
}

func TestEmitAfterCloseDropsWithoutPanic(t *testing.T) {
	sink := &memorySink{}
	l := New(sink)
	ctx := context.Background()
	l.Start(ctx)
	l.Emit(ctx, "system", "goal.identified", "g-1", nil)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Close(closeCtx)

	require.NotPanics(t, func() {
		l.Emit(ctx, "system", "goal.identified", "g-2", nil)
	})
	require.Equal(t, uint64(1), l.Dropped())
	require.Len(t, sink.all(), 1)
}

func TestEmitNeverFailsCaller(t *testing.T) {
	sink := &memorySink{fail: 1 << 30}
	l := New(sink, WithRetries(0))
	ctx := context.Background()
	l.Start(ctx)
	l.Emit(ctx, "system", "task.failed", "t-1", nil)
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.Close(closeCtx)
	require.Equal(t, uint64(1), l.Dropped())
}
