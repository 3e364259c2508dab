package gopsutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfab/autopilot/runtime/ops/clock"
)

var t0 = time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)

func newProvider(c clock.Clock, cpuPct, memPct float64) *Provider {
	p := New(c)
	p.cpuPercent = func(context.Context) (float64, error) { return cpuPct, nil }
	p.memPercent = func(context.Context) (float64, error) { return memPct, nil }
	return p
}

func TestSnapshotIdleAccumulates(t *testing.T) {
	c := clock.NewManual(t0)
	p := newProvider(c, 5, 40)

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5.0, snap.CPUPct)
	require.Equal(t, 40.0, snap.MemPct)
	require.Zero(t, snap.IdleMin)

	c.Advance(20 * time.Minute)
	snap, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 20, snap.IdleMin, 0.001)
}

func TestSnapshotBusyResetsIdle(t *testing.T) {
	c := clock.NewManual(t0)
	p := newProvider(c, 5, 40)

	c.Advance(30 * time.Minute)
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 30, snap.IdleMin, 0.001)

	p.cpuPercent = func(context.Context) (float64, error) { return 90, nil }
	snap, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.IdleMin)

	// Dropping back under the threshold restarts the idle timer from the
	// busy sample, not from process start.
	p.cpuPercent = func(context.Context) (float64, error) { return 3, nil }
	c.Advance(5 * time.Minute)
	snap, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 5, snap.IdleMin, 0.001)
}

func TestSnapshotPropagatesSampleErrors(t *testing.T) {
	c := clock.NewManual(t0)
	p := New(c)
	p.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("proc unreadable") }

	_, err := p.Snapshot(context.Background())
	require.ErrorContains(t, err, "sample cpu")
}
