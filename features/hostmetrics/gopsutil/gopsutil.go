// Package gopsutil samples host CPU and memory through gopsutil and derives
// the idle time used by admission control. The host counts as busy whenever
// CPU sits above the busy threshold; idle minutes measure the time since the
// last busy sample.
package gopsutil

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/clock"
)

// DefaultBusyCPUPct is the CPU utilisation above which the host counts as
// busy and the idle timer resets.
const DefaultBusyCPUPct = 25.0

type (
	// Option tunes a Provider.
	Option func(*Provider)

	// Provider implements capability.HostMetrics.
	Provider struct {
		clock      clock.Clock
		busyCPUPct float64
		lastBusy   time.Time

		// Sampling seams, replaced in tests.
		cpuPercent func(ctx context.Context) (float64, error)
		memPercent func(ctx context.Context) (float64, error)
	}
)

// WithBusyCPUPct overrides the busy threshold.
func WithBusyCPUPct(pct float64) Option {
	return func(p *Provider) { p.busyCPUPct = pct }
}

// New constructs a Provider. The host starts busy so a fresh process never
// reports a spuriously long idle stretch.
func New(c clock.Clock, opts ...Option) *Provider {
	p := &Provider{
		clock:      c,
		busyCPUPct: DefaultBusyCPUPct,
		lastBusy:   c.Now(),
		cpuPercent: systemCPUPercent,
		memPercent: systemMemPercent,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot samples the host. Snapshot is not safe for concurrent use; the
// resource manager serialises its calls.
func (p *Provider) Snapshot(ctx context.Context) (capability.HostSnapshot, error) {
	cpuPct, err := p.cpuPercent(ctx)
	if err != nil {
		return capability.HostSnapshot{}, fmt.Errorf("sample cpu: %w", err)
	}
	memPct, err := p.memPercent(ctx)
	if err != nil {
		return capability.HostSnapshot{}, fmt.Errorf("sample memory: %w", err)
	}

	now := p.clock.Now()
	if cpuPct >= p.busyCPUPct {
		p.lastBusy = now
	}
	return capability.HostSnapshot{
		CPUPct:  cpuPct,
		MemPct:  memPct,
		IdleMin: now.Sub(p.lastBusy).Minutes(),
	}, nil
}

func systemCPUPercent(ctx context.Context) (float64, error) {
	// A zero interval compares against the previous call, so the first
	// sample reads near zero; acceptable for admission decisions that run
	// every few minutes.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

func systemMemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
