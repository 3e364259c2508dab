// Package resource implements the admission controller. Before a job or an
// interactive request consumes money or machine time, the manager renders an
// AdmissionDecision from three conjunctive checks: today's ledger spend under
// the daily budget, host idleness (for background workloads), and host load
// under the configured ceilings. The manager never blocks; a denied caller
// logs the reason and retries on its own schedule.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// Workload classifies the caller for admission purposes.
	Workload string

	// Decision is the manager's verdict. Reason is set when Allow is false.
	Decision struct {
		Allow  bool
		Reason string
	}

	// Config bounds daily consumption.
	Config struct {
		DailyBudgetUSD   decimal.Decimal
		IdleThresholdMin float64
		CPUCeilingPct    float64
		MemCeilingPct    float64
	}

	// Manager renders admission decisions.
	Manager struct {
		cfg    Config
		clock  clock.Clock
		host   capability.HostMetrics
		ledger store.LedgerStore
	}
)

const (
	// Scheduled is autonomous background work driven by the scheduler.
	Scheduled Workload = "scheduled"
	// Interactive is human-initiated work; it skips the idle check.
	Interactive Workload = "interactive"
	// Research is autonomous research execution.
	Research Workload = "research"
	// Fabrication is autonomous fabrication execution.
	Fabrication Workload = "fabrication"
)

// NewManager constructs a Manager.
func NewManager(cfg Config, c clock.Clock, host capability.HostMetrics, ledger store.LedgerStore) *Manager {
	return &Manager{cfg: cfg, clock: c, host: host, ledger: ledger}
}

// Admit decides whether the workload may run now. Failures reading spend or
// host metrics deny admission: background work waits rather than running
// blind.
func (m *Manager) Admit(ctx context.Context, w Workload) Decision {
	now := m.clock.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	spent, err := m.ledger.LedgerSum(ctx, store.LedgerFilter{From: dayStart, To: now})
	if err != nil {
		return Decision{Reason: fmt.Sprintf("ledger unavailable: %v", err)}
	}
	if m.cfg.DailyBudgetUSD.IsPositive() && spent.GreaterThanOrEqual(m.cfg.DailyBudgetUSD) {
		return Decision{Reason: fmt.Sprintf("daily budget exhausted: spent %s of %s USD", spent, m.cfg.DailyBudgetUSD)}
	}

	snap, err := m.host.Snapshot(ctx)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("host metrics unavailable: %v", err)}
	}
	if w != Interactive && m.cfg.IdleThresholdMin > 0 && snap.IdleMin < m.cfg.IdleThresholdMin {
		return Decision{Reason: fmt.Sprintf("host not idle: %.1f min < %.1f min threshold", snap.IdleMin, m.cfg.IdleThresholdMin)}
	}
	if m.cfg.CPUCeilingPct > 0 && snap.CPUPct > m.cfg.CPUCeilingPct {
		return Decision{Reason: fmt.Sprintf("cpu load %.1f%% over ceiling %.1f%%", snap.CPUPct, m.cfg.CPUCeilingPct)}
	}
	if m.cfg.MemCeilingPct > 0 && snap.MemPct > m.cfg.MemCeilingPct {
		return Decision{Reason: fmt.Sprintf("memory usage %.1f%% over ceiling %.1f%%", snap.MemPct, m.cfg.MemCeilingPct)}
	}
	return Decision{Allow: true}
}
