// Package outcome closes the loop on completed goals: a baseline snapshot is
// taken when a goal is approved, a measurement runs once the goal has been
// completed for a full observation window, and the resulting effectiveness
// scores feed the detector's per-kind adjustment factor.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// TrackerConfig tunes outcome measurement.
	TrackerConfig struct {
		// MeasurementWindowDays is how long a goal must have been completed
		// before it is measured; defaults to 30.
		MeasurementWindowDays int
		// AdoptionCeiling normalises reference counts to 100; defaults to 50.
		AdoptionCeiling float64
		// DefaultQuality scores goals with no content check; defaults to 80.
		DefaultQuality float64
	}

	// Tracker captures baselines and measures outcomes.
	Tracker struct {
		cfg       TrackerConfig
		store     store.Store
		clock     clock.Clock
		collector Collector
		audit     *audit.Log
	}
)

// Effectiveness score weights.
const (
	weightImpact   = 0.40
	weightROI      = 0.30
	weightAdoption = 0.20
	weightQuality  = 0.10
)

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig, s store.Store, c clock.Clock, collector Collector, auditLog *audit.Log) *Tracker {
	if cfg.MeasurementWindowDays <= 0 {
		cfg.MeasurementWindowDays = 30
	}
	if cfg.AdoptionCeiling <= 0 {
		cfg.AdoptionCeiling = 50
	}
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 80
	}
	return &Tracker{cfg: cfg, store: s, clock: c, collector: collector, audit: auditLog}
}

// CaptureBaseline snapshots pre-execution metrics for a freshly approved
// goal. Implements the approval gate's BaselineRecorder.
func (t *Tracker) CaptureBaseline(ctx context.Context, g model.Goal) error {
	metrics, err := t.collector.Baseline(ctx, g)
	if err != nil {
		return fmt.Errorf("baseline for goal %s: %w", g.ID, err)
	}
	now := t.clock.Now()
	if err := t.store.SaveBaseline(ctx, g.ID, now, metrics); err != nil {
		return fmt.Errorf("save baseline for goal %s: %w", g.ID, err)
	}
	t.audit.Emit(ctx, "outcome", "baseline.captured", g.ID, map[string]any{"metrics": metrics})
	return nil
}

// MeasureDue measures every completed goal whose observation window has
// elapsed and returns how many outcomes were recorded. Goals whose outcome
// already exists are left untouched; a goal that cannot be measured is logged
// and retried on the next daily run.
func (t *Tracker) MeasureDue(ctx context.Context) (int, error) {
	now := t.clock.Now()
	window := time.Duration(t.cfg.MeasurementWindowDays) * 24 * time.Hour
	goals, err := t.store.GoalsDueForMeasurement(ctx, window, now)
	if err != nil {
		return 0, fmt.Errorf("outcome: list due goals: %w", err)
	}

	measured := 0
	for _, g := range goals {
		created, err := t.measure(ctx, g)
		if err != nil {
			log.Errorf(ctx, err, "measure goal %s", g.ID)
			continue
		}
		if created {
			measured++
		}
	}
	return measured, nil
}

func (t *Tracker) measure(ctx context.Context, g model.Goal) (bool, error) {
	baselineAt, baselineMetrics, err := t.store.GetBaseline(ctx, g.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	current, err := t.collector.Measure(ctx, g, baselineMetrics)
	if err != nil {
		return false, err
	}

	var costUSD float64
	if project, err := t.store.GetProjectByGoal(ctx, g.ID); err == nil {
		costUSD, _ = project.BudgetSpentUSD.Float64()
	}

	now := t.clock.Now()
	o := model.GoalOutcome{
		GoalID:          g.ID,
		BaselineDate:    baselineAt,
		MeasurementDate: now,
		BaselineMetrics: baselineMetrics,
		OutcomeMetrics:  current,

		Impact:   clamp100(current["impact"]),
		ROI:      t.roi(current, costUSD),
		Adoption: clamp100(current["kb_refs"] / t.cfg.AdoptionCeiling * 100),
		Quality:  t.quality(current),

		MeasurementMethod: string(g.Kind) + " standard collector",
	}
	o.EffectivenessScore = weightImpact*o.Impact + weightROI*o.ROI + weightAdoption*o.Adoption + weightQuality*o.Quality

	created, err := t.store.RecordOutcome(ctx, o)
	if err != nil {
		return false, err
	}
	if created {
		t.audit.Emit(ctx, "outcome", "outcome.measured", g.ID, map[string]any{
			"effectiveness": o.EffectivenessScore,
			"impact":        o.Impact,
			"roi":           o.ROI,
			"adoption":      o.Adoption,
			"quality":       o.Quality,
		})
		log.Printf(ctx, "measured goal %s: effectiveness %.1f", g.ID, o.EffectivenessScore)
	}
	return created, nil
}

// roi scores money saved against money spent: ten points per saved-to-spent
// unit, clamped.
func (t *Tracker) roi(current map[string]float64, costUSD float64) float64 {
	saved, ok := current["time_saved_usd"]
	if !ok || costUSD <= 0 {
		return 0
	}
	return clamp100(saved / costUSD * 10)
}

func (t *Tracker) quality(current map[string]float64) float64 {
	if q, ok := current["quality"]; ok {
		return clamp100(q)
	}
	return t.cfg.DefaultQuality
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
