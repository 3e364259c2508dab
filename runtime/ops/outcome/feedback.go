package outcome

import (
	"context"

	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type (
	// FeedbackConfig tunes the adjustment curve.
	FeedbackConfig struct {
		// Window is how many recent outcomes feed the rolling mean;
		// defaults to 20.
		Window int
		// MinSamples is the floor below which no adjustment applies;
		// defaults to 10.
		MinSamples int
		// Pivot is the effectiveness mean that maps to a neutral 1.0;
		// defaults to 70.
		Pivot float64
		// Slope is the adjustment change per effectiveness point away from
		// the pivot; defaults to 0.012.
		Slope float64
		// Min and Max clamp the factor; default 0.5 and 1.5.
		Min float64
		Max float64
	}

	// FeedbackLoop scales future candidate scores by how well past goals of
	// the same kind actually turned out. Implements the detector's Adjuster.
	FeedbackLoop struct {
		cfg      FeedbackConfig
		outcomes store.OutcomeStore
	}
)

// NewFeedbackLoop constructs a FeedbackLoop.
func NewFeedbackLoop(cfg FeedbackConfig, outcomes store.OutcomeStore) *FeedbackLoop {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.Pivot <= 0 {
		cfg.Pivot = 70
	}
	if cfg.Slope <= 0 {
		cfg.Slope = 0.012
	}
	if cfg.Min <= 0 {
		cfg.Min = 0.5
	}
	if cfg.Max <= 0 {
		cfg.Max = 1.5
	}
	return &FeedbackLoop{cfg: cfg, outcomes: outcomes}
}

// Adjustment returns the score multiplier for candidates of the given kind:
// neutral until MinSamples outcomes exist, then linear in the rolling mean's
// distance from the pivot, clamped to the configured bounds. Store errors
// degrade to neutral; detection must not stall on a feedback read.
func (f *FeedbackLoop) Adjustment(ctx context.Context, kind model.GoalKind) float64 {
	recent, err := f.outcomes.RecentOutcomes(ctx, kind, f.cfg.Window)
	if err != nil {
		log.Errorf(ctx, err, "feedback read for kind %s", kind)
		return 1
	}
	if len(recent) < f.cfg.MinSamples {
		return 1
	}
	sum := 0.0
	for _, o := range recent {
		sum += o.EffectivenessScore
	}
	mean := sum / float64(len(recent))

	adj := 1 + f.cfg.Slope*(mean-f.cfg.Pivot)
	if adj < f.cfg.Min {
		return f.cfg.Min
	}
	if adj > f.cfg.Max {
		return f.cfg.Max
	}
	return adj
}
