// Package detector implements the opportunity detection cycle: pluggable
// strategies read operational history and emit scored candidate goals, the
// detector applies the feedback adjustment and the minimum-score cutoff,
// deduplicates against live goals, and persists survivors as identified goals
// awaiting approval.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
	"github.com/openfab/autopilot/telemetry"
)

type (
	// Factors are the five normalised inputs to the impact score, each in
	// [0,1]. Strategies supply them per candidate.
	Factors struct {
		Frequency      float64
		Severity       float64
		CostSavings    float64
		KnowledgeGap   float64
		StrategicValue float64
	}

	// Candidate is one scored opportunity emitted by a strategy. The
	// discriminator identifies the underlying condition (failure reason,
	// knowledge slug, cost category) for deduplication against live goals.
	Candidate struct {
		Kind               model.GoalKind
		Description        string
		Rationale          string
		EstimatedBudgetUSD float64
		EstimatedDurationH float64
		SourceTag          string
		Discriminator      string
		Factors            Factors
		Metadata           map[string]any
	}

	// Strategy analyses one slice of operational history.
	Strategy interface {
		Name() string
		Detect(ctx context.Context, since, now time.Time) ([]Candidate, error)
	}

	// Adjuster scales candidate scores from measured outcome effectiveness.
	Adjuster interface {
		Adjustment(ctx context.Context, kind model.GoalKind) float64
	}

	// Weights are the impact score coefficients. They must sum to 1.
	Weights struct {
		Frequency      float64
		Severity       float64
		CostSavings    float64
		KnowledgeGap   float64
		StrategicValue float64
	}

	// Config bounds a detection cycle.
	Config struct {
		LookbackDays   int
		MinImpactScore float64
		// Weights overrides DefaultWeights when non-zero.
		Weights Weights
	}

	// Detector runs the cycle.
	Detector struct {
		cfg        Config
		clock      clock.Clock
		goals      store.GoalStore
		strategies []Strategy
		adjust     Adjuster
		audit      *audit.Log
	}
)

// DefaultWeights is the standard impact score weighting.
var DefaultWeights = Weights{
	Frequency:      0.20,
	Severity:       0.25,
	CostSavings:    0.20,
	KnowledgeGap:   0.20,
	StrategicValue: 0.15,
}

// DefaultLookbackDays is the history window strategies analyse.
const DefaultLookbackDays = 30

// Score folds the factors into a 0-100 impact score under DefaultWeights.
func (f Factors) Score() float64 {
	return f.ScoreWith(DefaultWeights)
}

// ScoreWith folds the factors into a 0-100 impact score.
func (f Factors) ScoreWith(w Weights) float64 {
	s := w.Frequency*f.Frequency +
		w.Severity*f.Severity +
		w.CostSavings*f.CostSavings +
		w.KnowledgeGap*f.KnowledgeGap +
		w.StrategicValue*f.StrategicValue
	return clampScore(s * 100)
}

// New constructs a Detector. A nil adjust disables feedback scaling.
func New(cfg Config, c clock.Clock, goals store.GoalStore, adjust Adjuster, auditLog *audit.Log, strategies ...Strategy) *Detector {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	return &Detector{
		cfg:        cfg,
		clock:      c,
		goals:      goals,
		strategies: strategies,
		adjust:     adjust,
		audit:      auditLog,
	}
}

// RunCycle executes every strategy over the lookback window and persists
// surviving candidates as identified goals. It returns the number of goals
// created. A failing strategy is logged and skipped; the cycle continues so
// one broken telemetry source cannot starve the others.
func (d *Detector) RunCycle(ctx context.Context) (int, error) {
	now := d.clock.Now()
	since := now.AddDate(0, 0, -d.cfg.LookbackDays)

	live, err := d.liveKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("detector: load live goals: %w", err)
	}

	var candidates []Candidate
	for _, st := range d.strategies {
		found, err := st.Detect(ctx, since, now)
		if err != nil {
			log.Errorf(ctx, err, "strategy %s failed", st.Name())
			continue
		}
		candidates = append(candidates, found...)
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		score := c.Factors.ScoreWith(d.cfg.Weights)
		if d.adjust != nil {
			score = clampScore(score * d.adjust.Adjustment(ctx, c.Kind))
		}
		if score < d.cfg.MinImpactScore {
			continue
		}
		scored = append(scored, scoredCandidate{Candidate: c, score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	created := 0
	for _, sc := range scored {
		key := dedupKey(sc.SourceTag, sc.Discriminator)
		if live[key] {
			continue
		}
		g := model.Goal{
			ID:                 uuid.NewString(),
			Kind:               sc.Kind,
			Description:        sc.Description,
			Rationale:          sc.Rationale,
			EstimatedBudgetUSD: usd(sc.EstimatedBudgetUSD),
			EstimatedDurationH: sc.EstimatedDurationH,
			Status:             model.GoalIdentified,
			ImpactScore:        sc.score,
			SourceTag:          sc.SourceTag,
			Metadata:           withDiscriminator(sc.Metadata, sc.Discriminator),
			IdentifiedAt:       now,
			LearnFrom:          true,
		}
		if err := d.goals.CreateGoal(ctx, g); err != nil {
			return created, fmt.Errorf("detector: create goal: %w", err)
		}
		live[key] = true
		created++
		telemetry.GoalsIdentified.WithLabelValues(string(g.Kind), g.SourceTag).Inc()
		d.audit.Emit(ctx, "detector", "goal.identified", g.ID, map[string]any{
			"kind":         string(g.Kind),
			"source_tag":   g.SourceTag,
			"impact_score": g.ImpactScore,
		})
		log.Printf(ctx, "identified %s goal %s (score %.1f): %s", g.Kind, g.ID, g.ImpactScore, g.Description)
	}
	return created, nil
}

type scoredCandidate struct {
	Candidate
	score float64
}

// liveKeys builds the dedup set over non-terminal goals.
func (d *Detector) liveKeys(ctx context.Context) (map[string]bool, error) {
	keys := make(map[string]bool)
	for _, status := range []model.GoalStatus{model.GoalIdentified, model.GoalApproved} {
		goals, err := d.goals.ListGoals(ctx, store.GoalFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, g := range goals {
			disc, _ := g.Metadata["discriminator"].(string)
			keys[dedupKey(g.SourceTag, disc)] = true
		}
	}
	return keys, nil
}

func dedupKey(sourceTag, discriminator string) string {
	return sourceTag + "\x00" + discriminator
}

func withDiscriminator(md map[string]any, disc string) map[string]any {
	out := make(map[string]any, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["discriminator"] = disc
	return out
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
