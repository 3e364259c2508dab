package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
)

// Source tags identifying which strategy emitted a goal.
const (
	SourceFailurePattern   = "failure_pattern"
	SourceKnowledgeGap     = "knowledge_gap"
	SourceCostOptimization = "cost_optimization"
)

type (
	// FailurePattern groups operational failure events by reason and emits an
	// improvement goal for every reason that recurs often enough.
	FailurePattern struct {
		Telemetry capability.Telemetry

		// MinPatternCount is the recurrence floor; defaults to 3.
		MinPatternCount int
		// FrequencyCeiling normalises failures/day into [0,1]; defaults to 0.5.
		FrequencyCeiling float64
		// CostPerFailureUSD prices one failure; defaults to 2.50.
		CostPerFailureUSD float64
		// CostCeilingUSD normalises total failure cost into [0,1]; defaults to 25.
		CostCeilingUSD float64
		// Severity overrides per failure reason; unlisted reasons score 0.5.
		Severity map[string]float64

		// EstimatedBudgetUSD and EstimatedDurationH seed the emitted goals;
		// default 5.00 and 2h.
		EstimatedBudgetUSD float64
		EstimatedDurationH float64
	}

	// KnowledgeEntry names one expected knowledge-base document.
	KnowledgeEntry struct {
		Category string
		Slug     string
	}

	// KnowledgeGap emits a research goal for every expected knowledge entry
	// absent from the knowledge store.
	KnowledgeGap struct {
		Knowledge capability.KnowledgeStore
		Expected  []KnowledgeEntry

		// EstimatedBudgetUSD and EstimatedDurationH seed the emitted goals;
		// default 2.50 and 1h.
		EstimatedBudgetUSD float64
		EstimatedDurationH float64
	}

	// CostOptimization aggregates routing spend by tier and emits an
	// optimization goal when frontier spend dominates.
	CostOptimization struct {
		Telemetry capability.Telemetry

		// ShareThreshold triggers when frontier spend exceeds this fraction
		// of total routing spend; defaults to 0.30.
		ShareThreshold float64
		// MinFrontierCostUSD is the absolute floor; defaults to 5.00.
		MinFrontierCostUSD float64
		// ShareCeiling normalises the frontier share into [0,1]; defaults to 0.5.
		ShareCeiling float64
		// CostCeilingUSD normalises absolute frontier cost into [0,1]; defaults to 20.
		CostCeilingUSD float64

		// EstimatedBudgetUSD and EstimatedDurationH seed the emitted goals;
		// default 3.00 and 1.5h.
		EstimatedBudgetUSD float64
		EstimatedDurationH float64
	}
)

// Severity factors fixed for failure reasons with no table entry, and the
// structural factors each strategy holds constant.
const (
	defaultSeverity = 0.5

	failureKnowledgeGap   = 0.4
	failureStrategicValue = 0.7

	gapFrequency      = 0.5
	gapSeverity       = 0.5
	gapCostSavings    = 0.4
	gapKnowledgeGap   = 0.95
	gapStrategicValue = 0.9

	costSeverity       = 0.8
	costKnowledgeGap   = 0.5
	costStrategicValue = 0.9
)

// Name implements Strategy.
func (s *FailurePattern) Name() string { return SourceFailurePattern }

// Detect implements Strategy.
func (s *FailurePattern) Detect(ctx context.Context, since, now time.Time) ([]Candidate, error) {
	minCount := s.MinPatternCount
	if minCount <= 0 {
		minCount = 3
	}
	freqCeiling := defaultF(s.FrequencyCeiling, 0.5)
	costPer := defaultF(s.CostPerFailureUSD, 2.50)
	costCeiling := defaultF(s.CostCeilingUSD, 25)

	events, err := s.Telemetry.OperationalHistory(ctx, capability.EventFailure, since)
	if err != nil {
		return nil, fmt.Errorf("failure history: %w", err)
	}
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Reason != "" {
			counts[ev.Reason]++
		}
	}

	days := now.Sub(since).Hours() / 24
	if days <= 0 {
		days = 1
	}

	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	var out []Candidate
	for _, reason := range reasons {
		count := counts[reason]
		if count < minCount {
			continue
		}
		severity, ok := s.Severity[reason]
		if !ok {
			severity = defaultSeverity
		}
		out = append(out, Candidate{
			Kind:               model.GoalImprovement,
			Description:        fmt.Sprintf("Reduce recurring %q failures", reason),
			Rationale:          fmt.Sprintf("%d %q failures in the last %d days", count, reason, int(days)),
			EstimatedBudgetUSD: defaultF(s.EstimatedBudgetUSD, 5),
			EstimatedDurationH: defaultF(s.EstimatedDurationH, 2),
			SourceTag:          SourceFailurePattern,
			Discriminator:      reason,
			Factors: Factors{
				Frequency:      clamp01(float64(count) / days / freqCeiling),
				Severity:       severity,
				CostSavings:    clamp01(float64(count) * costPer / costCeiling),
				KnowledgeGap:   failureKnowledgeGap,
				StrategicValue: failureStrategicValue,
			},
			Metadata: map[string]any{
				"reason": reason,
				"count":  count,
			},
		})
	}
	return out, nil
}

// Name implements Strategy.
func (s *KnowledgeGap) Name() string { return SourceKnowledgeGap }

// Detect implements Strategy.
func (s *KnowledgeGap) Detect(ctx context.Context, _, _ time.Time) ([]Candidate, error) {
	var out []Candidate
	for _, entry := range s.Expected {
		exists, err := s.Knowledge.Exists(ctx, entry.Category, entry.Slug)
		if err != nil {
			return nil, fmt.Errorf("knowledge lookup %s/%s: %w", entry.Category, entry.Slug, err)
		}
		if exists {
			continue
		}
		md := map[string]any{
			"category": entry.Category,
			"slug":     entry.Slug,
		}
		if entry.Category == "materials" {
			md["material"] = entry.Slug
		}
		out = append(out, Candidate{
			Kind:               model.GoalResearch,
			Description:        fmt.Sprintf("Research and document %s/%s", entry.Category, entry.Slug),
			Rationale:          fmt.Sprintf("knowledge base has no entry for %s/%s", entry.Category, entry.Slug),
			EstimatedBudgetUSD: defaultF(s.EstimatedBudgetUSD, 2.50),
			EstimatedDurationH: defaultF(s.EstimatedDurationH, 1),
			SourceTag:          SourceKnowledgeGap,
			Discriminator:      entry.Category + "/" + entry.Slug,
			Factors: Factors{
				Frequency:      gapFrequency,
				Severity:       gapSeverity,
				CostSavings:    gapCostSavings,
				KnowledgeGap:   gapKnowledgeGap,
				StrategicValue: gapStrategicValue,
			},
			Metadata: md,
		})
	}
	return out, nil
}

// Name implements Strategy.
func (s *CostOptimization) Name() string { return SourceCostOptimization }

// Detect implements Strategy.
func (s *CostOptimization) Detect(ctx context.Context, since, _ time.Time) ([]Candidate, error) {
	shareThreshold := defaultF(s.ShareThreshold, 0.30)
	minFrontier := defaultF(s.MinFrontierCostUSD, 5)
	shareCeiling := defaultF(s.ShareCeiling, 0.5)
	costCeiling := defaultF(s.CostCeilingUSD, 20)

	events, err := s.Telemetry.OperationalHistory(ctx, capability.EventRouting, since)
	if err != nil {
		return nil, fmt.Errorf("routing history: %w", err)
	}
	total := decimal.Zero
	frontier := decimal.Zero
	for _, ev := range events {
		total = total.Add(ev.CostUSD)
		if ev.Tier == capability.TierFrontier {
			frontier = frontier.Add(ev.CostUSD)
		}
	}
	if !total.IsPositive() {
		return nil, nil
	}
	share, _ := frontier.Div(total).Float64()
	frontierUSD, _ := frontier.Float64()
	if share <= shareThreshold || frontierUSD <= minFrontier {
		return nil, nil
	}

	return []Candidate{{
		Kind:               model.GoalOptimization,
		Description:        "Shift frontier-tier routing toward cheaper tiers",
		Rationale:          fmt.Sprintf("frontier tier is %.1f%% of routing spend (%s USD)", share*100, frontier.StringFixed(2)),
		EstimatedBudgetUSD: defaultF(s.EstimatedBudgetUSD, 3),
		EstimatedDurationH: defaultF(s.EstimatedDurationH, 1.5),
		SourceTag:          SourceCostOptimization,
		Discriminator:      "frontier_share",
		Factors: Factors{
			Frequency:      clamp01(share / shareCeiling),
			Severity:       costSeverity,
			CostSavings:    clamp01(frontierUSD / costCeiling),
			KnowledgeGap:   costKnowledgeGap,
			StrategicValue: costStrategicValue,
		},
		Metadata: map[string]any{
			"frontier_share":    share,
			"frontier_cost_usd": frontierUSD,
			"total_cost_usd":    mustFloat(total),
		},
	}}, nil
}

func defaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
