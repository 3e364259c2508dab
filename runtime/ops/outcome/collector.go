package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
)

type (
	// Collector gathers the metrics a goal's outcome is judged by: once at
	// approval (the baseline) and once at measurement. Well-known keys:
	// "failures", "kb_present", "kb_views", "kb_refs", "frontier_cost_usd",
	// "impact", "time_saved_usd", "quality".
	Collector interface {
		Baseline(ctx context.Context, g model.Goal) (map[string]float64, error)
		Measure(ctx context.Context, g model.Goal, baseline map[string]float64) (map[string]float64, error)
	}

	// StandardCollector reads the live capabilities, per goal kind.
	StandardCollector struct {
		Telemetry capability.Telemetry
		Knowledge capability.KnowledgeStore
		// Lookback is the history window for failure and spend counts;
		// defaults to 30 days.
		Lookback time.Duration
		Clock    interface{ Now() time.Time }
	}
)

// Baseline implements Collector.
func (c *StandardCollector) Baseline(ctx context.Context, g model.Goal) (map[string]float64, error) {
	switch g.Kind {
	case model.GoalImprovement:
		n, err := c.failureCount(ctx, metaReason(g))
		if err != nil {
			return nil, err
		}
		return map[string]float64{"failures": n}, nil
	case model.GoalResearch:
		present, err := c.kbPresent(ctx, g)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"kb_present": present}, nil
	case model.GoalOptimization:
		cost, err := c.frontierCost(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"frontier_cost_usd": cost}, nil
	default:
		return map[string]float64{}, nil
	}
}

// Measure implements Collector. The returned map includes the domain impact
// under "impact" alongside the raw readings.
func (c *StandardCollector) Measure(ctx context.Context, g model.Goal, baseline map[string]float64) (map[string]float64, error) {
	switch g.Kind {
	case model.GoalImprovement:
		n, err := c.failureCount(ctx, metaReason(g))
		if err != nil {
			return nil, err
		}
		out := map[string]float64{"failures": n}
		if b := baseline["failures"]; b > 0 {
			out["impact"] = (b - n) / b * 100
		}
		return out, nil
	case model.GoalResearch:
		present, err := c.kbPresent(ctx, g)
		if err != nil {
			return nil, err
		}
		out := map[string]float64{"kb_present": present, "impact": present * 100}
		if c.Knowledge != nil {
			category, _ := g.Metadata["category"].(string)
			slug, _ := g.Metadata["slug"].(string)
			stats, err := c.Knowledge.UsageStats(ctx, category+"/"+slug, c.sinceNow())
			if err == nil {
				out["kb_views"] = float64(stats.Views)
				out["kb_refs"] = float64(stats.Refs)
			}
		}
		return out, nil
	case model.GoalOptimization:
		cost, err := c.frontierCost(ctx)
		if err != nil {
			return nil, err
		}
		out := map[string]float64{"frontier_cost_usd": cost}
		if b := baseline["frontier_cost_usd"]; b > 0 {
			out["impact"] = (b - cost) / b * 100
			out["time_saved_usd"] = b - cost
		}
		return out, nil
	default:
		return map[string]float64{}, nil
	}
}

func (c *StandardCollector) failureCount(ctx context.Context, reason string) (float64, error) {
	events, err := c.Telemetry.OperationalHistory(ctx, capability.EventFailure, c.sinceNow())
	if err != nil {
		return 0, fmt.Errorf("failure history: %w", err)
	}
	n := 0
	for _, ev := range events {
		if reason == "" || ev.Reason == reason {
			n++
		}
	}
	return float64(n), nil
}

func (c *StandardCollector) kbPresent(ctx context.Context, g model.Goal) (float64, error) {
	category, _ := g.Metadata["category"].(string)
	slug, _ := g.Metadata["slug"].(string)
	if category == "" || slug == "" {
		return 0, nil
	}
	ok, err := c.Knowledge.Exists(ctx, category, slug)
	if err != nil {
		return 0, fmt.Errorf("knowledge lookup: %w", err)
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}

func (c *StandardCollector) frontierCost(ctx context.Context) (float64, error) {
	events, err := c.Telemetry.OperationalHistory(ctx, capability.EventRouting, c.sinceNow())
	if err != nil {
		return 0, fmt.Errorf("routing history: %w", err)
	}
	total := 0.0
	for _, ev := range events {
		if ev.Tier == capability.TierFrontier {
			f, _ := ev.CostUSD.Float64()
			total += f
		}
	}
	return total, nil
}

func (c *StandardCollector) sinceNow() time.Time {
	lookback := c.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return c.Clock.Now().Add(-lookback)
}

func metaReason(g model.Goal) string {
	reason, _ := g.Metadata["reason"].(string)
	return reason
}
