package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingPathReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
budget:
  daily_budget_usd: 25.5
  idle_threshold_min: 30
maintenance_window:
  start_hour: 2
  end_hour: 5
  zone: America/New_York
full_time_mode: true
detection:
  lookback_days: 14
  min_impact_score: 55
execution:
  claim_limit: 4
  task_timeout: 5m
  task_kind_permits:
    search: 3
  retry_defaults:
    max_attempts: 5
    max_backoff: 20m
pools:
  - name: search
    endpoint: https://search.internal
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 25.5, cfg.Budget.DailyBudgetUSD)
	require.Equal(t, 30.0, cfg.Budget.IdleThresholdMin)
	// Unset budget fields keep their defaults.
	require.Equal(t, 80.0, cfg.Budget.CPUCeilingPct)

	require.Equal(t, 2, cfg.Window.StartHour)
	require.Equal(t, "America/New_York", cfg.Window.Zone)
	require.True(t, cfg.FullTimeMode)

	require.Equal(t, 14, cfg.Detection.LookbackDays)
	require.Equal(t, 55.0, cfg.Detection.MinImpactScore)
	// Weights were not overridden.
	require.Equal(t, 0.25, cfg.Detection.StrategyWeights.Severity)

	require.Equal(t, 4, cfg.Execution.ClaimLimit)
	require.Equal(t, 5*time.Minute, cfg.Execution.TaskTimeout)
	require.Equal(t, int64(3), cfg.Execution.TaskKindPermits["search"])
	require.Equal(t, 5, cfg.Execution.Retry.MaxAttempts)
	require.Equal(t, 20*time.Minute, cfg.Execution.Retry.MaxBackoff)

	require.Len(t, cfg.Pools, 1)
	require.Equal(t, "search", cfg.Pools[0].Name)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Detection.StrategyWeights.Frequency = 0.5
	require.ErrorContains(t, cfg.Validate(), "strategy_weights")
}

func TestValidateRejectsBadWindow(t *testing.T) {
	cfg := Default()
	cfg.Window.EndHour = 24
	require.ErrorContains(t, cfg.Validate(), "maintenance_window")

	cfg = Default()
	cfg.Window.Zone = "Mars/Olympus"
	require.ErrorContains(t, cfg.Validate(), "zone")
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := Default()
	cfg.Feedback.Bounds = AdjustmentBounds{Min: 1.5, Max: 0.5}
	require.ErrorContains(t, cfg.Validate(), "adjustment_bounds")
}

func TestValidateRejectsDuplicatePools(t *testing.T) {
	cfg := Default()
	cfg.Pools = []Pool{
		{Name: "search", Endpoint: "https://a"},
		{Name: "search", Endpoint: "https://b"},
	}
	require.ErrorContains(t, cfg.Validate(), "duplicate pool")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "detection:\n  min_impact_score: 250\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "min_impact_score")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
