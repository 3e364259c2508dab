// Package config loads and validates the process configuration from YAML.
// Every knob has a safe default, so an empty file yields a runnable (if
// conservative) configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full process configuration.
	Config struct {
		Server   Server   `yaml:"server"`
		Database Database `yaml:"database"`
		Budget   Budget   `yaml:"budget"`
		Window   Window   `yaml:"maintenance_window"`
		// FullTimeMode removes the maintenance-window gate; admission
		// control still applies.
		FullTimeMode bool       `yaml:"full_time_mode"`
		Detection    Detection  `yaml:"detection"`
		Approval     Approval   `yaml:"approval"`
		Execution    Execution  `yaml:"execution"`
		Outcome      Outcome    `yaml:"outcome"`
		Feedback     Feedback   `yaml:"feedback"`
		PoolDefaults PoolConfig `yaml:"pool_defaults"`
		Pools        []Pool     `yaml:"pools"`
		Knowledge    Knowledge  `yaml:"knowledge"`
	}

	// Server configures the HTTP surface.
	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
		Debug       bool   `yaml:"debug"`
	}

	// Database selects the store backend. An empty DSN runs on the
	// in-memory store.
	Database struct {
		DSN            string `yaml:"dsn"`
		MigrateOnStart bool   `yaml:"migrate_on_start"`
	}

	// Budget bounds resource consumption.
	Budget struct {
		DailyBudgetUSD   float64 `yaml:"daily_budget_usd"`
		IdleThresholdMin float64 `yaml:"idle_threshold_min"`
		CPUCeilingPct    float64 `yaml:"cpu_ceiling_pct"`
		MemCeilingPct    float64 `yaml:"mem_ceiling_pct"`
	}

	// Window is the local-time maintenance window.
	Window struct {
		StartHour int    `yaml:"start_hour"`
		EndHour   int    `yaml:"end_hour"`
		Zone      string `yaml:"zone"`
	}

	// Detection tunes the opportunity detector.
	Detection struct {
		LookbackDays    int                `yaml:"lookback_days"`
		MinPatternCount int                `yaml:"min_pattern_count"`
		MinImpactScore  float64            `yaml:"min_impact_score"`
		StrategyWeights StrategyWeights    `yaml:"strategy_weights"`
		Severity        map[string]float64 `yaml:"severity"`
	}

	// StrategyWeights are the impact score coefficients; they must sum to 1.
	StrategyWeights struct {
		Frequency      float64 `yaml:"frequency"`
		Severity       float64 `yaml:"severity"`
		CostSavings    float64 `yaml:"cost_savings"`
		KnowledgeGap   float64 `yaml:"knowledge_gap"`
		StrategicValue float64 `yaml:"strategic_value"`
	}

	// Approval tunes the approval gate.
	Approval struct {
		// AutoApproveAgeH auto-approves research goals unreviewed for this
		// many hours. Zero disables the policy.
		AutoApproveAgeH int `yaml:"auto_approve_age_h"`
	}

	// Execution tunes the task executor.
	Execution struct {
		ClaimLimit      int              `yaml:"claim_limit"`
		GlobalParallel  int64            `yaml:"global_parallel"`
		TaskKindPermits map[string]int64 `yaml:"task_kind_permits"`
		TaskTimeout     time.Duration    `yaml:"task_timeout"`
		Retry           Retry            `yaml:"retry_defaults"`
	}

	// Retry bounds task retries.
	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseBackoff time.Duration `yaml:"base_backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
	}

	// Outcome tunes outcome measurement.
	Outcome struct {
		MeasurementWindowDays int     `yaml:"measurement_window_days"`
		AdoptionCeiling       float64 `yaml:"adoption_ceiling"`
	}

	// Feedback tunes the effectiveness feedback loop.
	Feedback struct {
		Window     int              `yaml:"window"`
		MinSamples int              `yaml:"min_samples"`
		Pivot      float64          `yaml:"pivot"`
		Bounds     AdjustmentBounds `yaml:"adjustment_bounds"`
	}

	// AdjustmentBounds clamp the feedback factor.
	AdjustmentBounds struct {
		Min float64 `yaml:"min"`
		Max float64 `yaml:"max"`
	}

	// PoolConfig carries connection pool and breaker defaults.
	PoolConfig struct {
		MaxConn          int           `yaml:"max_conn"`
		KeepAlive        int           `yaml:"keepalive"`
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
		HealthInterval   time.Duration `yaml:"health_interval"`
	}

	// Pool names one managed upstream.
	Pool struct {
		Name     string `yaml:"name"`
		Endpoint string `yaml:"endpoint"`
	}

	// Knowledge configures the knowledge base and the knowledge-gap strategy.
	Knowledge struct {
		// Dir is the knowledge base root directory.
		Dir string `yaml:"dir"`
		// RepoDir is the git working tree the knowledge base lives in;
		// defaults to Dir.
		RepoDir string `yaml:"repo_dir"`
		// CommitAuthor identifies autonomous commits, "Name <email>" form.
		CommitAuthor string `yaml:"commit_author"`
		// Expected lists entries as "category/slug".
		Expected []string `yaml:"expected"`
	}
)

// Default returns the configuration used when a knob is not set.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", MetricsAddr: ":9090"},
		Budget: Budget{
			DailyBudgetUSD:   10,
			IdleThresholdMin: 15,
			CPUCeilingPct:    80,
			MemCeilingPct:    85,
		},
		Window: Window{StartHour: 4, EndHour: 6, Zone: "UTC"},
		Detection: Detection{
			LookbackDays:    30,
			MinPatternCount: 3,
			MinImpactScore:  40,
			StrategyWeights: StrategyWeights{
				Frequency:      0.20,
				Severity:       0.25,
				CostSavings:    0.20,
				KnowledgeGap:   0.20,
				StrategicValue: 0.15,
			},
		},
		Execution: Execution{
			ClaimLimit:     8,
			GlobalParallel: 4,
			TaskTimeout:    2 * time.Minute,
			Retry: Retry{
				MaxAttempts: 3,
				BaseBackoff: 30 * time.Second,
				MaxBackoff:  10 * time.Minute,
			},
		},
		Outcome: Outcome{
			MeasurementWindowDays: 30,
			AdoptionCeiling:       50,
		},
		Feedback: Feedback{
			Window:     20,
			MinSamples: 10,
			Pivot:      70,
			Bounds:     AdjustmentBounds{Min: 0.5, Max: 1.5},
		},
		Knowledge: Knowledge{
			Dir:          "knowledge",
			CommitAuthor: "autopilot <autopilot@openfab.local>",
		},
		PoolDefaults: PoolConfig{
			MaxConn:          8,
			KeepAlive:        4,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HealthInterval:   60 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave silently.
func (c Config) Validate() error {
	if c.Budget.DailyBudgetUSD < 0 {
		return fmt.Errorf("daily_budget_usd must not be negative")
	}
	if c.Window.StartHour < 0 || c.Window.StartHour > 23 || c.Window.EndHour < 0 || c.Window.EndHour > 23 {
		return fmt.Errorf("maintenance_window hours must be in 0..23")
	}
	if _, err := time.LoadLocation(c.Window.Zone); err != nil {
		return fmt.Errorf("maintenance_window zone: %w", err)
	}
	w := c.Detection.StrategyWeights
	sum := w.Frequency + w.Severity + w.CostSavings + w.KnowledgeGap + w.StrategicValue
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("strategy_weights must sum to 1.0, got %.3f", sum)
	}
	if c.Detection.MinImpactScore < 0 || c.Detection.MinImpactScore > 100 {
		return fmt.Errorf("min_impact_score must be in 0..100")
	}
	if b := c.Feedback.Bounds; b.Min <= 0 || b.Max < b.Min {
		return fmt.Errorf("adjustment_bounds must satisfy 0 < min <= max")
	}
	if c.Execution.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry_defaults.max_attempts must be at least 1")
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" || p.Endpoint == "" {
			return fmt.Errorf("pools entries need name and endpoint")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Location resolves the maintenance window zone.
func (w Window) Location() *time.Location {
	loc, err := time.LoadLocation(w.Zone)
	if err != nil {
		return time.UTC
	}
	return loc
}
