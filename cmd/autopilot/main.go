// Command autopilot runs the autonomous operations core: the scheduler and
// its jobs, the task executor, and the operator HTTP API, wired to the
// configured store and capability services.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	apiserver "github.com/openfab/autopilot/api/autopilot"
	"github.com/openfab/autopilot/config"
	"github.com/openfab/autopilot/features/capability/httpapi"
	"github.com/openfab/autopilot/features/hostmetrics/gopsutil"
	"github.com/openfab/autopilot/features/knowledge/fskb"
	"github.com/openfab/autopilot/features/store/postgres"
	"github.com/openfab/autopilot/features/vcs/gitcli"
	"github.com/openfab/autopilot/runtime/ops/approval"
	"github.com/openfab/autopilot/runtime/ops/audit"
	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/clock"
	"github.com/openfab/autopilot/runtime/ops/detector"
	"github.com/openfab/autopilot/runtime/ops/executor"
	"github.com/openfab/autopilot/runtime/ops/handler"
	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/outcome"
	"github.com/openfab/autopilot/runtime/ops/planner"
	"github.com/openfab/autopilot/runtime/ops/pool"
	"github.com/openfab/autopilot/runtime/ops/resource"
	"github.com/openfab/autopilot/runtime/ops/scheduler"
	"github.com/openfab/autopilot/runtime/ops/store"
	"github.com/openfab/autopilot/runtime/ops/store/inmem"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "autopilot exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	clk := clock.System()

	// Store.
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.Database.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
	} else {
		log.Printf(ctx, "no database DSN configured, using the in-memory store")
		st = inmem.New()
	}

	auditLog := audit.New(st, audit.WithClock(clk))
	auditLog.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		auditLog.Close(closeCtx)
	}()

	// Connection pools, one per capability service.
	pools := pool.NewRegistry()
	poolCfg := func(endpoint string) pool.Config {
		return pool.Config{
			Endpoint:         endpoint,
			MaxConns:         cfg.PoolDefaults.MaxConn,
			KeepAlive:        cfg.PoolDefaults.KeepAlive,
			FailureThreshold: uint32(cfg.PoolDefaults.FailureThreshold),
			RecoveryTimeout:  cfg.PoolDefaults.RecoveryTimeout,
			HealthInterval:   cfg.PoolDefaults.HealthInterval,
		}
	}
	endpoints := make(map[string]string, len(cfg.Pools))
	for _, p := range cfg.Pools {
		endpoints[p.Name] = p.Endpoint
		pools.Add(pool.New(p.Name, poolCfg(p.Endpoint)))
	}
	client := func(name string) httpapi.Client {
		p := pools.Get(name)
		if p == nil {
			p = pool.New(name, poolCfg(""))
			pools.Add(p)
		}
		token := os.Getenv("AUTOPILOT_" + strings.ToUpper(name) + "_TOKEN")
		return httpapi.NewClient(p, endpoints[name], token)
	}
	pools.Start(ctx)
	defer pools.Close()

	// Capabilities.
	var (
		search    = httpapi.NewSearch(client("search"))
		synth     = httpapi.NewSynthesizer(client("synthesis"))
		telemetry = httpapi.NewTelemetry(client("telemetry"))
		supplier  = httpapi.NewProcurement(client("procurement"))
		printer   = httpapi.NewPrintQueue(client("printer"))
		knowledge = fskb.New(cfg.Knowledge.Dir)
		host      = gopsutil.New(clk)
	)
	repoDir := cfg.Knowledge.RepoDir
	if repoDir == "" {
		repoDir = cfg.Knowledge.Dir
	}
	vcs := gitcli.New(repoDir, cfg.Knowledge.CommitAuthor)

	// Admission control.
	admit := resource.NewManager(resource.Config{
		DailyBudgetUSD:   decimal.NewFromFloat(cfg.Budget.DailyBudgetUSD),
		IdleThresholdMin: cfg.Budget.IdleThresholdMin,
		CPUCeilingPct:    cfg.Budget.CPUCeilingPct,
		MemCeilingPct:    cfg.Budget.MemCeilingPct,
	}, clk, host, st)

	// Detection, approval, planning, execution, outcome measurement.
	feedback := outcome.NewFeedbackLoop(outcome.FeedbackConfig{
		Window:     cfg.Feedback.Window,
		MinSamples: cfg.Feedback.MinSamples,
		Pivot:      cfg.Feedback.Pivot,
		Min:        cfg.Feedback.Bounds.Min,
		Max:        cfg.Feedback.Bounds.Max,
	}, st)
	det := detector.New(detector.Config{
		LookbackDays:   cfg.Detection.LookbackDays,
		MinImpactScore: cfg.Detection.MinImpactScore,
		Weights: detector.Weights{
			Frequency:      cfg.Detection.StrategyWeights.Frequency,
			Severity:       cfg.Detection.StrategyWeights.Severity,
			CostSavings:    cfg.Detection.StrategyWeights.CostSavings,
			KnowledgeGap:   cfg.Detection.StrategyWeights.KnowledgeGap,
			StrategicValue: cfg.Detection.StrategyWeights.StrategicValue,
		},
	}, clk, st, feedback, auditLog,
		&detector.FailurePattern{
			Telemetry:       telemetry,
			MinPatternCount: cfg.Detection.MinPatternCount,
			Severity:        cfg.Detection.Severity,
		},
		&detector.KnowledgeGap{
			Knowledge: knowledge,
			Expected:  expectedEntries(cfg.Knowledge.Expected),
		},
		&detector.CostOptimization{Telemetry: telemetry},
	)
	collector := &outcome.StandardCollector{
		Telemetry: telemetry,
		Knowledge: knowledge,
		Clock:     clk,
	}
	tracker := outcome.NewTracker(outcome.TrackerConfig{
		MeasurementWindowDays: cfg.Outcome.MeasurementWindowDays,
		AdoptionCeiling:       cfg.Outcome.AdoptionCeiling,
	}, st, clk, collector, auditLog)
	gate := approval.New(st, clk, auditLog, tracker, approval.Policy{
		AutoApproveAge: time.Duration(cfg.Approval.AutoApproveAgeH) * time.Hour,
	})
	gen := planner.New(planner.Config{
		DefaultMaxAttempts: cfg.Execution.Retry.MaxAttempts,
	}, st, clk, auditLog)

	registry := handler.NewRegistry(
		&handler.Search{Provider: search, Pool: pools.Get("search")},
		&handler.Synthesize{LLM: synth, Pool: pools.Get("synthesis")},
		&handler.KBWrite{Knowledge: knowledge},
		&handler.Commit{VCS: vcs},
		&handler.Research{Provider: search, LLM: synth, Pool: pools.Get("search")},
		&handler.UpdateGuide{Knowledge: knowledge},
		&handler.Analyze{LLM: synth, Pool: pools.Get("synthesis")},
		&handler.Document{Knowledge: knowledge},
		&handler.Quote{Provider: search, Pool: pools.Get("search")},
		&handler.Decide{},
		&handler.Order{Supplier: supplier, Pool: pools.Get("procurement")},
		&handler.CAD{LLM: synth, Pool: pools.Get("synthesis")},
		&handler.ReviewSafety{},
		&handler.QueuePrint{Queue: printer, Pool: pools.Get("printer")},
	)
	exec := executor.New(executor.Config{
		ClaimLimit:       cfg.Execution.ClaimLimit,
		GlobalParallel:   cfg.Execution.GlobalParallel,
		KindParallel:     kindPermits(cfg.Execution.TaskKindPermits),
		TaskTimeout:      cfg.Execution.TaskTimeout,
		RetryBaseBackoff: cfg.Execution.Retry.BaseBackoff,
		RetryMaxBackoff:  cfg.Execution.Retry.MaxBackoff,
	}, st, clk, registry, auditLog)

	// Scheduler and jobs. Heavy jobs stay inside the maintenance window
	// unless full-time mode lifts the gate.
	sched := scheduler.New(clk, admit, auditLog)
	loc := cfg.Window.Location()
	var window *clock.Window
	if !cfg.FullTimeMode {
		window = &clock.Window{StartHour: cfg.Window.StartHour, EndHour: cfg.Window.EndHour, Loc: loc}
	}
	monday := time.Monday
	registerJobs(ctx, sched, []scheduler.Job{
		{
			Name:     "daily_health",
			Trigger:  scheduler.Cron{Minute: 0, Hour: 4, Loc: loc},
			Workload: resource.Scheduled,
			Run: func(ctx context.Context) error {
				for _, h := range pools.Health() {
					log.Printf(ctx, "pool %s: breaker %s healthy %t", h.Name, h.Breaker, h.Healthy)
				}
				n, err := gate.AutoApproveSweep(ctx)
				if n > 0 {
					log.Printf(ctx, "auto-approved %d research goals", n)
				}
				return err
			},
		},
		{
			Name:     "opportunity_cycle",
			Trigger:  scheduler.Cron{Minute: 0, Hour: 5, Weekday: &monday, Loc: loc},
			Workload: resource.Scheduled,
			Run: func(ctx context.Context) error {
				n, err := det.RunCycle(ctx)
				if n > 0 {
					log.Printf(ctx, "identified %d goals", n)
				}
				return err
			},
		},
		{
			Name:     "knowledge_refresh",
			Trigger:  scheduler.Cron{Minute: 0, Hour: 6, Weekday: &monday, Loc: loc},
			Workload: resource.Scheduled,
			Run: func(ctx context.Context) error {
				return reportKnowledgeGaps(ctx, knowledge, expectedEntries(cfg.Knowledge.Expected))
			},
		},
		{
			Name:     "fleet_health",
			Trigger:  scheduler.Interval{Every: 4 * time.Hour, Jitter: 10 * time.Minute},
			Workload: resource.Scheduled,
			Run: func(ctx context.Context) error {
				since := clk.Now().Add(-4 * time.Hour)
				events, err := telemetry.OperationalHistory(ctx, capability.EventFailure, since)
				if err != nil {
					return err
				}
				if len(events) > 0 {
					log.Printf(ctx, "fleet reported %d failures in the last 4h", len(events))
				}
				return nil
			},
		},
		{
			Name:     "project_generation",
			Trigger:  scheduler.Interval{Every: 4 * time.Hour, Jitter: 10 * time.Minute},
			Workload: resource.Scheduled,
			Window:   window,
			Run: func(ctx context.Context) error {
				n, err := gen.Run(ctx)
				if n > 0 {
					log.Printf(ctx, "generated %d projects", n)
				}
				return err
			},
		},
		{
			Name:     "task_execution",
			Trigger:  scheduler.Interval{Every: 15 * time.Minute, Jitter: time.Minute},
			Workload: resource.Scheduled,
			Window:   window,
			Run: func(ctx context.Context) error {
				_, err := exec.RunOnce(ctx)
				return err
			},
		},
		{
			Name:     "outcome_measurement",
			Trigger:  scheduler.Cron{Minute: 0, Hour: 6, Loc: loc},
			Workload: resource.Scheduled,
			Run: func(ctx context.Context) error {
				n, err := tracker.MeasureDue(ctx)
				if n > 0 {
					log.Printf(ctx, "measured %d goal outcomes", n)
				}
				return err
			},
		},
	})

	// HTTP surfaces.
	api := apiserver.New(st, gate, sched, pools)
	var apiHandler http.Handler = api.Handler(ctx)
	if cfg.Server.Debug {
		apiHandler = debug.HTTP()(apiHandler)
	}
	apiSrv := &http.Server{Addr: cfg.Server.Addr, Handler: apiHandler, ReadHeaderTimeout: 60 * time.Second}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	if cfg.Server.Debug {
		debug.MountPprofHandlers(metricsMux)
		debug.MountDebugLogEnabler(metricsMux)
	}
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	sched.Start(ctx)
	defer sched.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "API listening on %s", cfg.Server.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "metrics listening on %s", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	err := <-errc
	log.Printf(ctx, "shutting down: %v", err)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "API shutdown")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "metrics shutdown")
	}
	wg.Wait()
	return nil
}

func registerJobs(ctx context.Context, sched *scheduler.Scheduler, jobs []scheduler.Job) {
	for _, j := range jobs {
		if !sched.Register(j) {
			log.Printf(ctx, "job %s already registered, skipping", j.Name)
		}
	}
}

// expectedEntries parses "category/slug" pairs, dropping malformed ones.
func expectedEntries(raw []string) []detector.KnowledgeEntry {
	out := make([]detector.KnowledgeEntry, 0, len(raw))
	for _, r := range raw {
		category, slug, ok := strings.Cut(r, "/")
		if !ok || category == "" || slug == "" {
			continue
		}
		out = append(out, detector.KnowledgeEntry{Category: category, Slug: slug})
	}
	return out
}

func reportKnowledgeGaps(ctx context.Context, kb capability.KnowledgeStore, expected []detector.KnowledgeEntry) error {
	missing := 0
	for _, e := range expected {
		ok, err := kb.Exists(ctx, e.Category, e.Slug)
		if err != nil {
			return err
		}
		if !ok {
			missing++
			log.Printf(ctx, "knowledge gap: %s/%s", e.Category, e.Slug)
		}
	}
	if missing == 0 {
		log.Printf(ctx, "knowledge base covers all %d expected entries", len(expected))
	}
	return nil
}

func kindPermits(raw map[string]int64) map[model.TaskKind]int64 {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[model.TaskKind]int64, len(raw))
	for k, v := range raw {
		out[model.TaskKind(k)] = v
	}
	return out
}
