// Package telemetry declares the prometheus collectors exported by the
// operations core. Collectors are registered on the default registry; the
// HTTP surface serves them under /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState reports the circuit breaker state per pool:
	// 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "pool",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per upstream pool (0=closed, 1=half-open, 2=open).",
	}, []string{"pool"})

	// PoolHealthy reports the last health probe result per pool.
	PoolHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autopilot",
		Subsystem: "pool",
		Name:      "healthy",
		Help:      "Last health probe result per upstream pool (1=healthy).",
	}, []string{"pool"})

	// JobRuns counts scheduler job invocations by terminal status.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduler job invocations by job and status (ok, error, dropped, denied).",
	}, []string{"job", "status"})

	// TaskOutcomes counts task resolutions by kind and status.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "executor",
		Name:      "task_outcomes_total",
		Help:      "Task resolutions by task kind and terminal status.",
	}, []string{"kind", "status"})

	// AuditDropped counts audit events dropped due to queue saturation.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit events dropped because the queue saturated or the sink stayed down.",
	})

	// GoalsIdentified counts goals persisted by the opportunity detector.
	GoalsIdentified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Subsystem: "detector",
		Name:      "goals_identified_total",
		Help:      "Goals persisted by the opportunity detector, by kind and source strategy.",
	}, []string{"kind", "source"})
)
