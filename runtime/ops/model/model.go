// Package model defines the persistent entities of the autonomous operations
// core: goals, projects, tasks, budget ledger entries, goal outcomes, and
// audit events. It also owns the status state machines and the error taxonomy
// shared by every component. All timestamps are UTC; all monetary amounts are
// fixed-point decimals with micro-dollar precision.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type (
	// GoalKind classifies a proposed unit of autonomous work.
	GoalKind string

	// GoalStatus tracks the lifecycle of a goal. Transitions are monotonic:
	// identified -> (approved|rejected), approved -> completed.
	GoalStatus string

	// ProjectStatus tracks the lifecycle of a project generated from an
	// approved goal.
	ProjectStatus string

	// TaskStatus tracks the lifecycle of a task node in the execution DAG.
	TaskStatus string

	// TaskPriority orders tasks of equal readiness.
	TaskPriority string

	// TaskKind selects the handler that executes a task.
	TaskKind string

	// FailureCode classifies a handler or executor failure.
	FailureCode string
)

const (
	GoalResearch     GoalKind = "research"
	GoalImprovement  GoalKind = "improvement"
	GoalOptimization GoalKind = "optimization"
	GoalFabrication  GoalKind = "fabrication"
	GoalProcurement  GoalKind = "procurement"
)

const (
	GoalIdentified GoalStatus = "identified"
	GoalApproved   GoalStatus = "approved"
	GoalRejected   GoalStatus = "rejected"
	GoalCompleted  GoalStatus = "completed"
)

const (
	ProjectProposed  ProjectStatus = "proposed"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCancelled ProjectStatus = "cancelled"
)

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

const (
	// Research template tasks.
	TaskSearch     TaskKind = "search"
	TaskSynthesize TaskKind = "synthesize"
	TaskKBWrite    TaskKind = "kb_write"
	TaskCommit     TaskKind = "commit"

	// Improvement template tasks.
	TaskResearch    TaskKind = "research"
	TaskUpdateGuide TaskKind = "update_guide"

	// Optimization template tasks.
	TaskAnalyze  TaskKind = "analyze"
	TaskDocument TaskKind = "document"

	// Procurement template tasks.
	TaskQuote  TaskKind = "quote"
	TaskDecide TaskKind = "decide"
	TaskOrder  TaskKind = "order"

	// Fabrication template tasks.
	TaskCAD          TaskKind = "cad"
	TaskReviewSafety TaskKind = "review_safety"
	TaskQueuePrint   TaskKind = "queue_print"
)

const (
	FailUpstreamUnavailable FailureCode = "upstream_unavailable"
	FailRateLimited         FailureCode = "rate_limited"
	FailInvalidInput        FailureCode = "invalid_input"
	FailPolicyDenied        FailureCode = "policy_denied"
	FailTimeout             FailureCode = "timeout"
	FailInternal            FailureCode = "internal"
)

type (
	// Goal is a proposed unit of autonomous work emitted by a detector
	// strategy and gated by human approval.
	Goal struct {
		ID                 string
		Kind               GoalKind
		Description        string
		Rationale          string
		EstimatedBudgetUSD decimal.Decimal
		EstimatedDurationH float64
		Status             GoalStatus
		ImpactScore        float64
		SourceTag          string
		Metadata           map[string]any

		IdentifiedAt  time.Time
		ApprovedAt    *time.Time
		ApprovedBy    string
		ApprovalNotes string
		CompletedAt   *time.Time

		EffectivenessScore *float64
		OutcomeMeasuredAt  *time.Time
		LearnFrom          bool
	}

	// Project is the durable plan generated from an approved goal. A goal has
	// at most one project, enforced by a unique constraint on GoalID.
	Project struct {
		ID                 string
		GoalID             string
		Title              string
		Description        string
		Status             ProjectStatus
		BudgetAllocatedUSD decimal.Decimal
		BudgetSpentUSD     decimal.Decimal
		ActualDurationH    *float64
		CreatedAt          time.Time
		CompletedAt        *time.Time
	}

	// Task is a node of the execution DAG. DependsOn is a single nullable
	// parent: a task is ready when it is pending, its backoff expired, and
	// its parent (if any) completed.
	Task struct {
		ID                 string
		ProjectID          string
		Kind               TaskKind
		Title              string
		Priority           TaskPriority
		DependsOn          *string
		Status             TaskStatus
		BudgetAllocatedUSD decimal.Decimal
		Result             map[string]any
		Error              *TaskError
		Attempts           int
		MaxAttempts        int
		Metadata           map[string]any

		CreatedAt  time.Time
		NotBefore  *time.Time
		StartedAt  *time.Time
		FinishedAt *time.Time
	}

	// TaskError is the structured error recorded on a failed task attempt.
	TaskError struct {
		Code      FailureCode `json:"code"`
		Message   string      `json:"message"`
		Retryable bool        `json:"retryable"`
	}

	// LedgerEntry is an append-only spend record. Daily and per-project
	// totals are derived by range queries, never stored.
	LedgerEntry struct {
		ID        string
		TS        time.Time
		ProjectID string
		TaskID    string
		AmountUSD decimal.Decimal
		Reason    string
	}

	// GoalOutcome is the post-hoc measurement record for a completed goal.
	// One row per goal; re-measurement never modifies an existing record.
	GoalOutcome struct {
		GoalID          string
		BaselineDate    time.Time
		MeasurementDate time.Time
		BaselineMetrics map[string]float64
		OutcomeMetrics  map[string]float64

		Impact             float64
		ROI                float64
		Adoption           float64
		Quality            float64
		EffectivenessScore float64

		MeasurementMethod string
		Notes             string
	}

	// AuditEvent is one record of the append-only reasoning stream. The
	// control path never consults it.
	AuditEvent struct {
		TS        time.Time
		Actor     string
		EventKind string
		SubjectID string
		Payload   map[string]any
	}
)

// goalTransitions enumerates the legal goal status edges.
var goalTransitions = map[GoalStatus][]GoalStatus{
	GoalIdentified: {GoalApproved, GoalRejected},
	GoalApproved:   {GoalCompleted},
}

// ValidGoalTransition reports whether a goal may move from one status to
// another. Self-transitions are not valid; callers treat them as no-ops at a
// higher level where idempotence is wanted.
func ValidGoalTransition(from, to GoalStatus) bool {
	for _, next := range goalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTaskTransition reports whether a task may move from one status to
// another: pending -> in_progress -> (completed|failed), pending -> skipped,
// and in_progress -> pending when an attempt is returned for retry.
func ValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskInProgress || to == TaskSkipped
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed || to == TaskPending
	default:
		return false
	}
}

// Terminal reports whether a task status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Terminal reports whether a goal status is terminal. Approved goals are not
// terminal: they still await projectisation and execution.
func (s GoalStatus) Terminal() bool {
	return s == GoalRejected || s == GoalCompleted
}

// RollupStatus derives the project status implied by a task set. The second
// return is false while any task is non-terminal. Once every task is terminal
// the project is completed iff no task failed; skipped tasks do not count
// against completion.
func RollupStatus(tasks []Task) (ProjectStatus, bool) {
	failed := false
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return "", false
		}
		if t.Status == TaskFailed {
			failed = true
		}
	}
	if failed {
		return ProjectFailed, true
	}
	return ProjectCompleted, true
}

// KnownGoalKind reports whether the kind has a registered project template.
func KnownGoalKind(k GoalKind) bool {
	switch k {
	case GoalResearch, GoalImprovement, GoalOptimization, GoalFabrication, GoalProcurement:
		return true
	}
	return false
}

// RetryableFailure reports whether a failure code is retryable by default.
// Upstream unavailability, rate limiting, and timeouts may succeed on retry;
// input, policy, and internal failures never do.
func RetryableFailure(code FailureCode) bool {
	switch code {
	case FailUpstreamUnavailable, FailRateLimited, FailTimeout:
		return true
	}
	return false
}
