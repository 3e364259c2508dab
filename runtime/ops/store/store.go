// Package store defines the transactional persistence contract for the
// operations core. The store owns all entity state: components hold nothing
// between calls and re-read under the operation that will write. Operations
// that must be atomic (claiming ready tasks, resolving a task with ledger
// append and rollup, projectising a goal) are single methods so
// each backend implements them inside one transaction.
//
// Two implementations exist: store/inmem for tests and local development, and
// features/store/postgres for production.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
)

type (
	// GoalFilter narrows goal listings. Zero fields match everything.
	GoalFilter struct {
		Status model.GoalStatus
		Kind   model.GoalKind
		Limit  int
	}

	// LedgerFilter selects ledger entries by half-open time range [From, To)
	// and optional project.
	LedgerFilter struct {
		From      time.Time
		To        time.Time
		ProjectID string
	}

	// TaskResolution carries the outcome of one handler invocation. The
	// store applies it atomically: task status update, ledger append,
	// project spend update, and project/goal rollup.
	TaskResolution struct {
		TaskID     string
		Status     model.TaskStatus // completed or failed
		Result     map[string]any
		Error      *model.TaskError
		CostUSD    decimal.Decimal
		Reason     string
		FinishedAt time.Time
	}

	// RollupResult reports what a task resolution did to the surrounding
	// project and goal.
	RollupResult struct {
		Task            model.Task
		Project         model.Project
		ProjectTerminal bool
		GoalCompleted   bool
	}

	// Store is the single shared-state owner of the operations core.
	Store interface {
		GoalStore
		ProjectStore
		TaskStore
		LedgerStore
		OutcomeStore

		// AppendAudit persists one audit event. Implements audit.Sink.
		AppendAudit(ctx context.Context, ev model.AuditEvent) error
	}

	// GoalStore persists goals and their lifecycle.
	GoalStore interface {
		CreateGoal(ctx context.Context, g model.Goal) error
		GetGoal(ctx context.Context, id string) (model.Goal, error)
		ListGoals(ctx context.Context, f GoalFilter) ([]model.Goal, error)

		// TransitionGoal atomically moves a goal from one status to another,
		// applying mutate to the loaded record before writing. It returns
		// model.ErrInvalidState when the stored status differs from from.
		TransitionGoal(ctx context.Context, id string, from, to model.GoalStatus, mutate func(*model.Goal)) (model.Goal, error)

		// ApprovedGoalsWithoutProject returns approved goals that have no
		// project yet, in approval order. Serialisable against Goal and
		// Project so concurrent generators cannot both see the same goal.
		ApprovedGoalsWithoutProject(ctx context.Context) ([]model.Goal, error)

		// GoalsDueForMeasurement returns completed goals with no outcome
		// whose completion is at least window old at now.
		GoalsDueForMeasurement(ctx context.Context, window time.Duration, now time.Time) ([]model.Goal, error)
	}

	// ProjectStore persists projects.
	ProjectStore interface {
		// CreateProjectWithTasks persists a project and its task DAG in one
		// transaction. Returns model.ErrInvalidState if the goal already has
		// a project (unique goal_id).
		CreateProjectWithTasks(ctx context.Context, p model.Project, tasks []model.Task) error
		GetProject(ctx context.Context, id string) (model.Project, error)
		GetProjectByGoal(ctx context.Context, goalID string) (model.Project, error)
		ListProjectTasks(ctx context.Context, projectID string) ([]model.Task, error)
	}

	// TaskStore persists tasks and implements the claim protocol.
	TaskStore interface {
		// ClaimReadyTasks atomically selects up to limit tasks that are
		// pending, past their backoff, and whose parent (if any) completed,
		// marks them in_progress, and returns them. Claiming the first task
		// of a proposed project activates the project. Safe under concurrent
		// executors: no task is ever returned to two callers.
		ClaimReadyTasks(ctx context.Context, limit int, now time.Time) ([]model.Task, error)

		// ResolveTask applies a handler outcome atomically and performs the
		// project/goal rollup.
		ResolveTask(ctx context.Context, res TaskResolution) (RollupResult, error)

		// RequeueTask returns an in_progress task to pending for a later
		// retry attempt, recording the failure and the backoff deadline. A
		// positive costUSD charges what the failed attempt spent to the
		// ledger and the project in the same transaction.
		RequeueTask(ctx context.Context, taskID string, taskErr model.TaskError, notBefore time.Time, costUSD decimal.Decimal) (model.Task, error)

		GetTask(ctx context.Context, id string) (model.Task, error)

		// GrantTaskApproval stamps a human sign-off (and the approving actor)
		// into the metadata of a pending task that requires one, so its
		// handler may run. Tasks that do not require approval fail with
		// ErrInvalidInput; tasks already claimed or terminal fail with
		// ErrInvalidState. Granting twice is a no-op.
		GrantTaskApproval(ctx context.Context, taskID, actor string) (model.Task, error)
	}

	// LedgerStore appends to and sums the budget ledger.
	LedgerStore interface {
		LedgerAppend(ctx context.Context, e model.LedgerEntry) error
		LedgerSum(ctx context.Context, f LedgerFilter) (decimal.Decimal, error)
	}

	// OutcomeStore persists goal outcome measurements and the baselines
	// captured at approval time.
	OutcomeStore interface {
		// SaveBaseline stores the pre-execution metric snapshot for a goal.
		// Re-capturing overwrites: the latest approval wins.
		SaveBaseline(ctx context.Context, goalID string, at time.Time, metrics map[string]float64) error

		// GetBaseline loads a goal's baseline snapshot, or ErrNotFound.
		GetBaseline(ctx context.Context, goalID string) (time.Time, map[string]float64, error)

		// RecordOutcome inserts the outcome and stamps the goal's
		// effectiveness score in one transaction. When an outcome already
		// exists it is left untouched and created is false.
		RecordOutcome(ctx context.Context, o model.GoalOutcome) (created bool, err error)
		GetOutcome(ctx context.Context, goalID string) (model.GoalOutcome, error)

		// RecentOutcomes returns the most recent measured outcomes for goals
		// of the given kind, newest first, up to limit.
		RecentOutcomes(ctx context.Context, kind model.GoalKind, limit int) ([]model.GoalOutcome, error)
	}
)
