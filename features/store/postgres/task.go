package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type taskRow struct {
	ID                 string          `db:"id"`
	ProjectID          string          `db:"project_id"`
	Kind               string          `db:"kind"`
	Title              string          `db:"title"`
	Priority           string          `db:"priority"`
	DependsOn          *string         `db:"depends_on"`
	Status             string          `db:"status"`
	BudgetAllocatedUSD decimal.Decimal `db:"budget_allocated_usd"`
	Result             jsonMap         `db:"result"`
	Error              taskError       `db:"error"`
	Attempts           int             `db:"attempts"`
	MaxAttempts        int             `db:"max_attempts"`
	Metadata           jsonMap         `db:"metadata"`
	CreatedAt          time.Time       `db:"created_at"`
	NotBefore          *time.Time      `db:"not_before"`
	StartedAt          *time.Time      `db:"started_at"`
	FinishedAt         *time.Time      `db:"finished_at"`
}

func (r taskRow) toModel() model.Task {
	return model.Task{
		ID:                 r.ID,
		ProjectID:          r.ProjectID,
		Kind:               model.TaskKind(r.Kind),
		Title:              r.Title,
		Priority:           model.TaskPriority(r.Priority),
		DependsOn:          r.DependsOn,
		Status:             model.TaskStatus(r.Status),
		BudgetAllocatedUSD: r.BudgetAllocatedUSD,
		Result:             r.Result,
		Error:              r.Error.TaskError,
		Attempts:           r.Attempts,
		MaxAttempts:        r.MaxAttempts,
		Metadata:           r.Metadata,
		CreatedAt:          r.CreatedAt,
		NotBefore:          r.NotBefore,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
}

const taskColumns = `id, project_id, kind, title, priority, depends_on,
status, budget_allocated_usd, result, error, attempts, max_attempts,
metadata, created_at, not_before, started_at, finished_at`

const taskInsertSQL = `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const taskSelectSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

const taskSelectForUpdateSQL = taskSelectSQL + ` FOR UPDATE`

const projectTasksSQL = `
SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1
ORDER BY created_at, id`

// claimReadySQL selects ready tasks in priority then creation order. SKIP
// LOCKED keeps concurrent executors from blocking on each other's claims.
const claimReadySQL = `
SELECT ` + qualifiedTaskColumns + ` FROM tasks t
JOIN projects p ON p.id = t.project_id
LEFT JOIN tasks parent ON parent.id = t.depends_on
WHERE t.status = 'pending'
  AND (t.not_before IS NULL OR t.not_before <= $1)
  AND p.status IN ('proposed', 'active')
  AND (t.depends_on IS NULL OR parent.status = 'completed')
ORDER BY CASE t.priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 WHEN 'low' THEN 2 ELSE 3 END,
  t.created_at, t.id
LIMIT $2
FOR UPDATE OF t SKIP LOCKED`

const qualifiedTaskColumns = `t.id, t.project_id, t.kind, t.title, t.priority,
t.depends_on, t.status, t.budget_allocated_usd, t.result, t.error,
t.attempts, t.max_attempts, t.metadata, t.created_at, t.not_before,
t.started_at, t.finished_at`

const taskClaimUpdateSQL = `
UPDATE tasks SET status = 'in_progress', attempts = attempts + 1,
started_at = $2, not_before = NULL
WHERE id = $1`

const projectActivateSQL = `
UPDATE projects SET status = 'active' WHERE id = $1 AND status = 'proposed'`

const taskResolveSQL = `
UPDATE tasks SET status = $2, result = $3, error = $4, finished_at = $5
WHERE id = $1`

const taskRequeueSQL = `
UPDATE tasks SET status = 'pending', error = $2, started_at = NULL,
not_before = $3
WHERE id = $1`

// skipBlockedSQL marks pending tasks whose parent terminally failed or was
// skipped. Run to a fixpoint to cover transitive chains.
const skipBlockedSQL = `
UPDATE tasks SET status = 'skipped', finished_at = $2
WHERE project_id = $1 AND status = 'pending' AND depends_on IN (
  SELECT id FROM tasks WHERE project_id = $1 AND status IN ('failed', 'skipped'))`

const taskMetadataUpdateSQL = `
UPDATE tasks SET metadata = $2 WHERE id = $1`

const projectSpendSQL = `
UPDATE projects SET budget_spent_usd = budget_spent_usd + $2 WHERE id = $1`

const projectFinishSQL = `
UPDATE projects SET status = $2, completed_at = $3, actual_duration_h = $4
WHERE id = $1`

func insertTaskTx(ctx context.Context, tx *sqlx.Tx, t model.Task) error {
	_, err := tx.ExecContext(ctx, taskInsertSQL,
		t.ID, t.ProjectID, string(t.Kind), t.Title, string(t.Priority),
		t.DependsOn, string(t.Status), t.BudgetAllocatedUSD,
		jsonMap(t.Result), taskError{t.Error}, t.Attempts, t.MaxAttempts,
		jsonMap(t.Metadata), t.CreatedAt, t.NotBefore, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, taskSelectSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NotFoundf("task %s", id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return r.toModel(), nil
}

// ListProjectTasks returns the tasks of a project in creation order.
func (s *Store) ListProjectTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, projectTasksSQL, projectID); err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	out := make([]model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ClaimReadyTasks atomically claims up to limit ready tasks.
func (s *Store) ClaimReadyTasks(ctx context.Context, limit int, now time.Time) ([]model.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []model.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []taskRow
		if err := tx.SelectContext(ctx, &rows, claimReadySQL, now, limit); err != nil {
			return fmt.Errorf("select ready tasks: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, taskClaimUpdateSQL, r.ID, now); err != nil {
				return fmt.Errorf("claim task %s: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx, projectActivateSQL, r.ProjectID); err != nil {
				return fmt.Errorf("activate project %s: %w", r.ProjectID, err)
			}
			t := r.toModel()
			t.Status = model.TaskInProgress
			t.Attempts++
			started := now
			t.StartedAt = &started
			t.NotBefore = nil
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ResolveTask applies a handler outcome and performs the rollup.
func (s *Store) ResolveTask(ctx context.Context, res store.TaskResolution) (store.RollupResult, error) {
	var out store.RollupResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, res.TaskID, true)
		if err != nil {
			return err
		}
		if !model.ValidTaskTransition(t.Status, res.Status) {
			return model.InvalidStatef("task %s is %s, cannot resolve to %s", t.ID, t.Status, res.Status)
		}
		p, err := getProjectTx(ctx, tx, t.ProjectID, true)
		if err != nil {
			return err
		}

		t.Status = res.Status
		t.Result = res.Result
		t.Error = res.Error
		fin := res.FinishedAt
		t.FinishedAt = &fin
		if _, err := tx.ExecContext(ctx, taskResolveSQL,
			t.ID, string(res.Status), jsonMap(res.Result), taskError{res.Error}, res.FinishedAt); err != nil {
			return fmt.Errorf("resolve task %s: %w", t.ID, err)
		}
		if res.CostUSD.IsPositive() {
			if err := chargeTx(ctx, tx, t, res.CostUSD, res.Reason, res.FinishedAt); err != nil {
				return err
			}
			p.BudgetSpentUSD = p.BudgetSpentUSD.Add(res.CostUSD)
		}
		if res.Status == model.TaskFailed {
			if err := skipBlockedTx(ctx, tx, t.ProjectID, res.FinishedAt); err != nil {
				return err
			}
		}

		out = store.RollupResult{Task: t}
		var rows []taskRow
		if err := tx.SelectContext(ctx, &rows, projectTasksSQL, t.ProjectID); err != nil {
			return fmt.Errorf("list project tasks: %w", err)
		}
		tasks := make([]model.Task, len(rows))
		for i, r := range rows {
			tasks[i] = r.toModel()
		}
		status, done := model.RollupStatus(tasks)
		if done && (p.Status == model.ProjectActive || p.Status == model.ProjectProposed) {
			completed := res.FinishedAt
			hours := completed.Sub(p.CreatedAt).Hours()
			p.Status = status
			p.CompletedAt = &completed
			p.ActualDurationH = &hours
			if _, err := tx.ExecContext(ctx, projectFinishSQL, p.ID, string(status), completed, hours); err != nil {
				return fmt.Errorf("finish project %s: %w", p.ID, err)
			}
			out.ProjectTerminal = true
			if status == model.ProjectCompleted {
				g, err := getGoalTx(ctx, tx, p.GoalID, true)
				if err == nil && g.Status == model.GoalApproved {
					g.Status = model.GoalCompleted
					g.CompletedAt = &completed
					if err := updateGoalTx(ctx, tx, g); err != nil {
						return err
					}
					out.GoalCompleted = true
				} else if err != nil && !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
		}
		out.Project = p
		return nil
	})
	if err != nil {
		return store.RollupResult{}, err
	}
	return out, nil
}

// RequeueTask returns an in_progress task to pending for a later attempt,
// charging whatever the failed attempt cost.
func (s *Store) RequeueTask(ctx context.Context, taskID string, taskErr model.TaskError, notBefore time.Time, costUSD decimal.Decimal) (model.Task, error) {
	var out model.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.Status != model.TaskInProgress {
			return model.InvalidStatef("task %s is %s, cannot requeue", taskID, t.Status)
		}
		if _, err := tx.ExecContext(ctx, taskRequeueSQL, taskID, taskError{&taskErr}, notBefore); err != nil {
			return fmt.Errorf("requeue task %s: %w", taskID, err)
		}
		if costUSD.IsPositive() {
			if err := chargeTx(ctx, tx, t, costUSD, "failed attempt: "+string(taskErr.Code), notBefore); err != nil {
				return err
			}
		}
		t.Status = model.TaskPending
		t.Error = &taskErr
		t.StartedAt = nil
		nb := notBefore
		t.NotBefore = &nb
		out = t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return out, nil
}

// GrantTaskApproval records a human sign-off in a pending task's metadata.
func (s *Store) GrantTaskApproval(ctx context.Context, taskID, actor string) (model.Task, error) {
	var out model.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if required, _ := t.Metadata["requires_human_approval"].(bool); !required {
			return model.InvalidInputf("task %s does not require human approval", taskID)
		}
		if t.Status != model.TaskPending {
			return model.InvalidStatef("task %s is %s, cannot grant approval", taskID, t.Status)
		}
		t.Metadata["human_approved"] = true
		t.Metadata["approved_by"] = actor
		if _, err := tx.ExecContext(ctx, taskMetadataUpdateSQL, taskID, jsonMap(t.Metadata)); err != nil {
			return fmt.Errorf("grant approval on task %s: %w", taskID, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return out, nil
}

// chargeTx appends a ledger entry and adds the amount to the project spend.
func chargeTx(ctx context.Context, tx *sqlx.Tx, t model.Task, amount decimal.Decimal, reason string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, ledgerInsertSQL, at, t.ProjectID, t.ID, amount, reason); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, projectSpendSQL, t.ProjectID, amount); err != nil {
		return fmt.Errorf("charge project %s: %w", t.ProjectID, err)
	}
	return nil
}

func skipBlockedTx(ctx context.Context, tx *sqlx.Tx, projectID string, at time.Time) error {
	for {
		res, err := tx.ExecContext(ctx, skipBlockedSQL, projectID, at)
		if err != nil {
			return fmt.Errorf("skip blocked tasks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("skip blocked tasks: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, id string, forUpdate bool) (model.Task, error) {
	query := taskSelectSQL
	if forUpdate {
		query = taskSelectForUpdateSQL
	}
	var r taskRow
	err := tx.GetContext(ctx, &r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.NotFoundf("task %s", id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	return r.toModel(), nil
}
