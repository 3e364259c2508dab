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
)

type projectRow struct {
	ID                 string          `db:"id"`
	GoalID             string          `db:"goal_id"`
	Title              string          `db:"title"`
	Description        string          `db:"description"`
	Status             string          `db:"status"`
	BudgetAllocatedUSD decimal.Decimal `db:"budget_allocated_usd"`
	BudgetSpentUSD     decimal.Decimal `db:"budget_spent_usd"`
	ActualDurationH    *float64        `db:"actual_duration_h"`
	CreatedAt          time.Time       `db:"created_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
}

func (r projectRow) toModel() model.Project {
	return model.Project{
		ID:                 r.ID,
		GoalID:             r.GoalID,
		Title:              r.Title,
		Description:        r.Description,
		Status:             model.ProjectStatus(r.Status),
		BudgetAllocatedUSD: r.BudgetAllocatedUSD,
		BudgetSpentUSD:     r.BudgetSpentUSD,
		ActualDurationH:    r.ActualDurationH,
		CreatedAt:          r.CreatedAt,
		CompletedAt:        r.CompletedAt,
	}
}

const projectColumns = `id, goal_id, title, description, status,
budget_allocated_usd, budget_spent_usd, actual_duration_h, created_at,
completed_at`

const projectInsertSQL = `
INSERT INTO projects (` + projectColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const projectSelectSQL = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

const projectSelectForUpdateSQL = projectSelectSQL + ` FOR UPDATE`

const projectByGoalSQL = `SELECT ` + projectColumns + ` FROM projects WHERE goal_id = $1`

// CreateProjectWithTasks persists a project and its task DAG atomically.
// Returns model.ErrInvalidState when the goal already has a project.
func (s *Store) CreateProjectWithTasks(ctx context.Context, p model.Project, tasks []model.Task) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getGoalTx(ctx, tx, p.GoalID, false); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, projectInsertSQL,
			p.ID, p.GoalID, p.Title, p.Description, string(p.Status),
			p.BudgetAllocatedUSD, p.BudgetSpentUSD, p.ActualDurationH,
			p.CreatedAt, p.CompletedAt)
		if isUniqueViolation(err) {
			return model.InvalidStatef("goal %s already has a project", p.GoalID)
		}
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		for _, t := range tasks {
			t.ProjectID = p.ID
			if t.Status == "" {
				t.Status = model.TaskPending
			}
			if err := insertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProject loads one project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (model.Project, error) {
	var r projectRow
	err := s.db.GetContext(ctx, &r, projectSelectSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, model.NotFoundf("project %s", id)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project: %w", err)
	}
	return r.toModel(), nil
}

// GetProjectByGoal loads the project generated from a goal.
func (s *Store) GetProjectByGoal(ctx context.Context, goalID string) (model.Project, error) {
	var r projectRow
	err := s.db.GetContext(ctx, &r, projectByGoalSQL, goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, model.NotFoundf("project for goal %s", goalID)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project by goal: %w", err)
	}
	return r.toModel(), nil
}

func getProjectTx(ctx context.Context, tx *sqlx.Tx, id string, forUpdate bool) (model.Project, error) {
	query := projectSelectSQL
	if forUpdate {
		query = projectSelectForUpdateSQL
	}
	var r projectRow
	err := tx.GetContext(ctx, &r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, model.NotFoundf("project %s", id)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project: %w", err)
	}
	return r.toModel(), nil
}
