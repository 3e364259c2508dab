package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

type goalRow struct {
	ID                 string          `db:"id"`
	Kind               string          `db:"kind"`
	Description        string          `db:"description"`
	Rationale          string          `db:"rationale"`
	EstimatedBudgetUSD decimal.Decimal `db:"estimated_budget_usd"`
	EstimatedDurationH float64         `db:"estimated_duration_h"`
	Status             string          `db:"status"`
	ImpactScore        float64         `db:"impact_score"`
	SourceTag          string          `db:"source_tag"`
	Metadata           jsonMap         `db:"metadata"`
	IdentifiedAt       time.Time       `db:"identified_at"`
	ApprovedAt         *time.Time      `db:"approved_at"`
	ApprovedBy         string          `db:"approved_by"`
	ApprovalNotes      string          `db:"approval_notes"`
	CompletedAt        *time.Time      `db:"completed_at"`
	EffectivenessScore *float64        `db:"effectiveness_score"`
	OutcomeMeasuredAt  *time.Time      `db:"outcome_measured_at"`
	LearnFrom          bool            `db:"learn_from"`
}

func (r goalRow) toModel() model.Goal {
	return model.Goal{
		ID:                 r.ID,
		Kind:               model.GoalKind(r.Kind),
		Description:        r.Description,
		Rationale:          r.Rationale,
		EstimatedBudgetUSD: r.EstimatedBudgetUSD,
		EstimatedDurationH: r.EstimatedDurationH,
		Status:             model.GoalStatus(r.Status),
		ImpactScore:        r.ImpactScore,
		SourceTag:          r.SourceTag,
		Metadata:           r.Metadata,
		IdentifiedAt:       r.IdentifiedAt,
		ApprovedAt:         r.ApprovedAt,
		ApprovedBy:         r.ApprovedBy,
		ApprovalNotes:      r.ApprovalNotes,
		CompletedAt:        r.CompletedAt,
		EffectivenessScore: r.EffectivenessScore,
		OutcomeMeasuredAt:  r.OutcomeMeasuredAt,
		LearnFrom:          r.LearnFrom,
	}
}

const goalColumns = `id, kind, description, rationale, estimated_budget_usd,
estimated_duration_h, status, impact_score, source_tag, metadata,
identified_at, approved_at, approved_by, approval_notes, completed_at,
effectiveness_score, outcome_measured_at, learn_from`

const goalInsertSQL = `
INSERT INTO goals (` + goalColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

const goalSelectSQL = `SELECT ` + goalColumns + ` FROM goals WHERE id = $1`

const goalSelectForUpdateSQL = goalSelectSQL + ` FOR UPDATE`

const goalUpdateSQL = `
UPDATE goals SET status = $2, approved_at = $3, approved_by = $4,
approval_notes = $5, completed_at = $6, effectiveness_score = $7,
outcome_measured_at = $8, metadata = $9
WHERE id = $1`

// CreateGoal persists a new goal. The ID must be unique.
func (s *Store) CreateGoal(ctx context.Context, g model.Goal) error {
	if g.ID == "" {
		return model.InvalidInputf("goal id is required")
	}
	if g.Status == "" {
		g.Status = model.GoalIdentified
	}
	_, err := s.db.ExecContext(ctx, goalInsertSQL,
		g.ID, string(g.Kind), g.Description, g.Rationale, g.EstimatedBudgetUSD,
		g.EstimatedDurationH, string(g.Status), g.ImpactScore, g.SourceTag,
		jsonMap(g.Metadata), g.IdentifiedAt, g.ApprovedAt, g.ApprovedBy,
		g.ApprovalNotes, g.CompletedAt, g.EffectivenessScore,
		g.OutcomeMeasuredAt, g.LearnFrom)
	if isUniqueViolation(err) {
		return model.InvalidStatef("goal %s already exists", g.ID)
	}
	if err != nil {
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

// GetGoal loads one goal by ID.
func (s *Store) GetGoal(ctx context.Context, id string) (model.Goal, error) {
	var r goalRow
	err := s.db.GetContext(ctx, &r, goalSelectSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Goal{}, model.NotFoundf("goal %s", id)
	}
	if err != nil {
		return model.Goal{}, fmt.Errorf("get goal: %w", err)
	}
	return r.toModel(), nil
}

// ListGoals returns goals matching the filter ordered by impact score
// descending, then identification time, then ID.
func (s *Store) ListGoals(ctx context.Context, f store.GoalFilter) ([]model.Goal, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + goalColumns + ` FROM goals`)
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		conds = append(conds, "kind = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY impact_score DESC, identified_at, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	var rows []goalRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	out := make([]model.Goal, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// TransitionGoal atomically moves a goal between statuses.
func (s *Store) TransitionGoal(ctx context.Context, id string, from, to model.GoalStatus, mutate func(*model.Goal)) (model.Goal, error) {
	var out model.Goal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		g, err := getGoalTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if g.Status != from || !model.ValidGoalTransition(from, to) {
			return model.InvalidStatef("goal %s is %s, cannot move %s -> %s", id, g.Status, from, to)
		}
		g.Status = to
		if mutate != nil {
			mutate(&g)
		}
		if err := updateGoalTx(ctx, tx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

const approvedWithoutProjectSQL = `
SELECT ` + qualifiedGoalColumns + ` FROM goals g
LEFT JOIN projects p ON p.goal_id = g.id
WHERE g.status = 'approved' AND p.id IS NULL
ORDER BY g.approved_at, g.id`

// ApprovedGoalsWithoutProject returns approved goals with no project, oldest
// approval first.
func (s *Store) ApprovedGoalsWithoutProject(ctx context.Context) ([]model.Goal, error) {
	var rows []goalRow
	if err := s.db.SelectContext(ctx, &rows, approvedWithoutProjectSQL); err != nil {
		return nil, fmt.Errorf("list approved goals without project: %w", err)
	}
	out := make([]model.Goal, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

const goalsDueSQL = `
SELECT ` + qualifiedGoalColumns + ` FROM goals g
LEFT JOIN goal_outcomes o ON o.goal_id = g.id
WHERE g.status = 'completed' AND o.goal_id IS NULL AND g.completed_at <= $1
ORDER BY g.id`

// GoalsDueForMeasurement returns completed goals without an outcome whose
// completion is at least window old.
func (s *Store) GoalsDueForMeasurement(ctx context.Context, window time.Duration, now time.Time) ([]model.Goal, error) {
	var rows []goalRow
	if err := s.db.SelectContext(ctx, &rows, goalsDueSQL, now.Add(-window)); err != nil {
		return nil, fmt.Errorf("list goals due for measurement: %w", err)
	}
	out := make([]model.Goal, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

const qualifiedGoalColumns = `g.id, g.kind, g.description, g.rationale,
g.estimated_budget_usd, g.estimated_duration_h, g.status, g.impact_score,
g.source_tag, g.metadata, g.identified_at, g.approved_at, g.approved_by,
g.approval_notes, g.completed_at, g.effectiveness_score,
g.outcome_measured_at, g.learn_from`

func getGoalTx(ctx context.Context, tx *sqlx.Tx, id string, forUpdate bool) (model.Goal, error) {
	query := goalSelectSQL
	if forUpdate {
		query = goalSelectForUpdateSQL
	}
	var r goalRow
	err := tx.GetContext(ctx, &r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Goal{}, model.NotFoundf("goal %s", id)
	}
	if err != nil {
		return model.Goal{}, fmt.Errorf("get goal: %w", err)
	}
	return r.toModel(), nil
}

func updateGoalTx(ctx context.Context, tx *sqlx.Tx, g model.Goal) error {
	_, err := tx.ExecContext(ctx, goalUpdateSQL,
		g.ID, string(g.Status), g.ApprovedAt, g.ApprovedBy, g.ApprovalNotes,
		g.CompletedAt, g.EffectivenessScore, g.OutcomeMeasuredAt, jsonMap(g.Metadata))
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	return nil
}
