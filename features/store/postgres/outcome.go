package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openfab/autopilot/runtime/ops/model"
)

type outcomeRow struct {
	GoalID             string     `db:"goal_id"`
	BaselineDate       *time.Time `db:"baseline_date"`
	MeasurementDate    time.Time  `db:"measurement_date"`
	BaselineMetrics    jsonFloats `db:"baseline_metrics"`
	OutcomeMetrics     jsonFloats `db:"outcome_metrics"`
	Impact             float64    `db:"impact"`
	ROI                float64    `db:"roi"`
	Adoption           float64    `db:"adoption"`
	Quality            float64    `db:"quality"`
	EffectivenessScore float64    `db:"effectiveness_score"`
	MeasurementMethod  string     `db:"measurement_method"`
	Notes              string     `db:"notes"`
}

func (r outcomeRow) toModel() model.GoalOutcome {
	o := model.GoalOutcome{
		GoalID:             r.GoalID,
		MeasurementDate:    r.MeasurementDate,
		BaselineMetrics:    r.BaselineMetrics,
		OutcomeMetrics:     r.OutcomeMetrics,
		Impact:             r.Impact,
		ROI:                r.ROI,
		Adoption:           r.Adoption,
		Quality:            r.Quality,
		EffectivenessScore: r.EffectivenessScore,
		MeasurementMethod:  r.MeasurementMethod,
		Notes:              r.Notes,
	}
	if r.BaselineDate != nil {
		o.BaselineDate = *r.BaselineDate
	}
	return o
}

const outcomeColumns = `goal_id, baseline_date, measurement_date,
baseline_metrics, outcome_metrics, impact, roi, adoption, quality,
effectiveness_score, measurement_method, notes`

const outcomeInsertSQL = `
INSERT INTO goal_outcomes (` + outcomeColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (goal_id) DO NOTHING`

const outcomeSelectSQL = `SELECT ` + outcomeColumns + ` FROM goal_outcomes WHERE goal_id = $1`

const recentOutcomesSQL = `
SELECT ` + qualifiedOutcomeColumns + ` FROM goal_outcomes o
JOIN goals g ON g.id = o.goal_id
WHERE g.kind = $1
ORDER BY o.measurement_date DESC, o.goal_id
LIMIT $2`

const qualifiedOutcomeColumns = `o.goal_id, o.baseline_date,
o.measurement_date, o.baseline_metrics, o.outcome_metrics, o.impact, o.roi,
o.adoption, o.quality, o.effectiveness_score, o.measurement_method, o.notes`

const baselineUpsertSQL = `
INSERT INTO goal_baselines (goal_id, captured_at, metrics)
VALUES ($1, $2, $3)
ON CONFLICT (goal_id) DO UPDATE SET captured_at = $2, metrics = $3`

const baselineSelectSQL = `
SELECT captured_at, metrics FROM goal_baselines WHERE goal_id = $1`

// SaveBaseline stores the pre-execution metric snapshot for a goal,
// overwriting any previous capture.
func (s *Store) SaveBaseline(ctx context.Context, goalID string, at time.Time, metrics map[string]float64) error {
	_, err := s.db.ExecContext(ctx, baselineUpsertSQL, goalID, at, jsonFloats(metrics))
	if err != nil {
		return fmt.Errorf("save baseline for goal %s: %w", goalID, err)
	}
	return nil
}

// GetBaseline loads a goal's baseline snapshot.
func (s *Store) GetBaseline(ctx context.Context, goalID string) (time.Time, map[string]float64, error) {
	var row struct {
		CapturedAt time.Time  `db:"captured_at"`
		Metrics    jsonFloats `db:"metrics"`
	}
	err := s.db.GetContext(ctx, &row, baselineSelectSQL, goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, model.NotFoundf("baseline for goal %s", goalID)
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("get baseline: %w", err)
	}
	return row.CapturedAt, row.Metrics, nil
}

// RecordOutcome inserts the outcome and stamps the goal, once. When an
// outcome already exists the call is a no-op and created is false.
func (s *Store) RecordOutcome(ctx context.Context, o model.GoalOutcome) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		g, err := getGoalTx(ctx, tx, o.GoalID, true)
		if err != nil {
			return err
		}
		var baselineDate *time.Time
		if !o.BaselineDate.IsZero() {
			baselineDate = &o.BaselineDate
		}
		res, err := tx.ExecContext(ctx, outcomeInsertSQL,
			o.GoalID, baselineDate, o.MeasurementDate,
			jsonFloats(o.BaselineMetrics), jsonFloats(o.OutcomeMetrics),
			o.Impact, o.ROI, o.Adoption, o.Quality, o.EffectivenessScore,
			o.MeasurementMethod, o.Notes)
		if err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		if n == 0 {
			return nil
		}
		created = true
		score := o.EffectivenessScore
		measured := o.MeasurementDate
		g.EffectivenessScore = &score
		g.OutcomeMeasuredAt = &measured
		return updateGoalTx(ctx, tx, g)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetOutcome loads the outcome for a goal.
func (s *Store) GetOutcome(ctx context.Context, goalID string) (model.GoalOutcome, error) {
	var r outcomeRow
	err := s.db.GetContext(ctx, &r, outcomeSelectSQL, goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GoalOutcome{}, model.NotFoundf("outcome for goal %s", goalID)
	}
	if err != nil {
		return model.GoalOutcome{}, fmt.Errorf("get outcome: %w", err)
	}
	return r.toModel(), nil
}

// RecentOutcomes returns the newest outcomes for goals of the given kind.
func (s *Store) RecentOutcomes(ctx context.Context, kind model.GoalKind, limit int) ([]model.GoalOutcome, error) {
	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, recentOutcomesSQL, string(kind), limit); err != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", err)
	}
	out := make([]model.GoalOutcome, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
