// Package postgres implements store.Store on PostgreSQL through sqlx and the
// pgx driver. Multi-entity operations (claim, resolve, projectise) run inside
// a single transaction; the claim query uses FOR UPDATE SKIP LOCKED so
// concurrent executors never receive the same task. Schema migrations are
// embedded and applied with goose.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/openfab/autopilot/runtime/ops/model"
	"github.com/openfab/autopilot/runtime/ops/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection. Used by tests.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// jsonMap stores a map[string]any column as JSONB. NULL round-trips to nil.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *jsonMap) Scan(src any) error {
	return scanJSON(src, m)
}

// jsonFloats stores a map[string]float64 column as JSONB.
type jsonFloats map[string]float64

func (m jsonFloats) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *jsonFloats) Scan(src any) error {
	return scanJSON(src, m)
}

// taskError stores a *model.TaskError column as JSONB.
type taskError struct {
	*model.TaskError
}

func (e taskError) Value() (driver.Value, error) {
	if e.TaskError == nil {
		return nil, nil
	}
	return json.Marshal(e.TaskError)
}

func (e *taskError) Scan(src any) error {
	if src == nil {
		e.TaskError = nil
		return nil
	}
	var te model.TaskError
	if err := scanJSON(src, &te); err != nil {
		return err
	}
	e.TaskError = &te
	return nil
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}

// LedgerAppend appends one spend record.
func (s *Store) LedgerAppend(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, ledgerInsertSQL, e.TS, e.ProjectID, e.TaskID, e.AmountUSD, e.Reason)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

const ledgerInsertSQL = `
INSERT INTO budget_ledger (ts, project_id, task_id, amount_usd, reason)
VALUES ($1, $2, $3, $4, $5)`

// LedgerSum sums entries in the half-open range [From, To), optionally scoped
// to one project.
func (s *Store) LedgerSum(ctx context.Context, f store.LedgerFilter) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, ledgerSumSQL,
		nullTime(f.From), nullTime(f.To), nullString(f.ProjectID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

const ledgerSumSQL = `
SELECT COALESCE(SUM(amount_usd), 0) FROM budget_ledger
WHERE ($1::timestamptz IS NULL OR ts >= $1)
  AND ($2::timestamptz IS NULL OR ts < $2)
  AND ($3::text IS NULL OR project_id = $3)`

// AppendAudit records one audit event.
func (s *Store) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, auditInsertSQL,
		ev.TS, ev.Actor, ev.EventKind, ev.SubjectID, jsonMap(ev.Payload))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

const auditInsertSQL = `
INSERT INTO audit_events (ts, actor, event_kind, subject_id, payload)
VALUES ($1, $2, $3, $4, $5)`

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
