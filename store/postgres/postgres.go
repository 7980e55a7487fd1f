/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

The schema mirrors store/sqlite. Money is NUMERIC and travels as text in
both directions so no float conversion ever happens. Timestamps are
TIMESTAMPTZ with microsecond precision, which is why the engine normalizes
every instant with ledger.Instant before it reaches the store.

The checkpoint compare-and-swap uses IS NOT DISTINCT FROM so that two NULL
checkpoints compare equal.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
)

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewFromPool(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewFromPool wraps an existing pool without migrating.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		shift_date TIMESTAMPTZ NOT NULL,
		cash NUMERIC(20,4) NOT NULL,
		electronic NUMERIC(20,4) NOT NULL,
		delivery JSONB NOT NULL DEFAULT '{}',
		expense_amount NUMERIC(20,4) NOT NULL,
		expense_description TEXT,
		submitted_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_branch_created
		ON reports(branch_id, created_at);

	CREATE TABLE IF NOT EXISTS branch_ledgers (
		branch_id TEXT PRIMARY KEY REFERENCES branches(id),
		cumulative_total NUMERIC(20,4) NOT NULL DEFAULT 0,
		last_reset_at TIMESTAMPTZ,
		last_recalculated_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// =============================================================================
// BRANCHES
// =============================================================================

func (s *Store) SaveBranch(ctx context.Context, b ledger.Branch) error {
	status := b.Status
	if status == "" {
		status = ledger.BranchActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO branches (id, name, code, status)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			code = EXCLUDED.code,
			status = EXCLUDED.status,
			updated_at = now()
	`, string(b.ID), b.Name, b.Code, string(status))
	if err != nil {
		return fmt.Errorf("postgres: save branch: %w", err)
	}
	return nil
}

func (s *Store) Branch(ctx context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, COALESCE(code, ''), status FROM branches WHERE id = $1`, string(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get branch: %w", err)
	}
	branches, err := collectBranches(rows)
	if err != nil || len(branches) == 0 {
		return nil, err
	}
	return &branches[0], nil
}

func (s *Store) ListBranches(ctx context.Context) ([]ledger.Branch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, COALESCE(code, ''), status FROM branches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list branches: %w", err)
	}
	return collectBranches(rows)
}

func (s *Store) ActiveBranches(ctx context.Context) ([]ledger.Branch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, COALESCE(code, ''), status FROM branches WHERE status = $1 ORDER BY id`,
		string(ledger.BranchActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: list branches: %w", err)
	}
	return collectBranches(rows)
}

func collectBranches(rows pgx.Rows) ([]ledger.Branch, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Branch, error) {
		var (
			b                      ledger.Branch
			id, name, code, status string
		)
		if err := row.Scan(&id, &name, &code, &status); err != nil {
			return b, err
		}
		b.ID, b.Name, b.Code, b.Status = ledger.BranchID(id), name, code, ledger.BranchStatus(status)
		return b, nil
	})
}

// =============================================================================
// REPORTS
// =============================================================================

const reportColumns = `id, branch_id, shift_date, cash::text, electronic::text, delivery,
	expense_amount::text, COALESCE(expense_description, ''), COALESCE(submitted_by, ''),
	created_at, updated_at`

func (s *Store) CreateReport(ctx context.Context, r ledger.Report) error {
	delivery, err := encodeDelivery(r.Delivery)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, branch_id, shift_date, cash, electronic, delivery,
			expense_amount, expense_description, submitted_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::jsonb, $7::numeric,
			NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`,
		string(r.ID), string(r.BranchID), ledger.Instant(r.ShiftDate),
		r.Cash.String(), r.Electronic.String(), delivery,
		r.Expense.Amount.String(), r.Expense.Description, r.SubmittedBy,
		ledger.Instant(r.CreatedAt), ledger.Instant(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: create report: %w", err)
	}
	return nil
}

// UpdateReport leaves created_at untouched.
func (s *Store) UpdateReport(ctx context.Context, r ledger.Report) error {
	delivery, err := encodeDelivery(r.Delivery)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports SET
			branch_id = $2,
			shift_date = $3,
			cash = $4::numeric,
			electronic = $5::numeric,
			delivery = $6::jsonb,
			expense_amount = $7::numeric,
			expense_description = NULLIF($8, ''),
			submitted_by = NULLIF($9, ''),
			updated_at = $10
		WHERE id = $1
	`,
		string(r.ID), string(r.BranchID), ledger.Instant(r.ShiftDate),
		r.Cash.String(), r.Electronic.String(), delivery,
		r.Expense.Amount.String(), r.Expense.Description, r.SubmittedBy,
		ledger.Instant(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: update report: %w", err)
	}
	return expectOne(tag, ledger.ErrReportNotFound)
}

func (s *Store) DeleteReport(ctx context.Context, id ledger.ReportID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("postgres: delete report: %w", err)
	}
	return expectOne(tag, ledger.ErrReportNotFound)
}

func (s *Store) GetReport(ctx context.Context, id ledger.ReportID) (*ledger.Report, error) {
	reports, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, string(id))
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

func (s *Store) ListReports(ctx context.Context, branchID ledger.BranchID, since *time.Time) ([]ledger.Report, error) {
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE branch_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at, id
	`, string(branchID), instantPtr(since))
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]ledger.Report, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query reports: %w", err)
	}
	return pgx.CollectRows(rows, scanReport)
}

func scanReport(row pgx.CollectableRow) (ledger.Report, error) {
	var (
		r                               ledger.Report
		id, branchID                    string
		cash, electronic, expense       string
		delivery                        []byte
		description, submittedBy        string
		shiftDate, createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &branchID, &shiftDate, &cash, &electronic, &delivery,
		&expense, &description, &submittedBy, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.ID = ledger.ReportID(id)
	r.BranchID = ledger.BranchID(branchID)

	var err error
	if r.Cash, err = decimal.NewFromString(cash); err != nil {
		return r, fmt.Errorf("report %s: cash: %w", id, err)
	}
	if r.Electronic, err = decimal.NewFromString(electronic); err != nil {
		return r, fmt.Errorf("report %s: electronic: %w", id, err)
	}
	if r.Expense.Amount, err = decimal.NewFromString(expense); err != nil {
		return r, fmt.Errorf("report %s: expense: %w", id, err)
	}
	if err := json.Unmarshal(delivery, &r.Delivery); err != nil {
		return r, fmt.Errorf("report %s: delivery: %w", id, err)
	}
	r.Expense.Description = description
	r.SubmittedBy = submittedBy
	r.ShiftDate = shiftDate.UTC()
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()
	return r, nil
}

// =============================================================================
// BRANCH LEDGERS
// =============================================================================

func (s *Store) GetLedger(ctx context.Context, branchID ledger.BranchID) (*ledger.BranchLedger, error) {
	var (
		total                         string
		lastResetAt, lastRecalculated *time.Time
		updatedAt                     time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT cumulative_total::text, last_reset_at, last_recalculated_at, updated_at
		FROM branch_ledgers WHERE branch_id = $1
	`, string(branchID)).Scan(&total, &lastResetAt, &lastRecalculated, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get ledger: %w", err)
	}
	cumulative, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: total: %w", branchID, err)
	}
	return &ledger.BranchLedger{
		BranchID:           branchID,
		CumulativeTotal:    cumulative,
		LastResetAt:        utcPtr(lastResetAt),
		LastRecalculatedAt: utcPtr(lastRecalculated),
		UpdatedAt:          updatedAt.UTC(),
	}, nil
}

func (s *Store) SaveTotal(ctx context.Context, branchID ledger.BranchID, total decimal.Decimal, window *time.Time, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO branch_ledgers (branch_id, cumulative_total, last_reset_at, last_recalculated_at, updated_at)
		VALUES ($1, $2::numeric, $3::timestamptz, $4, $4)
		ON CONFLICT (branch_id) DO UPDATE SET
			cumulative_total = EXCLUDED.cumulative_total,
			last_recalculated_at = EXCLUDED.last_recalculated_at,
			updated_at = EXCLUDED.updated_at
		WHERE branch_ledgers.last_reset_at IS NOT DISTINCT FROM $3::timestamptz
	`, string(branchID), total.String(), instantPtr(window), ledger.Instant(at))
	if err != nil {
		return fmt.Errorf("postgres: save ledger total: %w", err)
	}
	return expectOne(tag, ledger.ErrStaleWindow)
}

func (s *Store) SetCheckpoint(ctx context.Context, branchID ledger.BranchID, resetAt *time.Time, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO branch_ledgers (branch_id, cumulative_total, last_reset_at, updated_at)
		VALUES ($1, 0, $2::timestamptz, $3)
		ON CONFLICT (branch_id) DO UPDATE SET
			cumulative_total = 0,
			last_reset_at = EXCLUDED.last_reset_at,
			updated_at = EXCLUDED.updated_at
	`, string(branchID), instantPtr(resetAt), ledger.Instant(at))
	if err != nil {
		return fmt.Errorf("postgres: set checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOne(tag pgconn.CommandTag, none error) error {
	if tag.RowsAffected() == 0 {
		return none
	}
	return nil
}

func encodeDelivery(d map[string]decimal.Decimal) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode delivery: %w", err)
	}
	return string(b), nil
}

func instantPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ledger.Instant(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
