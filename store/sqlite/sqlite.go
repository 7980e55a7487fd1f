/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Embedded persistence for single-instance deployments and tests. The
  PostgreSQL store in store/postgres implements the same interfaces with the
  same schema shape; only dialect details differ.

INTERFACES IMPLEMENTED:
  ledger.ReportStore:     Shift report records
  ledger.LedgerStore:     One cumulative total + checkpoint per branch
  ledger.BranchDirectory: Branch identity and status

KEY TABLES:
  branches:       Thin branch registry (id, name, code, status)
  reports:        Shift reports, money as decimal TEXT, delivery as JSON
  branch_ledgers: Upserted per branch, never deleted

INDEXES:
  - idx_reports_branch_created: Window scans (hot path of every recalculation)

TIMESTAMPS:
  Stored as fixed-width UTC TEXT with microseconds, so string comparison is
  chronological and the checkpoint compare-and-swap can use plain equality.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With PostgreSQL, database-level
  concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store, store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
)

// tsLayout is fixed width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		shift_date TEXT NOT NULL,
		cash TEXT NOT NULL,
		electronic TEXT NOT NULL,
		delivery_json TEXT NOT NULL DEFAULT '{}',
		expense_amount TEXT NOT NULL,
		expense_description TEXT,
		submitted_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Window scans: WHERE branch_id = ? AND created_at >= ?
	CREATE INDEX IF NOT EXISTS idx_reports_branch_created
		ON reports(branch_id, created_at);

	CREATE TABLE IF NOT EXISTS branch_ledgers (
		branch_id TEXT PRIMARY KEY REFERENCES branches(id),
		cumulative_total TEXT NOT NULL DEFAULT '0',
		last_reset_at TEXT,
		last_recalculated_at TEXT,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BRANCHES (ledger.BranchDirectory)
// =============================================================================

// SaveBranch inserts or updates a branch.
func (s *Store) SaveBranch(ctx context.Context, b ledger.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := b.Status
	if status == "" {
		status = ledger.BranchActive
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, code, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, b.ID, b.Name, b.Code, status, now, now)
	if err != nil {
		return fmt.Errorf("failed to save branch: %w", err)
	}
	return nil
}

func (s *Store) Branch(ctx context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b ledger.Branch
	var code sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, code, status FROM branches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &code, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	b.Code = code.String
	return &b, nil
}

// ListBranches returns every branch regardless of status.
func (s *Store) ListBranches(ctx context.Context) ([]ledger.Branch, error) {
	return s.queryBranches(ctx, `SELECT id, name, code, status FROM branches ORDER BY id`)
}

func (s *Store) ActiveBranches(ctx context.Context) ([]ledger.Branch, error) {
	return s.queryBranches(ctx,
		`SELECT id, name, code, status FROM branches WHERE status = ? ORDER BY id`, ledger.BranchActive)
}

func (s *Store) queryBranches(ctx context.Context, query string, args ...any) ([]ledger.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []ledger.Branch
	for rows.Next() {
		var b ledger.Branch
		var code sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &code, &b.Status); err != nil {
			return nil, err
		}
		b.Code = code.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// REPORTS (ledger.ReportStore)
// =============================================================================

const reportColumns = `id, branch_id, shift_date, cash, electronic, delivery_json,
	expense_amount, expense_description, submitted_by, created_at, updated_at`

func (s *Store) CreateReport(ctx context.Context, r ledger.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivery, err := json.Marshal(r.Delivery)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.BranchID,
		formatTime(r.ShiftDate),
		r.Cash.String(),
		r.Electronic.String(),
		string(delivery),
		r.Expense.Amount.String(),
		nullString(r.Expense.Description),
		nullString(r.SubmittedBy),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// UpdateReport rewrites everything except created_at, which is fixed at
// creation and decides the report's checkpoint window.
func (s *Store) UpdateReport(ctx context.Context, r ledger.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivery, err := json.Marshal(r.Delivery)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET
			branch_id = ?,
			shift_date = ?,
			cash = ?,
			electronic = ?,
			delivery_json = ?,
			expense_amount = ?,
			expense_description = ?,
			submitted_by = ?,
			updated_at = ?
		WHERE id = ?
	`,
		r.BranchID,
		formatTime(r.ShiftDate),
		r.Cash.String(),
		r.Electronic.String(),
		string(delivery),
		r.Expense.Amount.String(),
		nullString(r.Expense.Description),
		nullString(r.SubmittedBy),
		formatTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	return expectOne(res, ledger.ErrReportNotFound)
}

func (s *Store) DeleteReport(ctx context.Context, id ledger.ReportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return expectOne(res, ledger.ErrReportNotFound)
}

func (s *Store) GetReport(ctx context.Context, id ledger.ReportID) (*ledger.Report, error) {
	reports, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0], nil
}

func (s *Store) ListReports(ctx context.Context, branchID ledger.BranchID, since *time.Time) ([]ledger.Report, error) {
	if since == nil {
		return s.queryReports(ctx, `
			SELECT `+reportColumns+` FROM reports
			WHERE branch_id = ?
			ORDER BY created_at, id
		`, branchID)
	}
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE branch_id = ? AND created_at >= ?
		ORDER BY created_at, id
	`, branchID, formatTime(*since))
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]ledger.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var out []ledger.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReport(rows *sql.Rows) (ledger.Report, error) {
	var (
		r                                       ledger.Report
		shiftDate, createdAt, updatedAt         string
		cash, electronic, expense, deliveryJSON string
		expenseDescription, submittedBy         sql.NullString
	)
	err := rows.Scan(
		&r.ID, &r.BranchID, &shiftDate, &cash, &electronic, &deliveryJSON,
		&expense, &expenseDescription, &submittedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}

	if r.Cash, err = decimal.NewFromString(cash); err != nil {
		return r, fmt.Errorf("report %s: cash: %w", r.ID, err)
	}
	if r.Electronic, err = decimal.NewFromString(electronic); err != nil {
		return r, fmt.Errorf("report %s: electronic: %w", r.ID, err)
	}
	if r.Expense.Amount, err = decimal.NewFromString(expense); err != nil {
		return r, fmt.Errorf("report %s: expense: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(deliveryJSON), &r.Delivery); err != nil {
		return r, fmt.Errorf("report %s: delivery: %w", r.ID, err)
	}
	r.Expense.Description = expenseDescription.String
	r.SubmittedBy = submittedBy.String
	if r.ShiftDate, err = parseTime(shiftDate); err != nil {
		return r, fmt.Errorf("report %s: shift_date: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("report %s: created_at: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, fmt.Errorf("report %s: updated_at: %w", r.ID, err)
	}
	return r, nil
}

// =============================================================================
// BRANCH LEDGERS (ledger.LedgerStore)
// =============================================================================

func (s *Store) GetLedger(ctx context.Context, branchID ledger.BranchID) (*ledger.BranchLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		l                             ledger.BranchLedger
		total, updatedAt              string
		lastResetAt, lastRecalculated sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, cumulative_total, last_reset_at, last_recalculated_at, updated_at
		FROM branch_ledgers WHERE branch_id = ?
	`, branchID).Scan(&l.BranchID, &total, &lastResetAt, &lastRecalculated, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	if l.CumulativeTotal, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("ledger %s: total: %w", branchID, err)
	}
	if l.LastResetAt, err = parseNullTime(lastResetAt); err != nil {
		return nil, fmt.Errorf("ledger %s: last_reset_at: %w", branchID, err)
	}
	if l.LastRecalculatedAt, err = parseNullTime(lastRecalculated); err != nil {
		return nil, fmt.Errorf("ledger %s: last_recalculated_at: %w", branchID, err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("ledger %s: updated_at: %w", branchID, err)
	}
	return &l, nil
}

// SaveTotal upserts the total only while last_reset_at still equals window.
// A conflicting row whose checkpoint moved is left untouched and the upsert
// reports zero affected rows.
func (s *Store) SaveTotal(ctx context.Context, branchID ledger.BranchID, total decimal.Decimal, window *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := formatNullTime(window)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_ledgers (branch_id, cumulative_total, last_reset_at, last_recalculated_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET
			cumulative_total = excluded.cumulative_total,
			last_recalculated_at = excluded.last_recalculated_at,
			updated_at = excluded.updated_at
		WHERE branch_ledgers.last_reset_at IS ?
	`, branchID, total.String(), w, formatTime(at), formatTime(at), w)
	if err != nil {
		return fmt.Errorf("failed to save ledger total: %w", err)
	}
	return expectOne(res, ledger.ErrStaleWindow)
}

func (s *Store) SetCheckpoint(ctx context.Context, branchID ledger.BranchID, resetAt *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_ledgers (branch_id, cumulative_total, last_reset_at, updated_at)
		VALUES (?, '0', ?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET
			cumulative_total = '0',
			last_reset_at = excluded.last_reset_at,
			updated_at = excluded.updated_at
	`, branchID, formatNullTime(resetAt), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return ledger.Instant(t).Format(tsLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
