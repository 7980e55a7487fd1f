/*
store.go - Persistence interfaces for reports, ledgers and branches

KEY INTERFACES:
  ReportReader:    What the engine needs from the report record store
  ReportStore:     Full CRUD used by the report mutation service
  LedgerStore:     One row per branch (cumulative total + checkpoint)
  BranchDirectory: Resolves branch identity and status

CHECKPOINT COMPARE-AND-SWAP:
  SaveTotal carries the checkpoint the caller computed against. The store
  writes only if the row's last_reset_at still equals it (NULL == NULL), and
  returns ErrStaleWindow otherwise. This makes a reset that lands between
  "read reports" and "write ledger" win even when two processes do not share
  a lock.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REPORT STORE
// =============================================================================

// ReportReader lists reports of one branch. When since is non-nil only
// reports with CreatedAt >= *since are returned. Order is CreatedAt ascending.
type ReportReader interface {
	ListReports(ctx context.Context, branchID BranchID, since *time.Time) ([]Report, error)
}

// ReportStore is the mutable report record store.
type ReportStore interface {
	ReportReader

	CreateReport(ctx context.Context, r Report) error

	// UpdateReport replaces the stored report with the same ID.
	// Returns ErrReportNotFound if it does not exist.
	UpdateReport(ctx context.Context, r Report) error

	// DeleteReport returns ErrReportNotFound if it does not exist.
	DeleteReport(ctx context.Context, id ReportID) error

	// GetReport returns (nil, nil) when the report does not exist.
	GetReport(ctx context.Context, id ReportID) (*Report, error)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerStore persists one BranchLedger per branch. Rows are upserted; a
// missing row is equivalent to an empty ledger with no checkpoint.
type LedgerStore interface {
	// GetLedger returns (nil, nil) when the branch has no row yet.
	GetLedger(ctx context.Context, branchID BranchID) (*BranchLedger, error)

	// SaveTotal upserts the cumulative total, leaving last_reset_at unchanged.
	// window is the checkpoint the total was computed against; if the stored
	// checkpoint differs the write is skipped and ErrStaleWindow returned.
	SaveTotal(ctx context.Context, branchID BranchID, total decimal.Decimal, window *time.Time, at time.Time) error

	// SetCheckpoint upserts last_reset_at (nil clears it) and zeroes the total.
	SetCheckpoint(ctx context.Context, branchID BranchID, resetAt *time.Time, at time.Time) error
}

// =============================================================================
// BRANCH DIRECTORY
// =============================================================================

// BranchDirectory resolves branches owned by the external registry.
type BranchDirectory interface {
	// Branch returns (nil, nil) when the id is unknown.
	Branch(ctx context.Context, id BranchID) (*Branch, error)

	// ActiveBranches returns every branch with status active.
	ActiveBranches(ctx context.Context) ([]Branch, error)
}

// Store is implemented by the bundled backends, which keep all three
// concerns in one database.
type Store interface {
	ReportStore
	LedgerStore
	BranchDirectory
}
