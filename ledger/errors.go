/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Client errors - unknown branch, missing report (never retried)
  2. Transient errors - store outages, lock timeouts (retry the call)
  3. Integrity errors - numeric overflow (fail loudly)

Recalculation errors are never swallowed. A report mutation whose ledger
update failed must surface the failure; the caller heals the ledger by
calling Recalculate again, which is idempotent.
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownBranch is returned when a branch id does not resolve to an
	// active branch.
	ErrUnknownBranch = errors.New("unknown branch")

	// ErrReportNotFound is returned when a report mutation targets a missing report.
	ErrReportNotFound = errors.New("report not found")

	// ErrTransientStore wraps any failure of the report or ledger store.
	ErrTransientStore = errors.New("store temporarily unavailable")

	// ErrLockTimeout is returned when the per-branch critical section could
	// not be entered within the configured bound.
	ErrLockTimeout = errors.New("branch lock timeout")

	// ErrStaleWindow is returned by LedgerStore.SaveTotal when the ledger's
	// checkpoint moved since the caller read it. The engine retries on it.
	ErrStaleWindow = errors.New("ledger checkpoint changed during recalculation")

	// ErrNumericOverflow is returned when a total exceeds MaxLedgerMagnitude.
	ErrNumericOverflow = errors.New("ledger total out of range")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type UnknownBranchError struct {
	BranchID BranchID
	Inactive bool
}

func (e *UnknownBranchError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("unknown branch: %q is not active", e.BranchID)
	}
	return fmt.Sprintf("unknown branch: %q", e.BranchID)
}

func (e *UnknownBranchError) Unwrap() error { return ErrUnknownBranch }

// StoreError records which store operation failed. It unwraps to both
// ErrTransientStore and the underlying cause.
type StoreError struct {
	Op       string
	BranchID BranchID
	Err      error
}

func (e *StoreError) Error() string {
	if e.BranchID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.BranchID, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

type LockTimeoutError struct {
	BranchID BranchID
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("branch %s: lock not acquired after %s", e.BranchID, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

type OverflowError struct {
	BranchID BranchID
	Total    decimal.Decimal
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("branch %s: total %s exceeds ±%s", e.BranchID, e.Total, MaxLedgerMagnitude)
}

func (e *OverflowError) Unwrap() error { return ErrNumericOverflow }

// storeErr wraps err unless it already carries a classification the caller
// must see unchanged.
func storeErr(op string, id BranchID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleWindow) || errors.Is(err, ErrReportNotFound) {
		return err
	}
	return &StoreError{Op: op, BranchID: id, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStaleWindow)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownBranch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReportNotFound)
}
