/*
Package ledger provides the branch ledger aggregation engine.

PURPOSE:
  Branch operators submit one financial report per shift. Each branch keeps a
  running cumulative total derived from those reports. The total is stored so
  it can be read in O(1), but it is never the source of truth: it can always be
  recomputed from the report records inside the current checkpoint window.

KEY CONCEPTS IN THIS FILE (types.go):
  - Report: One shift report (cash, electronic payments, delivery apps, expense)
  - BranchLedger: Persisted running total plus the last reset checkpoint
  - Branch: Minimal view of a branch as resolved by the BranchDirectory
  - Contribution: The single formula mapping a report to a signed amount

DESIGN PRINCIPLES:
  1. Derived, not authoritative: CumulativeTotal is always recomputable
  2. Precision: decimal.Decimal everywhere, no float64 money
  3. Explicit branches: every call names its branch, there is no default
  4. One formula: Contribution is the only place the accounting rule lives

USAGE:
  engine := ledger.NewEngine(reports, ledgers, branches)
  total, err := engine.Recalculate(ctx, "branch-riyadh")

SEE ALSO:
  - engine.go: Recalculation, checkpoint and rebuild
  - summary.go: Daily and monthly breakdowns
  - store.go: Persistence interfaces
  - lock.go: Per-branch serialization
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BranchID string
type ReportID string

// =============================================================================
// BRANCH
// =============================================================================

type BranchStatus string

const (
	BranchActive   BranchStatus = "active"
	BranchInactive BranchStatus = "inactive"
)

// Branch is the engine's view of an operating location. The registry that
// owns branches is external; the engine only needs identity and status.
type Branch struct {
	ID     BranchID
	Name   string
	Code   string
	Status BranchStatus
}

func (b Branch) IsActive() bool { return b.Status == BranchActive }

// =============================================================================
// REPORT - One shift's financial figures
// =============================================================================

// Expense is the deduction recorded on a shift report.
type Expense struct {
	Amount      decimal.Decimal
	Description string
}

// Report is a shift report as stored by the report record store.
//
// BranchID and CreatedAt are fixed once the report exists. An edit that moves
// a report to another branch is handled as delete-from-old plus
// create-in-new for ledger purposes.
type Report struct {
	ID          ReportID
	BranchID    BranchID
	ShiftDate   time.Time
	Cash        decimal.Decimal
	Electronic  decimal.Decimal
	Delivery    map[string]decimal.Decimal // per delivery app, e.g. "hangry"
	Expense     Expense
	SubmittedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryTotal sums the per-app delivery amounts.
func (r Report) DeliveryTotal() decimal.Decimal {
	total := decimal.Zero
	for _, v := range r.Delivery {
		total = total.Add(v)
	}
	return total
}

// CashOnHand is the physical cash left in the drawer after expenses.
func (r Report) CashOnHand() decimal.Decimal {
	return r.Cash.Sub(r.Expense.Amount)
}

// DeliveryApps returns the delivery app names in stable order.
func (r Report) DeliveryApps() []string {
	apps := make([]string, 0, len(r.Delivery))
	for app := range r.Delivery {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// =============================================================================
// CONTRIBUTION - The accounting rule
// =============================================================================

// Contribution maps one report to the signed amount it adds to its branch
// total: net cash position after deducting the recorded expense.
//
//	cash + electronic + delivery total - expense
//
// Recalculation and the summary Net figure both go through this function.
// Handlers never compute ledger amounts themselves.
func Contribution(r Report) decimal.Decimal {
	return r.Cash.
		Add(r.Electronic).
		Add(r.DeliveryTotal()).
		Sub(r.Expense.Amount)
}

// MaxLedgerMagnitude bounds |CumulativeTotal|. Decimal arithmetic does not
// wrap, but the persisted columns are fixed precision, so anything beyond
// this is rejected rather than truncated.
var MaxLedgerMagnitude = decimal.New(1, 15)

// =============================================================================
// BRANCH LEDGER - Persisted running total
// =============================================================================

// BranchLedger is the stored aggregate for one branch.
//
// INVARIANT (as of LastRecalculatedAt):
//
//	CumulativeTotal == Σ Contribution(r) for r in reports of BranchID
//	                   with r.CreatedAt >= LastResetAt (all reports if nil)
type BranchLedger struct {
	BranchID           BranchID
	CumulativeTotal    decimal.Decimal
	LastResetAt        *time.Time
	LastRecalculatedAt *time.Time
	UpdatedAt          time.Time
}

// InWindow reports whether a report created at t counts toward this ledger.
func (l BranchLedger) InWindow(t time.Time) bool {
	return l.LastResetAt == nil || !t.Before(*l.LastResetAt)
}
