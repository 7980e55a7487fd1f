/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND TIME:
  Amounts are rendered as decimal strings ("1250.50") so clients never see
  binary floating point. Requests accept either strings or JSON numbers.
  Timestamps are RFC3339 in UTC; shift dates are YYYY-MM-DD.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// BRANCHES
// =============================================================================

// BranchDTO represents a branch in API responses.
type BranchDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status"`
}

// CreateBranchRequest registers or updates a branch. Status defaults to active.
type CreateBranchRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

// =============================================================================
// LEDGERS
// =============================================================================

// LedgerDTO is the persisted running total of one branch.
type LedgerDTO struct {
	BranchID           string  `json:"branch_id"`
	CumulativeTotal    string  `json:"cumulative_total"`
	LastResetAt        *string `json:"last_reset_at"`
	LastRecalculatedAt *string `json:"last_recalculated_at,omitempty"`
	UpdatedAt          string  `json:"updated_at,omitempty"`
}

// LedgersResponse lists several branch ledgers with their grand total.
type LedgersResponse struct {
	Ledgers    []LedgerDTO `json:"ledgers"`
	GrandTotal string      `json:"grand_total"`
}

// BreakdownDTO aggregates the reports of one period.
type BreakdownDTO struct {
	From          string            `json:"from"`
	To            string            `json:"to"`
	Reports       int               `json:"reports"`
	Cash          string            `json:"cash"`
	Electronic    string            `json:"electronic"`
	Delivery      map[string]string `json:"delivery"`
	DeliveryTotal string            `json:"delivery_total"`
	Expenses      string            `json:"expenses"`
	CashOnHand    string            `json:"cash_on_hand"`
	Net           string            `json:"net"`
}

// SummaryDTO is the dashboard view of one branch.
type SummaryDTO struct {
	BranchID    string       `json:"branch_id"`
	AsOf        string       `json:"as_of"`
	Daily       BreakdownDTO `json:"daily"`
	Monthly     BreakdownDTO `json:"monthly"`
	Cumulative  string       `json:"cumulative"`
	LastResetAt *string      `json:"last_reset_at"`
}

// =============================================================================
// REPORTS
// =============================================================================

// ReportDTO represents a shift report with its derived figures.
type ReportDTO struct {
	ID                 string            `json:"id"`
	BranchID           string            `json:"branch_id"`
	ShiftDate          string            `json:"shift_date"`
	Cash               string            `json:"cash"`
	Electronic         string            `json:"electronic"`
	Delivery           map[string]string `json:"delivery"`
	DeliveryTotal      string            `json:"delivery_total"`
	ExpenseAmount      string            `json:"expense_amount"`
	ExpenseDescription string            `json:"expense_description,omitempty"`
	CashOnHand         string            `json:"cash_on_hand"`
	Contribution       string            `json:"contribution"`
	SubmittedBy        string            `json:"submitted_by,omitempty"`
	CreatedAt          string            `json:"created_at"`
	UpdatedAt          string            `json:"updated_at"`
}

// SubmitReportRequest is the body of POST /api/reports.
type SubmitReportRequest struct {
	BranchID           string                     `json:"branch_id"`
	ShiftDate          string                     `json:"shift_date"`
	Cash               decimal.Decimal            `json:"cash"`
	Electronic         decimal.Decimal            `json:"electronic"`
	Delivery           map[string]decimal.Decimal `json:"delivery"`
	ExpenseAmount      decimal.Decimal            `json:"expense_amount"`
	ExpenseDescription string                     `json:"expense_description"`
	SubmittedBy        string                     `json:"submitted_by"`
}

// EditReportRequest is the body of PUT /api/reports/{id}. Omitted fields
// are left unchanged.
type EditReportRequest struct {
	BranchID           *string                    `json:"branch_id"`
	ShiftDate          *string                    `json:"shift_date"`
	Cash               *decimal.Decimal           `json:"cash"`
	Electronic         *decimal.Decimal           `json:"electronic"`
	Delivery           map[string]decimal.Decimal `json:"delivery"`
	ExpenseAmount      *decimal.Decimal           `json:"expense_amount"`
	ExpenseDescription *string                    `json:"expense_description"`
}

// ReportMutationResponse echoes the report and the affected branch totals.
type ReportMutationResponse struct {
	Report ReportDTO         `json:"report"`
	Totals map[string]string `json:"totals"`
}

// =============================================================================
// ADMIN
// =============================================================================

// BranchRequest targets one branch. For reset an empty BranchID means all
// active branches.
type BranchRequest struct {
	BranchID string `json:"branch_id"`
}

// ResetResponse echoes the ledgers that were reset.
type ResetResponse struct {
	Ledgers []LedgerDTO `json:"ledgers"`
}

// RebuildResponse lists the rebuilt totals and per-branch failures.
type RebuildResponse struct {
	Totals map[string]string `json:"totals"`
	Failed map[string]string `json:"failed,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	// Heal lists the branches to recalculate after a ledger sync failure.
	Heal []string `json:"heal,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBranchDTO(b ledger.Branch) BranchDTO {
	return BranchDTO{ID: string(b.ID), Name: b.Name, Code: b.Code, Status: string(b.Status)}
}

func toLedgerDTO(l ledger.BranchLedger) LedgerDTO {
	dto := LedgerDTO{
		BranchID:           string(l.BranchID),
		CumulativeTotal:    money(l.CumulativeTotal),
		LastResetAt:        formatOptional(l.LastResetAt),
		LastRecalculatedAt: formatOptional(l.LastRecalculatedAt),
	}
	if !l.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(l.UpdatedAt)
	}
	return dto
}

func toBreakdownDTO(b ledger.Breakdown) BreakdownDTO {
	return BreakdownDTO{
		From:          formatTime(b.From),
		To:            formatTime(b.To),
		Reports:       b.Reports,
		Cash:          money(b.Cash),
		Electronic:    money(b.Electronic),
		Delivery:      moneyMap(b.Delivery),
		DeliveryTotal: money(b.DeliveryTotal),
		Expenses:      money(b.Expenses),
		CashOnHand:    money(b.CashOnHand),
		Net:           money(b.Net),
	}
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	return SummaryDTO{
		BranchID:    string(s.BranchID),
		AsOf:        formatTime(s.AsOf),
		Daily:       toBreakdownDTO(s.Daily),
		Monthly:     toBreakdownDTO(s.Monthly),
		Cumulative:  money(s.Cumulative),
		LastResetAt: formatOptional(s.LastResetAt),
	}
}

// toReportDTO renders the shift date in loc so a shift stored as local
// midnight keeps its calendar day.
func toReportDTO(r ledger.Report, loc *time.Location) ReportDTO {
	return ReportDTO{
		ID:                 string(r.ID),
		BranchID:           string(r.BranchID),
		ShiftDate:          r.ShiftDate.In(loc).Format(dateLayout),
		Cash:               money(r.Cash),
		Electronic:         money(r.Electronic),
		Delivery:           moneyMap(r.Delivery),
		DeliveryTotal:      money(r.DeliveryTotal()),
		ExpenseAmount:      money(r.Expense.Amount),
		ExpenseDescription: r.Expense.Description,
		CashOnHand:         money(r.CashOnHand()),
		Contribution:       money(ledger.Contribution(r)),
		SubmittedBy:        r.SubmittedBy,
		CreatedAt:          formatTime(r.CreatedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
}

func toTotals(totals map[ledger.BranchID]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(totals))
	for id, v := range totals {
		out[string(id)] = money(v)
	}
	return out
}

// money renders cents for whole-cent amounts and the full precision
// otherwise.
func money(d decimal.Decimal) string {
	if d.Equal(d.Round(2)) {
		return d.StringFixed(2)
	}
	return d.String()
}

func moneyMap(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = money(v)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
