/*
handlers.go - HTTP API handlers for the branch ledger

PURPOSE:
  Exposes the ledger engine and the report service via REST API. Handles
  HTTP request/response and JSON serialization, and delegates every
  accounting decision to the ledger package.

ENDPOINTS:
  Branches:
    GET    /api/branches                    List branches
    POST   /api/branches                    Register or update a branch
    GET    /api/branches/{id}/ledger        Recalculated ledger
    GET    /api/branches/{id}/summary       Daily/monthly breakdown (?as_of=RFC3339)
    POST   /api/branches/{id}/recalculate   Force recalculation (heals sync failures)
    GET    /api/branches/{id}/reports       Reports, newest first

  Ledgers:
    GET    /api/ledgers?branch_id=a&branch_id=b   Several ledgers + grand total

  Reports:
    POST   /api/reports                     Submit a shift report
    GET    /api/reports/{id}                Get report
    PUT    /api/reports/{id}                Partial edit (may move branch)
    DELETE /api/reports/{id}                Delete report

  Admin:
    POST   /api/admin/reset                 {branch_id?} empty means all active
    POST   /api/admin/rebuild               Recalculate every active branch
    POST   /api/admin/reopen                {branch_id} clear checkpoint (opt-in)

  Scenarios (opt-in):
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the report service or the engine
  3. Serialize response
  4. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown or inactive branch
  - 404: Report not found
  - 422: Ledger total out of range
  - 503: Store unavailable or branch lock timeout (Retry-After set)
  - 500: Internal errors, and report mutations whose ledger update failed
         (the report is stored; the body lists branches to recalculate)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/logging"
	"github.com/warp/branch-ledger/reports"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BranchRegistry is the branch directory plus the registry writes the API
// exposes for seeding.
type BranchRegistry interface {
	ledger.BranchDirectory
	SaveBranch(ctx context.Context, b ledger.Branch) error
	ListBranches(ctx context.Context) ([]ledger.Branch, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Reports  *reports.Service
	Branches BranchRegistry

	// Health is optional; nil means /healthz always reports ok.
	Health Pinger

	// AllowReopen routes POST /api/admin/reopen.
	AllowReopen bool

	// EnableScenarios routes /api/scenarios/*.
	EnableScenarios bool

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, svc *reports.Service, branches BranchRegistry) *Handler {
	return &Handler{
		Engine:   engine,
		Reports:  svc,
		Branches: branches,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz pings the store.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BRANCH HANDLERS
// =============================================================================

// ListBranches returns all branches, inactive ones included.
// GET /api/branches
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Branches.ListBranches(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list branches", &ledger.StoreError{Op: "list branches", Err: err})
		return
	}

	dtos := make([]BranchDTO, len(branches))
	for i, b := range branches {
		dtos[i] = toBranchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBranch registers a branch or updates its name, code and status.
// POST /api/branches
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	status := ledger.BranchStatus(req.Status)
	switch status {
	case "":
		status = ledger.BranchActive
	case ledger.BranchActive, ledger.BranchInactive:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or inactive", nil)
		return
	}

	b := ledger.Branch{
		ID:     ledger.BranchID(req.ID),
		Name:   req.Name,
		Code:   req.Code,
		Status: status,
	}
	if err := h.Branches.SaveBranch(r.Context(), b); err != nil {
		h.writeDomainError(w, r, "Failed to save branch", &ledger.StoreError{Op: "save branch", BranchID: b.ID, Err: err})
		return
	}

	logging.FromContext(r.Context()).Infow("branch saved", "branch_id", string(b.ID), "status", string(b.Status))
	writeJSON(w, http.StatusCreated, toBranchDTO(b))
}

// GetLedger recalculates and returns one branch ledger.
// GET /api/branches/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.Engine.GetLedger(r.Context(), branchParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(l))
}

// Recalculate forces a recalculation. This is the heal path after a report
// mutation whose ledger update failed.
// POST /api/branches/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	l, err := h.Engine.GetLedger(r.Context(), branchParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to recalculate", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(l))
}

// GetSummary returns the daily and monthly breakdowns and the cumulative
// total.
// GET /api/branches/{id}/summary?as_of=2025-03-10T18:00:00Z
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use RFC3339)", err)
			return
		}
		asOf = t
	}

	s, err := h.Engine.Summary(r.Context(), branchParam(r), asOf)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// ListBranchReports returns a branch's reports, newest first.
// GET /api/branches/{id}/reports
func (h *Handler) ListBranchReports(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reports.List(r.Context(), branchParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list reports", err)
		return
	}

	loc := h.Engine.Location()
	dtos := make([]ReportDTO, len(list))
	for i, rep := range list {
		dtos[i] = toReportDTO(rep, loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLedgers returns the requested ledgers, or every active branch's, with
// the grand total across them.
// GET /api/ledgers?branch_id=a&branch_id=b
func (h *Handler) ListLedgers(w http.ResponseWriter, r *http.Request) {
	var ids []ledger.BranchID
	for _, raw := range r.URL.Query()["branch_id"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, ledger.BranchID(id))
			}
		}
	}

	ledgers, err := h.Engine.GetLedgers(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get ledgers", err)
		return
	}

	resp := LedgersResponse{Ledgers: make([]LedgerDTO, len(ledgers))}
	grand := decimal.Zero
	for i, l := range ledgers {
		resp.Ledgers[i] = toLedgerDTO(l)
		grand = grand.Add(l.CumulativeTotal)
	}
	resp.GrandTotal = money(grand)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// SubmitReport stores a shift report and returns the updated branch total.
// POST /api/reports
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var req SubmitReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	shiftDate, err := h.parseShiftDate(req.ShiftDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid shift_date format (use YYYY-MM-DD)", err)
		return
	}

	res, err := h.Reports.Submit(r.Context(), reports.SubmitInput{
		BranchID:           ledger.BranchID(req.BranchID),
		ShiftDate:          shiftDate,
		Cash:               req.Cash,
		Electronic:         req.Electronic,
		Delivery:           req.Delivery,
		ExpenseAmount:      req.ExpenseAmount,
		ExpenseDescription: req.ExpenseDescription,
		SubmittedBy:        req.SubmittedBy,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to submit report", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.mutationResponse(res))
}

// GetReport returns a single report.
// GET /api/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Get(r.Context(), reportParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get report", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(rep, h.Engine.Location()))
}

// EditReport applies a partial update.
// PUT /api/reports/{id}
func (h *Handler) EditReport(w http.ResponseWriter, r *http.Request) {
	var req EditReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := reports.EditInput{
		Cash:               req.Cash,
		Electronic:         req.Electronic,
		Delivery:           req.Delivery,
		ExpenseAmount:      req.ExpenseAmount,
		ExpenseDescription: req.ExpenseDescription,
	}
	if req.BranchID != nil {
		id := ledger.BranchID(*req.BranchID)
		in.BranchID = &id
	}
	if req.ShiftDate != nil {
		d, err := h.parseShiftDate(*req.ShiftDate)
		if err != nil || d.IsZero() {
			writeError(w, http.StatusBadRequest, "Invalid shift_date format (use YYYY-MM-DD)", err)
			return
		}
		in.ShiftDate = &d
	}

	res, err := h.Reports.Edit(r.Context(), reportParam(r), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to edit report", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mutationResponse(res))
}

// DeleteReport removes a report and returns the updated branch total.
// DELETE /api/reports/{id}
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reports.Delete(r.Context(), reportParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to delete report", err)
		return
	}
	writeJSON(w, http.StatusOK, h.mutationResponse(res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reset checkpoints one branch, or every active branch when branch_id is
// empty or the body is absent.
// POST /api/admin/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req BranchRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		ledgers []ledger.BranchLedger
		err     error
	)
	if req.BranchID != "" {
		var l ledger.BranchLedger
		l, err = h.Engine.Reset(r.Context(), ledger.BranchID(req.BranchID))
		if err == nil {
			ledgers = append(ledgers, l)
		}
	} else {
		ledgers, err = h.Engine.ResetAll(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to reset", err)
		return
	}

	resp := ResetResponse{Ledgers: make([]LedgerDTO, len(ledgers))}
	for i, l := range ledgers {
		resp.Ledgers[i] = toLedgerDTO(l)
	}
	logging.FromContext(r.Context()).Infow("reset requested", "branch_id", req.BranchID, "reset", len(ledgers))
	writeJSON(w, http.StatusOK, resp)
}

// Rebuild recalculates every active branch. Per-branch failures are listed
// in the response; completed branches stay completed.
// POST /api/admin/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.RebuildAll(r.Context())
	if err != nil && len(result.Failed) == 0 {
		h.writeDomainError(w, r, "Failed to rebuild", err)
		return
	}

	resp := RebuildResponse{Totals: toTotals(result.Totals)}
	if len(result.Failed) > 0 {
		resp.Failed = make(map[string]string, len(result.Failed))
		for id, ferr := range result.Failed {
			resp.Failed[string(id)] = ferr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reopen clears a branch checkpoint so its whole history counts again.
// POST /api/admin/reopen
func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	var req BranchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BranchID == "" {
		writeError(w, http.StatusBadRequest, "branch_id is required", nil)
		return
	}

	l, err := h.Engine.ReopenWindow(r.Context(), ledger.BranchID(req.BranchID))
	if err != nil {
		h.writeDomainError(w, r, "Failed to reopen", err)
		return
	}
	logging.FromContext(r.Context()).Warnw("ledger window reopened", "branch_id", req.BranchID)
	writeJSON(w, http.StatusOK, toLedgerDTO(l))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) mutationResponse(res reports.Result) ReportMutationResponse {
	return ReportMutationResponse{
		Report: toReportDTO(res.Report, h.Engine.Location()),
		Totals: toTotals(res.Totals),
	}
}

// parseShiftDate reads a calendar day in the business time zone. Empty
// means the service picks the submission day.
func (h *Handler) parseShiftDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, raw, h.Engine.Location())
}

func branchParam(r *http.Request) ledger.BranchID {
	return ledger.BranchID(chi.URLParam(r, "id"))
}

func reportParam(r *http.Request) ledger.ReportID {
	return ledger.ReportID(chi.URLParam(r, "id"))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger and report service errors to HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	log := logging.FromContext(r.Context())

	var (
		invalid *reports.ValidationError
		unsync  *reports.LedgerSyncError
	)
	switch {
	case errors.As(err, &unsync):
		// The mutation is committed: no Retry-After. The caller recalculates
		// the listed branches.
		heal := make([]string, len(unsync.Branches))
		for i, id := range unsync.Branches {
			heal[i] = string(id)
		}
		log.Errorw("ledger sync failed", "report_id", string(unsync.ReportID), "heal", heal, "error", unsync.Err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Report stored but ledger update failed",
			Details: fmt.Sprintf("report %s was saved; POST /api/branches/{id}/recalculate for each branch in heal: %v",
				unsync.ReportID, unsync.Err),
			Heal: heal,
		})
		return
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid report",
			Details: invalid.Error(),
			Fields:  invalid.Fields,
		})
		return
	}

	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		log.Warnw(message, "error", err)
	case status >= http.StatusInternalServerError:
		log.Errorw(message, "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNumericOverflow):
		return http.StatusUnprocessableEntity
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
