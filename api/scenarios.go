/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	branches and shift reports. Every report goes through the report
	service, so ledgers are maintained exactly as for live traffic.

AVAILABLE SCENARIOS:

	single-branch-reset: One branch, two reports, reset, one more report
	multi-branch:        Three active branches and one inactive branch
	delivery-heavy:      Several delivery apps and an expense-heavy shift

HOW SCENARIOS WORK:
 1. Register the scenario's branches (ids are prefixed with "demo-")
 2. Refuse to load if any of them already has reports
 3. Submit reports through the report service
 4. Apply resets where the scenario calls for them

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-branch"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Routed only when LEDGER_DEMO_SCENARIOS=true. Scenarios write real
	records; do not enable in production.

SEE ALSO:
  - handlers.go: Report and admin handlers
  - reports/service.go: Submit
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/reports"
)

// errScenarioLoaded is returned when a scenario's branches already have reports.
var errScenarioLoaded = errors.New("scenario already loaded")

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-branch-reset",
		Name:        "Single Branch With Reset",
		Description: "Two reports (130, 55), a reset, then one report of 20: the ledger shows 20",
	},
	{
		ID:          "multi-branch",
		Name:        "Multi-Branch",
		Description: "Three active branches with reports and one inactive branch excluded from totals",
	},
	{
		ID:          "delivery-heavy",
		Name:        "Delivery Heavy",
		Description: "Per-app delivery breakdown and a shift whose expense exceeds its takings",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// One load at a time; the already-loaded check is not atomic otherwise.
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "single-branch-reset":
		err = h.loadSingleBranchResetScenario(ctx)
	case "multi-branch":
		err = h.loadMultiBranchScenario(ctx)
	case "delivery-heavy":
		err = h.loadDeliveryHeavyScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if errors.Is(err, errScenarioLoaded) {
		writeError(w, http.StatusConflict, "Scenario data already present", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadSingleBranchResetScenario walks the canonical reset example:
// 130, then 185, reset to 0, then 20.
func (h *Handler) loadSingleBranchResetScenario(ctx context.Context) error {
	branch := ledger.Branch{ID: "demo-riyadh", Name: "Riyadh (demo)", Code: "RUH", Status: ledger.BranchActive}
	if err := h.prepareBranches(ctx, branch); err != nil {
		return err
	}

	steps := []reports.SubmitInput{
		shift(branch.ID, "100", "20", map[string]string{"hangry": "15"}, "5", "cleaning supplies"),
		shift(branch.ID, "40", "15", nil, "0", ""),
	}
	if err := h.submitAll(ctx, steps); err != nil {
		return err
	}
	if _, err := h.Engine.Reset(ctx, branch.ID); err != nil {
		return err
	}
	return h.submitAll(ctx, []reports.SubmitInput{
		shift(branch.ID, "20", "0", nil, "0", ""),
	})
}

func (h *Handler) loadMultiBranchScenario(ctx context.Context) error {
	branches := []ledger.Branch{
		{ID: "demo-riyadh", Name: "Riyadh (demo)", Code: "RUH", Status: ledger.BranchActive},
		{ID: "demo-jeddah", Name: "Jeddah (demo)", Code: "JED", Status: ledger.BranchActive},
		{ID: "demo-dammam", Name: "Dammam (demo)", Code: "DMM", Status: ledger.BranchActive},
		{ID: "demo-khobar", Name: "Khobar (demo, closed)", Code: "KHB", Status: ledger.BranchActive},
	}
	if err := h.prepareBranches(ctx, branches...); err != nil {
		return err
	}

	steps := []reports.SubmitInput{
		shift("demo-riyadh", "1200.50", "830.25", map[string]string{"hangry": "210", "marsol": "95.75"}, "120", "produce"),
		shift("demo-riyadh", "980", "1010", map[string]string{"hangry": "180"}, "60", "ice"),
		shift("demo-jeddah", "1500", "640.40", map[string]string{"marsol": "300"}, "0", ""),
		shift("demo-dammam", "450", "300", nil, "75.5", "gas refill"),
		shift("demo-khobar", "300", "100", nil, "0", ""),
	}
	if err := h.submitAll(ctx, steps); err != nil {
		return err
	}

	// Khobar closes after its last shift: its ledger stays as is but it no
	// longer appears in all-branch totals.
	closed := branches[3]
	closed.Status = ledger.BranchInactive
	return h.Branches.SaveBranch(ctx, closed)
}

func (h *Handler) loadDeliveryHeavyScenario(ctx context.Context) error {
	branch := ledger.Branch{ID: "demo-madinah", Name: "Madinah (demo)", Code: "MED", Status: ledger.BranchActive}
	if err := h.prepareBranches(ctx, branch); err != nil {
		return err
	}

	return h.submitAll(ctx, []reports.SubmitInput{
		shift(branch.ID, "250", "400", map[string]string{"hangry": "320.5", "marsol": "145", "jahez": "410.25"}, "35", "packaging"),
		shift(branch.ID, "60", "0", map[string]string{"jahez": "25"}, "400", "equipment repair"),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// prepareBranches registers the branches and refuses to continue if any of
// them already carries reports.
func (h *Handler) prepareBranches(ctx context.Context, branches ...ledger.Branch) error {
	for _, b := range branches {
		existing, err := h.Branches.Branch(ctx, b.ID)
		if err != nil {
			return &ledger.StoreError{Op: "resolve branch", BranchID: b.ID, Err: err}
		}
		if existing != nil {
			list, err := h.Reports.List(ctx, b.ID)
			if err != nil {
				return err
			}
			if len(list) > 0 {
				return fmt.Errorf("%w: branch %s has %d reports", errScenarioLoaded, b.ID, len(list))
			}
		}
		if err := h.Branches.SaveBranch(ctx, b); err != nil {
			return &ledger.StoreError{Op: "save branch", BranchID: b.ID, Err: err}
		}
	}
	return nil
}

func (h *Handler) submitAll(ctx context.Context, inputs []reports.SubmitInput) error {
	for _, in := range inputs {
		if _, err := h.Reports.Submit(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func shift(branch ledger.BranchID, cash, electronic string, delivery map[string]string, expense, description string) reports.SubmitInput {
	in := reports.SubmitInput{
		BranchID:           branch,
		Cash:               decimal.RequireFromString(cash),
		Electronic:         decimal.RequireFromString(electronic),
		ExpenseAmount:      decimal.RequireFromString(expense),
		ExpenseDescription: description,
		SubmittedBy:        "demo",
	}
	if len(delivery) > 0 {
		in.Delivery = make(map[string]decimal.Decimal, len(delivery))
		for app, v := range delivery {
			in.Delivery[app] = decimal.RequireFromString(v)
		}
	}
	return in
}
