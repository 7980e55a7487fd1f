package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/branch-ledger/ledger"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/branches/{id}/ledger")
	req := httptest.NewRequest(http.MethodGet, "/api/branches/b1/ledger", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	body := scrape(t, m)
	assert.Contains(t, body, `ledger_http_requests_total{code="418",route="/api/branches/{id}/ledger"} 1`)
	assert.Contains(t, body, `ledger_http_request_duration_seconds_bucket{route="/api/branches/{id}/ledger"`)
}

func TestRecorder_EngineEvents(t *testing.T) {
	m := New()

	m.RecalculationDone("b1", time.Millisecond, nil)
	m.RecalculationDone("b1", time.Millisecond, &ledger.UnknownBranchError{BranchID: "x"})
	m.RecalculationDone("b1", time.Millisecond, &ledger.LockTimeoutError{BranchID: "b1"})
	m.RecalculationDone("b1", time.Millisecond, errors.New("boom"))
	m.LockWaited("b1", time.Millisecond)
	m.CheckpointDone("b1", nil)
	m.RebuildDone(ledger.RebuildResult{
		Totals: map[ledger.BranchID]decimal.Decimal{"b1": decimal.Zero},
		Failed: map[ledger.BranchID]error{"b2": errors.New("x"), "b3": errors.New("y")},
	}, time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `ledger_recalculations_total{outcome="ok"} 1`)
	assert.Contains(t, body, `ledger_recalculations_total{outcome="rejected"} 1`)
	assert.Contains(t, body, `ledger_recalculations_total{outcome="transient"} 1`)
	assert.Contains(t, body, `ledger_recalculations_total{outcome="error"} 1`)
	assert.Contains(t, body, `ledger_resets_total{outcome="ok"} 1`)
	assert.Contains(t, body, `ledger_rebuild_runs_total 1`)
	assert.Contains(t, body, `ledger_rebuild_branch_failures_total 2`)
	assert.Contains(t, body, `ledger_lock_wait_seconds_count 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	assert.NotNil(t, m.Middleware(next))
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
