package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/branch-ledger/ledger"
)

// newTestStore connects to LEDGER_TEST_PG_DSN and empties the ledger tables.
// Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, `TRUNCATE branch_ledgers, reports, branches`)
	require.NoError(t, err)
	return store
}

func TestPostgres_ReportsAndCompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveBranch(ctx, ledger.Branch{ID: "b1", Name: "One", Status: ledger.BranchActive}))

	at := time.Date(2025, time.March, 10, 9, 0, 0, 123456789, time.UTC)
	r := ledger.Report{
		ID:         "r1",
		BranchID:   "b1",
		ShiftDate:  at,
		Cash:       decimal.RequireFromString("100.25"),
		Electronic: decimal.RequireFromString("10"),
		Delivery:   map[string]decimal.Decimal{"hangry": decimal.RequireFromString("2.5")},
		Expense:    ledger.Expense{Amount: decimal.RequireFromString("5")},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	require.NoError(t, store.CreateReport(ctx, r))

	got, err := store.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ledger.Instant(at).Equal(got.CreatedAt))
	assert.True(t, decimal.RequireFromString("107.75").Equal(ledger.Contribution(*got)))

	since := ledger.Instant(at)
	window, err := store.ListReports(ctx, "b1", &since)
	require.NoError(t, err)
	assert.Len(t, window, 1)

	require.NoError(t, store.SaveTotal(ctx, "b1", decimal.RequireFromString("107.75"), nil, at))
	resetAt := ledger.Instant(at.Add(time.Minute))
	require.NoError(t, store.SetCheckpoint(ctx, "b1", &resetAt, resetAt))

	err = store.SaveTotal(ctx, "b1", decimal.RequireFromString("107.75"), nil, at.Add(2*time.Minute))
	assert.ErrorIs(t, err, ledger.ErrStaleWindow)
	require.NoError(t, store.SaveTotal(ctx, "b1", decimal.Zero, &resetAt, at.Add(2*time.Minute)))

	l, err := store.GetLedger(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, l.LastResetAt)
	assert.True(t, resetAt.Equal(*l.LastResetAt))
	assert.True(t, l.CumulativeTotal.IsZero())
}

func TestPostgres_EngineScenario(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveBranch(ctx, ledger.Branch{ID: "b1", Name: "One", Status: ledger.BranchActive}))
	engine := ledger.NewEngine(store, store, store)

	submit := func(id ledger.ReportID, cash string) decimal.Decimal {
		now := ledger.Instant(time.Now())
		r := ledger.Report{ID: id, BranchID: "b1", ShiftDate: now, Cash: decimal.RequireFromString(cash), CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateReport(ctx, r))
		total, err := engine.OnReportCreated(ctx, r)
		require.NoError(t, err)
		return total
	}

	assert.True(t, decimal.RequireFromString("130").Equal(submit("a", "130")))
	assert.True(t, decimal.RequireFromString("185").Equal(submit("b", "55")))

	_, err := engine.Reset(ctx, "b1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	assert.True(t, decimal.RequireFromString("20").Equal(submit("c", "20")))
	result, err := engine.RebuildAll(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("20").Equal(result.Totals["b1"]))
}
