package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stepClock returns a strictly increasing instant on every call, one
// millisecond apart, so report stamps and checkpoints never collide.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	clock  *stepClock
	engine *ledger.Engine

	seqMu sync.Mutex
	seq   int
}

func newFixture(t *testing.T, branches ...ledger.BranchID) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemory(),
		clock: newStepClock(),
	}
	for _, id := range branches {
		require.NoError(t, f.store.SaveBranch(f.ctx, ledger.Branch{
			ID: id, Name: string(id), Status: ledger.BranchActive,
		}))
	}
	f.engine = ledger.NewEngine(f.store, f.store, f.store, ledger.WithClock(f.clock.Now))
	return f
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got)
}

// report builds a report stamped by the fixture clock.
func (f *fixture) report(branch ledger.BranchID, cash, electronic, delivery, expense string) ledger.Report {
	f.seqMu.Lock()
	f.seq++
	id := ledger.ReportID(fmt.Sprintf("r-%d", f.seq))
	f.seqMu.Unlock()

	now := ledger.Instant(f.clock.Now())
	return ledger.Report{
		ID:         id,
		BranchID:   branch,
		ShiftDate:  now,
		Cash:       d(cash),
		Electronic: d(electronic),
		Delivery:   map[string]decimal.Decimal{"hangry": d(delivery)},
		Expense:    ledger.Expense{Amount: d(expense)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// submit stores a report and runs the creation hook, like the reports service.
func (f *fixture) submit(t *testing.T, r ledger.Report) decimal.Decimal {
	t.Helper()
	require.NoError(t, f.store.CreateReport(f.ctx, r))
	total, err := f.engine.OnReportCreated(f.ctx, r)
	require.NoError(t, err)
	return total
}

// foldWindow recomputes the expected total straight from the store.
func (f *fixture) foldWindow(t *testing.T, id ledger.BranchID) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	l, err := f.store.GetLedger(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, l)
	reports, err := f.store.ListReports(f.ctx, id, l.LastResetAt)
	require.NoError(t, err)
	want := decimal.Zero
	for _, r := range reports {
		want = want.Add(ledger.Contribution(r))
	}
	return want, l.CumulativeTotal
}

// =============================================================================
// RECALCULATION
// =============================================================================

func TestRecalculate_NoReports_ZeroAndCreatesRow(t *testing.T) {
	f := newFixture(t, "b1")

	total, err := f.engine.Recalculate(f.ctx, "b1")

	require.NoError(t, err)
	assertDecimal(t, "0", total)
	l, err := f.store.GetLedger(f.ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Nil(t, l.LastResetAt)
	assert.NotNil(t, l.LastRecalculatedAt)
}

func TestRecalculate_Idempotent(t *testing.T) {
	// GIVEN: A branch with two reports
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "100", "50", "0", "20"))
	f.submit(t, f.report("b1", "10.25", "0", "4.75", "0"))

	// WHEN: Recalculating twice with no change in between
	first, err := f.engine.Recalculate(f.ctx, "b1")
	require.NoError(t, err)
	second, err := f.engine.Recalculate(f.ctx, "b1")
	require.NoError(t, err)

	// THEN: Same total
	assertDecimal(t, "145", first)
	assert.True(t, first.Equal(second))
}

func TestRecalculate_Additivity(t *testing.T) {
	f := newFixture(t, "b1")
	before := f.submit(t, f.report("b1", "100", "50", "0", "20"))

	r := f.report("b1", "7.10", "2.20", "1.30", "0.60")
	after := f.submit(t, r)

	assert.True(t, after.Equal(before.Add(ledger.Contribution(r))),
		"after=%s before=%s contribution=%s", after, before, ledger.Contribution(r))
}

func TestRecalculate_DecimalPrecision(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "0.1", "0", "0", "0"))
	total := f.submit(t, f.report("b1", "0.2", "0", "0", "0"))

	assertDecimal(t, "0.3", total)
}

func TestRecalculate_NegativeContributionAllowed(t *testing.T) {
	f := newFixture(t, "b1")

	total := f.submit(t, f.report("b1", "10", "0", "0", "35"))

	assertDecimal(t, "-25", total)
}

func TestRecalculate_BranchesAreIsolated(t *testing.T) {
	f := newFixture(t, "b1", "b2")
	f.submit(t, f.report("b1", "100", "0", "0", "0"))
	f.submit(t, f.report("b2", "7", "0", "0", "0"))

	_, err := f.engine.Reset(f.ctx, "b2")
	require.NoError(t, err)

	total, err := f.engine.Recalculate(f.ctx, "b1")
	require.NoError(t, err)
	assertDecimal(t, "100", total)
}

func TestRecalculate_UnknownBranch(t *testing.T) {
	f := newFixture(t, "b1")

	_, err := f.engine.Recalculate(f.ctx, "nope")

	var ube *ledger.UnknownBranchError
	require.ErrorAs(t, err, &ube)
	assert.Equal(t, ledger.BranchID("nope"), ube.BranchID)
	assert.True(t, ledger.IsClientError(err))
	assert.False(t, ledger.IsRetryable(err))
}

func TestRecalculate_EmptyBranchIDRejected(t *testing.T) {
	f := newFixture(t, "b1")

	_, err := f.engine.Recalculate(f.ctx, "")

	assert.ErrorIs(t, err, ledger.ErrUnknownBranch)
}

func TestRecalculate_InactiveBranchIsUnknown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveBranch(f.ctx, ledger.Branch{ID: "closed", Status: ledger.BranchInactive}))

	_, err := f.engine.Recalculate(f.ctx, "closed")

	var ube *ledger.UnknownBranchError
	require.ErrorAs(t, err, &ube)
	assert.True(t, ube.Inactive)
}

func TestRecalculate_Overflow(t *testing.T) {
	f := newFixture(t, "b1")
	big := ledger.MaxLedgerMagnitude.String()
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", big, "0", "0", "0")))
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", "1", "0", "0", "0")))

	_, err := f.engine.Recalculate(f.ctx, "b1")

	var oe *ledger.OverflowError
	require.ErrorAs(t, err, &oe)
	assert.ErrorIs(t, err, ledger.ErrNumericOverflow)

	// Nothing was written
	l, err := f.store.GetLedger(f.ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

// =============================================================================
// STORE FAILURES
// =============================================================================

type failingReports struct {
	*store.Memory
	err error
}

func (s *failingReports) ListReports(context.Context, ledger.BranchID, *time.Time) ([]ledger.Report, error) {
	return nil, s.err
}

func TestRecalculate_StoreFailureIsTransient(t *testing.T) {
	f := newFixture(t, "b1")
	cause := errors.New("connection refused")
	engine := ledger.NewEngine(&failingReports{Memory: f.store, err: cause}, f.store, f.store)

	_, err := engine.Recalculate(f.ctx, "b1")

	var se *ledger.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "list reports", se.Op)
	assert.ErrorIs(t, err, ledger.ErrTransientStore)
	assert.ErrorIs(t, err, cause)
	assert.True(t, ledger.IsRetryable(err))
}

// racingLedgers simulates a reset from another process landing between the
// engine's read of the checkpoint and its write.
type racingLedgers struct {
	*store.Memory
	clock   *stepClock
	races   int
	attempt int
}

func (s *racingLedgers) SaveTotal(ctx context.Context, id ledger.BranchID, total decimal.Decimal, window *time.Time, at time.Time) error {
	s.attempt++
	if s.attempt <= s.races {
		resetAt := ledger.Instant(s.clock.Now())
		if err := s.Memory.SetCheckpoint(ctx, id, &resetAt, resetAt); err != nil {
			return err
		}
	}
	return s.Memory.SaveTotal(ctx, id, total, window, at)
}

func TestRecalculate_StaleWindowRetried(t *testing.T) {
	// GIVEN: Reports, and a reset that races with the first write
	f := newFixture(t, "b1")
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", "100", "0", "0", "0")))
	ledgers := &racingLedgers{Memory: f.store, clock: f.clock, races: 1}
	engine := ledger.NewEngine(f.store, ledgers, f.store, ledger.WithClock(f.clock.Now))

	// WHEN: Recalculating
	total, err := engine.Recalculate(f.ctx, "b1")

	// THEN: The stale pre-reset total was not written; the retry honoured the reset
	require.NoError(t, err)
	assertDecimal(t, "0", total)
	assert.Equal(t, 2, ledgers.attempt)
	want, stored := f.foldWindow(t, "b1")
	assert.True(t, want.Equal(stored))
}

func TestRecalculate_StaleWindowExhausted(t *testing.T) {
	f := newFixture(t, "b1")
	ledgers := &racingLedgers{Memory: f.store, clock: f.clock, races: 100}
	engine := ledger.NewEngine(f.store, ledgers, f.store, ledger.WithClock(f.clock.Now))

	_, err := engine.Recalculate(f.ctx, "b1")

	assert.ErrorIs(t, err, ledger.ErrStaleWindow)
	assert.True(t, ledger.IsRetryable(err))
}

// =============================================================================
// RESET / CHECKPOINT
// =============================================================================

func TestReset_ZeroesTotalAndKeepsReports(t *testing.T) {
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "100", "50", "0", "20"))

	l, err := f.engine.Reset(f.ctx, "b1")
	require.NoError(t, err)

	assertDecimal(t, "0", l.CumulativeTotal)
	require.NotNil(t, l.LastResetAt)

	// Recalculating right after a reset stays at zero
	total, err := f.engine.Recalculate(f.ctx, "b1")
	require.NoError(t, err)
	assertDecimal(t, "0", total)

	// History is intact
	all, err := f.store.ListReports(f.ctx, "b1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReset_WindowIncludesReportAtResetInstant(t *testing.T) {
	f := newFixture(t, "b1")
	l, err := f.engine.Reset(f.ctx, "b1")
	require.NoError(t, err)

	r := f.report("b1", "5", "0", "0", "0")
	r.CreatedAt = *l.LastResetAt
	total := f.submit(t, r)

	assertDecimal(t, "5", total)
}

func TestReset_UnknownBranch(t *testing.T) {
	f := newFixture(t, "b1")

	_, err := f.engine.Reset(f.ctx, "ghost")

	assert.ErrorIs(t, err, ledger.ErrUnknownBranch)
}

func TestResetAll_ResetsEveryActiveBranch(t *testing.T) {
	f := newFixture(t, "b1", "b2")
	require.NoError(t, f.store.SaveBranch(f.ctx, ledger.Branch{ID: "b3", Status: ledger.BranchInactive}))
	f.submit(t, f.report("b1", "10", "0", "0", "0"))
	f.submit(t, f.report("b2", "20", "0", "0", "0"))

	ledgers, err := f.engine.ResetAll(f.ctx)

	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	for _, l := range ledgers {
		assertDecimal(t, "0", l.CumulativeTotal)
		assert.NotNil(t, l.LastResetAt)
	}
	l3, err := f.store.GetLedger(f.ctx, "b3")
	require.NoError(t, err)
	assert.Nil(t, l3, "inactive branch must not be touched")
}

func TestReopenWindow_CountsFullHistoryAgain(t *testing.T) {
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "100", "0", "0", "0"))
	_, err := f.engine.Reset(f.ctx, "b1")
	require.NoError(t, err)
	f.submit(t, f.report("b1", "1", "0", "0", "0"))

	l, err := f.engine.ReopenWindow(f.ctx, "b1")

	require.NoError(t, err)
	assert.Nil(t, l.LastResetAt)
	assertDecimal(t, "101", l.CumulativeTotal)
}

// =============================================================================
// REPORT EVENTS
// =============================================================================

func TestOnReportDeleted_RemovesContribution(t *testing.T) {
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "100", "0", "0", "0"))
	r := f.report("b1", "30", "5", "5", "10")
	f.submit(t, r)

	require.NoError(t, f.store.DeleteReport(f.ctx, r.ID))
	total, err := f.engine.OnReportDeleted(f.ctx, r)

	require.NoError(t, err)
	assertDecimal(t, "100", total)
}

func TestOnReportUpdated_AmountChange(t *testing.T) {
	f := newFixture(t, "b1")
	before := f.report("b1", "100", "0", "0", "0")
	f.submit(t, before)

	after := before
	after.Cash = d("80")
	require.NoError(t, f.store.UpdateReport(f.ctx, after))
	totals, err := f.engine.OnReportUpdated(f.ctx, before, after)

	require.NoError(t, err)
	require.Len(t, totals, 1)
	assertDecimal(t, "80", totals["b1"])
}

func TestOnReportUpdated_MoveRecalculatesBothBranches(t *testing.T) {
	// GIVEN: A report in b1
	f := newFixture(t, "b1", "b2")
	before := f.report("b1", "40", "0", "0", "0")
	f.submit(t, before)
	f.submit(t, f.report("b2", "1", "0", "0", "0"))

	// WHEN: It moves to b2
	after := before
	after.BranchID = "b2"
	require.NoError(t, f.store.UpdateReport(f.ctx, after))
	totals, err := f.engine.OnReportUpdated(f.ctx, before, after)

	// THEN: Both ledgers reflect the move
	require.NoError(t, err)
	assertDecimal(t, "0", totals["b1"])
	assertDecimal(t, "41", totals["b2"])
}

// =============================================================================
// REBUILD
// =============================================================================

func TestRebuildAll_RestoresDriftedTotals(t *testing.T) {
	f := newFixture(t, "b1", "b2")
	f.submit(t, f.report("b1", "10", "0", "0", "0"))
	f.submit(t, f.report("b2", "20", "0", "0", "0"))

	// Drift: a report lands without a recalculation
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", "5", "0", "0", "0")))

	result, err := f.engine.RebuildAll(f.ctx)

	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assertDecimal(t, "15", result.Totals["b1"])
	assertDecimal(t, "20", result.Totals["b2"])
}

func TestRebuildAll_CollectsPartialFailures(t *testing.T) {
	f := newFixture(t, "b1", "b2")
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", ledger.MaxLedgerMagnitude.String(), "0", "0", "0")))
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", "1", "0", "0", "0")))
	f.submit(t, f.report("b2", "3", "0", "0", "0"))

	result, err := f.engine.RebuildAll(f.ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNumericOverflow)
	assert.Contains(t, result.Failed, ledger.BranchID("b1"))
	assertDecimal(t, "3", result.Totals["b2"])
}

// =============================================================================
// QUERIES
// =============================================================================

func TestGetLedger_ReturnsFreshTotal(t *testing.T) {
	f := newFixture(t, "b1")
	require.NoError(t, f.store.CreateReport(f.ctx, f.report("b1", "12", "0", "0", "0")))

	l, err := f.engine.GetLedger(f.ctx, "b1")

	require.NoError(t, err)
	assertDecimal(t, "12", l.CumulativeTotal)
	assert.NotNil(t, l.LastRecalculatedAt)
}

func TestGetLedgers_DefaultsToActiveBranchesInOrder(t *testing.T) {
	f := newFixture(t, "b1", "b2")
	f.submit(t, f.report("b2", "2", "0", "0", "0"))

	all, err := f.engine.GetLedgers(f.ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.BranchID("b1"), all[0].BranchID)
	assert.Equal(t, ledger.BranchID("b2"), all[1].BranchID)

	some, err := f.engine.GetLedgers(f.ctx, []ledger.BranchID{"b2", "b1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.BranchID("b2"), some[0].BranchID)
	assertDecimal(t, "2", some[0].CumulativeTotal)
}

func TestGetLedgers_UnknownBranchFailsCall(t *testing.T) {
	f := newFixture(t, "b1")

	_, err := f.engine.GetLedgers(f.ctx, []ledger.BranchID{"b1", "zzz"})

	assert.ErrorIs(t, err, ledger.ErrUnknownBranch)
}

// =============================================================================
// LOCKING
// =============================================================================

func TestRecalculate_LockTimeout(t *testing.T) {
	// GIVEN: The branch lock is held elsewhere
	f := newFixture(t, "b1")
	locks := ledger.NewKeyedMutex(20 * time.Millisecond)
	engine := ledger.NewEngine(f.store, f.store, f.store, ledger.WithLocker(locks))
	release, err := locks.Acquire(f.ctx, "b1")
	require.NoError(t, err)
	defer release()

	// WHEN: Recalculating
	_, err = engine.Recalculate(f.ctx, "b1")

	// THEN: A retryable timeout, and another branch is unaffected
	var lte *ledger.LockTimeoutError
	require.ErrorAs(t, err, &lte)
	assert.True(t, ledger.IsRetryable(err))

	require.NoError(t, f.store.SaveBranch(f.ctx, ledger.Branch{ID: "b2", Status: ledger.BranchActive}))
	_, err = engine.Recalculate(f.ctx, "b2")
	assert.NoError(t, err)
}

func TestConcurrentMutations_Converge(t *testing.T) {
	// GIVEN: Several branches hammered by concurrent creates, deletes and resets
	branches := []ledger.BranchID{"b1", "b2", "b3"}
	f := newFixture(t, branches...)

	const workers = 8
	const ops = 60
	var wg sync.WaitGroup
	errs := make(chan error, workers*ops)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []ledger.Report
			for i := 0; i < ops; i++ {
				branch := branches[rng.Intn(len(branches))]
				switch p := rng.Intn(10); {
				case p < 6:
					r := f.report(branch, fmt.Sprintf("%d.%02d", rng.Intn(500), rng.Intn(100)), "3", "1.5", "2")
					if err := f.store.CreateReport(f.ctx, r); err != nil {
						errs <- err
						continue
					}
					if _, err := f.engine.OnReportCreated(f.ctx, r); err != nil {
						errs <- err
					}
					mine = append(mine, r)
				case p < 9 && len(mine) > 0:
					idx := rng.Intn(len(mine))
					r := mine[idx]
					mine = append(mine[:idx], mine[idx+1:]...)
					if err := f.store.DeleteReport(f.ctx, r.ID); err != nil {
						errs <- err
						continue
					}
					if _, err := f.engine.OnReportDeleted(f.ctx, r); err != nil {
						errs <- err
					}
				default:
					if _, err := f.engine.Reset(f.ctx, branch); err != nil {
						errs <- err
					}
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN: Every stored total equals the fold over its window
	for _, id := range branches {
		l, err := f.store.GetLedger(f.ctx, id)
		require.NoError(t, err)
		if l == nil {
			continue
		}
		want, stored := f.foldWindow(t, id)
		assert.True(t, want.Equal(stored), "branch %s: stored %s, fold %s", id, stored, want)
	}
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestScenario_ShiftReportsAcrossReset(t *testing.T) {
	f := newFixture(t, "b1")

	// Report A: cash 100, electronic 50, no delivery, expense 20
	total := f.submit(t, f.report("b1", "100", "50", "0", "20"))
	assertDecimal(t, "130", total)

	// Report B: cash 40, electronic 10, delivery 5, no expense
	total = f.submit(t, f.report("b1", "40", "10", "5", "0"))
	assertDecimal(t, "185", total)

	// Owner collects the cash
	l, err := f.engine.Reset(f.ctx, "b1")
	require.NoError(t, err)
	assertDecimal(t, "0", l.CumulativeTotal)
	require.NotNil(t, l.LastResetAt)

	// A and B are still on record
	all, err := f.store.ListReports(f.ctx, "b1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Shift 3
	total = f.submit(t, f.report("b1", "20", "0", "0", "0"))
	assertDecimal(t, "20", total)

	// Nightly rebuild leaves it alone
	result, err := f.engine.RebuildAll(f.ctx)
	require.NoError(t, err)
	assertDecimal(t, "20", result.Totals["b1"])
}
