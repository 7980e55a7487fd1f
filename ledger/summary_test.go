package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/ledger/store"
)

func summaryReport(id ledger.ReportID, at time.Time, cash, electronic, hangry, marsol, expense string) ledger.Report {
	return ledger.Report{
		ID:         id,
		BranchID:   "b1",
		ShiftDate:  at,
		Cash:       d(cash),
		Electronic: d(electronic),
		Delivery: map[string]decimal.Decimal{
			"hangry": d(hangry),
			"marsol": d(marsol),
		},
		Expense:   ledger.Expense{Amount: d(expense), Description: "supplies"},
		CreatedAt: ledger.Instant(at),
		UpdatedAt: ledger.Instant(at),
	}
}

func TestSummary_DailyAndMonthlyWindows(t *testing.T) {
	// GIVEN: A branch in UTC+3 with reports spread around "now"
	ctx := context.Background()
	riyadh := time.FixedZone("AST", 3*3600)
	asOf := time.Date(2025, time.March, 15, 18, 0, 0, 0, riyadh)

	mem := store.NewMemory()
	require.NoError(t, mem.SaveBranch(ctx, ledger.Branch{ID: "b1", Status: ledger.BranchActive}))
	for _, r := range []ledger.Report{
		// last month
		summaryReport("feb", time.Date(2025, time.February, 28, 23, 0, 0, 0, riyadh), "1000", "0", "0", "0", "0"),
		// this month, earlier day
		summaryReport("mar-1", time.Date(2025, time.March, 1, 0, 0, 0, 0, riyadh), "100", "20", "5", "5", "10"),
		// today, 00:30 local is still the previous UTC day
		summaryReport("today-1", time.Date(2025, time.March, 15, 0, 30, 0, 0, riyadh), "50", "10", "3", "2", "5"),
		summaryReport("today-2", time.Date(2025, time.March, 15, 17, 0, 0, 0, riyadh), "30", "0", "0", "0", "0"),
		// after asOf
		summaryReport("later", time.Date(2025, time.March, 15, 19, 0, 0, 0, riyadh), "999", "0", "0", "0", "0"),
	} {
		require.NoError(t, mem.CreateReport(ctx, r))
	}

	engine := ledger.NewEngine(mem, mem, mem, ledger.WithLocation(riyadh))

	// WHEN
	s, err := engine.Summary(ctx, "b1", asOf)
	require.NoError(t, err)

	// THEN: Daily covers today's two reports only
	assert.Equal(t, 2, s.Daily.Reports)
	assertDecimal(t, "80", s.Daily.Cash)
	assertDecimal(t, "10", s.Daily.Electronic)
	assertDecimal(t, "3", s.Daily.Delivery["hangry"])
	assertDecimal(t, "2", s.Daily.Delivery["marsol"])
	assertDecimal(t, "5", s.Daily.DeliveryTotal)
	assertDecimal(t, "5", s.Daily.Expenses)
	assertDecimal(t, "75", s.Daily.CashOnHand)
	assertDecimal(t, "90", s.Daily.Net)

	// Monthly adds the March 1st report, not February nor the future one
	assert.Equal(t, 3, s.Monthly.Reports)
	assertDecimal(t, "180", s.Monthly.Cash)
	assertDecimal(t, "15", s.Monthly.DeliveryTotal)
	assertDecimal(t, "15", s.Monthly.Expenses)
	assertDecimal(t, "210", s.Monthly.Net)
	assert.True(t, s.Monthly.From.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, riyadh)))

	// Cumulative covers every report, no checkpoint yet
	assertDecimal(t, "2209", s.Cumulative)
	assert.Nil(t, s.LastResetAt)
}

func TestSummary_CumulativeHonoursCheckpoint(t *testing.T) {
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "100", "0", "0", "0"))
	l, err := f.engine.Reset(f.ctx, "b1")
	require.NoError(t, err)
	f.submit(t, f.report("b1", "20", "0", "0", "0"))

	s, err := f.engine.Summary(f.ctx, "b1", time.Time{})

	require.NoError(t, err)
	assertDecimal(t, "20", s.Cumulative)
	require.NotNil(t, s.LastResetAt)
	assert.True(t, l.LastResetAt.Equal(*s.LastResetAt))
	// The daily breakdown is not affected by the reset
	assertDecimal(t, "120", s.Daily.Cash)
}

func TestSummary_UnknownBranch(t *testing.T) {
	f := newFixture(t, "b1")

	_, err := f.engine.Summary(f.ctx, "nope", time.Time{})

	assert.ErrorIs(t, err, ledger.ErrUnknownBranch)
}

func TestSummary_ConcurrentCallersAgree(t *testing.T) {
	f := newFixture(t, "b1")
	f.submit(t, f.report("b1", "12.5", "0", "0", "0"))
	asOf := f.clock.Now()

	var wg sync.WaitGroup
	results := make([]ledger.Summary, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.engine.Summary(f.ctx, "b1", asOf)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assertDecimal(t, "12.5", s.Cumulative)
		assertDecimal(t, "12.5", s.Daily.Net)
	}
}

// gatedReports blocks ListReports until open is closed, honouring ctx.
type gatedReports struct {
	*store.Memory
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func (g *gatedReports) ListReports(ctx context.Context, id ledger.BranchID, since *time.Time) ([]ledger.Report, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.open:
		return g.Memory.ListReports(ctx, id, since)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSummary_CancelledCallerDoesNotFailSharedPass(t *testing.T) {
	// GIVEN: A summary pass stuck in the report store
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveBranch(ctx, ledger.Branch{ID: "b1", Status: ledger.BranchActive}))
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateReport(ctx, summaryReport("r1", at, "40", "10", "5", "0", "0")))

	gate := &gatedReports{Memory: mem, entered: make(chan struct{}), open: make(chan struct{})}
	engine := ledger.NewEngine(gate, mem, mem)
	asOf := at.Add(time.Hour)

	firstCtx, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := engine.Summary(firstCtx, "b1", asOf)
		firstErr <- err
	}()
	<-gate.entered

	// WHEN: The first caller goes away
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	// AND: A second caller joins before the store answers
	type outcome struct {
		s   ledger.Summary
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		s, err := engine.Summary(ctx, "b1", asOf)
		second <- outcome{s, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.open)

	// THEN: The second caller gets the result
	got := <-second
	require.NoError(t, got.err)
	assertDecimal(t, "55", got.s.Cumulative)
	assertDecimal(t, "55", got.s.Daily.Net)
}
