package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Breakdown aggregates the reports of one period. Net uses Contribution, so
// it matches what the same reports add to the cumulative total.
type Breakdown struct {
	From    time.Time
	To      time.Time
	Reports int

	Cash          decimal.Decimal
	Electronic    decimal.Decimal
	Delivery      map[string]decimal.Decimal
	DeliveryTotal decimal.Decimal
	Expenses      decimal.Decimal
	CashOnHand    decimal.Decimal
	Net           decimal.Decimal
}

func newBreakdown(from, to time.Time) Breakdown {
	return Breakdown{
		From:          from,
		To:            to,
		Cash:          decimal.Zero,
		Electronic:    decimal.Zero,
		Delivery:      make(map[string]decimal.Decimal),
		DeliveryTotal: decimal.Zero,
		Expenses:      decimal.Zero,
		CashOnHand:    decimal.Zero,
		Net:           decimal.Zero,
	}
}

func (b *Breakdown) add(r Report) {
	b.Reports++
	b.Cash = b.Cash.Add(r.Cash)
	b.Electronic = b.Electronic.Add(r.Electronic)
	for app, v := range r.Delivery {
		b.Delivery[app] = b.Delivery[app].Add(v)
	}
	b.DeliveryTotal = b.DeliveryTotal.Add(r.DeliveryTotal())
	b.Expenses = b.Expenses.Add(r.Expense.Amount)
	b.CashOnHand = b.CashOnHand.Add(r.CashOnHand())
	b.Net = b.Net.Add(Contribution(r))
}

func (b Breakdown) contains(t time.Time) bool {
	return !t.Before(b.From) && !t.After(b.To)
}

// Summary is the live dashboard view of one branch. Daily and Monthly are
// computed from report records and ignore the checkpoint; Cumulative is the
// checkpointed ledger total.
type Summary struct {
	BranchID    BranchID
	AsOf        time.Time
	Daily       Breakdown
	Monthly     Breakdown
	Cumulative  decimal.Decimal
	LastResetAt *time.Time
}

// Summary recalculates the branch and builds its day and month breakdowns
// for the periods [startOfDay(asOf), asOf] and [startOfMonth(asOf), asOf] in
// the engine's time zone. A zero asOf means now.
//
// Concurrent calls for the same branch and instant share one pass, which
// runs detached from any single caller's cancellation; each caller still
// returns as soon as its own ctx is done. The returned Delivery maps are shared between those callers and must not be
// modified.
func (e *Engine) Summary(ctx context.Context, branchID BranchID, asOf time.Time) (Summary, error) {
	if asOf.IsZero() {
		asOf = e.Now()
	}
	asOf = Instant(asOf)

	key := fmt.Sprintf("%s@%d", branchID, asOf.UnixNano())
	ch := e.summaries.DoChan(key, func() (interface{}, error) {
		// The pass is shared: a caller that goes away must not fail the rest.
		return e.summary(context.WithoutCancel(ctx), branchID, asOf)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (e *Engine) summary(ctx context.Context, branchID BranchID, asOf time.Time) (Summary, error) {
	l, err := e.recalculate(ctx, branchID)
	if err != nil {
		return Summary{}, err
	}

	monthStart := StartOfMonth(asOf, e.location)
	dayStart := StartOfDay(asOf, e.location)

	since := Instant(monthStart)
	reports, err := e.reports.ListReports(ctx, branchID, &since)
	if err != nil {
		return Summary{}, storeErr("list reports", branchID, err)
	}

	s := Summary{
		BranchID:    branchID,
		AsOf:        asOf,
		Daily:       newBreakdown(dayStart, asOf),
		Monthly:     newBreakdown(monthStart, asOf),
		Cumulative:  l.CumulativeTotal,
		LastResetAt: l.LastResetAt,
	}
	for _, r := range reports {
		if s.Monthly.contains(r.CreatedAt) {
			s.Monthly.add(r)
		}
		if s.Daily.contains(r.CreatedAt) {
			s.Daily.add(r)
		}
	}
	return s, nil
}
