package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/branch-ledger/ledger"
)

func TestContribution(t *testing.T) {
	tests := []struct {
		name   string
		report ledger.Report
		want   string
	}{
		{
			name:   "empty report",
			report: ledger.Report{},
			want:   "0",
		},
		{
			name: "cash electronic and expense",
			report: ledger.Report{
				Cash:       d("100"),
				Electronic: d("50"),
				Expense:    ledger.Expense{Amount: d("20")},
			},
			want: "130",
		},
		{
			name: "delivery apps are summed",
			report: ledger.Report{
				Cash: d("10"),
				Delivery: map[string]decimal.Decimal{
					"hangry": d("4.25"),
					"marsol": d("0.75"),
				},
			},
			want: "15",
		},
		{
			name: "expense larger than takings",
			report: ledger.Report{
				Cash:    d("5"),
				Expense: ledger.Expense{Amount: d("12.5")},
			},
			want: "-7.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, tt.want, ledger.Contribution(tt.report))
		})
	}
}

func TestReport_DerivedFigures(t *testing.T) {
	r := ledger.Report{
		Cash: d("80"),
		Delivery: map[string]decimal.Decimal{
			"marsol": d("2"),
			"hangry": d("3"),
		},
		Expense: ledger.Expense{Amount: d("15")},
	}

	assertDecimal(t, "5", r.DeliveryTotal())
	assertDecimal(t, "65", r.CashOnHand())
	assert.Equal(t, []string{"hangry", "marsol"}, r.DeliveryApps())
}

func TestBranchLedger_InWindow(t *testing.T) {
	reset := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	open := ledger.BranchLedger{}
	assert.True(t, open.InWindow(reset.Add(-time.Hour)))

	closed := ledger.BranchLedger{LastResetAt: &reset}
	assert.False(t, closed.InWindow(reset.Add(-time.Microsecond)))
	assert.True(t, closed.InWindow(reset))
	assert.True(t, closed.InWindow(reset.Add(time.Hour)))
}

func TestStartOfDayAndMonth(t *testing.T) {
	loc := time.FixedZone("AST", 3*3600)
	// 22:30 UTC on the last day of February is already March 1st in AST
	at := time.Date(2025, time.February, 28, 22, 30, 0, 0, time.UTC)

	assert.True(t, ledger.StartOfDay(at, loc).Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, loc)))
	assert.True(t, ledger.StartOfMonth(at, loc).Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, loc)))
	assert.True(t, ledger.StartOfMonth(at, time.UTC).Equal(time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)))
}
