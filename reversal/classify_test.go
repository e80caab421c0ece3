package reversal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
	"github.com/warp/hoa-billing/reversal"
)

func alloc(typ, target string, amount int64) payments.Allocation {
	return payments.Allocation{Type: typ, TargetID: target, Amount: money.Centavos(amount)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		tx            payments.Transaction
		kind          reversal.Kind
		targets       []string
		creditTouched bool
	}{
		{
			name: "dues only",
			tx: payments.Transaction{Allocations: []payments.Allocation{
				alloc(payments.AllocHOAPenalty, "hoa/2026-M01/101", 50),
				alloc(payments.AllocHOABase, "hoa/2026-M01/101", 1000),
			}},
			kind:    reversal.KindHOA,
			targets: []string{"hoa/2026-M01/101"},
		},
		{
			name: "water with overpayment",
			tx: payments.Transaction{Allocations: []payments.Allocation{
				alloc(payments.AllocWaterBase, "water/2026-M02/101", 800),
				alloc(payments.AllocCreditAdded, "101", 200),
			}},
			kind:          reversal.KindWater,
			targets:       []string{"water/2026-M02/101"},
			creditTouched: true,
		},
		{
			name: "both domains",
			tx: payments.Transaction{Allocations: []payments.Allocation{
				alloc(payments.AllocWaterBase, "water/2026-M01/101", 800),
				alloc(payments.AllocHOABase, "hoa/2026-Q1/101", 1000),
			}},
			kind:    reversal.KindUnified,
			targets: []string{"hoa/2026-Q1/101", "water/2026-M01/101"},
		},
		{
			name:          "credit only",
			tx:            payments.Transaction{Allocations: []payments.Allocation{alloc(payments.AllocCreditAdded, "101", 500)}},
			kind:          reversal.KindLedgerOnly,
			targets:       []string{},
			creditTouched: true,
		},
		{
			name:    "no allocations at all",
			tx:      payments.Transaction{},
			kind:    reversal.KindLedgerOnly,
			targets: []string{},
		},
		{
			name:    "unknown allocation type",
			tx:      payments.Transaction{Allocations: []payments.Allocation{alloc(payments.AllocHOABase, "hoa/2026-M01/101", 10), alloc("gas_base", "gas/2026-M01/101", 10)}},
			kind:    reversal.KindUnknown,
			targets: []string{},
		},
		{
			name:    "target of another domain",
			tx:      payments.Transaction{Allocations: []payments.Allocation{alloc(payments.AllocHOABase, "water/2026-M01/101", 10)}},
			kind:    reversal.KindUnknown,
			targets: []string{},
		},
		{
			name:    "unreadable target",
			tx:      payments.Transaction{Allocations: []payments.Allocation{alloc(payments.AllocHOABase, "2026-M01", 10)}},
			kind:    reversal.KindUnknown,
			targets: []string{},
		},
		{
			name: "legacy dues distribution",
			tx: payments.Transaction{UnitID: "101", CategoryID: "hoa_dues", DuesDistribution: []payments.DuesLine{
				{PeriodID: "2025-M11", Amount: 500},
				{PeriodID: "2025-M12", UnitID: "101", Amount: 500},
			}},
			kind:    reversal.KindHOA,
			targets: []string{"hoa/2025-M11/101", "hoa/2025-M12/101"},
		},
		{
			name: "legacy water category",
			tx: payments.Transaction{UnitID: "101", CategoryID: "Water-Bills", DuesDistribution: []payments.DuesLine{
				{PeriodID: "2025-M12", Amount: 300},
			}},
			kind:    reversal.KindWater,
			targets: []string{"water/2025-M12/101"},
		},
		{
			name:    "legacy category without distribution",
			tx:      payments.Transaction{UnitID: "101", CategoryID: "special_assessment"},
			kind:    reversal.KindLedgerOnly,
			targets: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := reversal.Classify(&tt.tx)

			assert.Equal(t, tt.kind, c.Kind)
			got := make([]string, 0, len(c.Targets))
			for _, target := range c.Targets {
				got = append(got, target.String())
			}
			assert.Equal(t, tt.targets, got)
			assert.Equal(t, tt.creditTouched, c.CreditTouched)
			if tt.kind == reversal.KindUnknown {
				assert.NotEmpty(t, c.Reason)
				assert.False(t, c.ReversesBills())
			}
		})
	}
}

func TestBillTarget_Path(t *testing.T) {
	target := reversal.BillTarget{Domain: engine.DomainWater, PeriodID: "2026-M03", UnitID: "7"}
	assert.Equal(t, "clients/c1/bills/water/2026-M03", target.Path("c1"))
}
