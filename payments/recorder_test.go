package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/docstore/memory"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
)

var now = time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)

type spyCache struct{ invalidated []string }

func (c *spyCache) Get(context.Context, string) ([]byte, bool)              { return nil, false }
func (c *spyCache) Generation(context.Context, string) (uint64, bool)       { return 0, false }
func (c *spyCache) SetIfGeneration(context.Context, string, uint64, []byte) {}
func (c *spyCache) Invalidate(_ context.Context, key string)                { c.invalidated = append(c.invalidated, key) }

type fixture struct {
	store    *memory.Store
	cache    *spyCache
	recorder *payments.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	cfg := billing.ClientConfig{
		ClientID:             "c1",
		Timezone:             "America/Mexico_City",
		FiscalYearStartMonth: 1,
		Domains: map[engine.Domain]billing.DomainConfig{
			engine.DomainHOA: {
				Enabled: true, PeriodType: billing.PeriodMonthly, DueAnchor: billing.DueFromPeriodStart,
				DueOffsetDays: 9, GracePeriodDays: 10, PenaltyRate: decimal.RequireFromString("0.05"),
			},
			engine.DomainWater: {
				Enabled: true, PeriodType: billing.PeriodMonthly, DueAnchor: billing.DueFromPeriodEnd,
				DueOffsetDays: 10, RatePerUnit: 1500,
			},
		},
	}
	require.NoError(t, docstore.Save(ctx, store, engine.ConfigPath("c1"), cfg))
	require.NoError(t, docstore.Save(ctx, store, engine.UnitPath("c1", "101"), billing.Unit{ID: "101", MonthlyDues: 1000}))
	require.NoError(t, docstore.Save(ctx, store, engine.AccountPath("c1", "bank"), payments.Account{ClientID: "c1", AccountID: "bank", Name: "Bank"}))

	cache := &spyCache{}
	return &fixture{store: store, cache: cache, recorder: payments.NewRecorder(store, cache, clock.Fixed{At: now})}
}

func (f *fixture) seedBill(t *testing.T, domain engine.Domain, period, due string, base, penalty money.Centavos) {
	t.Helper()
	b := &billing.Bill{UnitID: "101", PeriodID: period, DueDate: due, BaseCharge: base, PenaltyAmount: penalty}
	b.Recompute()
	doc := billing.PeriodDocument{
		ClientID: "c1", Domain: domain, PeriodID: period, DueDate: due,
		Bills: map[engine.UnitID]*billing.Bill{"101": b},
	}
	require.NoError(t, docstore.Save(context.Background(), f.store, engine.BillPeriodPath("c1", domain, period), doc))
}

func (f *fixture) bill(t *testing.T, domain engine.Domain, period string) *billing.Bill {
	t.Helper()
	doc, err := docstore.Load[billing.PeriodDocument](context.Background(), f.store, engine.BillPeriodPath("c1", domain, period))
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc.Bills["101"]
}

func (f *fixture) account(t *testing.T) payments.Account {
	t.Helper()
	acc, err := docstore.Load[payments.Account](context.Background(), f.store, engine.AccountPath("c1", "bank"))
	require.NoError(t, err)
	return *acc
}

func payment(amount money.Centavos) payments.PaymentInput {
	return payments.PaymentInput{ClientID: "c1", UnitID: "101", AccountID: "bank", Amount: amount, TransactionID: "tx-1", Date: "2026-02-15"}
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

func TestRecordPayment_PenaltyFirstThenBaseThenCredit(t *testing.T) {
	// GIVEN: baseCharge 1000, penaltyAmount 200, nothing paid
	f := setup(t)
	f.seedBill(t, engine.DomainHOA, "2026-M01", "2026-01-10", 1000, 200)

	// WHEN: 1500 is paid
	res, err := f.recorder.RecordPayment(context.Background(), payment(1500))
	require.NoError(t, err)

	// THEN: penalty 200, base 1000, 300 becomes credit
	b := f.bill(t, engine.DomainHOA, "2026-M01")
	assert.Equal(t, money.Centavos(200), b.PenaltyPaid)
	assert.Equal(t, money.Centavos(1000), b.BasePaid)
	assert.Equal(t, billing.StatusPaid, b.Status)
	require.Len(t, b.Payments, 1)
	assert.Equal(t, engine.TransactionID("tx-1"), b.Payments[0].TransactionID)
	assert.Equal(t, money.Centavos(1200), b.Payments[0].Amount)

	assert.Equal(t, money.Centavos(300), res.ResidualCredit)
	assert.Equal(t, money.Centavos(0), res.PreviousCreditBalance)
	assert.Equal(t, money.Centavos(300), res.NewCreditBalance)
	assert.Equal(t, money.Centavos(1500), res.AccountBalance)
	assert.Equal(t, money.Centavos(1500), f.account(t).Balance)

	ledger, err := docstore.Load[credit.Document](context.Background(), f.store, engine.CreditPath("c1", "101"))
	require.NoError(t, err)
	require.Len(t, ledger.History, 1)
	assert.True(t, ledger.History[0].IsFor("tx-1"))
	assert.Equal(t, credit.SourceOverpay, ledger.History[0].Source)
	require.NoError(t, ledger.Check())

	stored, err := payments.GetTransaction(context.Background(), f.store, "c1", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, []payments.Allocation{
		{Type: payments.AllocHOAPenalty, TargetID: "hoa/2026-M01/101", Amount: 200},
		{Type: payments.AllocHOABase, TargetID: "hoa/2026-M01/101", Amount: 1000},
		{Type: payments.AllocCreditAdded, TargetID: "101", Amount: 300},
	}, stored.Allocations)
	assert.Equal(t, stored.Amount, stored.AllocationsTotal())
	assert.Equal(t, []string{billing.CacheKey("c1", engine.DomainHOA, "2026-M01")}, f.cache.invalidated)
}

func TestRecordPayment_SpansDomainsOldestFirst(t *testing.T) {
	f := setup(t)
	f.seedBill(t, engine.DomainWater, "2026-M01", "2026-02-10", 800, 0)
	f.seedBill(t, engine.DomainHOA, "2026-M02", "2026-02-10", 1000, 0)
	f.seedBill(t, engine.DomainHOA, "2026-M01", "2026-01-10", 1000, 50)

	res, err := f.recorder.RecordPayment(context.Background(), payment(2500))
	require.NoError(t, err)

	require.Len(t, res.Bills, 3)
	assert.Equal(t, "2026-M01", res.Bills[0].PeriodID)
	assert.Equal(t, engine.DomainHOA, res.Bills[0].Domain)
	assert.Equal(t, engine.DomainHOA, res.Bills[1].Domain)
	assert.Equal(t, "2026-M02", res.Bills[1].PeriodID)
	assert.Equal(t, engine.DomainWater, res.Bills[2].Domain)

	assert.Equal(t, billing.StatusPaid, f.bill(t, engine.DomainHOA, "2026-M01").Status)
	assert.Equal(t, billing.StatusPaid, f.bill(t, engine.DomainHOA, "2026-M02").Status)
	water := f.bill(t, engine.DomainWater, "2026-M01")
	assert.Equal(t, billing.StatusPartial, water.Status)
	assert.Equal(t, money.Centavos(450), water.BasePaid)
	assert.Zero(t, res.ResidualCredit)
}

func TestRecordPayment_ConsumesCreditWhenAsked(t *testing.T) {
	// GIVEN: 500 of credit and an open bill of 300
	f := setup(t)
	ctx := context.Background()
	ledger := credit.NewLedger(f.store, clock.Fixed{At: now.Add(-time.Hour)})
	_, err := ledger.Append(ctx, credit.AppendInput{ClientID: "c1", UnitID: "101", Amount: 500})
	require.NoError(t, err)
	f.seedBill(t, engine.DomainHOA, "2026-M01", "2026-01-10", 300, 0)

	// WHEN: a zero-cash payment draws on credit
	in := payment(0)
	in.UseCredit = true
	res, err := f.recorder.RecordPayment(ctx, in)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, money.Centavos(300), res.CreditUsed)
	assert.Equal(t, money.Centavos(500), res.PreviousCreditBalance)
	assert.Equal(t, money.Centavos(200), res.NewCreditBalance)
	assert.Equal(t, billing.StatusPaid, f.bill(t, engine.DomainHOA, "2026-M01").Status)
	assert.Contains(t, res.Allocations, payments.Allocation{Type: payments.AllocCreditUsed, TargetID: "101", Amount: -300})

	balance, err := ledger.Balance(ctx, "c1", "101")
	require.NoError(t, err)
	assert.Equal(t, money.Centavos(200), balance)
}

func TestRecordPayment_MissingDocumentsAreFatal(t *testing.T) {
	f := setup(t)
	f.seedBill(t, engine.DomainHOA, "2026-M01", "2026-01-10", 1000, 0)

	in := payment(1000)
	in.AccountID = "nope"
	_, err := f.recorder.RecordPayment(context.Background(), in)
	assert.True(t, engine.IsNotFound(err))

	in = payment(1000)
	in.UnitID = "999"
	_, err = f.recorder.RecordPayment(context.Background(), in)
	assert.True(t, engine.IsNotFound(err))

	// nothing was written
	assert.Equal(t, billing.StatusUnpaid, f.bill(t, engine.DomainHOA, "2026-M01").Status)
	assert.Zero(t, f.account(t).Balance)
	assert.Empty(t, f.cache.invalidated)
}

func TestRecordPayment_RejectsDuplicateTransaction(t *testing.T) {
	f := setup(t)
	_, err := f.recorder.RecordPayment(context.Background(), payment(100))
	require.NoError(t, err)

	_, err = f.recorder.RecordPayment(context.Background(), payment(100))
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.Equal(t, money.Centavos(100), f.account(t).Balance)
}

func TestRecordPayment_ValidatesInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.recorder.RecordPayment(ctx, payment(-5))
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.recorder.RecordPayment(ctx, payment(0))
	assert.ErrorIs(t, err, engine.ErrValidation)

	in := payment(100)
	in.Date = "15/02/2026"
	_, err = f.recorder.RecordPayment(ctx, in)
	assert.ErrorIs(t, err, engine.ErrValidation)

	in = payment(100)
	in.Domains = []engine.Domain{"electricity"}
	_, err = f.recorder.RecordPayment(ctx, in)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestRecordPayment_RejectsIDsThatAreNotOnePathSegment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for name, mutate := range map[string]func(*payments.PaymentInput){
		"unit":        func(in *payments.PaymentInput) { in.UnitID = "A/1" },
		"account":     func(in *payments.PaymentInput) { in.AccountID = "bank/2" },
		"transaction": func(in *payments.PaymentInput) { in.TransactionID = "tx/1" },
		"client":      func(in *payments.PaymentInput) { in.ClientID = ".." },
	} {
		in := payment(100)
		mutate(&in)
		_, err := f.recorder.RecordPayment(ctx, in)
		assert.ErrorIs(t, err, engine.ErrValidation, name)
	}

	// nothing was written
	_, err := payments.GetTransaction(ctx, f.store, "c1", "tx-1")
	assert.True(t, engine.IsNotFound(err))
}

func TestRecordPayment_GeneratesTransactionID(t *testing.T) {
	f := setup(t)
	in := payment(100)
	in.TransactionID = ""
	in.Date = ""

	res, err := f.recorder.RecordPayment(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)

	stored, err := payments.GetTransaction(context.Background(), f.store, "c1", res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-15", stored.Date) // 04:00 in Mexico City
	assert.Equal(t, payments.SourceManual, stored.Source)
}

func TestRecordPayment_DisabledDomainIsConfigurationError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cfg, err := billing.ReadConfig(ctx, f.store, "c1")
	require.NoError(t, err)
	cfg.Domains[engine.DomainWater] = billing.DomainConfig{}
	require.NoError(t, docstore.Save(ctx, f.store, engine.ConfigPath("c1"), cfg))

	in := payment(100)
	in.Domains = []engine.Domain{engine.DomainWater}
	_, err = f.recorder.RecordPayment(ctx, in)
	assert.True(t, engine.IsConfiguration(err))
}

func TestListTransactions_FiltersByAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, docstore.Save(ctx, f.store, engine.AccountPath("c1", "cash"), payments.Account{AccountID: "cash"}))

	_, err := f.recorder.RecordPayment(ctx, payment(100))
	require.NoError(t, err)
	in := payment(50)
	in.TransactionID, in.AccountID = "tx-2", "cash"
	_, err = f.recorder.RecordPayment(ctx, in)
	require.NoError(t, err)

	all, err := payments.ListTransactions(ctx, f.store, "c1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cash, err := payments.ListTransactions(ctx, f.store, "c1", "cash")
	require.NoError(t, err)
	require.Len(t, cash, 1)
	assert.Equal(t, engine.TransactionID("tx-2"), cash[0].ID)

	_, err = payments.GetTransaction(ctx, f.store, "c1", "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestAllocationDomain(t *testing.T) {
	d, ok := payments.AllocationDomain(payments.AllocWaterPenalty)
	assert.True(t, ok)
	assert.Equal(t, engine.DomainWater, d)

	_, ok = payments.AllocationDomain(payments.AllocCreditAdded)
	assert.False(t, ok)
}
