package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/docstore/memory"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// FIXTURES
// =============================================================================

type mapCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	gens        map[string]uint64
	hits        int
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte), gens: make(map[string]uint64)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Generation(_ context.Context, key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key], true
}

func (c *mapCache) SetIfGeneration(_ context.Context, key string, gen uint64, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] == gen {
		c.data[key] = v
	}
}

func (c *mapCache) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.gens[key]++
	c.invalidated = append(c.invalidated, key)
}

func (c *mapCache) cached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// interleavingStore runs afterGet once, right after the first read of path
// returns and before the caller sees the result.
type interleavingStore struct {
	docstore.Store
	path     string
	afterGet func()
	once     sync.Once
}

func (s *interleavingStore) Get(ctx context.Context, path string) (*docstore.Document, error) {
	doc, err := s.Store.Get(ctx, path)
	if path == s.path {
		s.once.Do(s.afterGet)
	}
	return doc, err
}

func testConfig() billing.ClientConfig {
	return billing.ClientConfig{
		ClientID:             "c1",
		Timezone:             "UTC",
		FiscalYearStartMonth: 1,
		Domains: map[engine.Domain]billing.DomainConfig{
			engine.DomainHOA: {
				Enabled:         true,
				PeriodType:      billing.PeriodQuarterly,
				DueAnchor:       billing.DueFromPeriodStart,
				DueOffsetDays:   9,
				GracePeriodDays: 10,
				PenaltyRate:     decimal.RequireFromString("0.05"),
				Compounding:     true,
			},
			engine.DomainWater: {
				Enabled:         true,
				PeriodType:      billing.PeriodMonthly,
				DueAnchor:       billing.DueFromPeriodEnd,
				DueOffsetDays:   10,
				GracePeriodDays: 5,
				PenaltyRate:     decimal.RequireFromString("0.02"),
				RatePerUnit:     1500,
				AncillaryRates:  map[string]money.Centavos{"sewer": 5000},
			},
		},
	}
}

func seedClient(t *testing.T) (*billing.Service, *memory.Store, *mapCache) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	cfg := testConfig()
	require.NoError(t, docstore.Save(ctx, store, engine.ConfigPath("c1"), cfg))
	for _, u := range []billing.Unit{
		{ID: "101", Name: "Casa 101", MonthlyDues: 100000},
		{ID: "102", Name: "Casa 102", MonthlyDues: 150000},
		{ID: "103", Name: "Casa 103", MonthlyDues: 0},
	} {
		require.NoError(t, docstore.Save(ctx, store, engine.UnitPath("c1", u.ID), u))
	}

	cache := newMapCache()
	svc := billing.NewService(store, clock.Fixed{At: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)})
	svc.Cache = cache
	return svc, store, cache
}

func saveReading(t *testing.T, store docstore.Store, r billing.Reading) {
	t.Helper()
	require.NoError(t, docstore.Save(context.Background(), store, engine.ReadingPath("c1", r.ID), r))
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerate_HOAQuarterFromDues(t *testing.T) {
	svc, _, cache := seedClient(t)

	set, err := svc.GeneratePeriodBills(context.Background(), "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	doc := set.Document
	assert.Equal(t, "2026-01-01", doc.PeriodStart)
	assert.Equal(t, "2026-03-31", doc.PeriodEnd)
	assert.Equal(t, "2026-01-10", doc.DueDate)
	assert.Equal(t, "2026-01-20", doc.PenaltyStartDate)

	// unit 103 has no dues and gets no bill
	require.Len(t, set.Bills, 2)
	assert.Equal(t, money.Centavos(300000), doc.Bills["101"].BaseCharge)
	assert.Equal(t, money.Centavos(450000), doc.Bills["102"].BaseCharge)
	for _, b := range set.Bills {
		assert.Equal(t, billing.StatusUnpaid, b.Status)
		assert.Zero(t, b.PenaltyAmount)
		assert.Empty(t, b.Payments)
		assert.NotNil(t, b.Payments)
	}
	assert.Contains(t, cache.invalidated, billing.CacheKey("c1", engine.DomainHOA, "2026-Q1"))
}

func TestGenerate_WaterOnlyBillsUncoveredReadings(t *testing.T) {
	svc, store, _ := seedClient(t)
	ctx := context.Background()

	saveReading(t, store, billing.Reading{ID: "r1", UnitID: "101", Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), Consumption: 10})
	saveReading(t, store, billing.Reading{ID: "r2", UnitID: "101", Timestamp: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC), Consumption: 12, Ancillary: map[string]int64{"sewer": 1}})
	saveReading(t, store, billing.Reading{ID: "r3", UnitID: "102", Timestamp: time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), Consumption: 8})
	saveReading(t, store, billing.Reading{ID: "r4", UnitID: "102", Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Consumption: 99})

	// January covers r1 only
	jan, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainWater, "2026-M01")
	require.NoError(t, err)
	require.Len(t, jan.Bills, 1)
	assert.Equal(t, money.Centavos(15000), jan.Document.Bills["101"].BaseCharge)
	assert.Equal(t, "2026-02-10", jan.Document.DueDate)

	// February starts after January's periodEnd, and stops at its own
	feb, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainWater, "2026-M02")
	require.NoError(t, err)
	require.Len(t, feb.Bills, 2)
	assert.Equal(t, money.Centavos(12*1500+5000), feb.Document.Bills["101"].BaseCharge)
	assert.Len(t, feb.Document.Bills["101"].LineItems, 2)
	assert.Equal(t, money.Centavos(8*1500), feb.Document.Bills["102"].BaseCharge)
}

func TestGenerate_BadUnitDoesNotAbortBatch(t *testing.T) {
	svc, store, _ := seedClient(t)
	saveReading(t, store, billing.Reading{ID: "r1", UnitID: "101", Timestamp: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), Consumption: 10})
	saveReading(t, store, billing.Reading{ID: "r2", UnitID: "102", Timestamp: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), Consumption: -3})
	saveReading(t, store, billing.Reading{ID: "r3", UnitID: "103", Timestamp: time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC), Consumption: 1, Ancillary: map[string]int64{"pool": 1}})
	saveReading(t, store, billing.Reading{ID: "r4", UnitID: "999", Timestamp: time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC), Consumption: 1})

	set, err := svc.GeneratePeriodBills(context.Background(), "c1", engine.DomainWater, "2026-M01")
	require.NoError(t, err)

	assert.Len(t, set.Bills, 1)
	require.Len(t, set.Failures, 3)
	assert.Equal(t, engine.UnitID("102"), set.Failures[0].UnitID)
	assert.Contains(t, set.Failures[0].Reason, "negative consumption")
	assert.Contains(t, set.Failures[1].Reason, "unknown ancillary service")
	assert.Equal(t, engine.UnitID("999"), set.Failures[2].UnitID)
}

func TestGenerate_RefusesPeriodWithPayments(t *testing.T) {
	// GIVEN: a generated period where unit 101 has paid
	svc, store, _ := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	path := engine.BillPeriodPath("c1", engine.DomainHOA, "2026-Q1")
	doc, err := docstore.Load[billing.PeriodDocument](ctx, store, path)
	require.NoError(t, err)
	doc.Bills["101"].AddPayment(billing.PaymentRecord{TransactionID: "tx-1", Amount: 1000, BaseChargePaid: 1000, Date: "2026-01-05"})
	require.NoError(t, docstore.Save(ctx, store, path, doc))

	// WHEN: the period is regenerated
	_, err = svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")

	// THEN: refused, naming the settled unit, and the payment survives
	var settled *engine.BillAlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, []engine.UnitID{"101"}, settled.Units)

	after, err := docstore.Load[billing.PeriodDocument](ctx, store, path)
	require.NoError(t, err)
	assert.Len(t, after.Bills["101"].Payments, 1)
}

func TestGenerate_OverwritesUnpaidPeriod(t *testing.T) {
	svc, store, _ := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	require.NoError(t, docstore.Save(ctx, store, engine.UnitPath("c1", "101"), billing.Unit{ID: "101", MonthlyDues: 120000}))
	set, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, money.Centavos(360000), set.Document.Bills["101"].BaseCharge)
}

func TestGenerate_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	svc := billing.NewService(memory.New(), clock.Fixed{At: time.Now()})

	_, err := svc.GeneratePeriodBills(ctx, "nobody", engine.DomainHOA, "2026-Q1")
	assert.True(t, engine.IsConfiguration(err))

	svc, store, _ := seedClient(t)
	cfg := testConfig()
	cfg.Domains[engine.DomainWater] = billing.DomainConfig{Enabled: false}
	require.NoError(t, docstore.Save(ctx, store, engine.ConfigPath("c1"), cfg))
	_, err = svc.GeneratePeriodBills(ctx, "c1", engine.DomainWater, "2026-M01")
	assert.True(t, engine.IsConfiguration(err))

	cfg = testConfig()
	cfg.Timezone = "Mars/Olympus"
	require.NoError(t, docstore.Save(ctx, store, engine.ConfigPath("c1"), cfg))
	_, err = svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	var cfgErr *engine.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "timezone", cfgErr.Field)
}

func TestGenerate_UnitIDWithSlashIsAFailure(t *testing.T) {
	// GIVEN: a unit whose id cannot be one segment of a bill targetId
	svc, store, _ := seedClient(t)
	ctx := context.Background()
	require.NoError(t, docstore.Save(ctx, store, engine.UnitPath("c1", "A/1"), billing.Unit{ID: "A/1", MonthlyDues: 500}))

	// WHEN: the quarter is generated
	set, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")

	// THEN: the other units are billed and A/1 is reported instead of billed
	require.NoError(t, err)
	assert.Len(t, set.Bills, 2)
	assert.NotContains(t, set.Document.Bills, engine.UnitID("A/1"))
	require.Len(t, set.Failures, 1)
	assert.Equal(t, engine.UnitID("A/1"), set.Failures[0].UnitID)
	assert.Contains(t, set.Failures[0].Reason, "'/'")

	_, err = svc.GeneratePeriodBills(ctx, "c/2", engine.DomainHOA, "2026-Q1")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestGenerate_RejectsWrongPeriodShape(t *testing.T) {
	svc, _, _ := seedClient(t)
	_, err := svc.GeneratePeriodBills(context.Background(), "c1", engine.DomainHOA, "2026-M01")
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = svc.GeneratePeriodBills(context.Background(), "c1", engine.DomainHOA, "Q1-2026")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

// =============================================================================
// READ-THROUGH CACHE
// =============================================================================

func TestGetPeriod_ReadThrough(t *testing.T) {
	svc, _, cache := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	first, err := svc.GetPeriod(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.hits)

	second, err := svc.GetPeriod(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, first.Bills["101"].BaseCharge, second.Bills["101"].BaseCharge)

	_, err = svc.GetPeriod(ctx, "c1", engine.DomainHOA, "2030-Q1")
	assert.True(t, engine.IsNotFound(err))
}

func TestGetPeriod_AcceptsGenerationSpellings(t *testing.T) {
	svc, _, _ := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q01")
	require.NoError(t, err)
	_, err = svc.GeneratePeriodBills(ctx, "c1", engine.DomainWater, "2026-M3")
	require.NoError(t, err)

	for _, id := range []string{"2026-Q1", "2026-Q01"} {
		doc, err := svc.GetPeriod(ctx, "c1", engine.DomainHOA, id)
		require.NoError(t, err, id)
		assert.Equal(t, "2026-Q1", doc.PeriodID)
	}
	doc, err := svc.GetPeriod(ctx, "c1", engine.DomainWater, "2026-M3")
	require.NoError(t, err)
	assert.Equal(t, "2026-M03", doc.PeriodID)

	_, err = svc.GetPeriod(ctx, "c1", engine.DomainHOA, "Q1-2026")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestGetPeriod_WriterBetweenLoadAndFillIsNotCached(t *testing.T) {
	// GIVEN: a generated quarter and a reader whose store load is followed
	// by a penalty refresh committing before the reader fills the cache
	svc, store, cache := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	key := billing.CacheKey("c1", engine.DomainHOA, "2026-Q1")
	asOf := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	slow := &interleavingStore{
		Store: store,
		path:  engine.BillPeriodPath("c1", engine.DomainHOA, "2026-Q1"),
		afterGet: func() {
			report, err := svc.RefreshPenalties(ctx, "c1", engine.DomainHOA, asOf)
			require.NoError(t, err)
			require.Equal(t, 2, report.BillsUpdated)
		},
	}
	reader := billing.NewService(slow, svc.Clock)
	reader.Cache = cache

	// WHEN: the reader finishes with the pre-refresh document
	stale, err := reader.GetPeriod(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	assert.True(t, stale.Bills["101"].PenaltyAmount.IsZero())

	// THEN: that document was not cached and the next read sees the refresh
	assert.False(t, cache.cached(key))
	fresh, err := svc.GetPeriod(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, money.Centavos(30750), fresh.Bills["101"].PenaltyAmount)
	assert.True(t, cache.cached(key))
}

// =============================================================================
// PENALTY REFRESH
// =============================================================================

func TestRefreshPenalties_IdempotentBatch(t *testing.T) {
	svc, store, cache := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)
	asOf := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC) // 45 days after penaltyStartDate

	report, err := svc.RefreshPenalties(ctx, "c1", engine.DomainHOA, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsScanned)
	assert.Equal(t, 2, report.BillsUpdated)
	assert.Empty(t, report.Failures)
	assert.Contains(t, cache.invalidated, billing.CacheKey("c1", engine.DomainHOA, "2026-Q1"))

	doc, err := docstore.Load[billing.PeriodDocument](ctx, store, engine.BillPeriodPath("c1", engine.DomainHOA, "2026-Q1"))
	require.NoError(t, err)
	assert.Equal(t, money.Centavos(30750), doc.Bills["101"].PenaltyAmount)
	assert.Equal(t, money.Centavos(46125), doc.Bills["102"].PenaltyAmount)

	// re-running with the same asOf changes nothing
	again, err := svc.RefreshPenalties(ctx, "c1", engine.DomainHOA, asOf)
	require.NoError(t, err)
	assert.Zero(t, again.BillsUpdated)
	assert.Equal(t, 2, again.BillsUnchanged)
}

func TestRefreshPenalties_FlagsUnresolvableBills(t *testing.T) {
	svc, store, _ := seedClient(t)
	ctx := context.Background()
	_, err := svc.GeneratePeriodBills(ctx, "c1", engine.DomainHOA, "2026-Q1")
	require.NoError(t, err)

	path := engine.BillPeriodPath("c1", engine.DomainHOA, "2026-Q1")
	doc, _ := docstore.Load[billing.PeriodDocument](ctx, store, path)
	doc.Bills["102"].DueDate = ""
	require.NoError(t, docstore.Save(ctx, store, path, doc))

	report, err := svc.RefreshPenalties(ctx, "c1", engine.DomainHOA, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolvable)
	assert.Empty(t, report.Failures)

	doc, _ = docstore.Load[billing.PeriodDocument](ctx, store, path)
	assert.True(t, doc.Bills["102"].Unresolvable)
	assert.Zero(t, doc.Bills["102"].PenaltyAmount)
	assert.Positive(t, int64(doc.Bills["101"].PenaltyAmount))
}
