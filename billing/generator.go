package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/audit"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/metrics"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// SERVICE
// =============================================================================

// PeriodCache is a read-through cache of encoded bill period documents.
// Misses and backend failures look the same to callers.
//
// Every Invalidate bumps the key's generation. A reader takes the generation
// before loading from the store and fills with SetIfGeneration, so a fill
// racing a writer's commit and invalidation is dropped instead of cached.
type PeriodCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Generation returns the key's invalidation counter. ok is false when the
	// backend cannot tell, and the caller must not fill.
	Generation(ctx context.Context, key string) (gen uint64, ok bool)
	SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte)
	Invalidate(ctx context.Context, key string)
}

// CacheKey is the cache key of one bill period document.
func CacheKey(clientID engine.ClientID, domain engine.Domain, periodID string) string {
	return "bills:" + string(clientID) + ":" + string(domain) + ":" + periodID
}

// NopCache never holds anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool)              { return nil, false }
func (NopCache) Generation(context.Context, string) (uint64, bool)       { return 0, false }
func (NopCache) SetIfGeneration(context.Context, string, uint64, []byte) {}
func (NopCache) Invalidate(context.Context, string)                      {}

// OrNop returns c, or NopCache when c is nil.
func OrNop(c PeriodCache) PeriodCache {
	if c == nil {
		return NopCache{}
	}
	return c
}

// Service generates bills, serves bill periods and refreshes penalties.
type Service struct {
	Store   docstore.Store
	Cache   PeriodCache
	Clock   clock.Clock
	Audit   engine.AuditSink
	Logger  *zap.Logger
	Retries int
}

func NewService(store docstore.Store, clk clock.Clock) *Service {
	return &Service{
		Store:   store,
		Cache:   NopCache{},
		Clock:   clk,
		Audit:   engine.NopAuditSink{},
		Logger:  zap.NewNop(),
		Retries: 3,
	}
}

// =============================================================================
// INPUT DOCUMENTS
// =============================================================================

// Unit is stored at clients/{clientId}/units/{unitId}.
type Unit struct {
	ID          engine.UnitID  `json:"id"`
	Name        string         `json:"name"`
	Owner       string         `json:"owner"`
	MonthlyDues money.Centavos `json:"monthlyDues"`
}

// Reading is one meter reading, stored at clients/{clientId}/readings/{id}.
type Reading struct {
	ID          string           `json:"id"`
	UnitID      engine.UnitID    `json:"unitId"`
	Timestamp   time.Time        `json:"timestamp"`
	Consumption int64            `json:"consumption"`
	Ancillary   map[string]int64 `json:"ancillary,omitempty"`
}

// =============================================================================
// BILLING PERIOD GENERATOR
// =============================================================================

// UnitFailure is one unit the generator could not bill.
type UnitFailure struct {
	UnitID engine.UnitID `json:"unitId"`
	Reason string        `json:"reason"`
}

// BillSet is the outcome of generating one period.
type BillSet struct {
	Document *PeriodDocument `json:"document"`
	Bills    []*Bill         `json:"bills"`
	Failures []UnitFailure   `json:"failures"`
}

// GeneratePeriodBills builds every unit's bill for a period and stores the
// bill period document. A period that already carries payments is refused
// with BillAlreadySettledError. One bad unit lands in Failures; the rest
// are still billed.
func (s *Service) GeneratePeriodBills(ctx context.Context, clientID engine.ClientID, domain engine.Domain, periodID string) (*BillSet, error) {
	start := time.Now()
	set, err := s.generate(ctx, clientID, domain, periodID)
	metrics.ObserveOperation("generate_bills", metrics.Result(err, engine.IsRetryable(err)), time.Since(start))
	if err != nil {
		s.Logger.Warn("bill generation failed",
			zap.String("client_id", string(clientID)),
			zap.String("domain", string(domain)),
			zap.String("period_id", periodID),
			zap.Error(err))
		return nil, err
	}

	s.Cache.Invalidate(ctx, CacheKey(clientID, domain, set.Document.PeriodID))
	metrics.AddBillsGenerated(string(domain), len(set.Bills))
	s.Logger.Info("bills generated",
		zap.String("client_id", string(clientID)),
		zap.String("domain", string(domain)),
		zap.String("period_id", set.Document.PeriodID),
		zap.Int("bills", len(set.Bills)),
		zap.Int("failures", len(set.Failures)))
	audit.Write(ctx, s.Audit, s.Logger, engine.AuditEntry{
		ClientID:     clientID,
		Module:       engine.AuditModuleBilling,
		Action:       engine.AuditActionGenerate,
		ParentPath:   engine.BillsPrefix(clientID, domain),
		DocID:        set.Document.PeriodID,
		FriendlyName: fmt.Sprintf("%s bills %s", domain, set.Document.PeriodID),
		Notes:        fmt.Sprintf("%d bills, %d failures", len(set.Bills), len(set.Failures)),
	})
	return set, nil
}

func (s *Service) generate(ctx context.Context, clientID engine.ClientID, domain engine.Domain, periodID string) (*BillSet, error) {
	if !domain.IsValid() {
		return nil, engine.Invalid("domain", "unknown billing domain %q", domain)
	}
	if err := engine.CheckID("clientId", string(clientID)); err != nil {
		return nil, err
	}
	key, err := ParsePeriodKey(periodID)
	if err != nil {
		return nil, engine.Invalid("periodId", "%v", err)
	}

	// Units and readings are collections; they are listed before the unit of
	// work. The config and the bill documents are re-read inside it.
	cfg, err := ReadConfig(ctx, s.Store, clientID)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.Domain(domain); err != nil {
		return nil, err
	}
	units, err := s.listUnits(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var readings []Reading
	if domain == engine.DomainWater {
		if readings, err = s.listReadings(ctx, clientID); err != nil {
			return nil, err
		}
	}

	var set *BillSet
	err = docstore.RunWithRetry(ctx, s.Store, s.Retries, func(ctx context.Context, tx docstore.Tx) error {
		// gather
		cfg, err := LoadConfig(tx, clientID)
		if err != nil {
			return err
		}
		dc, err := cfg.Domain(domain)
		if err != nil {
			return err
		}
		if key.Type != dc.PeriodType {
			return engine.Invalid("periodId", "%s bills are %s, got %s", domain, dc.PeriodType, periodID)
		}
		path := engine.BillPeriodPath(clientID, domain, key.String())
		existing, err := docstore.GetAs[PeriodDocument](tx, path)
		if err != nil {
			return err
		}
		if existing != nil {
			if settled := existing.SettledUnits(); len(settled) > 0 {
				return &engine.BillAlreadySettledError{ClientID: clientID, Domain: domain, PeriodID: key.String(), Units: settled}
			}
		}
		previous, err := docstore.GetAs[PeriodDocument](tx, engine.BillPeriodPath(clientID, domain, key.Prev().String()))
		if err != nil {
			return err
		}

		set = s.buildPeriod(cfg, dc, domain, key, units, readings, previous)

		// mutate
		return tx.Set(path, set.Document)
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Service) buildPeriod(cfg *ClientConfig, dc DomainConfig, domain engine.Domain, key PeriodKey,
	units map[engine.UnitID]Unit, readings []Reading, previous *PeriodDocument) *BillSet {

	loc := cfg.Location()
	periodStart, periodEnd := key.Bounds(cfg.FiscalYearStartMonth, loc)
	due := dc.DueDate(periodStart, periodEnd)
	penaltyStart := clock.AddDays(due, dc.GracePeriodDays)

	doc := &PeriodDocument{
		ClientID:         cfg.ClientID,
		Domain:           domain,
		PeriodID:         key.String(),
		PeriodStart:      clock.FormatDate(periodStart, loc),
		PeriodEnd:        clock.FormatDate(periodEnd, loc),
		DueDate:          clock.FormatDate(due, loc),
		PenaltyStartDate: clock.FormatDate(penaltyStart, loc),
		GeneratedAt:      s.Clock.Now().UTC(),
		Bills:            make(map[engine.UnitID]*Bill),
	}
	set := &BillSet{Document: doc, Bills: []*Bill{}, Failures: []UnitFailure{}}

	// A unit id is a path segment of the bill's allocation targetId.
	billable := make(map[engine.UnitID]Unit, len(units))
	for id, u := range units {
		if reason := engine.IDProblem(string(id)); reason != "" {
			set.Failures = append(set.Failures, UnitFailure{UnitID: id, Reason: "unit id " + reason})
			continue
		}
		billable[id] = u
	}
	units = billable
	if domain == engine.DomainWater {
		usable := readings[:0:0]
		for _, r := range readings {
			if engine.IDProblem(string(r.UnitID)) == "" {
				usable = append(usable, r)
			}
		}
		readings = usable
	}

	var charges map[engine.UnitID][]LineItem
	var failures []UnitFailure
	switch domain {
	case engine.DomainHOA:
		charges, failures = duesCharges(units, key.Type.Months())
	case engine.DomainWater:
		var lower *time.Time
		if previous != nil {
			if end, err := clock.ParseDate(previous.PeriodEnd, loc); err == nil {
				l := clock.AddDays(end, 1)
				lower = &l
			}
		}
		upper := clock.AddDays(periodEnd, 1)
		charges, failures = meteredCharges(dc, units, readings, lower, upper)
	}
	set.Failures = append(set.Failures, failures...)

	for unitID, items := range charges {
		var total money.Centavos
		for _, it := range items {
			total = total.Add(it.Amount)
		}
		if !total.IsPositive() {
			continue
		}
		b := &Bill{
			UnitID:           unitID,
			PeriodID:         doc.PeriodID,
			DueDate:          doc.DueDate,
			PenaltyStartDate: doc.PenaltyStartDate,
			BaseCharge:       total,
			LineItems:        items,
		}
		b.Recompute()
		doc.Bills[unitID] = b
	}
	set.Bills = doc.SortedBills()
	sort.Slice(set.Failures, func(i, j int) bool { return set.Failures[i].UnitID < set.Failures[j].UnitID })
	return set
}

// duesCharges bills monthlyDues for every month of the period.
func duesCharges(units map[engine.UnitID]Unit, months int) (map[engine.UnitID][]LineItem, []UnitFailure) {
	charges := make(map[engine.UnitID][]LineItem)
	var failures []UnitFailure
	for id, u := range units {
		if u.MonthlyDues.IsNegative() {
			failures = append(failures, UnitFailure{UnitID: id, Reason: "negative monthly dues"})
			continue
		}
		charges[id] = []LineItem{{
			Description: "Maintenance dues",
			Quantity:    int64(months),
			Rate:        u.MonthlyDues,
			Amount:      u.MonthlyDues * money.Centavos(months),
		}}
	}
	return charges, failures
}

// meteredCharges bills readings with lower <= timestamp < upper.
// charge = Σ consumption x ratePerUnit + Σ ancillaryCount x ancillaryRate
func meteredCharges(dc DomainConfig, units map[engine.UnitID]Unit, readings []Reading, lower *time.Time, upper time.Time) (map[engine.UnitID][]LineItem, []UnitFailure) {
	type usage struct {
		consumption int64
		ancillary   map[string]int64
		bad         string
	}
	perUnit := make(map[engine.UnitID]*usage)
	for _, r := range readings {
		if lower != nil && r.Timestamp.Before(*lower) {
			continue
		}
		if !r.Timestamp.Before(upper) {
			continue
		}
		u := perUnit[r.UnitID]
		if u == nil {
			u = &usage{ancillary: make(map[string]int64)}
			perUnit[r.UnitID] = u
		}
		if u.bad != "" {
			continue
		}
		if _, known := units[r.UnitID]; !known {
			u.bad = "reading for unknown unit"
			continue
		}
		if r.Consumption < 0 {
			u.bad = fmt.Sprintf("reading %s has negative consumption %d", r.ID, r.Consumption)
			continue
		}
		u.consumption += r.Consumption
		for service, count := range r.Ancillary {
			if _, ok := dc.AncillaryRates[service]; !ok {
				u.bad = fmt.Sprintf("reading %s uses unknown ancillary service %q", r.ID, service)
				break
			}
			if count < 0 {
				u.bad = fmt.Sprintf("reading %s has negative %s count", r.ID, service)
				break
			}
			u.ancillary[service] += count
		}
	}

	charges := make(map[engine.UnitID][]LineItem)
	var failures []UnitFailure
	for id, u := range perUnit {
		if u.bad != "" {
			failures = append(failures, UnitFailure{UnitID: id, Reason: u.bad})
			continue
		}
		items := []LineItem{{
			Description: "Consumption",
			Quantity:    u.consumption,
			Rate:        dc.RatePerUnit,
			Amount:      dc.RatePerUnit * money.Centavos(u.consumption),
		}}
		services := make([]string, 0, len(u.ancillary))
		for service := range u.ancillary {
			services = append(services, service)
		}
		sort.Strings(services)
		for _, service := range services {
			count := u.ancillary[service]
			rate := dc.AncillaryRates[service]
			items = append(items, LineItem{
				Description: service,
				Quantity:    count,
				Rate:        rate,
				Amount:      rate * money.Centavos(count),
			})
		}
		charges[id] = items
	}
	return charges, failures
}

func (s *Service) listUnits(ctx context.Context, clientID engine.ClientID) (map[engine.UnitID]Unit, error) {
	docs, err := s.Store.List(ctx, engine.UnitsPrefix(clientID))
	if err != nil {
		return nil, err
	}
	units := make(map[engine.UnitID]Unit, len(docs))
	for _, d := range docs {
		var u Unit
		if err := d.Decode(&u); err != nil {
			return nil, err
		}
		if u.ID == "" {
			u.ID = engine.UnitID(docstore.Base(d.Path))
		}
		units[u.ID] = u
	}
	return units, nil
}

func (s *Service) listReadings(ctx context.Context, clientID engine.ClientID) ([]Reading, error) {
	docs, err := s.Store.List(ctx, engine.ReadingsPrefix(clientID))
	if err != nil {
		return nil, err
	}
	readings := make([]Reading, 0, len(docs))
	for _, d := range docs {
		var r Reading
		if err := d.Decode(&r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			r.ID = docstore.Base(d.Path)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// =============================================================================
// READ-THROUGH
// =============================================================================

// GetPeriod returns a bill period document, served from the cache when possible.
// periodID accepts any spelling ParsePeriodKey does.
func (s *Service) GetPeriod(ctx context.Context, clientID engine.ClientID, domain engine.Domain, periodID string) (*PeriodDocument, error) {
	if !domain.IsValid() {
		return nil, engine.Invalid("domain", "unknown billing domain %q", domain)
	}
	pk, err := ParsePeriodKey(periodID)
	if err != nil {
		return nil, engine.Invalid("periodId", "%v", err)
	}
	periodID = pk.String()

	key := CacheKey(clientID, domain, periodID)
	if data, ok := s.Cache.Get(ctx, key); ok {
		var doc PeriodDocument
		if err := json.Unmarshal(data, &doc); err == nil {
			return &doc, nil
		}
		s.Cache.Invalidate(ctx, key)
	}

	// The generation is read before the load: a writer that commits after
	// the load also invalidates after it, and that moves the generation on.
	gen, fill := s.Cache.Generation(ctx, key)
	doc, err := docstore.Load[PeriodDocument](ctx, s.Store, engine.BillPeriodPath(clientID, domain, periodID))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &engine.NotFoundError{Kind: "bill period", ID: string(domain) + "/" + periodID}
	}
	if fill {
		if data, err := json.Marshal(doc); err == nil {
			s.Cache.SetIfGeneration(ctx, key, gen, data)
		}
	}
	return doc, nil
}

// ListPeriodPaths returns the paths of every bill period document of a domain.
func (s *Service) ListPeriodPaths(ctx context.Context, clientID engine.ClientID, domain engine.Domain) ([]string, error) {
	docs, err := s.Store.List(ctx, engine.BillsPrefix(clientID, domain))
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(docs))
	for i, d := range docs {
		paths[i] = d.Path
	}
	return paths, nil
}
