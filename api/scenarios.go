/*
scenarios.go - Demo client loaders for testing and demonstrations

PURPOSE:

	Provides pre-built demo clients that populate the store with realistic
	data: a billing policy, units, meter readings, a bank account and
	generated bills. Each scenario writes one client, so loading a scenario
	never touches real clients.

AVAILABLE SCENARIOS:

	los-robles:   Quarterly HOA dues plus monthly metered water, fresh bills
	late-payers:  Same community with an overdue quarter, penalties,
	              a partial payment and prepaid credit

HOW SCENARIOS WORK:
 1. Delete every document of the scenario's client
 2. Store the billing policy through the YAML factory
 3. Create units, readings and the bank account
 4. Generate bills relative to today
 5. Optionally record payments and credit

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-payers"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, client
 2. Create loader function: loadXxxScenario(ctx, clientID)
 3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: engine services used by the loaders
  - factory/policy.go: policy document format
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/payments"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "los-robles",
		Name:        "Los Robles",
		Description: "Quarterly HOA dues and monthly metered water with freshly generated bills",
		ClientID:    "demo-los-robles",
	},
	{
		ID:          "late-payers",
		Name:        "Late Payers",
		Description: "Overdue quarter with penalties, a partial payment and prepaid credit",
		ClientID:    "demo-late-payers",
	},
}

const demoPolicyYAML = `
client_id: %s
timezone: America/Mexico_City
fiscal_year_start: 1
domains:
  hoa:
    period_type: quarterly
    due_anchor: period_start
    due_offset_days: 0
    grace_period_days: 10
    penalty_rate: "5%%"
    compounding: true
  water:
    period_type: monthly
    due_anchor: period_end
    due_offset_days: 10
    grace_period_days: 5
    penalty_rate: "0.02"
    rate_per_unit: "15.00"
    ancillary_rates:
      sewer: "50.00"
`

var demoUnits = []billing.Unit{
	{ID: "101", Name: "Casa 101", Owner: "Familia García", MonthlyDues: 150000},
	{ID: "102", Name: "Casa 102", Owner: "Familia López", MonthlyDues: 180000},
	{ID: "103", Name: "Casa 103", Owner: "Familia Martínez", MonthlyDues: 150000},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	clientID := engine.ClientID(s.ClientID)

	var (
		periods []string
		err     error
	)
	switch s.ID {
	case "los-robles":
		periods, err = h.loadLosRoblesScenario(ctx, clientID)
	case "late-payers":
		periods, err = h.loadLatePayersScenario(ctx, clientID)
	}
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load scenario %s: %w", s.ID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: s, Periods: periods})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadLosRoblesScenario(ctx context.Context, clientID engine.ClientID) ([]string, error) {
	cfg, err := h.seedCommunity(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := h.Clock.Now().In(cfg.Location())
	quarter := billing.PeriodContaining(now, billing.PeriodQuarterly, cfg.FiscalYearStartMonth)
	lastMonth := billing.PeriodContaining(now, billing.PeriodMonthly, cfg.FiscalYearStartMonth).Prev()

	if err := h.seedReadings(ctx, cfg, lastMonth, map[engine.UnitID]int64{"101": 12, "102": 18, "103": 9}); err != nil {
		return nil, err
	}
	return h.generate(ctx, clientID,
		periodRef{engine.DomainHOA, quarter},
		periodRef{engine.DomainWater, lastMonth})
}

func (h *Handler) loadLatePayersScenario(ctx context.Context, clientID engine.ClientID) ([]string, error) {
	cfg, err := h.seedCommunity(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := h.Clock.Now().In(cfg.Location())
	quarter := billing.PeriodContaining(now, billing.PeriodQuarterly, cfg.FiscalYearStartMonth)
	lastMonth := billing.PeriodContaining(now, billing.PeriodMonthly, cfg.FiscalYearStartMonth).Prev()

	if err := h.seedReadings(ctx, cfg, lastMonth, map[engine.UnitID]int64{"101": 25, "102": 14, "103": 31}); err != nil {
		return nil, err
	}
	periods, err := h.generate(ctx, clientID,
		periodRef{engine.DomainHOA, quarter.Prev()},
		periodRef{engine.DomainHOA, quarter},
		periodRef{engine.DomainWater, lastMonth})
	if err != nil {
		return nil, err
	}

	if _, err := h.Billing.RefreshPenalties(ctx, clientID, engine.DomainHOA, h.Clock.Now()); err != nil {
		return nil, err
	}

	// 101 pays part of the overdue quarter; 102 prepaid.
	if _, err := h.Payments.RecordPayment(ctx, payments.PaymentInput{
		ClientID:      clientID,
		UnitID:        "101",
		AccountID:     "bank",
		Amount:        200000,
		TransactionID: "demo-payment-101",
		Note:          "Transferencia parcial",
		Domains:       []engine.Domain{engine.DomainHOA},
	}); err != nil {
		return nil, err
	}
	if _, err := h.Credit.Append(ctx, credit.AppendInput{
		ClientID: clientID,
		UnitID:   "102",
		Amount:   50000,
		Note:     "Saldo a favor inicial",
		Source:   credit.SourceManual,
	}); err != nil {
		return nil, err
	}
	return periods, nil
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

type periodRef struct {
	domain engine.Domain
	key    billing.PeriodKey
}

// seedCommunity wipes the client and stores its policy, units and account.
func (h *Handler) seedCommunity(ctx context.Context, clientID engine.ClientID) (*billing.ClientConfig, error) {
	if err := h.resetClient(ctx, clientID); err != nil {
		return nil, err
	}

	cfg, err := h.Factory.ParseYAML([]byte(fmt.Sprintf(demoPolicyYAML, clientID)))
	if err != nil {
		return nil, err
	}
	if err := billing.SaveConfig(ctx, h.Store, cfg); err != nil {
		return nil, err
	}

	for _, u := range demoUnits {
		if err := docstore.Save(ctx, h.Store, engine.UnitPath(clientID, u.ID), u); err != nil {
			return nil, err
		}
	}
	account := payments.Account{
		ClientID:  clientID,
		AccountID: "bank",
		Name:      "Cuenta bancaria",
		UpdatedAt: h.Clock.Now().UTC(),
	}
	if err := docstore.Save(ctx, h.Store, engine.AccountPath(clientID, account.AccountID), account); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedReadings stores one mid-period reading per unit, with one sewer
// service on unit 101.
func (h *Handler) seedReadings(ctx context.Context, cfg *billing.ClientConfig, period billing.PeriodKey, consumption map[engine.UnitID]int64) error {
	start, _ := period.Bounds(cfg.FiscalYearStartMonth, cfg.Location())
	at := clock.AddDays(start, 14).Add(12 * time.Hour)

	for _, u := range demoUnits {
		reading := billing.Reading{
			ID:          fmt.Sprintf("%s-%s", period, u.ID),
			UnitID:      u.ID,
			Timestamp:   at,
			Consumption: consumption[u.ID],
		}
		if u.ID == "101" {
			reading.Ancillary = map[string]int64{"sewer": 1}
		}
		if err := docstore.Save(ctx, h.Store, engine.ReadingPath(cfg.ClientID, reading.ID), reading); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) generate(ctx context.Context, clientID engine.ClientID, refs ...periodRef) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		set, err := h.Billing.GeneratePeriodBills(ctx, clientID, ref.domain, ref.key.String())
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%s/%s", ref.domain, set.Document.PeriodID))
	}
	return out, nil
}

// resetClient deletes every document stored under the client.
func (h *Handler) resetClient(ctx context.Context, clientID engine.ClientID) error {
	docs, err := h.Store.List(ctx, engine.ClientPath(clientID))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	err = h.Store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		for _, d := range docs {
			if err := tx.Delete(d.Path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Cached bill periods of the wiped client are stale now.
	for _, d := range docs {
		if domain, periodID, ok := billPeriodOf(clientID, d.Path); ok {
			h.Billing.Cache.Invalidate(ctx, billing.CacheKey(clientID, domain, periodID))
		}
	}
	return nil
}

func billPeriodOf(clientID engine.ClientID, path string) (engine.Domain, string, bool) {
	for _, d := range []engine.Domain{engine.DomainHOA, engine.DomainWater} {
		if periodID, ok := strings.CutPrefix(path, engine.BillsPrefix(clientID, d)+"/"); ok && periodID != "" {
			return d, periodID, true
		}
	}
	return "", "", false
}
