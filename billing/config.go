package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// CLIENT BILLING CONFIGURATION
// =============================================================================

// DueAnchor selects which end of the period the due date counts from.
type DueAnchor string

const (
	DueFromPeriodStart DueAnchor = "period_start"
	DueFromPeriodEnd   DueAnchor = "period_end"
)

// ClientConfig is stored at clients/{clientId}/config/billing.
type ClientConfig struct {
	ClientID             engine.ClientID                `json:"clientId"`
	Timezone             string                         `json:"timezone"`
	FiscalYearStartMonth int                            `json:"fiscalYearStartMonth"`
	AllowNegativeCredit  bool                           `json:"allowNegativeCredit"`
	Domains              map[engine.Domain]DomainConfig `json:"domains"`
}

// DomainConfig holds the billing rules of one domain.
type DomainConfig struct {
	Enabled         bool                      `json:"enabled"`
	PeriodType      PeriodType                `json:"periodType"`
	DueAnchor       DueAnchor                 `json:"dueAnchor"`
	DueOffsetDays   int                       `json:"dueOffsetDays"`
	GracePeriodDays int                       `json:"gracePeriodDays"`
	PenaltyRate     decimal.Decimal           `json:"penaltyRate"` // per month, 0.05 = 5%
	Compounding     bool                      `json:"compounding"`
	RatePerUnit     money.Centavos            `json:"ratePerUnit"` // metered domains only
	AncillaryRates  map[string]money.Centavos `json:"ancillaryRates,omitempty"`
}

func (c *ClientConfig) configErr(field, format string, args ...any) error {
	return &engine.ConfigurationError{ClientID: c.ClientID, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the whole configuration. Every failure is a ConfigurationError.
func (c *ClientConfig) Validate() error {
	if reason := engine.IDProblem(string(c.ClientID)); reason != "" {
		return c.configErr("clientId", "%s", reason)
	}
	if _, err := clock.LoadLocation(c.Timezone); err != nil {
		return c.configErr("timezone", "%v", err)
	}
	if c.FiscalYearStartMonth < 1 || c.FiscalYearStartMonth > 12 {
		return c.configErr("fiscalYearStartMonth", "must be 1-12, got %d", c.FiscalYearStartMonth)
	}
	for domain, dc := range c.Domains {
		if !domain.IsValid() {
			return c.configErr("domains", "unknown domain %q", domain)
		}
		if !dc.Enabled {
			continue
		}
		prefix := "domains." + string(domain) + "."
		if !dc.PeriodType.IsValid() {
			return c.configErr(prefix+"periodType", "must be monthly or quarterly, got %q", dc.PeriodType)
		}
		if dc.DueAnchor != DueFromPeriodStart && dc.DueAnchor != DueFromPeriodEnd {
			return c.configErr(prefix+"dueAnchor", "must be period_start or period_end, got %q", dc.DueAnchor)
		}
		if dc.DueOffsetDays < 0 {
			return c.configErr(prefix+"dueOffsetDays", "cannot be negative")
		}
		if dc.GracePeriodDays < 0 {
			return c.configErr(prefix+"gracePeriodDays", "cannot be negative")
		}
		if dc.PenaltyRate.IsNegative() {
			return c.configErr(prefix+"penaltyRate", "cannot be negative")
		}
		if domain == engine.DomainWater && !dc.RatePerUnit.IsPositive() {
			return c.configErr(prefix+"ratePerUnit", "must be positive")
		}
		for service, rate := range dc.AncillaryRates {
			if rate.IsNegative() {
				return c.configErr(prefix+"ancillaryRates."+service, "cannot be negative")
			}
		}
	}
	return nil
}

// Location returns the client's timezone. Validate guarantees it resolves.
func (c *ClientConfig) Location() *time.Location {
	loc, err := clock.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Domain returns the rules of an enabled domain.
func (c *ClientConfig) Domain(d engine.Domain) (DomainConfig, error) {
	dc, ok := c.Domains[d]
	if !ok || !dc.Enabled {
		return DomainConfig{}, c.configErr("domains."+string(d), "billing domain is not enabled")
	}
	return dc, nil
}

// DueDate computes the due date of a period.
func (dc DomainConfig) DueDate(periodStart, periodEnd time.Time) time.Time {
	anchor := periodStart
	if dc.DueAnchor == DueFromPeriodEnd {
		anchor = periodEnd
	}
	return clock.AddDays(anchor, dc.DueOffsetDays)
}

// =============================================================================
// LOADING
// =============================================================================

// LoadConfig reads and validates a client's configuration inside a unit of work.
func LoadConfig(tx docstore.Tx, clientID engine.ClientID) (*ClientConfig, error) {
	doc, err := tx.Get(engine.ConfigPath(clientID))
	if err != nil {
		return nil, err
	}
	return decodeConfig(clientID, doc)
}

// ReadConfig reads and validates a client's configuration outside a unit of work.
func ReadConfig(ctx context.Context, store docstore.Store, clientID engine.ClientID) (*ClientConfig, error) {
	doc, err := store.Get(ctx, engine.ConfigPath(clientID))
	if err != nil {
		return nil, err
	}
	return decodeConfig(clientID, doc)
}

func decodeConfig(clientID engine.ClientID, doc *docstore.Document) (*ClientConfig, error) {
	if doc == nil {
		return nil, &engine.ConfigurationError{ClientID: clientID, Reason: "billing configuration not found"}
	}
	var cfg ClientConfig
	if err := doc.Decode(&cfg); err != nil {
		return nil, &engine.ConfigurationError{ClientID: clientID, Reason: err.Error()}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ClientIndexEntry marks a client as configured for billing.
type ClientIndexEntry struct {
	ClientID engine.ClientID `json:"clientId"`
}

// SaveConfig validates and stores a client's configuration, and indexes the
// client in the same unit of work.
func SaveConfig(ctx context.Context, store docstore.Store, cfg *ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		if err := tx.Set(engine.ConfigPath(cfg.ClientID), cfg); err != nil {
			return err
		}
		return tx.Set(engine.ClientIndexPath(cfg.ClientID), ClientIndexEntry{ClientID: cfg.ClientID})
	})
}

// ListConfiguredClients returns every client SaveConfig has indexed, in id order.
func ListConfiguredClients(ctx context.Context, store docstore.Store) ([]engine.ClientID, error) {
	docs, err := store.List(ctx, engine.ClientIndexPrefix)
	if err != nil {
		return nil, err
	}
	clients := make([]engine.ClientID, 0, len(docs))
	for _, d := range docs {
		clients = append(clients, engine.ClientID(docstore.Base(d.Path)))
	}
	return clients, nil
}
