/*
Package factory converts client billing policies from JSON or YAML into
billing.ClientConfig.

PURPOSE:
  Administrators describe how a client bills (periods, due dates, grace,
  penalty rate, water rates) in a document instead of code. The factory
  fills defaults, converts major-unit money strings to centavos and runs
  the same validation the engine runs when it loads the stored config.

SCHEMA (JSON shown; YAML uses the same keys):
  {
    "client_id": "los-robles",
    "timezone": "America/Mexico_City",
    "fiscal_year_start": 1,
    "allow_negative_credit": false,
    "domains": {
      "hoa": {
        "period_type": "quarterly",
        "due_anchor": "period_start",
        "due_offset_days": 0,
        "grace_period_days": 10,
        "penalty_rate": "0.05",
        "compounding": true
      },
      "water": {
        "period_type": "monthly",
        "due_anchor": "period_end",
        "due_offset_days": 10,
        "rate_per_unit": "15.00",
        "ancillary_rates": {"sewer": "50.00"}
      }
    }
  }

  Money is written in major units ("15.00" is 1500 centavos). A domain that
  is listed is enabled unless "enabled": false says otherwise.

USAGE:
  f := factory.NewClientFactory("America/Mexico_City")
  cfg, err := f.Parse(body, "application/yaml")
  err = billing.SaveConfig(ctx, store, cfg)

SEE ALSO:
  - billing/config.go: ClientConfig and its validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ClientJSON is the document form of a client billing policy.
type ClientJSON struct {
	ClientID            string                `json:"client_id" yaml:"client_id"`
	Timezone            string                `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	FiscalYearStart     int                   `json:"fiscal_year_start,omitempty" yaml:"fiscal_year_start,omitempty"` // month 1-12
	AllowNegativeCredit bool                  `json:"allow_negative_credit,omitempty" yaml:"allow_negative_credit,omitempty"`
	Domains             map[string]DomainJSON `json:"domains" yaml:"domains"`
}

// DomainJSON is one billing domain's rules.
type DomainJSON struct {
	Enabled         *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	PeriodType      string            `json:"period_type,omitempty" yaml:"period_type,omitempty"`
	DueAnchor       string            `json:"due_anchor,omitempty" yaml:"due_anchor,omitempty"`
	DueOffsetDays   int               `json:"due_offset_days" yaml:"due_offset_days"`
	GracePeriodDays int               `json:"grace_period_days" yaml:"grace_period_days"`
	PenaltyRate     string            `json:"penalty_rate,omitempty" yaml:"penalty_rate,omitempty"`
	Compounding     bool              `json:"compounding,omitempty" yaml:"compounding,omitempty"`
	RatePerUnit     string            `json:"rate_per_unit,omitempty" yaml:"rate_per_unit,omitempty"`
	AncillaryRates  map[string]string `json:"ancillary_rates,omitempty" yaml:"ancillary_rates,omitempty"`
}

// =============================================================================
// CLIENT FACTORY
// =============================================================================

// ClientFactory converts policy documents to billing configurations.
type ClientFactory struct {
	DefaultTimezone string
}

func NewClientFactory(defaultTimezone string) *ClientFactory {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &ClientFactory{DefaultTimezone: defaultTimezone}
}

// Parse decodes a JSON or YAML document, chosen by content type. An unknown
// or empty content type is sniffed: a leading '{' means JSON.
func (f *ClientFactory) Parse(data []byte, contentType string) (*billing.ClientConfig, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return f.ParseJSON(data)
	case strings.Contains(ct, "yaml"), strings.Contains(ct, "yml"):
		return f.ParseYAML(data)
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		return f.ParseJSON(data)
	}
	return f.ParseYAML(data)
}

// ParseJSON decodes a JSON policy document.
func (f *ClientFactory) ParseJSON(data []byte) (*billing.ClientConfig, error) {
	var cj ClientJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, engine.Invalid("body", "failed to parse client policy JSON: %v", err)
	}
	return f.FromJSON(cj)
}

// ParseYAML decodes a YAML policy document.
func (f *ClientFactory) ParseYAML(data []byte) (*billing.ClientConfig, error) {
	var cj ClientJSON
	if err := yaml.Unmarshal(data, &cj); err != nil {
		return nil, engine.Invalid("body", "failed to parse client policy YAML: %v", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts the document form, applies defaults and validates.
func (f *ClientFactory) FromJSON(cj ClientJSON) (*billing.ClientConfig, error) {
	cfg := &billing.ClientConfig{
		ClientID:             engine.ClientID(cj.ClientID),
		Timezone:             cj.Timezone,
		FiscalYearStartMonth: cj.FiscalYearStart,
		AllowNegativeCredit:  cj.AllowNegativeCredit,
		Domains:              make(map[engine.Domain]billing.DomainConfig, len(cj.Domains)),
	}
	if cfg.Timezone == "" {
		cfg.Timezone = f.DefaultTimezone
	}
	if cfg.FiscalYearStartMonth == 0 {
		cfg.FiscalYearStartMonth = 1
	}

	for name, dj := range cj.Domains {
		domain := engine.Domain(strings.ToLower(name))
		dc, err := parseDomain(cfg.ClientID, domain, dj)
		if err != nil {
			return nil, err
		}
		cfg.Domains[domain] = dc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToJSON converts a configuration back to its document form.
func (f *ClientFactory) ToJSON(cfg *billing.ClientConfig) ClientJSON {
	cj := ClientJSON{
		ClientID:            string(cfg.ClientID),
		Timezone:            cfg.Timezone,
		FiscalYearStart:     cfg.FiscalYearStartMonth,
		AllowNegativeCredit: cfg.AllowNegativeCredit,
		Domains:             make(map[string]DomainJSON, len(cfg.Domains)),
	}
	for domain, dc := range cfg.Domains {
		enabled := dc.Enabled
		dj := DomainJSON{
			Enabled:         &enabled,
			PeriodType:      string(dc.PeriodType),
			DueAnchor:       string(dc.DueAnchor),
			DueOffsetDays:   dc.DueOffsetDays,
			GracePeriodDays: dc.GracePeriodDays,
			PenaltyRate:     dc.PenaltyRate.String(),
			Compounding:     dc.Compounding,
		}
		if !dc.RatePerUnit.IsZero() {
			dj.RatePerUnit = dc.RatePerUnit.String()
		}
		if len(dc.AncillaryRates) > 0 {
			dj.AncillaryRates = make(map[string]string, len(dc.AncillaryRates))
			for service, rate := range dc.AncillaryRates {
				dj.AncillaryRates[service] = rate.String()
			}
		}
		cj.Domains[string(domain)] = dj
	}
	return cj
}

// MarshalYAML renders a configuration as a YAML policy document.
func (f *ClientFactory) MarshalYAML(cfg *billing.ClientConfig) ([]byte, error) {
	return yaml.Marshal(f.ToJSON(cfg))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDomain(clientID engine.ClientID, domain engine.Domain, dj DomainJSON) (billing.DomainConfig, error) {
	field := func(name string) string { return "domains." + string(domain) + "." + name }
	configErr := func(name, format string, args ...any) error {
		return &engine.ConfigurationError{ClientID: clientID, Field: field(name), Reason: fmt.Sprintf(format, args...)}
	}

	dc := billing.DomainConfig{
		Enabled:         dj.Enabled == nil || *dj.Enabled,
		PeriodType:      parsePeriodType(dj.PeriodType),
		DueAnchor:       parseDueAnchor(dj.DueAnchor),
		DueOffsetDays:   dj.DueOffsetDays,
		GracePeriodDays: dj.GracePeriodDays,
		Compounding:     dj.Compounding,
	}

	if dj.PenaltyRate != "" {
		rate, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(dj.PenaltyRate), "%"))
		if err != nil {
			return dc, configErr("penalty_rate", "not a decimal: %q", dj.PenaltyRate)
		}
		if strings.HasSuffix(strings.TrimSpace(dj.PenaltyRate), "%") {
			rate = rate.Div(decimal.NewFromInt(100))
		}
		dc.PenaltyRate = rate
	}
	if dj.RatePerUnit != "" {
		rate, err := money.ParseMajor(dj.RatePerUnit)
		if err != nil {
			return dc, configErr("rate_per_unit", "%v", err)
		}
		dc.RatePerUnit = rate
	}
	if len(dj.AncillaryRates) > 0 {
		services := make([]string, 0, len(dj.AncillaryRates))
		for s := range dj.AncillaryRates {
			services = append(services, s)
		}
		sort.Strings(services)
		dc.AncillaryRates = make(map[string]money.Centavos, len(services))
		for _, s := range services {
			rate, err := money.ParseMajor(dj.AncillaryRates[s])
			if err != nil {
				return dc, configErr("ancillary_rates."+s, "%v", err)
			}
			dc.AncillaryRates[s] = rate
		}
	}
	return dc, nil
}

func parsePeriodType(s string) billing.PeriodType {
	switch strings.ToLower(s) {
	case "", "monthly", "month":
		return billing.PeriodMonthly
	case "quarterly", "quarter":
		return billing.PeriodQuarterly
	default:
		return billing.PeriodType(s) // rejected by Validate
	}
}

func parseDueAnchor(s string) billing.DueAnchor {
	switch strings.ToLower(s) {
	case "", "period_start", "start":
		return billing.DueFromPeriodStart
	case "period_end", "end":
		return billing.DueFromPeriodEnd
	default:
		return billing.DueAnchor(s) // rejected by Validate
	}
}
