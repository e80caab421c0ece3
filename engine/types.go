/*
Package engine holds the vocabulary shared by every billing component.

PURPOSE:
  Identifiers, the error taxonomy and the audit contract live here so that
  the credit ledger, bill generator, payment recorder and reversal
  coordinator can exchange them without importing each other.

KEY CONCEPTS IN THIS FILE (types.go):
  - ClientID: the tenant (one homeowners association)
  - UnitID: a unit (condo, lot) inside a client
  - TransactionID: one payment event; the link between a payment and every
    document it touched
  - Domain: which billing domain produced a bill or a credit entry

SEE ALSO:
  - errors.go: error taxonomy
  - audit.go: audit sink contract
*/
package engine

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type UnitID string
type TransactionID string
type AccountID string

// Domain identifies the billing domain a bill or allocation belongs to.
type Domain string

const (
	DomainHOA   Domain = "hoa"   // scheduled association dues
	DomainWater Domain = "water" // metered water consumption
)

// Domains lists every billing domain in display order.
var Domains = []Domain{DomainHOA, DomainWater}

// IsValid reports whether d is a known billing domain.
func (d Domain) IsValid() bool {
	switch d {
	case DomainHOA, DomainWater:
		return true
	}
	return false
}

func (d Domain) String() string { return string(d) }
