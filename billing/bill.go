/*
Package billing turns dues schedules and meter readings into bills, accrues
penalties on them, and decides how a payment is spread across them.

PURPOSE:
  One bill period document per client, domain and period holds the bill of
  every unit. Bills are created by the generator, mutated only by payment
  recording (adding payment records) and by the penalty refresher
  (penaltyAmount), and stripped of payment records by reversal.

KEY CONCEPTS:
  - Bill: baseCharge + penaltyAmount owed, basePaid + penaltyPaid satisfied
  - PaymentRecord: the only authoritative source of basePaid/penaltyPaid
  - Status: a pure function of owed vs paid, recomputed on every change

CRITICAL INVARIANTS:
  basePaid    == Σ payments[].baseChargePaid
  penaltyPaid == Σ payments[].penaltyPaid
  status == paid  iff  basePaid + penaltyPaid >= baseCharge + penaltyAmount

SEE ALSO:
  - penalty.go:     penalty accrual calculator
  - generator.go:   billing period generator
  - distributor.go: payment distributor
  - refresher.go:   batch penalty refresh
*/
package billing

import (
	"sort"
	"time"

	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// BILL
// =============================================================================

type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
)

// PaymentRecord is one transaction's contribution to a bill.
type PaymentRecord struct {
	TransactionID  engine.TransactionID `json:"transactionId"`
	Amount         money.Centavos       `json:"amount"`
	BaseChargePaid money.Centavos       `json:"baseChargePaid"`
	PenaltyPaid    money.Centavos       `json:"penaltyPaid"`
	Date           string               `json:"date"`
}

// LineItem explains how baseCharge was built.
type LineItem struct {
	Description string         `json:"description"`
	Quantity    int64          `json:"quantity"`
	Rate        money.Centavos `json:"rate"`
	Amount      money.Centavos `json:"amount"`
}

// Bill is one unit's bill for one period.
type Bill struct {
	UnitID           engine.UnitID   `json:"unitId"`
	PeriodID         string          `json:"periodId"`
	DueDate          string          `json:"dueDate"`
	PenaltyStartDate string          `json:"penaltyStartDate"`
	BaseCharge       money.Centavos  `json:"baseCharge"`
	PenaltyAmount    money.Centavos  `json:"penaltyAmount"`
	BasePaid         money.Centavos  `json:"basePaid"`
	PenaltyPaid      money.Centavos  `json:"penaltyPaid"`
	Status           Status          `json:"status"`
	Payments         []PaymentRecord `json:"payments"`
	LineItems        []LineItem      `json:"lineItems"`
	Unresolvable     bool            `json:"unresolvable,omitempty"`
}

// Recompute derives basePaid, penaltyPaid and status from the payment records.
func (b *Bill) Recompute() {
	if b.Payments == nil {
		b.Payments = []PaymentRecord{}
	}
	if b.LineItems == nil {
		b.LineItems = []LineItem{}
	}
	var base, penalty money.Centavos
	for _, p := range b.Payments {
		base = base.Add(p.BaseChargePaid)
		penalty = penalty.Add(p.PenaltyPaid)
	}
	b.BasePaid, b.PenaltyPaid = base, penalty

	paid := base.Add(penalty)
	switch {
	case paid >= b.BaseCharge.Add(b.PenaltyAmount):
		b.Status = StatusPaid
	case paid.IsPositive():
		b.Status = StatusPartial
	default:
		b.Status = StatusUnpaid
	}
}

// BaseOwed is the unpaid part of the base charge.
func (b *Bill) BaseOwed() money.Centavos {
	return money.Max(0, b.BaseCharge.Sub(b.BasePaid))
}

// PenaltyOwed is the unpaid part of the current penalty.
func (b *Bill) PenaltyOwed() money.Centavos {
	return money.Max(0, b.PenaltyAmount.Sub(b.PenaltyPaid))
}

// HasPayments reports whether any transaction has paid into the bill.
func (b *Bill) HasPayments() bool { return len(b.Payments) > 0 }

// AddPayment appends a payment record and recomputes.
func (b *Bill) AddPayment(p PaymentRecord) {
	b.Payments = append(b.Payments, p)
	b.Recompute()
}

// RemovePayments drops every record of transaction id and recomputes.
// It returns the removed records.
func (b *Bill) RemovePayments(id engine.TransactionID) []PaymentRecord {
	kept := make([]PaymentRecord, 0, len(b.Payments))
	var removed []PaymentRecord
	for _, p := range b.Payments {
		if p.TransactionID == id {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	b.Payments = kept
	b.Recompute()
	return removed
}

// Check verifies the bill invariants.
func (b *Bill) Check() bool {
	c := *b
	c.Payments = append([]PaymentRecord(nil), b.Payments...)
	c.Recompute()
	return c.BasePaid == b.BasePaid && c.PenaltyPaid == b.PenaltyPaid && c.Status == b.Status
}

// =============================================================================
// BILL PERIOD DOCUMENT
// =============================================================================

// PeriodDocument is stored at clients/{clientId}/bills/{domain}/{periodId}.
type PeriodDocument struct {
	ClientID         engine.ClientID        `json:"clientId"`
	Domain           engine.Domain          `json:"domain"`
	PeriodID         string                 `json:"periodId"`
	PeriodStart      string                 `json:"periodStart"`
	PeriodEnd        string                 `json:"periodEnd"`
	DueDate          string                 `json:"dueDate"`
	PenaltyStartDate string                 `json:"penaltyStartDate"`
	GeneratedAt      time.Time              `json:"generatedAt"`
	Bills            map[engine.UnitID]*Bill `json:"bills"`
}

// Path returns the document's store path.
func (d *PeriodDocument) Path() string {
	return engine.BillPeriodPath(d.ClientID, d.Domain, d.PeriodID)
}

// SettledUnits lists units whose bills carry payments, sorted.
func (d *PeriodDocument) SettledUnits() []engine.UnitID {
	var units []engine.UnitID
	for id, b := range d.Bills {
		if b.HasPayments() {
			units = append(units, id)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// SortedBills returns the bills ordered by unit id.
func (d *PeriodDocument) SortedBills() []*Bill {
	out := make([]*Bill, 0, len(d.Bills))
	for _, b := range d.Bills {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}
