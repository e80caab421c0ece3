package billing

import (
	"sort"

	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// PAYMENT DISTRIBUTOR
// =============================================================================
//
// Policy: penalties before base charges, oldest due date first.
//
//   funds = cash + (credit balance, when UseCredit)
//   for each unpaid bill by due date:
//       penaltyPaid += min(funds, penalty owed)
//       basePaid    += min(funds left, base owed)
//   cash is spent before credit
//   cash left over            -> ResidualCredit (positive ledger entry)
//   credit spent              -> CreditUsed     (negative ledger entry)
//
// Distribute is pure: it reads bills and returns a plan. Applying the plan is
// the caller's job, inside its own unit of work.

// ReconcileTolerance is the largest rounding gap accepted between a payment
// and what the distribution accounts for.
const ReconcileTolerance money.Centavos = 1

// BillRef is a bill offered to the distributor, tagged with its domain.
type BillRef struct {
	Domain engine.Domain
	Bill   *Bill
}

// DistributionInput is everything the distributor looks at.
type DistributionInput struct {
	UnitID        engine.UnitID
	PaymentAmount money.Centavos
	CreditBalance money.Centavos
	UseCredit     bool
	Bills         []BillRef
}

// BillAllocation is the part of a payment assigned to one bill.
type BillAllocation struct {
	Domain      engine.Domain  `json:"domain"`
	PeriodID    string         `json:"periodId"`
	UnitID      engine.UnitID  `json:"unitId"`
	PenaltyPaid money.Centavos `json:"penaltyPaid"`
	BasePaid    money.Centavos `json:"basePaid"`
	FromCash    money.Centavos `json:"fromCash"`
	FromCredit  money.Centavos `json:"fromCredit"`
}

// Total is what the allocation pays into the bill.
func (a BillAllocation) Total() money.Centavos { return a.PenaltyPaid.Add(a.BasePaid) }

// TargetID is the allocation's bill reference.
func (a BillAllocation) TargetID() string { return engine.BillTargetID(a.Domain, a.PeriodID, a.UnitID) }

// Distribution is the plan for one payment.
type Distribution struct {
	Allocations    []BillAllocation `json:"allocations"`
	CreditUsed     money.Centavos   `json:"creditUsed"`
	ResidualCredit money.Centavos   `json:"residualCredit"`
}

// BillsTotal is the sum paid into bills.
func (d Distribution) BillsTotal() money.Centavos {
	var total money.Centavos
	for _, a := range d.Allocations {
		total = total.Add(a.Total())
	}
	return total
}

// Distribute computes the allocation plan for a payment.
func Distribute(in DistributionInput) (Distribution, error) {
	if in.PaymentAmount.IsNegative() {
		return Distribution{}, engine.Invalid("amount", "cannot be negative, got %s", in.PaymentAmount)
	}
	credit := money.Zero
	if in.UseCredit {
		if in.CreditBalance.IsNegative() {
			return Distribution{}, engine.Invalid("creditBalance", "cannot spend a negative credit balance (%s)", in.CreditBalance)
		}
		credit = in.CreditBalance
	}
	if in.PaymentAmount.IsZero() && credit.IsZero() {
		return Distribution{}, engine.Invalid("amount", "must be positive")
	}

	bills := make([]BillRef, 0, len(in.Bills))
	for _, ref := range in.Bills {
		if ref.Bill == nil || ref.Bill.Status == StatusPaid {
			continue
		}
		if ref.Bill.UnitID != in.UnitID {
			return Distribution{}, engine.Invalid("bills", "bill %s belongs to unit %s, not %s",
				engine.BillTargetID(ref.Domain, ref.Bill.PeriodID, ref.Bill.UnitID), ref.Bill.UnitID, in.UnitID)
		}
		bills = append(bills, ref)
	}
	sortByDueDate(bills)

	cash := in.PaymentAmount
	dist := Distribution{Allocations: []BillAllocation{}}
	for _, ref := range bills {
		funds := cash.Add(credit)
		if !funds.IsPositive() {
			break
		}
		b := ref.Bill
		penalty := money.Min(funds, b.PenaltyOwed())
		base := money.Min(funds.Sub(penalty), b.BaseOwed())
		total := penalty.Add(base)
		if total.IsZero() {
			continue
		}

		fromCash := money.Min(cash, total)
		fromCredit := total.Sub(fromCash)
		cash = cash.Sub(fromCash)
		credit = credit.Sub(fromCredit)
		dist.CreditUsed = dist.CreditUsed.Add(fromCredit)

		dist.Allocations = append(dist.Allocations, BillAllocation{
			Domain:      ref.Domain,
			PeriodID:    b.PeriodID,
			UnitID:      b.UnitID,
			PenaltyPaid: penalty,
			BasePaid:    base,
			FromCash:    fromCash,
			FromCredit:  fromCredit,
		})
	}
	dist.ResidualCredit = cash

	if err := dist.Reconcile(in.PaymentAmount); err != nil {
		return Distribution{}, err
	}
	return dist, nil
}

// Reconcile checks Σ bill allocations + residual − credit used == payment.
func (d Distribution) Reconcile(payment money.Centavos) error {
	accounted := d.BillsTotal().Add(d.ResidualCredit).Sub(d.CreditUsed)
	if !money.WithinTolerance(accounted, payment, ReconcileTolerance) {
		return engine.Invalid("allocations", "distribution accounts for %s of a %s payment", accounted, payment)
	}
	return nil
}

// sortByDueDate orders bills oldest due date first; ties by domain then
// period. Bills without a due date go last.
func sortByDueDate(bills []BillRef) {
	sort.SliceStable(bills, func(i, j int) bool {
		a, b := bills[i], bills[j]
		if a.Bill.DueDate != b.Bill.DueDate {
			if a.Bill.DueDate == "" {
				return false
			}
			if b.Bill.DueDate == "" {
				return true
			}
			return a.Bill.DueDate < b.Bill.DueDate
		}
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.Bill.PeriodID < b.Bill.PeriodID
	})
}
