package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/money"
)

// =============================================================================
// PENALTY ACCRUAL CALCULATOR
// =============================================================================
//
// Pure and recomputed from scratch on every call. Nothing here reads the
// previously stored penaltyAmount, so calling it twice with the same inputs
// always yields the same result.
//
//   graceEnd      = dueDate + gracePeriodDays
//   daysOverdue   = max(0, asOf - graceEnd)          whole calendar days
//   monthsOverdue = ceil(daysOverdue / 30)
//   compounding:  unpaidBase x ((1 + rate)^months - 1)
//   simple:       unpaidBase x rate x months
//
// unpaidBase is baseCharge - basePaid. Rounded half away from zero.

const daysPerPenaltyMonth = 30

// PenaltyInput holds everything the calculator needs.
type PenaltyInput struct {
	BaseCharge      money.Centavos
	BasePaid        money.Centavos
	DueDate         string // YYYY-MM-DD in Location
	GracePeriodDays int
	Rate            decimal.Decimal // per month
	Compounding     bool
	AsOf            time.Time
	Location        *time.Location
}

// PenaltyResult is the outcome of one calculation.
type PenaltyResult struct {
	PenaltyAmount money.Centavos
	DaysOverdue   int
	MonthsOverdue int
	Unresolvable  bool // due date missing or malformed; penalty forced to 0
}

// CalculatePenalty computes the penalty owed as of in.AsOf.
func CalculatePenalty(in PenaltyInput) PenaltyResult {
	if in.DueDate == "" {
		return PenaltyResult{Unresolvable: true}
	}
	due, err := clock.ParseDate(in.DueDate, in.Location)
	if err != nil {
		return PenaltyResult{Unresolvable: true}
	}

	graceEnd := clock.AddDays(due, in.GracePeriodDays)
	days := clock.DaysBetween(graceEnd, in.AsOf, in.Location)
	if days <= 0 {
		return PenaltyResult{}
	}
	months := (days + daysPerPenaltyMonth - 1) / daysPerPenaltyMonth

	unpaid := in.BaseCharge.Sub(in.BasePaid)
	res := PenaltyResult{DaysOverdue: days, MonthsOverdue: months}
	if !unpaid.IsPositive() || in.Rate.IsZero() {
		return res
	}

	base := unpaid.Decimal()
	m := decimal.NewFromInt(int64(months))
	var penalty decimal.Decimal
	if in.Compounding {
		factor := decimal.NewFromInt(1).Add(in.Rate).Pow(m)
		penalty = base.Mul(factor.Sub(decimal.NewFromInt(1)))
	} else {
		penalty = base.Mul(in.Rate).Mul(m)
	}
	res.PenaltyAmount = money.RoundMinor(penalty)
	return res
}

// ApplyPenalty recomputes a bill's penalty as of asOf. penaltyAmount never
// drops below what has already been collected. Reports whether the bill changed.
func ApplyPenalty(b *Bill, dc DomainConfig, asOf time.Time, loc *time.Location) (PenaltyResult, bool) {
	res := CalculatePenalty(PenaltyInput{
		BaseCharge:      b.BaseCharge,
		BasePaid:        b.BasePaid,
		DueDate:         b.DueDate,
		GracePeriodDays: dc.GracePeriodDays,
		Rate:            dc.PenaltyRate,
		Compounding:     dc.Compounding,
		AsOf:            asOf,
		Location:        loc,
	})

	before := *b
	b.PenaltyAmount = money.Max(res.PenaltyAmount, b.PenaltyPaid)
	b.Unresolvable = res.Unresolvable
	b.Recompute()

	changed := before.PenaltyAmount != b.PenaltyAmount ||
		before.Unresolvable != b.Unresolvable ||
		before.Status != b.Status
	return res, changed
}
