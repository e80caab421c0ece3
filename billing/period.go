package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The unit a bill covers
// =============================================================================

// PeriodType defines how a fiscal year is cut into billing periods.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"   // 12 periods, key "2026-M03"
	PeriodQuarterly PeriodType = "quarterly" // 4 periods, key "2026-Q1"
)

func (t PeriodType) IsValid() bool {
	return t == PeriodMonthly || t == PeriodQuarterly
}

// Months is the length of one period.
func (t PeriodType) Months() int {
	if t == PeriodQuarterly {
		return 3
	}
	return 1
}

func (t PeriodType) count() int { return 12 / t.Months() }

// PeriodKey identifies one period of one fiscal year.
//
// A fiscal year is named by the calendar year in which it ends: with a July
// start, FY2026 runs 2025-07-01 .. 2026-06-30 and "2026-Q1" is Jul-Sep 2025.
type PeriodKey struct {
	FiscalYear int
	Type       PeriodType
	Index      int // 1-based within the fiscal year
}

// ParsePeriodKey parses "YYYY-Qn" or "YYYY-Mnn".
func ParsePeriodKey(s string) (PeriodKey, error) {
	year, rest, ok := strings.Cut(s, "-")
	if !ok || len(year) != 4 || len(rest) < 2 {
		return PeriodKey{}, fmt.Errorf("invalid period %q: want YYYY-Qn or YYYY-Mnn", s)
	}
	fy, err := strconv.Atoi(year)
	if err != nil {
		return PeriodKey{}, fmt.Errorf("invalid period %q: %w", s, err)
	}

	var k PeriodKey
	switch rest[0] {
	case 'Q':
		k.Type = PeriodQuarterly
	case 'M':
		k.Type = PeriodMonthly
	default:
		return PeriodKey{}, fmt.Errorf("invalid period %q: want YYYY-Qn or YYYY-Mnn", s)
	}
	idx, err := strconv.Atoi(rest[1:])
	if err != nil || idx < 1 || idx > k.Type.count() {
		return PeriodKey{}, fmt.Errorf("invalid period %q: index out of range", s)
	}
	k.FiscalYear = fy
	k.Index = idx
	return k, nil
}

func (k PeriodKey) String() string {
	if k.Type == PeriodQuarterly {
		return fmt.Sprintf("%04d-Q%d", k.FiscalYear, k.Index)
	}
	return fmt.Sprintf("%04d-M%02d", k.FiscalYear, k.Index)
}

// Prev returns the preceding period, crossing fiscal years.
func (k PeriodKey) Prev() PeriodKey {
	if k.Index > 1 {
		return PeriodKey{FiscalYear: k.FiscalYear, Type: k.Type, Index: k.Index - 1}
	}
	return PeriodKey{FiscalYear: k.FiscalYear - 1, Type: k.Type, Index: k.Type.count()}
}

// Bounds returns the first and last calendar day of the period (inclusive).
func (k PeriodKey) Bounds(fiscalYearStartMonth int, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	if fiscalYearStartMonth < 1 || fiscalYearStartMonth > 12 {
		fiscalYearStartMonth = 1
	}
	startYear := k.FiscalYear
	if fiscalYearStartMonth != 1 {
		startYear--
	}
	months := k.Type.Months()
	start = time.Date(startYear, time.Month(fiscalYearStartMonth+(k.Index-1)*months), 1, 0, 0, 0, 0, loc)
	end = start.AddDate(0, months, -1)
	return start, end
}

// FiscalYearOf returns the fiscal year containing date.
func FiscalYearOf(date time.Time, fiscalYearStartMonth int) int {
	if fiscalYearStartMonth <= 1 || fiscalYearStartMonth > 12 {
		return date.Year()
	}
	if int(date.Month()) >= fiscalYearStartMonth {
		return date.Year() + 1
	}
	return date.Year()
}

// PeriodContaining returns the period of type t that contains date.
func PeriodContaining(date time.Time, t PeriodType, fiscalYearStartMonth int) PeriodKey {
	if fiscalYearStartMonth < 1 || fiscalYearStartMonth > 12 {
		fiscalYearStartMonth = 1
	}
	offset := (int(date.Month()) - fiscalYearStartMonth + 12) % 12
	return PeriodKey{
		FiscalYear: FiscalYearOf(date, fiscalYearStartMonth),
		Type:       t,
		Index:      offset/t.Months() + 1,
	}
}
