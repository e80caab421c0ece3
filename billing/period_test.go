package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hoa-billing/billing"
)

func TestParsePeriodKey(t *testing.T) {
	k, err := billing.ParsePeriodKey("2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodKey{FiscalYear: 2026, Type: billing.PeriodQuarterly, Index: 1}, k)
	assert.Equal(t, "2026-Q1", k.String())

	k, err = billing.ParsePeriodKey("2026-M03")
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodMonthly, k.Type)
	assert.Equal(t, "2026-M03", k.String())

	for _, bad := range []string{"", "2026", "2026-Q5", "2026-M13", "2026-X1", "26-Q1", "2026-Q0"} {
		_, err := billing.ParsePeriodKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestPeriodKey_BoundsCalendarYear(t *testing.T) {
	k, _ := billing.ParsePeriodKey("2026-Q1")
	start, end := k.Bounds(1, time.UTC)
	assert.Equal(t, "2026-01-01", start.Format("2006-01-02"))
	assert.Equal(t, "2026-03-31", end.Format("2006-01-02"))

	k, _ = billing.ParsePeriodKey("2024-M02")
	_, end = k.Bounds(1, time.UTC)
	assert.Equal(t, "2024-02-29", end.Format("2006-01-02"))
}

func TestPeriodKey_FiscalYearNamedByEndingYear(t *testing.T) {
	// GIVEN: a fiscal year starting in July
	k, _ := billing.ParsePeriodKey("2026-Q1")

	// WHEN
	start, end := k.Bounds(7, time.UTC)

	// THEN: FY2026 Q1 is Jul-Sep 2025
	assert.Equal(t, "2025-07-01", start.Format("2006-01-02"))
	assert.Equal(t, "2025-09-30", end.Format("2006-01-02"))

	k, _ = billing.ParsePeriodKey("2026-M12")
	_, end = k.Bounds(7, time.UTC)
	assert.Equal(t, "2026-06-30", end.Format("2006-01-02"))
}

func TestPeriodKey_PrevCrossesFiscalYear(t *testing.T) {
	k, _ := billing.ParsePeriodKey("2026-Q1")
	assert.Equal(t, "2025-Q4", k.Prev().String())

	k, _ = billing.ParsePeriodKey("2026-M05")
	assert.Equal(t, "2026-M04", k.Prev().String())
}

func TestPeriodContaining(t *testing.T) {
	d := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-Q1", billing.PeriodContaining(d, billing.PeriodQuarterly, 7).String())
	assert.Equal(t, "2026-M02", billing.PeriodContaining(d, billing.PeriodMonthly, 7).String())
	assert.Equal(t, "2025-Q3", billing.PeriodContaining(d, billing.PeriodQuarterly, 1).String())
	assert.Equal(t, 2026, billing.FiscalYearOf(d, 7))
	assert.Equal(t, 2025, billing.FiscalYearOf(d, 1))
}
