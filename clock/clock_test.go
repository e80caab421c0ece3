package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hoa-billing/clock"
)

func TestDaysBetween_WholeCalendarDays(t *testing.T) {
	from := time.Date(2026, time.January, 1, 23, 59, 0, 0, time.UTC)
	to := time.Date(2026, time.January, 2, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 1, clock.DaysBetween(from, to, time.UTC))
	assert.Equal(t, -1, clock.DaysBetween(to, from, time.UTC))
}

func TestDaysBetween_UsesClientTimezone(t *testing.T) {
	loc, err := clock.LoadLocation("America/Cancun")
	require.NoError(t, err)

	// 03:00 UTC on Jan 2 is still Jan 1 in Cancun (UTC-5).
	from := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.January, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, clock.DaysBetween(from, to, loc))
	assert.Equal(t, 1, clock.DaysBetween(from, to, time.UTC))
}

func TestDaysBetween_AcrossDST(t *testing.T) {
	loc, err := clock.LoadLocation("America/New_York")
	require.NoError(t, err)
	from := time.Date(2026, time.March, 7, 0, 0, 0, 0, loc)
	to := time.Date(2026, time.March, 9, 0, 0, 0, 0, loc)
	assert.Equal(t, 2, clock.DaysBetween(from, to, loc))
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, time.May, 3, 15, 4, 5, 0, time.UTC)
	c := clock.Fixed{At: at}
	assert.Equal(t, at, c.Now())
	assert.Equal(t, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC), clock.Today(c))
}

func TestParseAndFormatDate(t *testing.T) {
	d, err := clock.ParseDate("2026-02-28", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", clock.FormatDate(d, time.UTC))
	assert.Equal(t, "", clock.FormatDate(time.Time{}, time.UTC))
	assert.Equal(t, 28, clock.EndOfMonth(d).Day())

	_, err = clock.ParseDate("28/02/2026", time.UTC)
	assert.Error(t, err)
}
