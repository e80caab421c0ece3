/*
Package clock provides "now" and calendar-day arithmetic in a client's timezone.

PURPOSE:
  Due dates, grace periods and penalty accrual count whole calendar days
  as the association sees them, not UTC instants. Every component that asks
  "what day is it?" takes a Clock so tests can pin time.

KEY CONCEPTS:
  - Clock: Now() in a fixed location
  - Date: a time truncated to midnight in a location
  - DaysBetween: whole calendar days, immune to DST shifts
*/
package clock

import (
	"fmt"
	"time"
	_ "time/tzdata" // client timezones must resolve on minimal images
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Clock supplies the current instant in a configured location.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// =============================================================================
// SYSTEM CLOCK
// =============================================================================

// System reads the wall clock.
type System struct {
	loc *time.Location
}

// NewSystem creates a wall clock for the given IANA timezone ("" = UTC).
func NewSystem(tz string) (*System, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &System{loc: loc}, nil
}

func (s *System) Now() time.Time           { return time.Now().In(s.loc) }
func (s *System) Location() *time.Location { return s.loc }

// =============================================================================
// FIXED CLOCK (tests, replays)
// =============================================================================

// Fixed always returns the same instant.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time { return f.At }

func (f Fixed) Location() *time.Location { return f.At.Location() }

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// LoadLocation resolves a timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Date truncates t to midnight of its calendar day in loc.
func Date(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Today returns midnight of the current day for c.
func Today(c Clock) time.Time {
	return Date(c.Now(), c.Location())
}

// DaysBetween counts whole calendar days from -> to in loc (negative if to is earlier).
func DaysBetween(from, to time.Time, loc *time.Location) int {
	f := Date(from, loc)
	t := Date(to, loc)
	// Compare as UTC dates so DST transitions never produce 23h/25h days.
	fu := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	tu := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(tu.Sub(fu).Hours() / 24)
}

// AddDays adds n calendar days keeping the wall-clock date semantics.
func AddDays(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) }

// FormatDate renders t as YYYY-MM-DD in loc.
func FormatDate(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// ParseDate parses YYYY-MM-DD as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// EndOfMonth returns the last calendar day of the month containing t.
func EndOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 0, -1)
}
