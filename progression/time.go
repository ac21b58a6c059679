package progression

import (
	"time"
)

// =============================================================================
// DATES - Calendar days in a patient's timezone
// =============================================================================

const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date. The result is midnight UTC.
func ParseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, Invalid(field, "expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

// LoadLocation resolves an IANA timezone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, Invalid("timezone", "unknown timezone %q", name)
	}
	return loc, nil
}

// DayRange returns the instants bounding the calendar days start..end
// (inclusive) in loc: midnight of start, and the last nanosecond of end.
func DayRange(start, end time.Time, loc *time.Location) (time.Time, time.Time, error) {
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	if to.Before(from) {
		return time.Time{}, time.Time{}, Invalid("date range", "end %s before start %s",
			end.Format(DateLayout), start.Format(DateLayout))
	}
	return from, to, nil
}

// LocalDate formats t as the calendar day it falls on in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
