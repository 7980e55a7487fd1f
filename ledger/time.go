package ledger

import "time"

// Instant normalizes a timestamp for storage and window comparisons: UTC,
// microsecond precision. PostgreSQL keeps microseconds, so comparing a
// nanosecond value read from the clock with one read back from the database
// would otherwise drift.
func Instant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// StartOfMonth returns midnight of the first day of t's month in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}
