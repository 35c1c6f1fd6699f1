package domain

import "time"

// DayLayout is the ISO calendar-date form used for cache keys and logs.
const DayLayout = "2006-01-02"

// Day is a UTC calendar date. The zero value is not a valid day; every
// constructor yields a valid one, 0001-01-01 included.
type Day struct {
	t     time.Time
	valid bool
}

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return Day{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), valid: true}
}

// NewDay builds a Day from its components; out-of-range components are
// normalized the way time.Date normalizes them.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), valid: true}
}

func (d Day) IsZero() bool { return !d.valid }

func (d Day) String() string { return d.t.Format(DayLayout) }

// Start is midnight UTC of the day.
func (d Day) Start() time.Time { return d.t }

// End is the last representable instant of the day (inclusive bound).
func (d Day) End() time.Time { return d.t.AddDate(0, 0, 1).Add(-time.Nanosecond) }

func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n), valid: d.valid} }

func (d Day) FirstOfMonth() Day { return NewDay(d.t.Year(), d.t.Month(), 1) }

func (d Day) Before(o Day) bool { return d.t.Before(o.t) }

func (d Day) Equal(o Day) bool { return d.t.Equal(o.t) }

// DaysSince returns the whole number of days from o to d (negative when d
// precedes o). Unlike time.Time.Sub it does not saturate for distant dates.
func (d Day) DaysSince(o Day) int {
	return int((d.t.Unix() - o.t.Unix()) / secondsPerDay)
}

const secondsPerDay = 24 * 60 * 60

// DaysBetween lists every day from start through end inclusive, in order.
// It returns nil when end precedes start.
func DaysBetween(start, end Day) []Day {
	if end.Before(start) {
		return nil
	}
	out := make([]Day, 0, end.DaysSince(start)+1)
	for d := start; !end.Before(d); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// MonthToDate lists the first of d's month through d inclusive.
func MonthToDate(d Day) []Day {
	return DaysBetween(d.FirstOfMonth(), d)
}
