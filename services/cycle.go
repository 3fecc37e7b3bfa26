package services

import (
	"time"
)

// cycleKeyLayout formats a timestamp's year and month as a sortable token.
const cycleKeyLayout = "2006-01"

// CycleKey maps a timestamp to the identifier of the calendar-month billing
// cycle it falls in. Two timestamps share a key iff they fall in the same
// month of the same year.
func CycleKey(t time.Time) string {
	return t.Format(cycleKeyLayout)
}

// AddOneMonth returns t advanced by exactly one calendar month, keeping the
// same day-of-month. When the target month is shorter the day is clamped to
// its last day (Jan 31 -> Feb 28, or Feb 29 in a leap year) instead of
// letting the date roll over into the month after.
func AddOneMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	// Day 0 of month+2 normalizes to the last day of month+1.
	lastDay := time.Date(year, month+2, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month+1, day, hour, min, sec, t.Nanosecond(), t.Location())
}
