package ranking

import (
	"strings"
	"time"
)

// NormalizeKeyword produces the case-insensitive identity of a keyword.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.Join(strings.Fields(keyword), " "))
}

// Day is a calendar day formatted as YYYY-MM-DD.
type Day string

const dayLayout = "2006-01-02"

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

func (d Day) String() string { return string(d) }

// Time parses the day back to midnight in loc.
func (d Day) Time(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dayLayout, string(d), loc)
}

// Clock pins "today" to a single timezone so every component agrees on day
// boundaries.
type Clock struct {
	Now      func() time.Time
	Location *time.Location
}

// NewClock returns a wall clock in loc.
func NewClock(loc *time.Location) Clock {
	return Clock{Now: time.Now, Location: loc}
}

// Today returns the current calendar day.
func (c Clock) Today() Day {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return DayOf(now(), c.Location)
}

// Time returns the current instant.
func (c Clock) Time() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
