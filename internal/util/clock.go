package util

import (
	"fmt"
	"strconv"
	"time"
)

// Clock is a time of day in a session timezone, parsed from the compact
// "HHMM" form used throughout the configuration ("2100", "0930").
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an "HHMM" string into a Clock.
func ParseClock(s string) (Clock, error) {
	if len(s) != 4 {
		return Clock{}, fmt.Errorf("clock %q: want HHMM", s)
	}
	hour, err := strconv.Atoi(s[:2])
	if err != nil || hour > 23 {
		return Clock{}, fmt.Errorf("clock %q: bad hour", s)
	}
	minute, err := strconv.Atoi(s[2:])
	if err != nil || minute > 59 {
		return Clock{}, fmt.Errorf("clock %q: bad minute", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Minutes returns the clock as minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

// On anchors the clock to the calendar date of t, in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// TradingDayStart returns the most recent session start at or before now.
// Overnight sessions begin on the previous calendar day, so the cutoff walks
// back a day whenever today's start time is still in the future.
func TradingDayStart(now time.Time, start Clock) time.Time {
	s := start.On(now)
	if s.After(now) {
		s = s.AddDate(0, 0, -1)
	}
	return s
}
