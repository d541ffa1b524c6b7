package broker

import (
	"time"
)

var eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

const (
	openMinute  = 9*60 + 30
	closeMinute = 16 * 60
)

// MarketClock approximates the regular NYSE session (weekdays 09:30-16:00 ET, no holiday calendar).
func MarketClock(now time.Time) Clock {
	et := now.In(eastern)
	c := Clock{Timestamp: now}
	minute := et.Hour()*60 + et.Minute()
	weekday := et.Weekday() != time.Saturday && et.Weekday() != time.Sunday
	c.IsOpen = weekday && minute >= openMinute && minute < closeMinute

	day := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, eastern)
	open := day.Add(openMinute * time.Minute)
	closeAt := day.Add(closeMinute * time.Minute)
	switch {
	case c.IsOpen:
		c.NextClose = closeAt
		c.NextOpen = nextWeekday(day).Add(openMinute * time.Minute)
	case weekday && minute < openMinute:
		c.NextOpen = open
		c.NextClose = closeAt
	default:
		next := nextWeekday(day)
		c.NextOpen = next.Add(openMinute * time.Minute)
		c.NextClose = next.Add(closeMinute * time.Minute)
	}
	return c
}

func nextWeekday(day time.Time) time.Time {
	d := day.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
