// Package marketstatus computes a market's current trading-session state
// from a timezone-aware schedule, with optional provider-status merging
// and a short-lived local result cache.
package marketstatus

import (
	"fmt"
	"time"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// SessionWindow is one named trading session within a day, in the
// market's local time, as "HH:MM" boundaries.
type SessionWindow struct {
	Name  string
	State domain.MarketState
	Start string
	End   string
}

// Schedule is one market's trading calendar.
type Schedule struct {
	Market      domain.Market
	Timezone    string
	TradingDays map[time.Weekday]bool
	Sessions    []SessionWindow
	Holidays    map[string]bool // "2026-01-01" formatted dates, in market-local time
}

func (s Schedule) location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func parseClock(hhmm string, date time.Time, loc *time.Location) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parse session boundary %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc), nil
}

// HKSchedule is Hong Kong Exchange's trading calendar: pre-market,
// morning session, lunch break, afternoon session.
func HKSchedule() Schedule {
	return Schedule{
		Market:   "HK",
		Timezone: "Asia/Hong_Kong",
		TradingDays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		Sessions: []SessionWindow{
			{Name: "pre_market", State: domain.MarketPreMarket, Start: "09:00", End: "09:30"},
			{Name: "morning", State: domain.MarketTrading, Start: "09:30", End: "12:00"},
			{Name: "lunch_break", State: domain.MarketLunchBreak, Start: "12:00", End: "13:00"},
			{Name: "afternoon", State: domain.MarketTrading, Start: "13:00", End: "16:00"},
		},
	}
}

// USSchedule is the US equity market's trading calendar, with DST
// observed automatically via the America/New_York zone database entry.
func USSchedule() Schedule {
	return Schedule{
		Market:   "US",
		Timezone: "America/New_York",
		TradingDays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		Sessions: []SessionWindow{
			{Name: "pre_market", State: domain.MarketPreMarket, Start: "04:00", End: "09:30"},
			{Name: "regular", State: domain.MarketTrading, Start: "09:30", End: "16:00"},
			{Name: "after_hours", State: domain.MarketAfterHours, Start: "16:00", End: "20:00"},
		},
	}
}

// CNSchedule is the Shanghai/Shenzhen trading calendar.
func CNSchedule() Schedule {
	return Schedule{
		Market:   "CN",
		Timezone: "Asia/Shanghai",
		TradingDays: map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		},
		Sessions: []SessionWindow{
			{Name: "morning", State: domain.MarketTrading, Start: "09:30", End: "11:30"},
			{Name: "lunch_break", State: domain.MarketLunchBreak, Start: "11:30", End: "13:00"},
			{Name: "afternoon", State: domain.MarketTrading, Start: "13:00", End: "15:00"},
		},
	}
}
