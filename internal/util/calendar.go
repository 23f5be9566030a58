package util

import "time"

// Session names for the HKEX trading day.
const (
	SessionPreMarket  = "pre_market"
	SessionMorning    = "morning"
	SessionLunch      = "lunch"
	SessionAfternoon  = "afternoon"
	SessionAfterHours = "after_hours"
	SessionWeekend    = "weekend"
)

var hkLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		return time.FixedZone("HKT", 8*60*60)
	}
	return loc
}()

// TradingCalendar provides market-hours awareness for HKEX: morning session
// 09:30-12:00, afternoon session 13:00-16:00, closed weekends and over lunch.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar in the Hong Kong time zone.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{loc: hkLocation}
}

// Session returns the session name at time t.
func (tc *TradingCalendar) Session(t time.Time) string {
	local := t.In(tc.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionWeekend
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes < 9*60+30:
		return SessionPreMarket
	case minutes < 12*60:
		return SessionMorning
	case minutes < 13*60:
		return SessionLunch
	case minutes < 16*60:
		return SessionAfternoon
	default:
		return SessionAfterHours
	}
}

// IsMarketOpen reports whether the market is open at time t, with a
// human-readable status for rejection messages.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) (bool, string) {
	switch tc.Session(t) {
	case SessionMorning:
		return true, "Morning session"
	case SessionAfternoon:
		return true, "Afternoon session"
	case SessionLunch:
		return false, "Market closed: Lunch break (12:00-13:00)"
	case SessionWeekend:
		return false, "Market closed: Weekend"
	case SessionPreMarket:
		return false, "Market closed: Before market open"
	default:
		return false, "Market closed: After market close"
	}
}

// TradingDate returns the HK-local calendar date of t, used for daily
// counter resets.
func (tc *TradingCalendar) TradingDate(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}
