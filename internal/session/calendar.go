// Package session maps timestamps to trading sessions and deterministic
// bar intervals. All functions here are pure: the same inputs always
// produce the same bounds and indices.
package session

import (
	"errors"
	"fmt"
	"time"
)

const dayMS = int64(24 * time.Hour / time.Millisecond)

// ErrMarketClosed is returned by BarIntervalBounds when the timestamp
// falls outside a trading session.
var ErrMarketClosed = errors.New("session: market closed at timestamp")

// Calendar answers session-structure questions for one venue.
type Calendar interface {
	// IsMarketOpen reports whether trading is open at tsMS.
	IsMarketOpen(tsMS int64) bool
	// SessionBounds returns the [start, end) of the session containing
	// tsMS. ok is false when tsMS is outside any session.
	SessionBounds(tsMS int64) (startMS, endMS int64, ok bool)
	// NextSessionStart returns the start of the first session at or after
	// tsMS.
	NextSessionStart(tsMS int64) int64
	// BarIntervalBounds returns the [start, end) of the bar interval
	// containing tsMS for the given timeframe. The last interval of a
	// session may be clamped shorter than timeframeMS.
	BarIntervalBounds(tsMS, timeframeMS int64) (startMS, endMS int64, err error)
}

// AlwaysOpenCalendar is a 24/7 venue (crypto). Intervals are floor-aligned
// to the epoch reference; sessions are epoch-aligned days.
type AlwaysOpenCalendar struct {
	EpochMS int64
}

// NewAlwaysOpen returns an always-open calendar aligned to epochMS.
func NewAlwaysOpen(epochMS int64) *AlwaysOpenCalendar {
	return &AlwaysOpenCalendar{EpochMS: epochMS}
}

func (*AlwaysOpenCalendar) IsMarketOpen(int64) bool { return true }

func (c *AlwaysOpenCalendar) SessionBounds(tsMS int64) (int64, int64, bool) {
	start := c.EpochMS + floorDiv(tsMS-c.EpochMS, dayMS)*dayMS
	return start, start + dayMS, true
}

func (*AlwaysOpenCalendar) NextSessionStart(tsMS int64) int64 { return tsMS }

func (c *AlwaysOpenCalendar) BarIntervalBounds(tsMS, timeframeMS int64) (int64, int64, error) {
	if timeframeMS <= 0 {
		return 0, 0, fmt.Errorf("session: invalid timeframe %dms", timeframeMS)
	}
	start := c.EpochMS + floorDiv(tsMS-c.EpochMS, timeframeMS)*timeframeMS
	return start, start + timeframeMS, nil
}

// ExchangeCalendar is a weekday-only venue with fixed daily hours.
// Holidays are deliberately not modeled. Extended hours widen the
// session when enabled.
type ExchangeCalendar struct {
	Zone *time.Location

	// Minutes from midnight, venue-local.
	OpenMinute  int
	CloseMinute int

	ExtendedOpenMinute  int
	ExtendedCloseMinute int
	UseExtendedHours    bool
}

// NewExchangeCalendar returns a calendar with US-equity-style hours:
// regular 09:30-16:00, extended 04:00-20:00.
func NewExchangeCalendar(zone *time.Location, extended bool) *ExchangeCalendar {
	if zone == nil {
		zone = time.UTC
	}
	return &ExchangeCalendar{
		Zone:                zone,
		OpenMinute:          9*60 + 30,
		CloseMinute:         16 * 60,
		ExtendedOpenMinute:  4 * 60,
		ExtendedCloseMinute: 20 * 60,
		UseExtendedHours:    extended,
	}
}

func (c *ExchangeCalendar) sessionMinutes() (openMin, closeMin int) {
	if c.UseExtendedHours {
		return c.ExtendedOpenMinute, c.ExtendedCloseMinute
	}
	return c.OpenMinute, c.CloseMinute
}

func (c *ExchangeCalendar) IsMarketOpen(tsMS int64) bool {
	local := time.UnixMilli(tsMS).In(c.Zone)
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	openMin, closeMin := c.sessionMinutes()
	hm := local.Hour()*60 + local.Minute()
	return hm >= openMin && hm < closeMin
}

func (c *ExchangeCalendar) SessionBounds(tsMS int64) (int64, int64, bool) {
	local := time.UnixMilli(tsMS).In(c.Zone)
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return 0, 0, false
	}
	openMin, closeMin := c.sessionMinutes()
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Zone)
	start := day.Add(time.Duration(openMin) * time.Minute).UnixMilli()
	end := day.Add(time.Duration(closeMin) * time.Minute).UnixMilli()
	if tsMS < start || tsMS >= end {
		return 0, 0, false
	}
	return start, end, true
}

func (c *ExchangeCalendar) NextSessionStart(tsMS int64) int64 {
	openMin, _ := c.sessionMinutes()
	local := time.UnixMilli(tsMS).In(c.Zone)

	for i := 0; i < 8; i++ { // at most a week of scanning
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Zone)
		day = day.AddDate(0, 0, i)
		wd := day.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		start := day.Add(time.Duration(openMin) * time.Minute).UnixMilli()
		if start >= tsMS {
			return start
		}
	}
	return tsMS
}

// BarIntervalBounds aligns intervals to the session start, not the epoch,
// and clamps the final interval of a session at the close.
func (c *ExchangeCalendar) BarIntervalBounds(tsMS, timeframeMS int64) (int64, int64, error) {
	if timeframeMS <= 0 {
		return 0, 0, fmt.Errorf("session: invalid timeframe %dms", timeframeMS)
	}
	start, end, ok := c.SessionBounds(tsMS)
	if !ok {
		return 0, 0, ErrMarketClosed
	}
	ivStart := start + (tsMS-start)/timeframeMS*timeframeMS
	ivEnd := ivStart + timeframeMS
	if ivEnd > end {
		ivEnd = end
	}
	return ivStart, ivEnd, nil
}

// floorDiv divides rounding toward negative infinity, so pre-epoch
// timestamps land in negative buckets instead of bucket zero.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
