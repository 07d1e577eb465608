package session

import (
	"fmt"
	"time"
)

// DefaultEpochMS is the bar-index epoch used when no override is
// configured: 2020-01-01T00:00:00Z. Deployments normally override it once
// at startup from the earliest persisted timestamp. Changing the epoch
// after bars exist invalidates every previously computed index.
const DefaultEpochMS = int64(1577836800000)

// RangeError is returned when a timestamp precedes the epoch.
type RangeError struct {
	TS      int64
	EpochMS int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("session: ts %d precedes epoch %d", e.TS, e.EpochMS)
}

// BarIndexCalculator maps timestamps to deterministic bar indices for one
// (symbol, timeframe). Index 0 is the interval starting at the epoch.
type BarIndexCalculator struct {
	Symbol      string
	TimeframeMS int64
	Cal         Calendar
	EpochMS     int64
}

// NewBarIndexCalculator builds a calculator. epochMS <= 0 selects
// DefaultEpochMS.
func NewBarIndexCalculator(symbol string, timeframeMS int64, cal Calendar, epochMS int64) *BarIndexCalculator {
	if epochMS <= 0 {
		epochMS = DefaultEpochMS
	}
	return &BarIndexCalculator{
		Symbol:      symbol,
		TimeframeMS: timeframeMS,
		Cal:         cal,
		EpochMS:     epochMS,
	}
}

// daily reports whether the timeframe is one calendar day or longer.
func (c *BarIndexCalculator) daily() bool {
	return c.TimeframeMS >= dayMS
}

// IndexFor returns the bar index containing tsMS.
// Daily timeframes count calendar days from the epoch date (simple day
// count, not trading-day count). Intraday indices derive from the
// calendar's session-aligned interval start.
func (c *BarIndexCalculator) IndexFor(tsMS int64) (int64, error) {
	if tsMS < c.EpochMS {
		return 0, &RangeError{TS: tsMS, EpochMS: c.EpochMS}
	}
	if c.daily() {
		return calendarDays(c.EpochMS, tsMS), nil
	}
	start, _, err := c.Cal.BarIntervalBounds(tsMS, c.TimeframeMS)
	if err != nil {
		return 0, err
	}
	idx := (start - c.EpochMS) / c.TimeframeMS
	if idx < 0 {
		idx = 0
	}
	return idx, nil
}

// IntervalBounds returns the [start, end) of the bar interval containing
// tsMS. Daily bars span the UTC calendar day.
func (c *BarIndexCalculator) IntervalBounds(tsMS int64) (int64, int64, error) {
	if tsMS < c.EpochMS {
		return 0, 0, &RangeError{TS: tsMS, EpochMS: c.EpochMS}
	}
	if c.daily() {
		start := floorDiv(tsMS, dayMS) * dayMS
		return start, start + dayMS, nil
	}
	return c.Cal.BarIntervalBounds(tsMS, c.TimeframeMS)
}

// calendarDays returns the whole calendar-day distance between the UTC
// dates of fromMS and toMS.
func calendarDays(fromMS, toMS int64) int64 {
	from := time.UnixMilli(fromMS).UTC()
	to := time.UnixMilli(toMS).UTC()
	fromDay := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toDay := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int64(toDay.Sub(fromDay) / (24 * time.Hour))
}
