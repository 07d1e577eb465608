// Package gap detects missing bar indices in the confirmation stream
// and schedules prioritized backfill fetches to repair them.
package gap

import (
	"log"
	"strconv"
	"sync"

	"barstream/internal/model"
)

// Detector tracks the last confirmed bar index per (symbol, timeframe)
// and emits a Gap whenever a confirmation skips indices. Gaps are
// derived from the confirmation stream and never persisted.
type Detector struct {
	mu            sync.Mutex
	lastConfirmed map[string]int64 // "symbol:tf" -> highest confirmed index
	subs          []func(model.Gap)

	// OnGap is an optional metrics hook fired once per detected gap.
	OnGap func()
}

// NewDetector returns an empty Detector.
func NewDetector() *Detector {
	return &Detector{lastConfirmed: make(map[string]int64)}
}

// Subscribe registers a handler invoked synchronously for every
// detected gap, in registration order.
func (d *Detector) Subscribe(fn func(model.Gap)) {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// ObserveConfirmed feeds one confirmed bar into the detector. The first
// confirmation for a key establishes the baseline without producing a
// gap. Confirmations at or below the tracked index are ignored
// (backfilled bars replay old indices). A jump past tracked+1 yields
// exactly one Gap covering the missing range.
func (d *Detector) ObserveConfirmed(b model.Bar) (model.Gap, bool) {
	key := b.Key()

	d.mu.Lock()
	last, seen := d.lastConfirmed[key]
	if !seen {
		d.lastConfirmed[key] = b.Index
		d.mu.Unlock()
		return model.Gap{}, false
	}
	if b.Index <= last {
		d.mu.Unlock()
		return model.Gap{}, false
	}
	d.lastConfirmed[key] = b.Index
	if b.Index == last+1 {
		d.mu.Unlock()
		return model.Gap{}, false
	}

	missing := b.Index - last - 1
	g := model.Gap{
		Symbol:     b.Symbol,
		Timeframe:  b.Timeframe,
		StartIndex: last + 1,
		EndIndex:   b.Index,
		StartMS:    b.StartMS - missing*b.Timeframe,
		EndMS:      b.StartMS,
	}
	subs := make([]func(model.Gap), len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	log.Printf("[gap] detected %s: indices [%d,%d) (%d bars)", key, g.StartIndex, g.EndIndex, g.Width())
	if d.OnGap != nil {
		d.OnGap()
	}
	for _, fn := range subs {
		fn(g)
	}
	return g, true
}

// LastConfirmed returns the tracked index for a key, or -1 when the key
// has never confirmed.
func (d *Detector) LastConfirmed(symbol string, timeframeMS int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := symbol + ":" + strconv.FormatInt(timeframeMS, 10)
	if idx, ok := d.lastConfirmed[key]; ok {
		return idx
	}
	return -1
}

// Reset forgets all tracked indices.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.lastConfirmed = make(map[string]int64)
	d.mu.Unlock()
}
