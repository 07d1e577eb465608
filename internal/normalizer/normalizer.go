// Package normalizer converts heterogeneous raw ticks into canonical
// model.Tick values, drops duplicates and per-source out-of-order ticks,
// and fans accepted ticks out to subscribers in submission order.
package normalizer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"barstream/internal/model"
)

// RawTick is a tick as delivered by a source connector, before
// normalization.
type RawTick struct {
	Source string  `json:"source"`
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts_ms"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
}

// ValidationError describes a malformed raw tick. Dropped, counted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "normalizer: invalid tick: " + e.Reason
}

// OutOfOrderError describes a per-source monotonicity violation.
type OutOfOrderError struct {
	Key    string
	TS     int64
	LastTS int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("normalizer: out-of-order tick for %s: ts=%d < last=%d", e.Key, e.TS, e.LastTS)
}

// ErrDuplicate is returned for ticks whose fingerprint is already in the
// dedup window. Dropped silently (no error counter escalation).
var ErrDuplicate = errors.New("normalizer: duplicate tick")

const defaultDedupWindow = 100_000

// Normalizer is a pure transform plus a stateful filter. Submit is the
// only entry point that mutates state; all mutations happen under one
// mutex so no two structural operations observably interleave.
type Normalizer struct {
	mu sync.Mutex

	// Bounded insertion-order dedup set: oldest fingerprint evicted first.
	seen     map[string]struct{}
	order    []string
	pos      int
	window   int
	seenFull bool

	// Last accepted timestamp per "source:symbol".
	lastTS map[string]int64

	// DropOutOfOrder controls whether monotonicity violations drop the
	// tick (default) or pass it through.
	DropOutOfOrder bool

	subs []func(model.Tick)

	// Metrics hooks (optional, set externally).
	OnInvalid    func()
	OnDuplicate  func()
	OnOutOfOrder func()
	OnAccepted   func()
}

// New creates a Normalizer with the given dedup window capacity.
// window <= 0 selects the default (100k fingerprints).
func New(window int) *Normalizer {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Normalizer{
		seen:           make(map[string]struct{}, window),
		order:          make([]string, window),
		window:         window,
		lastTS:         make(map[string]int64),
		DropOutOfOrder: true,
	}
}

// Normalize converts a raw tick to canonical form without touching
// filter state. Unknown sources map to the mock category; symbols are
// upper-cased; non-positive timestamps are rejected.
func Normalize(raw RawTick) (model.Tick, error) {
	if raw.TS <= 0 {
		return model.Tick{}, &ValidationError{Reason: fmt.Sprintf("non-positive timestamp %d", raw.TS)}
	}
	sym := upper(raw.Symbol)
	if sym == "" {
		return model.Tick{}, &ValidationError{Reason: "empty symbol"}
	}
	if math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) || raw.Price <= 0 {
		return model.Tick{}, &ValidationError{Reason: fmt.Sprintf("invalid price %v", raw.Price)}
	}
	if math.IsNaN(raw.Size) || math.IsInf(raw.Size, 0) || raw.Size < 0 {
		return model.Tick{}, &ValidationError{Reason: fmt.Sprintf("invalid size %v", raw.Size)}
	}
	return model.Tick{
		Source: model.ParseSource(raw.Source),
		Symbol: sym,
		TS:     raw.TS,
		Price:  raw.Price,
		Size:   raw.Size,
	}, nil
}

// Subscribe registers a handler invoked synchronously, in registration
// order, for every accepted tick.
func (n *Normalizer) Subscribe(fn func(model.Tick)) {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
}

// Submit normalizes, filters, records, and publishes one raw tick.
// The returned error classifies a drop; a nil error means the tick was
// accepted and delivered to all subscribers.
func (n *Normalizer) Submit(raw RawTick) (model.Tick, error) {
	tick, err := Normalize(raw)
	if err != nil {
		if n.OnInvalid != nil {
			n.OnInvalid()
		}
		return model.Tick{}, err
	}

	n.mu.Lock()
	fp := tick.Fingerprint()
	if _, dup := n.seen[fp]; dup {
		n.mu.Unlock()
		if n.OnDuplicate != nil {
			n.OnDuplicate()
		}
		return model.Tick{}, ErrDuplicate
	}

	key := tick.Key()
	if last, ok := n.lastTS[key]; ok && tick.TS < last {
		if n.DropOutOfOrder {
			n.mu.Unlock()
			if n.OnOutOfOrder != nil {
				n.OnOutOfOrder()
			}
			return model.Tick{}, &OutOfOrderError{Key: key, TS: tick.TS, LastTS: last}
		}
	}

	n.recordLocked(fp)
	n.lastTS[key] = tick.TS
	subs := n.subs
	n.mu.Unlock()

	if n.OnAccepted != nil {
		n.OnAccepted()
	}
	for _, fn := range subs {
		fn(tick)
	}
	return tick, nil
}

// IsDuplicate reports whether the tick's fingerprint is currently in the
// dedup window, without recording it.
func (n *Normalizer) IsDuplicate(t model.Tick) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.seen[t.Fingerprint()]
	return ok
}

// IsMonotonic reports whether the tick's timestamp is >= the last
// accepted timestamp for its source:symbol key.
func (n *Normalizer) IsMonotonic(t model.Tick) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastTS[t.Key()]
	return !ok || t.TS >= last
}

// recordLocked inserts a fingerprint, evicting the oldest once the
// window wraps.
func (n *Normalizer) recordLocked(fp string) {
	if n.seenFull {
		delete(n.seen, n.order[n.pos])
	}
	n.order[n.pos] = fp
	n.seen[fp] = struct{}{}
	n.pos++
	if n.pos == n.window {
		n.pos = 0
		n.seenFull = true
	}
}

// upper upper-cases ASCII letters without allocating for already-upper
// symbols.
func upper(s string) string {
	needs := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			needs = true
			break
		}
	}
	if !needs {
		return s
	}
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}
