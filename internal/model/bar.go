package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// State is the lifecycle state of a bar.
type State int

const (
	StateForming State = iota // mutable, owned by the lifecycle manager
	StateConfirmed
	StateHistorical // loaded from storage, same immutability as confirmed
)

func (s State) String() string {
	switch s {
	case StateForming:
		return "FORMING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateHistorical:
		return "HISTORICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the state by name so wire consumers never see the
// internal ordinal.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "FORMING":
		*s = StateForming
	case "CONFIRMED":
		*s = StateConfirmed
	case "HISTORICAL":
		*s = StateHistorical
	default:
		return fmt.Errorf("unknown bar state %q", name)
	}
	return nil
}

// ErrBarImmutable is returned on any mutation of a bar that is no longer
// forming, including a second Confirm.
var ErrBarImmutable = errors.New("bar is no longer forming")

// Bar is one OHLCV record, identified by (Symbol, Timeframe, Index).
// Open/High/Low/Close are meaningful only once TickCount > 0; a bar with
// TickCount == 0 has never seen a tick ("empty" bar) and is never
// persisted or broadcast.
type Bar struct {
	Symbol     string  `json:"symbol"`
	Timeframe  int64   `json:"timeframe_ms"`
	Index      int64   `json:"bar_index"`
	StartMS    int64   `json:"ts_start_ms"`
	EndMS      int64   `json:"ts_end_ms"` // exclusive
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TickCount  int64   `json:"tick_count"`
	LastUpdate int64   `json:"last_update_ms"`
	State      State   `json:"state"`
}

// Key returns "symbol:timeframe", the subscription/forming-bar map key.
func (b *Bar) Key() string {
	return b.Symbol + ":" + strconv.FormatInt(b.Timeframe, 10)
}

// Empty reports whether no tick has ever been applied.
func (b *Bar) Empty() bool {
	return b.TickCount == 0
}

// UpdateWithTick folds one tick into a forming bar. The first tick sets
// O=H=L=C; later ticks extend H/L and move C. Legal only while forming.
func (b *Bar) UpdateWithTick(t Tick) error {
	if b.State != StateForming {
		return fmt.Errorf("update %s index=%d: %w", b.Key(), b.Index, ErrBarImmutable)
	}
	if b.TickCount == 0 {
		b.Open = t.Price
		b.High = t.Price
		b.Low = t.Price
	} else {
		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
	}
	b.Close = t.Price
	b.Volume += t.Size
	b.TickCount++
	b.LastUpdate = t.TS
	return nil
}

// Confirm transitions FORMING -> CONFIRMED. Any later mutation attempt,
// including a second Confirm, fails with ErrBarImmutable.
func (b *Bar) Confirm() error {
	if b.State != StateForming {
		return fmt.Errorf("confirm %s index=%d: %w", b.Key(), b.Index, ErrBarImmutable)
	}
	b.State = StateConfirmed
	return nil
}

// Hash returns the deterministic content hash of the bar, excluding State.
// Field order and the '|' separator are fixed: this string is the
// cross-implementation parity contract, so any change here is a breaking
// protocol change.
func (b *Bar) Hash() string {
	var sb strings.Builder
	sb.WriteString(b.Symbol)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.Timeframe, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.Index, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.StartMS, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.EndMS, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(b.Open, 'g', -1, 64))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(b.High, 'g', -1, 64))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(b.Low, 'g', -1, 64))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(b.Close, 'g', -1, 64))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(b.Volume, 'g', -1, 64))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.TickCount, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(b.LastUpdate, 10))
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}
