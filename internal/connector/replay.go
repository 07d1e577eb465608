package connector

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"barstream/internal/normalizer"
)

var errNotConnected = errors.New("connector: not connected")

// Replay serves a recorded tick sequence in submission order. Connect
// streams the recording to the tick channel; GetHistoricalTicks slices
// it by time range. Feeding the same recording twice produces identical
// output, which is what determinism tests replay against.
type Replay struct {
	mu        sync.Mutex
	recording []normalizer.RawTick
	subs      map[string]struct{}
	out       chan normalizer.RawTick
	connected bool
}

// NewReplay creates a Replay over the recording. The slice is not
// copied; callers must not mutate it afterwards.
func NewReplay(recording []normalizer.RawTick) *Replay {
	return &Replay{
		recording: recording,
		subs:      make(map[string]struct{}),
	}
}

// Connect starts streaming the recording. Only ticks for subscribed
// symbols are emitted; with no subscriptions, everything is. The
// channel is closed when the recording is exhausted or ctx ends.
func (r *Replay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return errors.New("connector: already connected")
	}
	r.connected = true
	r.out = make(chan normalizer.RawTick, 64)
	out := r.out
	r.mu.Unlock()

	go func() {
		defer close(out)
		for _, raw := range r.recording {
			if !r.wants(raw.Symbol) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- raw:
			}
		}
		log.Printf("[connector] replay exhausted (%d ticks)", len(r.recording))
	}()
	return nil
}

func (r *Replay) wants(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return true
	}
	_, ok := r.subs[symbol]
	return ok
}

// Disconnect marks the connector closed. The stream goroutine drains on
// its own via context cancellation.
func (r *Replay) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return errNotConnected
	}
	r.connected = false
	return nil
}

func (r *Replay) Subscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		r.subs[s] = struct{}{}
	}
	return nil
}

func (r *Replay) Unsubscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		delete(r.subs, s)
	}
	return nil
}

// Ticks returns the raw tick stream. Valid after Connect.
func (r *Replay) Ticks() <-chan normalizer.RawTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out
}

// GetHistoricalTicks returns recorded ticks for the symbol with ts in
// [startMS, endMS), ascending by timestamp.
func (r *Replay) GetHistoricalTicks(_ context.Context, symbol string, startMS, endMS int64) ([]normalizer.RawTick, error) {
	var out []normalizer.RawTick
	for _, raw := range r.recording {
		if raw.Symbol != symbol {
			continue
		}
		if raw.TS < startMS || raw.TS >= endMS {
			continue
		}
		out = append(out, raw)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}
