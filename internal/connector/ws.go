package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"barstream/internal/normalizer"

	"github.com/gorilla/websocket"
)

// WSConfig holds configuration for the WebSocket tick source.
type WSConfig struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws". The wire
	// format is one JSON raw tick per message.
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// WS streams raw ticks from a JSON WebSocket server with automatic
// reconnection. It does not serve history.
type WS struct {
	cfg WSConfig

	mu        sync.Mutex
	subs      map[string]struct{}
	out       chan normalizer.RawTick
	cancel    context.CancelFunc
	connected bool

	// OnReconnect is called each time a reconnection happens.
	OnReconnect func()
}

// NewWS creates a WS connector. Returns an error if the URL is
// unparseable.
func NewWS(cfg WSConfig) (*WS, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &WS{cfg: cfg, subs: make(map[string]struct{})}, nil
}

// Connect starts the read loop. Non-blocking; ticks arrive on Ticks().
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return errors.New("connector: already connected")
	}
	w.connected = true
	w.out = make(chan normalizer.RawTick, 256)
	ctx, w.cancel = context.WithCancel(ctx)
	out := w.out
	w.mu.Unlock()

	go func() {
		defer close(out)
		w.run(ctx, out)
	}()
	return nil
}

func (w *WS) run(ctx context.Context, out chan<- normalizer.RawTick) {
	delay := w.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.runOnce(ctx, out)
		if err == nil {
			return // clean shutdown
		}

		log.Printf("[connector] disconnected (%v), reconnecting in %s", err, delay)
		if w.OnReconnect != nil {
			w.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > w.cfg.MaxReconnectDelay {
			delay = w.cfg.MaxReconnectDelay
		}
	}
}

func (w *WS) runOnce(ctx context.Context, out chan<- normalizer.RawTick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[connector] connected to %s", w.cfg.URL)

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var raw normalizer.RawTick
		if err := json.Unmarshal(msg, &raw); err != nil {
			log.Printf("[connector] bad tick frame: %v", err)
			continue
		}
		if !w.wants(raw.Symbol) {
			continue
		}

		select {
		case out <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *WS) wants(symbol string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.subs) == 0 {
		return true
	}
	_, ok := w.subs[symbol]
	return ok
}

// Disconnect stops the read loop.
func (w *WS) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return errNotConnected
	}
	w.connected = false
	w.cancel()
	return nil
}

func (w *WS) Subscribe(symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range symbols {
		w.subs[s] = struct{}{}
	}
	return nil
}

func (w *WS) Unsubscribe(symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range symbols {
		delete(w.subs, s)
	}
	return nil
}

// Ticks returns the raw tick stream. Valid after Connect.
func (w *WS) Ticks() <-chan normalizer.RawTick {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out
}

// GetHistoricalTicks is unsupported on the live feed.
func (w *WS) GetHistoricalTicks(context.Context, string, int64, int64) ([]normalizer.RawTick, error) {
	return nil, errors.New("connector: live feed has no historical ticks")
}
