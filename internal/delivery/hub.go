// Package delivery sequences bar events per (symbol, timeframe)
// subscription key, buffers them for catch-up, and pushes them to live
// subscribers with heartbeats.
package delivery

import (
	"errors"
	"log"
	"sync"
	"time"

	"barstream/internal/clock"
	"barstream/internal/model"

	"github.com/google/uuid"
)

// ErrSendBufferFull is the per-connection send failure: the peer is not
// draining fast enough and is disconnected.
var ErrSendBufferFull = errors.New("delivery: send buffer full")

// Conn is one subscriber connection. The hub writes envelopes into
// send; a transport pump (websocket or a test harness) drains it.
type Conn struct {
	ID   string
	send chan []byte

	closeOnce sync.Once
}

func newConn(buffer int) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		send: make(chan []byte, buffer),
	}
}

// Recv exposes the outbound frame stream to the transport pump.
func (c *Conn) Recv() <-chan []byte { return c.send }

// push enqueues without blocking. A full buffer is a send failure.
func (c *Conn) push(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// subscription owns the per-key sequence counter, replay buffer, and
// subscriber set. The key outlives its subscribers so late joiners can
// still catch up on retained history.
type subscription struct {
	seq   int64
	buf   *ReplayBuffer
	conns map[*Conn]struct{}
}

// HubConfig tunes the delivery hub.
type HubConfig struct {
	BufferCapacity    int           // replay buffer per key, default 500
	SendBuffer        int           // per-connection outbound queue, default 256
	HeartbeatInterval time.Duration // default 15s
}

func (c *HubConfig) defaults() {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 500
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

// Hub fans bar events out to subscribers. One mutex serializes every
// structural mutation: subscribe, unsubscribe, broadcast, disconnect.
type Hub struct {
	mu    sync.Mutex
	cfg   HubConfig
	clk   clock.Clock
	subs  map[string]*subscription
	conns map[*Conn]struct{}

	stop chan struct{}
	done chan struct{}

	// Metrics hooks (optional).
	OnRegister   func()
	OnBroadcast  func()
	OnDropped    func()
	OnDisconnect func()
}

// NewHub creates a Hub driven by clk.
func NewHub(clk clock.Clock, cfg HubConfig) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:   cfg,
		clk:   clk,
		subs:  make(map[string]*subscription),
		conns: make(map[*Conn]struct{}),
	}
}

// Register creates and tracks a new connection.
func (h *Hub) Register() *Conn {
	c := newConn(h.cfg.SendBuffer)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	log.Printf("[delivery] conn %s registered (%d total)", c.ID, n)
	if h.OnRegister != nil {
		h.OnRegister()
	}
	return c
}

// Subscribe adds the connection to a key, acks with the key's current
// sequence, and replays buffered history when fromSeq is set. Catch-up
// frames arrive in ascending sequence order before any new broadcast
// for the key.
func (h *Hub) Subscribe(c *Conn, symbol string, timeframeMS int64, fromSeq *int64) {
	key := subKey(symbol, timeframeMS)

	h.mu.Lock()
	sub, ok := h.subs[key]
	if !ok {
		sub = &subscription{
			buf:   NewReplayBuffer(h.cfg.BufferCapacity),
			conns: make(map[*Conn]struct{}),
		}
		h.subs[key] = sub
	}
	sub.conns[c] = struct{}{}

	if err := c.push(encodeSubscribed(symbol, timeframeMS, sub.seq)); err != nil {
		h.dropLocked(c)
		h.mu.Unlock()
		return
	}
	if fromSeq != nil {
		for _, e := range sub.buf.From(*fromSeq) {
			if err := c.push(e.Data); err != nil {
				h.dropLocked(c)
				break
			}
		}
	}
	h.mu.Unlock()
}

// Unsubscribe removes the connection from a key and acks. The key and
// its buffer are retained for future subscribers.
func (h *Hub) Unsubscribe(c *Conn, symbol string, timeframeMS int64) {
	key := subKey(symbol, timeframeMS)

	h.mu.Lock()
	if sub, ok := h.subs[key]; ok {
		delete(sub.conns, c)
	}
	if err := c.push(encodeUnsubscribed(symbol, timeframeMS)); err != nil {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

// Broadcast assigns the next sequence number for the bar's key, buffers
// the envelope, and pushes it to every subscriber of that key. A send
// failure disconnects that one connection from all keys.
func (h *Hub) Broadcast(b model.Bar, mode Mode) {
	key := subKey(b.Symbol, b.Timeframe)

	h.mu.Lock()
	sub, ok := h.subs[key]
	if !ok {
		sub = &subscription{
			buf:   NewReplayBuffer(h.cfg.BufferCapacity),
			conns: make(map[*Conn]struct{}),
		}
		h.subs[key] = sub
	}
	sub.seq++
	envelope := encodeBarEnvelope(b, sub.seq, h.clk.Now(), mode)
	sub.buf.Push(sub.seq, envelope)

	var failed []*Conn
	for c := range sub.conns {
		if err := c.push(envelope); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	if h.OnBroadcast != nil {
		h.OnBroadcast()
	}
	if h.OnDropped != nil {
		for range failed {
			h.OnDropped()
		}
	}
}

// Disconnect removes a connection from every key and closes it.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect()
	}
}

// dropLocked removes the connection from all subscriptions. Caller
// holds h.mu.
func (h *Hub) dropLocked(c *Conn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for _, sub := range h.subs {
		delete(sub.conns, c)
	}
	c.close()
	log.Printf("[delivery] conn %s dropped (%d total)", c.ID, len(h.conns))
}

// HandleMessage processes one client frame and replies on c.
func (h *Hub) HandleMessage(c *Conn, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Symbol == "" || msg.Timeframe <= 0 {
			h.reply(c, encodeError("subscribe requires symbol and timeframe"))
			return
		}
		h.Subscribe(c, msg.Symbol, msg.Timeframe, msg.FromSequence)
	case "unsubscribe":
		if msg.Symbol == "" || msg.Timeframe <= 0 {
			h.reply(c, encodeError("unsubscribe requires symbol and timeframe"))
			return
		}
		h.Unsubscribe(c, msg.Symbol, msg.Timeframe)
	case "ping":
		h.reply(c, encodePong(h.clk.Now()))
	default:
		h.reply(c, encodeError("unknown action: "+msg.Action))
	}
}

func (h *Hub) reply(c *Conn, data []byte) {
	h.mu.Lock()
	if err := c.push(data); err != nil {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

// Sequence returns the current sequence number for a key.
func (h *Hub) Sequence(symbol string, timeframeMS int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[subKey(symbol, timeframeMS)]; ok {
		return sub.seq
	}
	return 0
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// heartbeatOnce pushes a liveness frame to every connection; send
// failure disconnects exactly like a broadcast failure.
func (h *Hub) heartbeatOnce() {
	h.mu.Lock()
	hb := encodeHeartbeat(h.clk.Now())
	var failed []*Conn
	for c := range h.conns {
		if err := c.push(hb); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	stop, done := h.stop, h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.heartbeatOnce()
			}
		}
	}()
}

// Stop halts the heartbeat loop and closes all connections.
func (h *Hub) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	h.mu.Lock()
	for c := range h.conns {
		h.dropLocked(c)
	}
	h.mu.Unlock()
}
