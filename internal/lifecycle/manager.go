// Package lifecycle owns the forming bar for every (symbol, timeframe)
// and drives the FORMING -> CONFIRMED transition. Two independent
// triggers confirm a bar: a tick arriving for a newer interval, and the
// boundary sweep comparing the clock against each bar's scheduled
// confirmation time. The sweep is what makes replay under a virtual
// clock deterministic regardless of tick density.
package lifecycle

import (
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"barstream/internal/clock"
	"barstream/internal/model"
	"barstream/internal/session"
)

// Config holds the aggregation parameters. Epoch and calendar are fixed
// for the life of the manager; changing the epoch invalidates every
// computed index.
type Config struct {
	Timeframes          []int64 // ms, e.g. 60000, 300000
	Calendar            session.Calendar
	EpochMS             int64
	ConfirmationDelayMS int64
	SweepInterval       time.Duration // wall pacing of the sweep loop
}

func (c *Config) defaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 250 * time.Millisecond
	}
	if c.EpochMS <= 0 {
		c.EpochMS = session.DefaultEpochMS
	}
	if c.Calendar == nil {
		c.Calendar = session.NewAlwaysOpen(c.EpochMS)
	}
}

// Manager applies ticks to forming bars across all configured timeframes
// and emits update/confirmed events to registered handlers.
type Manager struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config

	calcs   map[string]*session.BarIndexCalculator // key = symbol:tf
	forming map[string]*model.Bar

	onUpdate  []func(model.Bar)
	onConfirm []func(model.Bar)

	// Metrics hooks (optional, set externally).
	OnLateTick     func()
	OnEmptySkipped func()
	OnCalcError    func()

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a Manager. The clock is the single authority for the
// boundary sweep; inject a virtual clock for replay.
func New(clk clock.Clock, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		clk:     clk,
		cfg:     cfg,
		calcs:   make(map[string]*session.BarIndexCalculator),
		forming: make(map[string]*model.Bar),
	}
}

// OnUpdate registers a handler for post-tick forming snapshots. Handlers
// run synchronously in registration order; a panic in one handler is
// logged and does not abort the rest.
func (m *Manager) OnUpdate(fn func(model.Bar)) {
	m.mu.Lock()
	m.onUpdate = append(m.onUpdate, fn)
	m.mu.Unlock()
}

// OnConfirm registers a handler for confirmed bars (durable write, gap
// check, delivery). Same invocation discipline as OnUpdate.
func (m *Manager) OnConfirm(fn func(model.Bar)) {
	m.mu.Lock()
	m.onConfirm = append(m.onConfirm, fn)
	m.mu.Unlock()
}

// ProcessTick applies one canonical tick to every configured timeframe.
// A calculation error on one timeframe is logged and does not prevent
// the tick from reaching the others.
func (m *Manager) ProcessTick(t model.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tf := range m.cfg.Timeframes {
		if err := m.processOneLocked(t, tf); err != nil {
			log.Printf("[lifecycle] %s tf=%dms: %v", t.Symbol, tf, err)
			if m.OnCalcError != nil {
				m.OnCalcError()
			}
		}
	}
}

func (m *Manager) processOneLocked(t model.Tick, tf int64) error {
	calc := m.calculatorLocked(t.Symbol, tf)
	idx, err := calc.IndexFor(t.TS)
	if err != nil {
		return err
	}

	key := t.Symbol + ":" + strconv.FormatInt(tf, 10)
	cur := m.forming[key]

	if cur != nil && idx < cur.Index {
		// Tick for an already-rolled-over interval. Per-source
		// monotonicity upstream makes this a cross-source stray; drop it.
		if m.OnLateTick != nil {
			m.OnLateTick()
		}
		return nil
	}

	if cur != nil && idx > cur.Index {
		m.confirmLocked(key, cur)
		cur = nil
	}

	if cur == nil {
		start, end, err := calc.IntervalBounds(t.TS)
		if err != nil {
			return err
		}
		cur = &model.Bar{
			Symbol:    t.Symbol,
			Timeframe: tf,
			Index:     idx,
			StartMS:   start,
			EndMS:     end,
			State:     model.StateForming,
		}
		m.forming[key] = cur
	}

	if err := cur.UpdateWithTick(t); err != nil {
		return err
	}
	m.emit(m.onUpdate, *cur)
	return nil
}

// confirmLocked moves a forming bar out of FORMING. Empty bars are
// dropped, never persisted or emitted.
func (m *Manager) confirmLocked(key string, b *model.Bar) {
	delete(m.forming, key)
	if b.Empty() {
		if m.OnEmptySkipped != nil {
			m.OnEmptySkipped()
		}
		return
	}
	if err := b.Confirm(); err != nil {
		log.Printf("[lifecycle] confirm %s idx=%d: %v", key, b.Index, err)
		return
	}
	log.Printf("[lifecycle] confirmed %s idx=%d ticks=%d hash=%s", key, b.Index, b.TickCount, b.Hash()[:12])
	m.emit(m.onConfirm, *b)
}

// emit invokes handlers synchronously in registration order. Handlers
// receive a value copy: ownership of the confirmed bar transfers to
// them, never a shared mutable reference.
func (m *Manager) emit(handlers []func(model.Bar), b model.Bar) {
	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[lifecycle] handler panic for %s idx=%d: %v", b.Key(), b.Index, r)
				}
			}()
			fn(b)
		}()
	}
}

// SweepOnce confirms every forming bar whose scheduled confirmation time
// (interval end + confirmation delay) has passed on the Clock. Exported
// so replay drivers and tests can sweep deterministically.
func (m *Manager) SweepOnce() {
	nowMS := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.forming))
	for key, b := range m.forming {
		if nowMS >= b.EndMS+m.cfg.ConfirmationDelayMS {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		m.confirmLocked(key, m.forming[key])
	}
}

// ForceConfirmAll confirms every non-empty forming bar across all keys.
// Used on shutdown and at the end of a replay batch so a partially
// formed final bar is never silently lost.
func (m *Manager) ForceConfirmAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.forming))
	for key := range m.forming {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		m.confirmLocked(key, m.forming[key])
	}
}

// Forming returns a snapshot of the forming bar for (symbol, timeframe),
// if any.
func (m *Manager) Forming(symbol string, tf int64) (model.Bar, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.forming[symbol+":"+strconv.FormatInt(tf, 10)]
	if !ok {
		return model.Bar{}, false
	}
	return *b, true
}

// Start launches the boundary sweep loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SweepOnce()
			}
		}
	}()
}

// Stop halts the sweep loop, waits for it to exit, then force-confirms
// all remaining forming bars.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
	m.ForceConfirmAll()
}

func (m *Manager) calculatorLocked(symbol string, tf int64) *session.BarIndexCalculator {
	key := symbol + ":" + strconv.FormatInt(tf, 10)
	calc, ok := m.calcs[key]
	if !ok {
		calc = session.NewBarIndexCalculator(symbol, tf, m.cfg.Calendar, m.cfg.EpochMS)
		m.calcs[key] = calc
	}
	return calc
}
