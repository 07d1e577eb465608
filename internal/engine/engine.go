// Package engine wires the ingestion pipeline together: normalizer ->
// lifecycle manager -> {tiered store, gap detection, delivery, redis
// fan-out}.
package engine

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"barstream/internal/clock"
	"barstream/internal/connector"
	"barstream/internal/delivery"
	"barstream/internal/gap"
	"barstream/internal/lifecycle"
	"barstream/internal/metrics"
	"barstream/internal/model"
	"barstream/internal/normalizer"
	"barstream/internal/session"
	"barstream/internal/store"
)

// Config holds engine settings.
type Config struct {
	Symbols             []string
	Timeframes          []int64
	Calendar            session.Calendar
	EpochMS             int64
	ConfirmationDelayMS int64
	SweepInterval       time.Duration
	DedupWindow         int
	CacheCapacity       int

	BackfillMaxConcurrent int
	BackfillMinInterval   time.Duration
	BackfillMaxRetries    int

	Delivery delivery.HubConfig
}

// FanOut drains bar channels to an external tier. Confirmed bars go
// through Run; forming snapshots through RunForming. redisfan.Writer is
// the production implementation.
type FanOut interface {
	Run(ctx context.Context, barCh <-chan model.Bar)
	RunForming(ctx context.Context, barCh <-chan model.Bar)
}

// Deps are the engine's external collaborators. Repo is required; the
// rest are optional.
type Deps struct {
	Repo      store.Repository
	Connector connector.Connector
	Fan       FanOut
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// ErrNoHistorySource means a backfill was requested but no connector
// with historical data is configured.
var ErrNoHistorySource = errors.New("engine: no historical tick source configured")

// Engine is one aggregation pipeline instance.
type Engine struct {
	clk   clock.Clock
	cfg   Config
	norm  *normalizer.Normalizer
	mgr   *lifecycle.Manager
	store *store.TieredStore
	det   *gap.Detector
	sched *gap.Scheduler
	rec   *gap.Recovery
	hub   *delivery.Hub
	fan   FanOut
	conn  connector.Connector

	mode      atomic.Value // delivery.Mode
	fanCh     chan model.Bar
	formingCh chan model.Bar

	cancelFan context.CancelFunc
}

// BootstrapEpoch resolves the bar index epoch from storage: the
// earliest persisted timestamp across the symbols, falling back to the
// default when nothing is persisted. Called once at startup; changing
// the epoch later invalidates every computed index.
func BootstrapEpoch(ctx context.Context, repo store.Repository, symbols []string) int64 {
	var earliest int64
	for _, sym := range symbols {
		ts, err := repo.EarliestTimestamp(ctx, sym)
		if err != nil {
			slog.Warn("epoch bootstrap probe failed", "symbol", sym, "err", err)
			continue
		}
		if ts > 0 && (earliest == 0 || ts < earliest) {
			earliest = ts
		}
	}
	if earliest == 0 {
		return session.DefaultEpochMS
	}
	return earliest
}

// New builds and wires an Engine. The clock drives confirmation; inject
// a virtual clock for deterministic replay.
func New(clk clock.Clock, cfg Config, deps Deps) *Engine {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10_000
	}
	if cfg.EpochMS <= 0 {
		cfg.EpochMS = session.DefaultEpochMS
	}
	if cfg.Calendar == nil {
		cfg.Calendar = session.NewAlwaysOpen(cfg.EpochMS)
	}

	e := &Engine{
		clk:  clk,
		cfg:  cfg,
		fan:  deps.Fan,
		conn: deps.Connector,
	}
	e.mode.Store(delivery.ModeLive)

	e.norm = normalizer.New(cfg.DedupWindow)
	e.mgr = lifecycle.New(clk, lifecycle.Config{
		Timeframes:          cfg.Timeframes,
		Calendar:            cfg.Calendar,
		EpochMS:             cfg.EpochMS,
		ConfirmationDelayMS: cfg.ConfirmationDelayMS,
		SweepInterval:       cfg.SweepInterval,
	})
	e.store = store.NewTiered(deps.Repo, cfg.CacheCapacity)
	e.det = gap.NewDetector()
	e.sched = gap.NewScheduler(gap.SchedulerConfig{
		MaxConcurrent: cfg.BackfillMaxConcurrent,
		MinInterval:   cfg.BackfillMinInterval,
	}, e.backfillGap)
	e.rec = gap.NewRecovery(clk, e.det, e.sched, cfg.BackfillMaxRetries)
	e.hub = delivery.NewHub(clk, cfg.Delivery)

	if deps.Fan != nil {
		e.fanCh = make(chan model.Bar, 1024)
		e.formingCh = make(chan model.Bar, 1024)
	}

	e.norm.Subscribe(e.mgr.ProcessTick)
	e.mgr.OnUpdate(func(b model.Bar) {
		e.hub.Broadcast(b, e.currentMode())
		if e.formingCh != nil {
			// Forming snapshots are best-effort: a full queue drops the
			// snapshot, the next update supersedes it anyway.
			select {
			case e.formingCh <- b:
			default:
			}
		}
	})
	e.mgr.OnConfirm(func(b model.Bar) {
		if err := e.store.Put(context.Background(), b); err != nil {
			slog.Error("confirmed bar persist failed", "key", b.Key(), "index", b.Index, "err", err)
		}
		e.det.ObserveConfirmed(b)
		e.hub.Broadcast(b, e.currentMode())
		if e.fanCh != nil {
			select {
			case e.fanCh <- b:
			default:
				log.Printf("[engine] fan-out queue full, dropping %s idx=%d", b.Key(), b.Index)
			}
		}
	})

	if deps.Metrics != nil {
		e.wireMetrics(deps.Metrics)
	}
	if deps.Health != nil {
		health := deps.Health
		prev := e.norm.OnAccepted
		e.norm.OnAccepted = func() {
			if prev != nil {
				prev()
			}
			health.SetLastTick(time.Now())
		}
	}
	return e
}

func (e *Engine) wireMetrics(m *metrics.Metrics) {
	e.norm.OnAccepted = m.TicksTotal.Inc
	e.norm.OnInvalid = m.InvalidTicks.Inc
	e.norm.OnDuplicate = m.DuplicateTicks.Inc
	e.norm.OnOutOfOrder = m.OutOfOrderTicks.Inc

	e.mgr.OnLateTick = m.LateTicks.Inc
	e.mgr.OnEmptySkipped = m.EmptyBarsSkipped.Inc
	e.mgr.OnUpdate(func(model.Bar) { m.BarUpdates.Inc() })
	e.mgr.OnConfirm(func(b model.Bar) {
		m.BarsConfirmed.WithLabelValues(strconv.FormatInt(b.Timeframe, 10)).Inc()
	})

	e.store.OnCacheHit = m.CacheHits.Inc
	e.store.OnCacheMiss = m.CacheMisses.Inc
	e.store.OnEviction = m.CacheEvictions.Inc
	e.store.OnPersistFail = m.PersistFailures.Inc

	e.det.OnGap = m.GapsDetected.Inc
	e.sched.OnDispatched = m.BackfillDispatched.Inc
	e.sched.OnCompleted = m.BackfillCompleted.Inc
	e.sched.OnFailed = m.BackfillFailed.Inc

	e.hub.OnBroadcast = m.BroadcastsTotal.Inc
	e.hub.OnDropped = m.ConnsDropped.Inc
	e.hub.OnRegister = func() { m.ConnectedClients.Set(float64(e.hub.ConnCount())) }
	e.hub.OnDisconnect = func() { m.ConnectedClients.Set(float64(e.hub.ConnCount())) }
}

// SubmitRaw feeds one raw tick through the pipeline. Drops are reported
// as errors; accepted ticks are applied to every configured timeframe
// before SubmitRaw returns.
func (e *Engine) SubmitRaw(raw normalizer.RawTick) (model.Tick, error) {
	return e.norm.Submit(raw)
}

// SetMode tags subsequent broadcasts as live, replay, or backfill.
// Safe to call while ticks are flowing.
func (e *Engine) SetMode(m delivery.Mode) { e.mode.Store(m) }

func (e *Engine) currentMode() delivery.Mode { return e.mode.Load().(delivery.Mode) }

// Hub exposes the delivery layer for the WebSocket server.
func (e *Engine) Hub() *delivery.Hub { return e.hub }

// Store exposes the tiered store for read surfaces.
func (e *Engine) Store() *store.TieredStore { return e.store }

// Scheduler exposes the backfill scheduler for inspection.
func (e *Engine) Scheduler() *gap.Scheduler { return e.sched }

// Manager exposes the lifecycle manager.
func (e *Engine) Manager() *lifecycle.Manager { return e.mgr }

// backfillGap repairs one gap: fetch the missing ticks from the
// connector, rebuild the bars, persist, and broadcast them as backfill.
// Rebuilt indices are at or below the detector's tracked index, so they
// do not re-trigger detection.
func (e *Engine) backfillGap(ctx context.Context, g model.Gap) error {
	if e.conn == nil {
		return ErrNoHistorySource
	}
	ticks, err := e.conn.GetHistoricalTicks(ctx, g.Symbol, g.StartMS, g.EndMS)
	if err != nil {
		return err
	}

	calc := session.NewBarIndexCalculator(g.Symbol, g.Timeframe, e.cfg.Calendar, e.cfg.EpochMS)
	bars := make(map[int64]*model.Bar)
	for _, raw := range ticks {
		t, err := normalizer.Normalize(raw)
		if err != nil {
			continue
		}
		idx, err := calc.IndexFor(t.TS)
		if err != nil {
			continue
		}
		if idx < g.StartIndex || idx >= g.EndIndex {
			continue
		}
		b, ok := bars[idx]
		if !ok {
			startMS, endMS, err := calc.IntervalBounds(t.TS)
			if err != nil {
				continue
			}
			b = &model.Bar{
				Symbol:    g.Symbol,
				Timeframe: g.Timeframe,
				Index:     idx,
				StartMS:   startMS,
				EndMS:     endMS,
				State:     model.StateForming,
			}
			bars[idx] = b
		}
		if err := b.UpdateWithTick(t); err != nil {
			return err
		}
	}

	for idx := g.StartIndex; idx < g.EndIndex; idx++ {
		b, ok := bars[idx]
		if !ok {
			continue // no ticks in that interval: stays a true empty bar
		}
		if err := b.Confirm(); err != nil {
			return err
		}
		if err := e.store.Put(ctx, *b); err != nil {
			return err
		}
		e.hub.Broadcast(*b, delivery.ModeBackfill)
		if e.fanCh != nil {
			select {
			case e.fanCh <- *b:
			default:
			}
		}
	}
	log.Printf("[engine] backfilled %s [%d,%d): %d bars rebuilt", g.Key(), g.StartIndex, g.EndIndex, len(bars))
	return nil
}

// RunConnector connects the tick source and pumps its stream into the
// pipeline. Blocks until the stream ends or ctx is cancelled.
func (e *Engine) RunConnector(ctx context.Context) error {
	if e.conn == nil {
		return nil
	}
	if len(e.cfg.Symbols) > 0 {
		if err := e.conn.Subscribe(e.cfg.Symbols); err != nil {
			return err
		}
	}
	if err := e.conn.Connect(ctx); err != nil {
		return err
	}
	for raw := range e.conn.Ticks() {
		if _, err := e.SubmitRaw(raw); err != nil {
			slog.Debug("tick dropped", "symbol", raw.Symbol, "ts", raw.TS, "err", err)
		}
	}
	return nil
}

// Start launches the background loops: boundary sweep, backfill worker,
// delivery heartbeats, and the redis fan-out drain when configured.
func (e *Engine) Start(ctx context.Context) {
	e.mgr.Start()
	e.sched.Start(ctx)
	e.hub.Start()
	if e.fan != nil && e.fanCh != nil {
		fanCtx, cancel := context.WithCancel(context.Background())
		e.cancelFan = cancel
		go e.fan.Run(fanCtx, e.fanCh)
		go e.fan.RunForming(fanCtx, e.formingCh)
	}
	slog.Info("engine started",
		"symbols", e.cfg.Symbols,
		"timeframes", e.cfg.Timeframes,
		"epoch_ms", e.cfg.EpochMS)
}

// Stop shuts the pipeline down in dependency order: stop ingesting,
// force-confirm remaining forming bars (which flushes them through the
// store and delivery), then halt backfill, fan-out, and delivery.
func (e *Engine) Stop() {
	e.mgr.Stop()
	e.sched.Stop()
	if e.cancelFan != nil {
		e.cancelFan()
		e.cancelFan = nil
	}
	e.hub.Stop()
	slog.Info("engine stopped")
}
