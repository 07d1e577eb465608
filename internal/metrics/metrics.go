// Package metrics holds the Prometheus instrumentation and the
// /healthz liveness surface for the bar engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bar engine.
type Metrics struct {
	// Ingest
	TicksTotal      prometheus.Counter
	InvalidTicks    prometheus.Counter
	DuplicateTicks  prometheus.Counter
	OutOfOrderTicks prometheus.Counter

	// Aggregation
	BarsConfirmed    *prometheus.CounterVec // labels: timeframe
	BarUpdates       prometheus.Counter
	EmptyBarsSkipped prometheus.Counter
	LateTicks        prometheus.Counter

	// Tiered store
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	PersistFailures prometheus.Counter

	// Gap recovery
	GapsDetected       prometheus.Counter
	BackfillDispatched prometheus.Counter
	BackfillCompleted  prometheus.Counter
	BackfillFailed     prometheus.Counter

	// Delivery
	BroadcastsTotal  prometheus.Counter
	ConnsDropped     prometheus.Counter
	ConnectedClients prometheus.Gauge
}

// New registers and returns all bar engine metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_ticks_total",
			Help: "Total ticks accepted by the normalizer",
		}),
		InvalidTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_invalid_ticks_total",
			Help: "Ticks rejected by validation",
		}),
		DuplicateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_duplicate_ticks_total",
			Help: "Ticks dropped by the dedup window",
		}),
		OutOfOrderTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_out_of_order_ticks_total",
			Help: "Ticks dropped for violating per-source ordering",
		}),

		BarsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barengine_bars_confirmed_total",
			Help: "Bars confirmed (by timeframe)",
		}, []string{"timeframe"}),
		BarUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_bar_updates_total",
			Help: "Tick applications to forming bars",
		}),
		EmptyBarsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_empty_bars_skipped_total",
			Help: "Forming bars discarded at confirmation with no ticks",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_late_ticks_total",
			Help: "Ticks mapping to an already-confirmed bar index",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_cache_hits_total",
			Help: "Bar reads served from the cache tier",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_cache_misses_total",
			Help: "Bar reads falling through to the repository",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_cache_evictions_total",
			Help: "Bars evicted from the cache tier",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_persist_failures_total",
			Help: "Repository writes that failed (bar retained in cache)",
		}),

		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_gaps_detected_total",
			Help: "Missing bar index ranges detected",
		}),
		BackfillDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_backfill_dispatched_total",
			Help: "Backfill fetches dispatched",
		}),
		BackfillCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_backfill_completed_total",
			Help: "Backfill fetches completed",
		}),
		BackfillFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_backfill_failed_total",
			Help: "Backfill fetches failed (not retried)",
		}),

		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_broadcasts_total",
			Help: "Bar envelopes broadcast to subscribers",
		}),
		ConnsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barengine_conns_dropped_total",
			Help: "Connections dropped on send failure",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barengine_connected_clients",
			Help: "Currently connected delivery clients",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.InvalidTicks,
		m.DuplicateTicks,
		m.OutOfOrderTicks,
		m.BarsConfirmed,
		m.BarUpdates,
		m.EmptyBarsSkipped,
		m.LateTicks,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.PersistFailures,
		m.GapsDetected,
		m.BackfillDispatched,
		m.BackfillCompleted,
		m.BackfillFailed,
		m.BroadcastsTotal,
		m.ConnsDropped,
		m.ConnectedClients,
	)

	return m
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	redisEnabled   bool
	redisConnected bool
	sqliteOK       bool
	lastTickAt     time.Time

	redisLatencyMs  float64
	sqliteLatencyMs float64
	lastCheckAt     time.Time
	startedAt       time.Time
}

// NewHealthStatus returns a default health status. Call SetRedisEnabled
// when the fan-out tier is configured so /healthz includes it.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{startedAt: time.Now(), sqliteOK: true}
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.redisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTick(t time.Time) {
	h.mu.Lock()
	h.lastTickAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency plus connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisConnected = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency plus health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteOK = err == nil
	h.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if !h.sqliteOK || (h.redisEnabled && !h.redisConnected) {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.lastTickAt.IsZero() {
		tickAge = time.Since(h.lastTickAt).Round(time.Millisecond).String()
	}

	out := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LastTickAge     string  `json:"last_tick_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          status,
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		LastTickAge:     tickAge,
		RedisEnabled:    h.redisEnabled,
		RedisConnected:  h.redisConnected,
		RedisLatencyMs:  h.redisLatencyMs,
		SQLiteOK:        h.sqliteOK,
		SQLiteLatencyMs: h.sqliteLatencyMs,
		LastCheckAt:     h.lastCheckAt.Format(time.RFC3339Nano),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(out)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
