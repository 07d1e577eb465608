package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"barstream/config"
	"barstream/internal/clock"
	"barstream/internal/connector"
	"barstream/internal/delivery"
	"barstream/internal/engine"
	"barstream/internal/logger"
	"barstream/internal/metrics"
	"barstream/internal/session"
	"barstream/internal/store/redisfan"
	"barstream/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[barengine] config: %v", err)
	}
	logger.Init(cfg.App.Name, logger.ParseLevel(cfg.App.LogLevel))
	slog.Info("starting", "timeframes", cfg.Engine.Timeframes, "calendar", cfg.Engine.Calendar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.App.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Durable repository ----
	os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755)
	repo, err := sqlite.New(cfg.SQLite.Path)
	if err != nil {
		log.Fatalf("[barengine] sqlite init failed: %v", err)
	}
	defer repo.Close()

	// ---- Optional Redis fan-out ----
	var fan *redisfan.Writer
	if cfg.Redis.Enabled {
		health.SetRedisEnabled(true)
		fan, err = redisfan.New(redisfan.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			slog.Warn("redis init failed, continuing without fan-out", "err", err)
			health.SetRedisEnabled(false)
			fan = nil
		} else {
			defer fan.Close()
		}
	}
	if fan != nil {
		health.StartLivenessChecker(ctx, fan.Client(), repo.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, repo.DB(), 10*time.Second)
	}

	// ---- Session calendar ----
	var cal session.Calendar
	if cfg.Engine.Calendar == "exchange" {
		zone, err := time.LoadLocation(cfg.Engine.ExchangeZone)
		if err != nil {
			log.Fatalf("[barengine] calendar zone: %v", err)
		}
		cal = session.NewExchangeCalendar(zone, cfg.Engine.ExtendedHours)
	}

	// ---- Epoch: explicit config wins, otherwise bootstrap once from
	// the earliest persisted timestamp ----
	symbols := cfg.Engine.Symbols
	epochMS := cfg.Engine.EpochMS
	if epochMS <= 0 {
		bootCtx, bootCancel := context.WithTimeout(ctx, 5*time.Second)
		epochMS = engine.BootstrapEpoch(bootCtx, repo, symbols)
		bootCancel()
	}
	slog.Info("bar index epoch resolved", "epoch_ms", epochMS)

	// ---- Tick source ----
	var src connector.Connector
	if url := os.Getenv("TICK_WS_URL"); url != "" {
		ws, err := connector.NewWS(connector.WSConfig{URL: url})
		if err != nil {
			log.Fatalf("[barengine] connector: %v", err)
		}
		src = ws
	}

	// ---- Engine ----
	clk := clock.NewLive()
	clock.Init(clk)
	deps := engine.Deps{
		Repo:      repo,
		Connector: src,
		Metrics:   prom,
		Health:    health,
	}
	// A nil *redisfan.Writer must not become a non-nil FanOut.
	if fan != nil {
		deps.Fan = fan
	}
	eng := engine.New(clk, engine.Config{
		Symbols:             symbols,
		Timeframes:          cfg.Engine.Timeframes,
		Calendar:            cal,
		EpochMS:             epochMS,
		ConfirmationDelayMS: cfg.Engine.ConfirmationDelayMS,
		SweepInterval:       cfg.Engine.SweepInterval,
		DedupWindow:         cfg.Engine.DedupWindow,
		CacheCapacity:       cfg.Engine.CacheCapacity,

		BackfillMaxConcurrent: cfg.Backfill.MaxConcurrent,
		BackfillMinInterval:   cfg.Backfill.MinInterval,
		BackfillMaxRetries:    cfg.Backfill.MaxRetries,

		Delivery: delivery.HubConfig{
			BufferCapacity:    cfg.Delivery.ReplayBuffer,
			SendBuffer:        cfg.Delivery.SendBuffer,
			HeartbeatInterval: cfg.Delivery.HeartbeatInterval,
		},
	}, deps)
	eng.Start(ctx)

	// ---- Delivery WebSocket server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", eng.Hub().Handler())
	deliverySrv := &http.Server{Addr: cfg.Delivery.Addr, Handler: mux}
	go func() {
		slog.Info("delivery server listening", "addr", cfg.Delivery.Addr)
		if err := deliverySrv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("delivery server error", "err", err)
		}
	}()

	// ---- Ingest loop ----
	if src != nil {
		go func() {
			if err := eng.RunConnector(ctx); err != nil {
				slog.Error("connector stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("no tick source configured (set TICK_WS_URL); serving history only")
	}

	<-sigCh
	slog.Info("shutting down")
	cancel()

	// Stop ingesting first so the final partial bars flush through the
	// store and delivery before the servers close.
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	deliverySrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	shutdownCancel()

	slog.Info("bye")
}
