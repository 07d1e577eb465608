// Package config loads bar engine configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	App      AppConfig      `envPrefix:"APP_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	SQLite   SQLiteConfig   `envPrefix:"SQLITE_"`
	Engine   EngineConfig   `envPrefix:"ENGINE_"`
	Delivery DeliveryConfig `envPrefix:"DELIVERY_"`
	Backfill BackfillConfig `envPrefix:"BACKFILL_"`
}

// AppConfig holds service-level settings.
type AppConfig struct {
	Name        string `env:"NAME" envDefault:"barengine"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// RedisConfig holds the optional fan-out tier settings.
type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB" envDefault:"0"`
}

// SQLiteConfig holds the durable repository settings.
type SQLiteConfig struct {
	Path string `env:"PATH" envDefault:"data/bars.db"`
}

// EngineConfig holds aggregation settings.
type EngineConfig struct {
	// Symbols to subscribe and aggregate.
	Symbols []string `env:"SYMBOLS" envSeparator:"," envDefault:"BTCUSDT"`

	// Timeframes in milliseconds, e.g. "60000,300000,900000".
	Timeframes []int64 `env:"TIMEFRAMES" envSeparator:"," envDefault:"60000,300000,900000"`

	// Calendar selects session alignment: "always_open" or "exchange".
	Calendar      string `env:"CALENDAR" envDefault:"always_open"`
	ExchangeZone  string `env:"EXCHANGE_ZONE" envDefault:"America/New_York"`
	ExtendedHours bool   `env:"EXTENDED_HOURS" envDefault:"false"`

	// EpochMS overrides the bar index epoch. Zero means: bootstrap from
	// the earliest persisted timestamp, falling back to the default.
	EpochMS int64 `env:"EPOCH_MS" envDefault:"0"`

	ConfirmationDelayMS int64         `env:"CONFIRMATION_DELAY_MS" envDefault:"500"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"250ms"`
	DedupWindow         int           `env:"DEDUP_WINDOW" envDefault:"100000"`
	CacheCapacity       int           `env:"CACHE_CAPACITY" envDefault:"10000"`
}

// DeliveryConfig holds the subscriber push settings.
type DeliveryConfig struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	ReplayBuffer      int           `env:"REPLAY_BUFFER" envDefault:"500"`
	SendBuffer        int           `env:"SEND_BUFFER" envDefault:"256"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
}

// BackfillConfig holds gap recovery settings.
type BackfillConfig struct {
	MaxConcurrent int           `env:"MAX_CONCURRENT" envDefault:"3"`
	MinInterval   time.Duration `env:"MIN_INTERVAL" envDefault:"100ms"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Engine.Timeframes) == 0 {
		return nil, fmt.Errorf("config: at least one timeframe required")
	}
	for _, tf := range cfg.Engine.Timeframes {
		if tf <= 0 {
			return nil, fmt.Errorf("config: invalid timeframe %d", tf)
		}
	}
	return cfg, nil
}
