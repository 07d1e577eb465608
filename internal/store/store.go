// Package store provides the tiered bar store: a bounded in-memory LRU
// cache in front of a durable repository, read-through and write-through.
package store

import (
	"context"
	"errors"

	"barstream/internal/model"
)

// ErrNotFound is returned when a bar exists in neither tier.
var ErrNotFound = errors.New("store: bar not found")

// Repository is the durable tier. Implementations upsert keyed by
// (symbol, timeframe, bar_index).
type Repository interface {
	SaveBar(ctx context.Context, b model.Bar) error
	GetBar(ctx context.Context, symbol string, timeframeMS, index int64) (model.Bar, error)
	// GetBars returns bars with StartMS in [startMS, endMS), ascending,
	// capped at limit (0 = no cap). startMS/endMS of 0 mean unbounded.
	GetBars(ctx context.Context, symbol string, timeframeMS, startMS, endMS int64, limit int) ([]model.Bar, error)
	DeleteBars(ctx context.Context, symbol string, timeframeMS, startMS, endMS int64) (int64, error)
	CountBars(ctx context.Context, symbol string, timeframeMS int64) (int64, error)
	// EarliestTimestamp returns the earliest persisted StartMS for the
	// symbol across all timeframes, or 0 when none exists. Used to
	// override the bar-index epoch at startup.
	EarliestTimestamp(ctx context.Context, symbol string) (int64, error)
}
