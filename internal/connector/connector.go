// Package connector defines the market-data source interface and a
// deterministic replay implementation for tests and offline ingestion.
package connector

import (
	"context"

	"barstream/internal/normalizer"
)

// Connector is a market-data source. Implementations push raw ticks to
// the channel returned by Ticks after Connect; Subscribe narrows the
// feed to the given symbols.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Ticks() <-chan normalizer.RawTick

	// GetHistoricalTicks returns raw ticks for the symbol with
	// ts in [startMS, endMS), ascending. Used by backfill.
	GetHistoricalTicks(ctx context.Context, symbol string, startMS, endMS int64) ([]normalizer.RawTick, error)
}
