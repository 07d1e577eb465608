// Package redisfan fans confirmed bars out to Redis: a latest-value key
// with TTL, a trimmed stream per (symbol, timeframe), and a pubsub
// channel for live consumers. Forming bars go to pubsub only.
package redisfan

import (
	"context"
	"fmt"
	"log"
	"time"

	"barstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Keep roughly a day of 1m bars per stream, with headroom.
	defaultStreamMaxLen = 1600
	defaultLatestTTL    = 30 * time.Minute
)

// Config configures the Redis fan-out writer.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes bars to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Writer and pings the server.
func New(cfg Config) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redisfan] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// Run reads confirmed bars from barCh and writes them to Redis.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			w.WriteConfirmed(ctx, b)
		}
	}
}

func tfSeconds(timeframeMS int64) int64 { return timeframeMS / 1000 }

func latestKey(b model.Bar) string {
	return fmt.Sprintf("bar:%ds:latest:%s", tfSeconds(b.Timeframe), b.Symbol)
}

func streamKey(b model.Bar) string {
	return fmt.Sprintf("bar:%ds:%s", tfSeconds(b.Timeframe), b.Symbol)
}

func pubsubChannel(b model.Bar) string {
	return fmt.Sprintf("pub:bar:%ds:%s", tfSeconds(b.Timeframe), b.Symbol)
}

// WriteConfirmed performs the full pipelined write for one confirmed
// bar: SET latest with TTL, XADD to the trimmed stream, PUBLISH.
func (w *Writer) WriteConfirmed(ctx context.Context, b model.Bar) {
	jsonData := string(b.JSON())

	pipe := w.client.Pipeline()

	pipe.Set(ctx, latestKey(b), jsonData, defaultLatestTTL)

	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(b),
		MaxLen: defaultStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	pipe.Publish(ctx, pubsubChannel(b), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redisfan] pipeline error for %s idx=%d: %v", b.Key(), b.Index, err)
	}
}

// RunForming reads forming bar snapshots from barCh and publishes them
// via pubsub. Snapshots that arrive while a publish is in flight are
// coalesced into one pipelined batch. Blocks until ctx is cancelled or
// barCh is closed.
func (w *Writer) RunForming(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			batch := []model.Bar{b}
		drain:
			for {
				select {
				case nb, ok := <-barCh:
					if !ok {
						break drain
					}
					batch = append(batch, nb)
				default:
					break drain
				}
			}
			if len(batch) == 1 {
				w.PublishForming(ctx, batch[0])
			} else {
				w.PublishFormingBatch(ctx, batch)
			}
		}
	}
}

// PublishForming publishes a forming bar via pubsub only. Forming bars
// never touch the stream or latest key.
func (w *Writer) PublishForming(ctx context.Context, b model.Bar) {
	w.client.Publish(ctx, pubsubChannel(b), string(b.JSON()))
}

// PublishFormingBatch publishes forming bars in a single pipeline.
func (w *Writer) PublishFormingBatch(ctx context.Context, bars []model.Bar) {
	if len(bars) == 0 {
		return
	}
	pipe := w.client.Pipeline()
	for _, b := range bars {
		pipe.Publish(ctx, pubsubChannel(b), string(b.JSON()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redisfan] forming batch pipeline error (%d bars): %v", len(bars), err)
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
