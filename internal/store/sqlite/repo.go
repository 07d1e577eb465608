// Package sqlite implements the durable bar repository on SQLite with
// WAL mode and upsert semantics keyed (symbol, timeframe, bar_index).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"barstream/internal/model"
	"barstream/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Repository is a single-writer SQLite-backed store.Repository.
type Repository struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (r *Repository) DB() *sql.DB { return r.db }

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer keeps WAL contention trivial.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol       TEXT    NOT NULL,
			timeframe_ms INTEGER NOT NULL,
			bar_index    INTEGER NOT NULL,
			ts_start     INTEGER NOT NULL,
			ts_end       INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       REAL    NOT NULL,
			tick_count   INTEGER NOT NULL,
			last_update  INTEGER NOT NULL,
			bar_hash     TEXT    NOT NULL,
			PRIMARY KEY (symbol, timeframe_ms, bar_index)
		);

		CREATE INDEX IF NOT EXISTS idx_bars_start
			ON bars (symbol, timeframe_ms, ts_start);
	`)
	return err
}

// SaveBar upserts one bar.
func (r *Repository) SaveBar(ctx context.Context, b model.Bar) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bars
			(symbol, timeframe_ms, bar_index, ts_start, ts_end,
			 open, high, low, close, volume, tick_count, last_update, bar_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Symbol, b.Timeframe, b.Index, b.StartMS, b.EndMS,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.TickCount, b.LastUpdate, b.Hash())
	if err != nil {
		return fmt.Errorf("sqlite save bar %s idx=%d: %w", b.Key(), b.Index, err)
	}
	return nil
}

const barColumns = `symbol, timeframe_ms, bar_index, ts_start, ts_end,
	open, high, low, close, volume, tick_count, last_update`

func scanBar(scan func(dest ...any) error) (model.Bar, error) {
	var b model.Bar
	err := scan(&b.Symbol, &b.Timeframe, &b.Index, &b.StartMS, &b.EndMS,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TickCount, &b.LastUpdate)
	if err != nil {
		return model.Bar{}, err
	}
	b.State = model.StateHistorical
	return b, nil
}

// GetBar fetches one bar; store.ErrNotFound when absent.
func (r *Repository) GetBar(ctx context.Context, symbol string, timeframeMS, index int64) (model.Bar, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+barColumns+` FROM bars
		WHERE symbol = ? AND timeframe_ms = ? AND bar_index = ?
	`, symbol, timeframeMS, index)

	b, err := scanBar(row.Scan)
	if err == sql.ErrNoRows {
		return model.Bar{}, store.ErrNotFound
	}
	if err != nil {
		return model.Bar{}, fmt.Errorf("sqlite get bar: %w", err)
	}
	return b, nil
}

// GetBars returns bars with ts_start in [startMS, endMS), ascending by
// index. Zero bounds are unbounded; limit 0 is no cap.
func (r *Repository) GetBars(ctx context.Context, symbol string, timeframeMS, startMS, endMS int64, limit int) ([]model.Bar, error) {
	q := `SELECT ` + barColumns + ` FROM bars WHERE symbol = ? AND timeframe_ms = ?`
	args := []any{symbol, timeframeMS}
	if startMS != 0 {
		q += ` AND ts_start >= ?`
		args = append(args, startMS)
	}
	if endMS != 0 {
		q += ` AND ts_start < ?`
		args = append(args, endMS)
	}
	q += ` ORDER BY bar_index ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		b, err := scanBar(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// DeleteBars removes bars with ts_start in [startMS, endMS) and returns
// the number deleted.
func (r *Repository) DeleteBars(ctx context.Context, symbol string, timeframeMS, startMS, endMS int64) (int64, error) {
	q := `DELETE FROM bars WHERE symbol = ? AND timeframe_ms = ?`
	args := []any{symbol, timeframeMS}
	if startMS != 0 {
		q += ` AND ts_start >= ?`
		args = append(args, startMS)
	}
	if endMS != 0 {
		q += ` AND ts_start < ?`
		args = append(args, endMS)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite delete bars: %w", err)
	}
	return res.RowsAffected()
}

// CountBars returns the number of persisted bars for (symbol, timeframe).
func (r *Repository) CountBars(ctx context.Context, symbol string, timeframeMS int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE symbol = ? AND timeframe_ms = ?`,
		symbol, timeframeMS,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count bars: %w", err)
	}
	return n, nil
}

// EarliestTimestamp returns the earliest persisted ts_start for the
// symbol, or 0 when none exists.
func (r *Repository) EarliestTimestamp(ctx context.Context, symbol string) (int64, error) {
	var ts sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(ts_start) FROM bars WHERE symbol = ?`, symbol,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("sqlite earliest timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}
