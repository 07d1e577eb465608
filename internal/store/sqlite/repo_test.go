package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"barstream/internal/model"
	"barstream/internal/store"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "bars.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func confirmedBar(idx int64) model.Bar {
	return model.Bar{
		Symbol: "BTCUSDT", Timeframe: 60_000, Index: idx,
		StartMS: idx * 60_000, EndMS: (idx + 1) * 60_000,
		Open: 100, High: 101, Low: 99, Close: 100.5,
		Volume: 5, TickCount: 7, LastUpdate: idx*60_000 + 1,
		State: model.StateConfirmed,
	}
}

func TestRepository_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	b := confirmedBar(3)
	if err := repo.SaveBar(ctx, b); err != nil {
		t.Fatalf("SaveBar: %v", err)
	}

	got, err := repo.GetBar(ctx, "BTCUSDT", 60_000, 3)
	if err != nil {
		t.Fatalf("GetBar: %v", err)
	}
	if got.State != model.StateHistorical {
		t.Errorf("state = %v, want HISTORICAL", got.State)
	}
	if got.Close != 100.5 || got.TickCount != 7 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	// Upsert on the same identity replaces, never duplicates.
	b.Close = 200
	if err := repo.SaveBar(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	n, err := repo.CountBars(ctx, "BTCUSDT", 60_000)
	if err != nil || n != 1 {
		t.Fatalf("count = %d (err %v), want 1", n, err)
	}
	got, _ = repo.GetBar(ctx, "BTCUSDT", 60_000, 3)
	if got.Close != 200 {
		t.Errorf("upsert did not replace: close = %v", got.Close)
	}
}

func TestRepository_GetBarNotFound(t *testing.T) {
	repo := openTestRepo(t)
	_, err := repo.GetBar(context.Background(), "BTCUSDT", 60_000, 42)
	if !store.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestRepository_RangeDeleteCount(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	for idx := int64(0); idx < 5; idx++ {
		if err := repo.SaveBar(ctx, confirmedBar(idx)); err != nil {
			t.Fatalf("SaveBar %d: %v", idx, err)
		}
	}

	bars, err := repo.GetBars(ctx, "BTCUSDT", 60_000, 60_000, 240_000, 0)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 { // indices 1,2,3
		t.Fatalf("len = %d, want 3", len(bars))
	}
	for i, want := range []int64{1, 2, 3} {
		if bars[i].Index != want {
			t.Errorf("bars[%d].Index = %d, want %d", i, bars[i].Index, want)
		}
	}

	// Limit caps the result.
	bars, _ = repo.GetBars(ctx, "BTCUSDT", 60_000, 0, 0, 2)
	if len(bars) != 2 {
		t.Fatalf("limited len = %d, want 2", len(bars))
	}

	deleted, err := repo.DeleteBars(ctx, "BTCUSDT", 60_000, 0, 120_000)
	if err != nil || deleted != 2 {
		t.Fatalf("deleted = %d (err %v), want 2", deleted, err)
	}
	n, _ := repo.CountBars(ctx, "BTCUSDT", 60_000)
	if n != 3 {
		t.Fatalf("count after delete = %d, want 3", n)
	}
}

func TestRepository_EarliestTimestamp(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	ts, err := repo.EarliestTimestamp(ctx, "BTCUSDT")
	if err != nil || ts != 0 {
		t.Fatalf("empty repo: ts = %d (err %v), want 0", ts, err)
	}

	for _, idx := range []int64{7, 2, 9} {
		if err := repo.SaveBar(ctx, confirmedBar(idx)); err != nil {
			t.Fatalf("SaveBar: %v", err)
		}
	}
	ts, err = repo.EarliestTimestamp(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("EarliestTimestamp: %v", err)
	}
	if ts != 2*60_000 {
		t.Fatalf("ts = %d, want %d", ts, 2*60_000)
	}
}
