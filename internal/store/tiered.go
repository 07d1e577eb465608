package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"barstream/internal/model"
)

// TieredStore layers the LRU cache over a Repository. Reads go
// cache -> repository -> not-found, with repository hits populating the
// cache. Writes hit the cache first, then the repository; a repository
// failure leaves the cache holding the new value (no rollback), so a
// crash between confirmation and a successful durable write can lose a
// confirmed bar.
type TieredStore struct {
	mu    sync.Mutex
	cache *lruCache
	repo  Repository

	// Metrics hooks (optional, set externally).
	OnCacheHit    func()
	OnCacheMiss   func()
	OnEviction    func()
	OnPersistFail func()
}

// NewTiered creates a TieredStore with the given cache capacity.
func NewTiered(repo Repository, cacheCapacity int) *TieredStore {
	ts := &TieredStore{
		cache: newLRUCache(cacheCapacity),
		repo:  repo,
	}
	ts.cache.onEvict = func() {
		if ts.OnEviction != nil {
			ts.OnEviction()
		}
	}
	return ts
}

// Put writes a bar through both tiers. The cache write always succeeds;
// a repository error is logged and returned but does not undo the cache
// write.
func (s *TieredStore) Put(ctx context.Context, b model.Bar) error {
	k := barKey{Symbol: b.Symbol, Timeframe: b.Timeframe, Index: b.Index}
	s.mu.Lock()
	s.cache.put(k, b)
	s.mu.Unlock()

	if err := s.repo.SaveBar(ctx, b); err != nil {
		log.Printf("[store] repository write failed for %s idx=%d: %v (bar retained in cache)", b.Key(), b.Index, err)
		if s.OnPersistFail != nil {
			s.OnPersistFail()
		}
		return fmt.Errorf("save bar %s idx=%d: %w", b.Key(), b.Index, err)
	}
	return nil
}

// Get reads a bar, populating the cache on a repository hit.
func (s *TieredStore) Get(ctx context.Context, symbol string, timeframeMS, index int64) (model.Bar, error) {
	k := barKey{Symbol: symbol, Timeframe: timeframeMS, Index: index}

	s.mu.Lock()
	if b, ok := s.cache.get(k); ok {
		s.mu.Unlock()
		if s.OnCacheHit != nil {
			s.OnCacheHit()
		}
		return b, nil
	}
	s.mu.Unlock()
	if s.OnCacheMiss != nil {
		s.OnCacheMiss()
	}

	b, err := s.repo.GetBar(ctx, symbol, timeframeMS, index)
	if err != nil {
		return model.Bar{}, err
	}
	s.mu.Lock()
	s.cache.put(k, b)
	s.mu.Unlock()
	return b, nil
}

// Latest returns the bar with the highest index ever written for
// (symbol, timeframe).
func (s *TieredStore) Latest(ctx context.Context, symbol string, timeframeMS int64) (model.Bar, error) {
	s.mu.Lock()
	idx, ok := s.cache.latestIndex(symbol, timeframeMS)
	s.mu.Unlock()
	if !ok {
		return model.Bar{}, ErrNotFound
	}
	return s.Get(ctx, symbol, timeframeMS, idx)
}

// GetRecent returns up to n bars ending at the latest index, ascending.
// The walk stops at the first cache miss instead of silently skipping
// gaps: complete is false when fewer than n contiguous bars were served
// from cache, and callers must treat such a result as possibly
// incomplete rather than authoritative. Use GetRange for an
// authoritative repository read.
func (s *TieredStore) GetRecent(symbol string, timeframeMS int64, n int) (bars []model.Bar, complete bool) {
	if n <= 0 {
		return nil, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, ok := s.cache.latestIndex(symbol, timeframeMS)
	if !ok {
		return nil, false
	}
	for idx := latest; idx >= 0 && len(bars) < n; idx-- {
		b, ok := s.cache.get(barKey{Symbol: symbol, Timeframe: timeframeMS, Index: idx})
		if !ok {
			break
		}
		bars = append(bars, b)
	}
	// Reverse into ascending index order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	if len(bars) == n {
		return bars, true
	}
	// Reaching index 0 with room to spare is also a complete history.
	complete = len(bars) > 0 && bars[0].Index == 0
	return bars, complete
}

// GetRange reads bars from the repository (authoritative), populating
// the cache with the result.
func (s *TieredStore) GetRange(ctx context.Context, symbol string, timeframeMS, startMS, endMS int64, limit int) ([]model.Bar, error) {
	bars, err := s.repo.GetBars(ctx, symbol, timeframeMS, startMS, endMS, limit)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, b := range bars {
		s.cache.put(barKey{Symbol: b.Symbol, Timeframe: b.Timeframe, Index: b.Index}, b)
	}
	s.mu.Unlock()
	return bars, nil
}

// Contains reports whether the bar is currently cached, without
// promoting it.
func (s *TieredStore) Contains(symbol string, timeframeMS, index int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache.entries[barKey{Symbol: symbol, Timeframe: timeframeMS, Index: index}]
	return ok
}

// CacheLen returns the number of cached bars.
func (s *TieredStore) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.len()
}

// IsNotFound reports whether err is the store's not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
