package store

import (
	"context"
	"sort"
	"sync"

	"barstream/internal/model"
)

// MemoryRepository is a map-backed Repository for tests and for running
// the engine without a durable tier.
type MemoryRepository struct {
	mu   sync.Mutex
	bars map[barKey]model.Bar

	// FailWrites makes SaveBar return an error; used to test the
	// write-through no-rollback contract.
	FailWrites bool
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bars: make(map[barKey]model.Bar)}
}

var errWriteFailed = &persistError{msg: "memory repository: write failure injected"}

type persistError struct{ msg string }

func (e *persistError) Error() string { return e.msg }

func (r *MemoryRepository) SaveBar(_ context.Context, b model.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites {
		return errWriteFailed
	}
	r.bars[barKey{Symbol: b.Symbol, Timeframe: b.Timeframe, Index: b.Index}] = b
	return nil
}

func (r *MemoryRepository) GetBar(_ context.Context, symbol string, timeframeMS, index int64) (model.Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bars[barKey{Symbol: symbol, Timeframe: timeframeMS, Index: index}]
	if !ok {
		return model.Bar{}, ErrNotFound
	}
	b.State = model.StateHistorical
	return b, nil
}

func (r *MemoryRepository) GetBars(_ context.Context, symbol string, timeframeMS, startMS, endMS int64, limit int) ([]model.Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Bar
	for k, b := range r.bars {
		if k.Symbol != symbol || k.Timeframe != timeframeMS {
			continue
		}
		if startMS != 0 && b.StartMS < startMS {
			continue
		}
		if endMS != 0 && b.StartMS >= endMS {
			continue
		}
		b.State = model.StateHistorical
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteBars(_ context.Context, symbol string, timeframeMS, startMS, endMS int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, b := range r.bars {
		if k.Symbol != symbol || k.Timeframe != timeframeMS {
			continue
		}
		if startMS != 0 && b.StartMS < startMS {
			continue
		}
		if endMS != 0 && b.StartMS >= endMS {
			continue
		}
		delete(r.bars, k)
		n++
	}
	return n, nil
}

func (r *MemoryRepository) CountBars(_ context.Context, symbol string, timeframeMS int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.bars {
		if k.Symbol == symbol && k.Timeframe == timeframeMS {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) EarliestTimestamp(_ context.Context, symbol string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var earliest int64
	for k, b := range r.bars {
		if k.Symbol != symbol {
			continue
		}
		if earliest == 0 || b.StartMS < earliest {
			earliest = b.StartMS
		}
	}
	return earliest, nil
}
