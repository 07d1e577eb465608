package normalizer

import (
	"errors"
	"testing"

	"barstream/internal/model"
)

func TestNormalize_Canonical(t *testing.T) {
	tick, err := Normalize(RawTick{Source: "binance", Symbol: "btcusdt", TS: 1000, Price: 42.5, Size: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if tick.Source != model.SourceBinance {
		t.Errorf("source = %s, want BINANCE", tick.Source)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s, want BTCUSDT", tick.Symbol)
	}

	// Unknown sources default to the mock category.
	tick, err = Normalize(RawTick{Source: "some-new-feed", Symbol: "X", TS: 1, Price: 1, Size: 0})
	if err != nil {
		t.Fatalf("Normalize unknown source: %v", err)
	}
	if tick.Source != model.SourceMock {
		t.Errorf("unknown source = %s, want MOCK", tick.Source)
	}
}

func TestNormalize_Rejects(t *testing.T) {
	cases := []RawTick{
		{Source: "MOCK", Symbol: "X", TS: 0, Price: 1, Size: 1},  // zero ts
		{Source: "MOCK", Symbol: "X", TS: -5, Price: 1, Size: 1}, // negative ts
		{Source: "MOCK", Symbol: "", TS: 1, Price: 1, Size: 1},   // empty symbol
		{Source: "MOCK", Symbol: "X", TS: 1, Price: 0, Size: 1},  // zero price
		{Source: "MOCK", Symbol: "X", TS: 1, Price: 1, Size: -1}, // negative size
	}
	for i, raw := range cases {
		_, err := Normalize(raw)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("case %d: err = %v, want ValidationError", i, err)
		}
	}
}

func TestSubmit_Dedup(t *testing.T) {
	n := New(10)
	raw := RawTick{Source: "MOCK", Symbol: "X", TS: 1000, Price: 5, Size: 1}

	if _, err := n.Submit(raw); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := n.Submit(raw); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Submit: err = %v, want ErrDuplicate", err)
	}

	// A tick differing in any field is not a duplicate.
	raw.Size = 2
	if _, err := n.Submit(raw); err != nil {
		t.Fatalf("differing tick: %v", err)
	}
}

func TestSubmit_DedupWindowEviction(t *testing.T) {
	n := New(3)

	submit := func(ts int64) error {
		_, err := n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: ts, Price: 1, Size: 1})
		return err
	}

	for ts := int64(1); ts <= 4; ts++ { // 4 distinct ticks through a window of 3
		if err := submit(ts); err != nil {
			t.Fatalf("submit ts=%d: %v", ts, err)
		}
	}

	// The oldest fingerprint (ts=1) was evicted: resubmitting it is no
	// longer a dedup hit (it is an out-of-order drop instead).
	_, err := n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 1, Price: 1, Size: 1})
	if errors.Is(err, ErrDuplicate) {
		t.Fatalf("evicted fingerprint still reported duplicate")
	}
	var ooe *OutOfOrderError
	if !errors.As(err, &ooe) {
		t.Fatalf("err = %v, want OutOfOrderError after eviction", err)
	}

	// ts=4 is still inside the window.
	if err := submit(4); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("recent fingerprint not deduped: %v", err)
	}
}

func TestSubmit_MonotonicPerSource(t *testing.T) {
	n := New(100)

	if _, err := n.Submit(RawTick{Source: "BINANCE", Symbol: "X", TS: 2000, Price: 1, Size: 1}); err != nil {
		t.Fatalf("binance t=2000: %v", err)
	}
	// Regression on the same source:symbol is dropped.
	_, err := n.Submit(RawTick{Source: "BINANCE", Symbol: "X", TS: 1000, Price: 2, Size: 1})
	var ooe *OutOfOrderError
	if !errors.As(err, &ooe) {
		t.Fatalf("err = %v, want OutOfOrderError", err)
	}

	// A different source with an older timestamp is fine: ordering is
	// enforced per source only.
	if _, err := n.Submit(RawTick{Source: "KUCOIN", Symbol: "X", TS: 1000, Price: 2, Size: 1}); err != nil {
		t.Fatalf("cross-source older tick dropped: %v", err)
	}

	// Equal timestamps are monotonic (>=).
	if _, err := n.Submit(RawTick{Source: "BINANCE", Symbol: "X", TS: 2000, Price: 3, Size: 1}); err != nil {
		t.Fatalf("equal-ts tick dropped: %v", err)
	}
}

func TestSubmit_OutOfOrderPassthrough(t *testing.T) {
	n := New(100)
	n.DropOutOfOrder = false

	if _, err := n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 2000, Price: 1, Size: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 1000, Price: 2, Size: 1}); err != nil {
		t.Fatalf("passthrough mode still dropped out-of-order tick: %v", err)
	}
}

func TestSubmit_PublishOrder(t *testing.T) {
	n := New(100)

	var gotA, gotB []int64
	n.Subscribe(func(tk model.Tick) { gotA = append(gotA, tk.TS) })
	n.Subscribe(func(tk model.Tick) { gotB = append(gotB, tk.TS) })

	for ts := int64(1); ts <= 5; ts++ {
		if _, err := n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: ts, Price: float64(ts), Size: 1}); err != nil {
			t.Fatalf("submit ts=%d: %v", ts, err)
		}
	}

	for i, want := range []int64{1, 2, 3, 4, 5} {
		if gotA[i] != want || gotB[i] != want {
			t.Fatalf("publish order broken at %d: a=%v b=%v", i, gotA, gotB)
		}
	}
}

func TestSubmit_DropCounters(t *testing.T) {
	n := New(100)
	var invalid, dup, ooo, accepted int
	n.OnInvalid = func() { invalid++ }
	n.OnDuplicate = func() { dup++ }
	n.OnOutOfOrder = func() { ooo++ }
	n.OnAccepted = func() { accepted++ }

	n.Submit(RawTick{Source: "MOCK", Symbol: "", TS: 1, Price: 1, Size: 1})
	n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 10, Price: 1, Size: 1})
	n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 10, Price: 1, Size: 1}) // dup
	n.Submit(RawTick{Source: "MOCK", Symbol: "X", TS: 5, Price: 2, Size: 1})  // out of order

	if invalid != 1 || dup != 1 || ooo != 1 || accepted != 1 {
		t.Fatalf("counters = invalid:%d dup:%d ooo:%d accepted:%d, want 1/1/1/1", invalid, dup, ooo, accepted)
	}
}
