package gap

import (
	"testing"

	"barstream/internal/model"
)

func confirmed(symbol string, tf, idx int64) model.Bar {
	return model.Bar{
		Symbol: symbol, Timeframe: tf, Index: idx,
		StartMS: idx * tf, EndMS: (idx + 1) * tf,
		Open: 1, High: 1, Low: 1, Close: 1,
		Volume: 1, TickCount: 1, LastUpdate: idx * tf,
		State: model.StateConfirmed,
	}
}

func TestDetector_SkippedIndicesProduceOneGap(t *testing.T) {
	d := NewDetector()

	var gaps []model.Gap
	d.Subscribe(func(g model.Gap) { gaps = append(gaps, g) })

	for _, idx := range []int64{0, 1, 2, 5, 6} {
		d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, idx))
	}

	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	g := gaps[0]
	if g.StartIndex != 3 || g.EndIndex != 5 {
		t.Errorf("gap indices = [%d,%d), want [3,5)", g.StartIndex, g.EndIndex)
	}
	if g.Width() != 2 {
		t.Errorf("width = %d, want 2", g.Width())
	}
	if g.StartMS != 3*60_000 || g.EndMS != 5*60_000 {
		t.Errorf("gap bounds = [%d,%d), want [180000,300000)", g.StartMS, g.EndMS)
	}
}

func TestDetector_FirstConfirmationIsBaseline(t *testing.T) {
	d := NewDetector()
	if _, found := d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 100)); found {
		t.Error("first confirmation must not produce a gap")
	}
	if d.LastConfirmed("BTCUSDT", 60_000) != 100 {
		t.Error("baseline not recorded")
	}
}

func TestDetector_OldIndicesIgnored(t *testing.T) {
	d := NewDetector()
	d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 5))

	// Backfilled bars replay past indices; no gap and no regression.
	for _, idx := range []int64{3, 5, 4} {
		if _, found := d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, idx)); found {
			t.Errorf("index %d produced a gap", idx)
		}
	}
	if d.LastConfirmed("BTCUSDT", 60_000) != 5 {
		t.Error("tracked index regressed")
	}
}

func TestDetector_KeysAreIndependent(t *testing.T) {
	d := NewDetector()

	var gaps []model.Gap
	d.Subscribe(func(g model.Gap) { gaps = append(gaps, g) })

	d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 0))
	d.ObserveConfirmed(confirmed("BTCUSDT", 300_000, 0))
	d.ObserveConfirmed(confirmed("ETHUSDT", 60_000, 0))

	// Only the BTC 1m stream skips.
	d.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 3))
	d.ObserveConfirmed(confirmed("BTCUSDT", 300_000, 1))
	d.ObserveConfirmed(confirmed("ETHUSDT", 60_000, 1))

	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	if gaps[0].Symbol != "BTCUSDT" || gaps[0].Timeframe != 60_000 {
		t.Errorf("gap on wrong key: %s", gaps[0].Key())
	}
}

func TestDetector_UnknownKey(t *testing.T) {
	d := NewDetector()
	if d.LastConfirmed("NOPE", 60_000) != -1 {
		t.Error("unknown key should report -1")
	}
}
