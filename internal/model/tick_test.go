package model

import "testing"

func TestTick_Fingerprint(t *testing.T) {
	a := Tick{Source: SourceBinance, Symbol: "BTCUSDT", TS: 1_700_000_000_000, Price: 42_000.5, Size: 0.25}
	b := a

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical ticks produced different fingerprints")
	}
	if len(a.Fingerprint()) != 16 {
		t.Fatalf("fingerprint length = %d, want 16 hex chars", len(a.Fingerprint()))
	}

	// Every field participates.
	for i, mutate := range []func(*Tick){
		func(tk *Tick) { tk.Source = SourceKucoin },
		func(tk *Tick) { tk.Symbol = "ETHUSDT" },
		func(tk *Tick) { tk.TS++ },
		func(tk *Tick) { tk.Price += 0.01 },
		func(tk *Tick) { tk.Size += 0.01 },
	} {
		c := a
		mutate(&c)
		if c.Fingerprint() == a.Fingerprint() {
			t.Errorf("mutation %d did not change fingerprint", i)
		}
	}
}

func TestParseSource(t *testing.T) {
	cases := map[string]Source{
		"binance":  SourceBinance,
		"BINANCE":  SourceBinance,
		" kucoin ": SourceKucoin,
		"polygon":  SourcePolygon,
		"unknown":  SourceMock,
		"":         SourceMock,
	}
	for in, want := range cases {
		if got := ParseSource(in); got != want {
			t.Errorf("ParseSource(%q) = %s, want %s", in, got, want)
		}
	}
}
