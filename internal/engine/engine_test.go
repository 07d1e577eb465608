package engine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"barstream/internal/clock"
	"barstream/internal/connector"
	"barstream/internal/delivery"
	"barstream/internal/gap"
	"barstream/internal/metrics"
	"barstream/internal/model"
	"barstream/internal/normalizer"
	"barstream/internal/store"
)

const epoch = int64(1_700_000_000_000)

func rawAt(offsetMS int64, price, size float64) normalizer.RawTick {
	return normalizer.RawTick{
		Source: "MOCK", Symbol: "BTCUSDT",
		TS: epoch + offsetMS, Price: price, Size: size,
	}
}

func newTestEngine(t *testing.T, deps Deps) (*Engine, *clock.VirtualClock) {
	t.Helper()
	if deps.Repo == nil {
		deps.Repo = store.NewMemoryRepository()
	}
	clk := clock.NewVirtual(epoch)
	e := New(clk, Config{
		Symbols:    []string{"BTCUSDT"},
		Timeframes: []int64{60_000},
		EpochMS:    epoch,
	}, deps)
	return e, clk
}

func TestEngine_TickToConfirmedBar(t *testing.T) {
	repo := store.NewMemoryRepository()
	e, _ := newTestEngine(t, Deps{Repo: repo})

	c := e.Hub().Register()
	e.Hub().Subscribe(c, "BTCUSDT", 60_000, nil)

	// Three ticks in interval 0, one in interval 1 triggers the
	// rollover confirmation.
	for _, raw := range []normalizer.RawTick{
		rawAt(1_000, 100, 1),
		rawAt(20_000, 105, 2),
		rawAt(50_000, 95, 1),
		rawAt(61_000, 102, 1),
	} {
		if _, err := e.SubmitRaw(raw); err != nil {
			t.Fatalf("SubmitRaw: %v", err)
		}
	}

	got, err := e.Store().Get(context.Background(), "BTCUSDT", 60_000, 0)
	if err != nil {
		t.Fatalf("confirmed bar not stored: %v", err)
	}
	if got.Open != 100 || got.High != 105 || got.Low != 95 || got.Close != 95 {
		t.Errorf("OHLC = %v/%v/%v/%v", got.Open, got.High, got.Low, got.Close)
	}
	if got.Volume != 4 || got.TickCount != 3 {
		t.Errorf("volume=%v count=%d", got.Volume, got.TickCount)
	}

	// The repository saw the write-through too.
	if _, err := repo.GetBar(context.Background(), "BTCUSDT", 60_000, 0); err != nil {
		t.Errorf("repository missing confirmed bar: %v", err)
	}

	// Subscriber saw 3 forming updates, the confirmation, then the
	// forming update of the next interval, sequenced contiguously.
	var seqs []int64
	var types []string
	for {
		select {
		case raw := <-c.Recv():
			var f struct {
				Type     string `json:"type"`
				Sequence int64  `json:"sequence"`
			}
			json.Unmarshal(raw, &f)
			if f.Type == "SUBSCRIBED" {
				continue
			}
			seqs = append(seqs, f.Sequence)
			types = append(types, f.Type)
			continue
		default:
		}
		break
	}
	wantTypes := []string{"FORMING", "FORMING", "FORMING", "CONFIRMED", "FORMING"}
	if len(types) != len(wantTypes) {
		t.Fatalf("frames = %v", types)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Errorf("frame[%d] = %s, want %s", i, types[i], wantTypes[i])
		}
		if seqs[i] != int64(i)+1 {
			t.Errorf("seq[%d] = %d, want %d", i, seqs[i], i+1)
		}
	}
}

func TestEngine_DeterministicReplay(t *testing.T) {
	ticks := []normalizer.RawTick{
		rawAt(500, 100.25, 1.5),
		rawAt(10_000, 101.5, 0.25),
		rawAt(59_999, 99.75, 3),
		rawAt(60_000, 100, 1),
		rawAt(119_000, 100.5, 2),
		rawAt(121_000, 98, 1),
	}

	run := func() []string {
		e, _ := newTestEngine(t, Deps{})
		var hashes []string
		e.Manager().OnConfirm(func(b model.Bar) { hashes = append(hashes, b.Hash()) })
		for _, raw := range ticks {
			if _, err := e.SubmitRaw(raw); err != nil {
				t.Fatalf("SubmitRaw: %v", err)
			}
		}
		e.Manager().ForceConfirmAll()
		return hashes
	}

	first, second := run(), run()
	if len(first) != 3 {
		t.Fatalf("confirmed = %d, want 3", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("hash[%d] differs between runs:\n%s\n%s", i, first[i], second[i])
		}
	}
}

func TestEngine_GapBackfill(t *testing.T) {
	// The replay connector holds the ticks the live feed "missed" for
	// intervals 1 and 2.
	history := connector.NewReplay([]normalizer.RawTick{
		rawAt(65_000, 101, 1),
		rawAt(70_000, 103, 2),
		rawAt(125_000, 102, 1),
	})
	e, _ := newTestEngine(t, Deps{Connector: history})

	c := e.Hub().Register()
	e.Hub().Subscribe(c, "BTCUSDT", 60_000, nil)

	// Interval 0 confirms as baseline, then the feed jumps to interval
	// 3; confirming index 3 reveals the gap [1,3).
	e.SubmitRaw(rawAt(1_000, 100, 1))
	e.SubmitRaw(rawAt(181_000, 104, 1))
	e.SubmitRaw(rawAt(241_000, 105, 1)) // rolls interval 3 into confirmation

	counts := e.Scheduler().Counts()
	if counts[gap.StatusPending] != 1 {
		t.Fatalf("pending backfills = %d, want 1", counts[gap.StatusPending])
	}

	// Drive the backfill to completion.
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.Scheduler().DispatchOnce(context.Background())
		if e.Scheduler().Counts()[gap.StatusCompleted] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backfill did not complete: %v", e.Scheduler().Counts())
		}
		time.Sleep(time.Millisecond)
	}

	// Both missing bars were rebuilt from history and persisted.
	b1, err := e.Store().Get(context.Background(), "BTCUSDT", 60_000, 1)
	if err != nil {
		t.Fatalf("bar 1 not backfilled: %v", err)
	}
	if b1.Open != 101 || b1.Close != 103 || b1.TickCount != 2 {
		t.Errorf("bar 1 = %+v", b1)
	}
	b2, err := e.Store().Get(context.Background(), "BTCUSDT", 60_000, 2)
	if err != nil {
		t.Fatalf("bar 2 not backfilled: %v", err)
	}
	if b2.TickCount != 1 {
		t.Errorf("bar 2 = %+v", b2)
	}

	// Backfilled bars were broadcast in backfill mode.
	backfilled := 0
	for {
		select {
		case raw := <-c.Recv():
			var f struct {
				Mode string `json:"mode"`
			}
			json.Unmarshal(raw, &f)
			if f.Mode == "backfill" {
				backfilled++
			}
			continue
		default:
		}
		break
	}
	if backfilled != 2 {
		t.Errorf("backfill broadcasts = %d, want 2", backfilled)
	}
}

func TestEngine_StopFlushesFormingBars(t *testing.T) {
	repo := store.NewMemoryRepository()
	e, _ := newTestEngine(t, Deps{Repo: repo})
	e.Start(context.Background())

	e.SubmitRaw(rawAt(1_000, 100, 1))
	e.Stop()

	if _, err := repo.GetBar(context.Background(), "BTCUSDT", 60_000, 0); err != nil {
		t.Fatalf("final partial bar lost on shutdown: %v", err)
	}
}

func TestEngine_BootstrapEpoch(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()

	// Empty storage falls back to the default epoch.
	if got := BootstrapEpoch(ctx, repo, []string{"BTCUSDT"}); got != 1577836800000 {
		t.Fatalf("empty bootstrap = %d", got)
	}

	repo.SaveBar(ctx, model.Bar{
		Symbol: "BTCUSDT", Timeframe: 60_000, Index: 2,
		StartMS: epoch + 120_000, EndMS: epoch + 180_000, State: model.StateConfirmed,
	})
	repo.SaveBar(ctx, model.Bar{
		Symbol: "ETHUSDT", Timeframe: 60_000, Index: 0,
		StartMS: epoch, EndMS: epoch + 60_000, State: model.StateConfirmed,
	})

	got := BootstrapEpoch(ctx, repo, []string{"BTCUSDT", "ETHUSDT"})
	if got != epoch {
		t.Fatalf("bootstrap = %d, want earliest persisted %d", got, epoch)
	}
}

// captureFan records what the engine hands to the fan-out tier.
type captureFan struct {
	mu        sync.Mutex
	confirmed []model.Bar
	forming   []model.Bar
}

func (f *captureFan) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			f.mu.Lock()
			f.confirmed = append(f.confirmed, b)
			f.mu.Unlock()
		}
	}
}

func (f *captureFan) RunForming(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			f.mu.Lock()
			f.forming = append(f.forming, b)
			f.mu.Unlock()
		}
	}
}

func (f *captureFan) counts() (confirmed, forming int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirmed), len(f.forming)
}

func TestEngine_FanOutForwardsBars(t *testing.T) {
	fan := &captureFan{}
	e, _ := newTestEngine(t, Deps{Fan: fan})
	e.Start(context.Background())
	defer e.Stop()

	e.SubmitRaw(rawAt(1_000, 100, 1))
	e.SubmitRaw(rawAt(30_000, 101, 1))
	e.SubmitRaw(rawAt(61_000, 102, 1)) // rolls interval 0 into confirmation

	// Three forming snapshots and one confirmed bar reach the fan-out.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conf, form := fan.counts()
		if conf == 1 && form == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fan-out saw confirmed=%d forming=%d, want 1/3", conf, form)
		}
		time.Sleep(time.Millisecond)
	}

	fan.mu.Lock()
	defer fan.mu.Unlock()
	if fan.confirmed[0].Index != 0 || fan.confirmed[0].State != model.StateConfirmed {
		t.Errorf("confirmed[0] = %+v", fan.confirmed[0])
	}
	for i, b := range fan.forming {
		if b.State != model.StateForming {
			t.Errorf("forming[%d] in state %s", i, b.State)
		}
	}
}

func TestEngine_HealthTracksLastTick(t *testing.T) {
	health := metrics.NewHealthStatus()
	e, _ := newTestEngine(t, Deps{Health: health})

	readAge := func() string {
		rec := httptest.NewRecorder()
		health.ServeHTTP(rec, nil)
		var body struct {
			LastTickAge string `json:"last_tick_age"`
		}
		json.Unmarshal(rec.Body.Bytes(), &body)
		return body.LastTickAge
	}

	if age := readAge(); age != "" {
		t.Fatalf("last_tick_age before any tick = %q", age)
	}
	if _, err := e.SubmitRaw(rawAt(1_000, 100, 1)); err != nil {
		t.Fatalf("SubmitRaw: %v", err)
	}
	if age := readAge(); age == "" {
		t.Fatal("last_tick_age still empty after an accepted tick")
	}
}

func TestEngine_ModeSwitchDuringFlow(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	c := e.Hub().Register()
	e.Hub().Subscribe(c, "BTCUSDT", 60_000, nil)
	<-c.Recv() // ack

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			e.SetMode(delivery.ModeReplay)
			e.SetMode(delivery.ModeLive)
		}
	}()
	for i := int64(0); i < 50; i++ {
		if _, err := e.SubmitRaw(rawAt(1_000+i, 100, 1)); err != nil {
			t.Fatalf("SubmitRaw: %v", err)
		}
	}
	<-done

	// Every frame carries one of the two modes in play, never a torn or
	// empty value.
	frames := 0
	for {
		select {
		case raw := <-c.Recv():
			var f struct {
				Mode string `json:"mode"`
			}
			json.Unmarshal(raw, &f)
			if f.Mode != "live" && f.Mode != "replay" {
				t.Fatalf("frame mode = %q", f.Mode)
			}
			frames++
			continue
		default:
		}
		break
	}
	if frames != 50 {
		t.Fatalf("frames = %d, want 50", frames)
	}
}

func TestEngine_ModeTagsBroadcasts(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	c := e.Hub().Register()
	e.Hub().Subscribe(c, "BTCUSDT", 60_000, nil)
	<-c.Recv() // ack

	e.SetMode(delivery.ModeReplay)
	e.SubmitRaw(rawAt(1_000, 100, 1))

	raw := <-c.Recv()
	var f struct {
		Mode string `json:"mode"`
	}
	json.Unmarshal(raw, &f)
	if f.Mode != "replay" {
		t.Fatalf("mode = %q, want replay", f.Mode)
	}
}
