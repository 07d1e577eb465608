package gap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"barstream/internal/clock"
	"barstream/internal/model"
)

func testGap(startIdx, endIdx int64) model.Gap {
	return model.Gap{
		Symbol: "BTCUSDT", Timeframe: 60_000,
		StartIndex: startIdx, EndIndex: endIdx,
		StartMS: startIdx * 60_000, EndMS: endIdx * 60_000,
	}
}

// drain dispatches until the queue is empty and all fetches finished.
func drain(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.DispatchOnce(context.Background())
		counts := s.Counts()
		if counts[StatusCompleted]+counts[StatusFailed] == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished requests: %v", want, s.Counts())
}

func TestScheduler_PriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	fetch := func(_ context.Context, g model.Gap) error {
		mu.Lock()
		order = append(order, g.StartIndex)
		mu.Unlock()
		return nil
	}
	s := NewScheduler(SchedulerConfig{MaxConcurrent: 1, MinInterval: time.Nanosecond}, fetch)

	s.Submit(testGap(40, 41), PriorityLow, 0)
	s.Submit(testGap(30, 31), PriorityNormal, 0)
	s.Submit(testGap(10, 11), PriorityCritical, 0)
	s.Submit(testGap(20, 21), PriorityHigh, 0)
	s.Submit(testGap(11, 12), PriorityCritical, 0)

	drain(t, s, 5)

	mu.Lock()
	defer mu.Unlock()
	want := []int64{10, 11, 20, 30, 40} // CRITICAL FIFO, then HIGH, NORMAL, LOW
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestScheduler_MaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	fetch := func(_ context.Context, _ model.Gap) error {
		started <- struct{}{}
		<-release
		return nil
	}
	s := NewScheduler(SchedulerConfig{MaxConcurrent: 2, MinInterval: time.Nanosecond}, fetch)

	for i := int64(0); i < 4; i++ {
		s.Submit(testGap(i, i+1), PriorityNormal, 0)
	}

	ctx := context.Background()
	if !s.DispatchOnce(ctx) || !s.DispatchOnce(ctx) {
		t.Fatal("first two dispatches should start")
	}
	<-started
	<-started
	// Both slots occupied: the third dispatch must be refused.
	if s.DispatchOnce(ctx) {
		t.Fatal("dispatch above MaxConcurrent")
	}

	close(release)
	drain(t, s, 4)
}

func TestScheduler_MinIntervalGate(t *testing.T) {
	fetch := func(_ context.Context, _ model.Gap) error { return nil }
	s := NewScheduler(SchedulerConfig{MaxConcurrent: 4, MinInterval: time.Hour}, fetch)

	s.Submit(testGap(0, 1), PriorityNormal, 0)
	s.Submit(testGap(1, 2), PriorityNormal, 0)

	ctx := context.Background()
	if !s.DispatchOnce(ctx) {
		t.Fatal("first dispatch should start")
	}
	// The gate blocks a second dispatch inside the interval even with
	// free slots.
	if s.DispatchOnce(ctx) {
		t.Fatal("dispatch inside MinInterval")
	}
}

func TestScheduler_FailedRequestsNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fetch := func(_ context.Context, _ model.Gap) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("upstream unavailable")
	}
	s := NewScheduler(SchedulerConfig{MaxConcurrent: 1, MinInterval: time.Nanosecond}, fetch)

	id := s.Submit(testGap(0, 3), PriorityHigh, 5)
	drain(t, s, 1)

	// Even with MaxRetries set, a failure is terminal: the fetch ran
	// exactly once and the request stays FAILED.
	req, err := s.Request(id)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", req.Status)
	}
	if req.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5 (preserved on the record)", req.MaxRetries)
	}
	if req.Err == "" {
		t.Error("failure reason not recorded")
	}

	for i := 0; i < 20; i++ {
		s.DispatchOnce(context.Background())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("fetch ran %d times, want 1", calls)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	fetch := func(_ context.Context, _ model.Gap) error { return nil }
	s := NewScheduler(SchedulerConfig{MaxConcurrent: 1, MinInterval: time.Nanosecond}, fetch)

	id := s.Submit(testGap(0, 1), PriorityNormal, 0)
	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	req, _ := s.Request(id)
	if req.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", req.Status)
	}

	// A cancelled request is skipped by the dispatch loop.
	if s.DispatchOnce(context.Background()) {
		t.Fatal("dispatched a cancelled request")
	}

	if err := s.Cancel("no-such-id"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestRecovery_PriorityByAgeAndWidth(t *testing.T) {
	clk := clock.NewVirtual(1_700_000_000_000)
	det := NewDetector()
	fetch := func(_ context.Context, _ model.Gap) error { return nil }
	sched := NewScheduler(SchedulerConfig{}, fetch)
	r := NewRecovery(clk, det, sched, 0)

	now := clk.Now()
	cases := []struct {
		name string
		g    model.Gap
		want Priority
	}{
		{"fresh", model.Gap{StartIndex: 0, EndIndex: 2, EndMS: now - 30_000}, PriorityCritical},
		{"recent", model.Gap{StartIndex: 0, EndIndex: 2, EndMS: now - 120_000}, PriorityHigh},
		{"old small", model.Gap{StartIndex: 0, EndIndex: 2, EndMS: now - 3_600_000}, PriorityNormal},
		{"old large", model.Gap{StartIndex: 0, EndIndex: 200, EndMS: now - 3_600_000}, PriorityHigh},
	}
	for _, tc := range cases {
		if got := r.PriorityFor(tc.g); got != tc.want {
			t.Errorf("%s: priority = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRecovery_SubmitsDetectedGaps(t *testing.T) {
	clk := clock.NewVirtual(10 * 60_000)
	det := NewDetector()
	fetch := func(_ context.Context, _ model.Gap) error { return nil }
	sched := NewScheduler(SchedulerConfig{}, fetch)
	NewRecovery(clk, det, sched, 0)

	det.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 0))
	det.ObserveConfirmed(confirmed("BTCUSDT", 60_000, 5))

	counts := sched.Counts()
	if counts[StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1", counts[StatusPending])
	}
}
