package gap

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"barstream/internal/model"

	"github.com/google/uuid"
)

// Priority orders backfill requests. Lower value dispatches first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// Status is the lifecycle of a backfill request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Request is one scheduled backfill fetch for a gap.
type Request struct {
	ID       string
	Gap      model.Gap
	Priority Priority
	Status   Status

	// MaxRetries is recorded on the request but the dispatch loop does
	// not consult it: a failed fetch stays FAILED.
	MaxRetries int

	CreatedMS  int64
	StartedMS  int64
	FinishedMS int64
	Err        string
}

// Fetcher fetches the historical data covering a gap. A nil error marks
// the request COMPLETED.
type Fetcher func(ctx context.Context, g model.Gap) error

var ErrUnknownRequest = errors.New("backfill: unknown request id")

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	MaxConcurrent int           // in-flight fetch bound, default 3
	MinInterval   time.Duration // minimum spacing between dispatches, default 100ms
	PollInterval  time.Duration // worker wake interval, default 50ms
}

func (c *SchedulerConfig) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 100 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// Scheduler holds priority-bucketed FIFO queues of backfill requests
// and dispatches them to a Fetcher, bounded by MaxConcurrent in-flight
// fetches and a minimum inter-dispatch interval.
type Scheduler struct {
	mu       sync.Mutex
	cfg      SchedulerConfig
	fetch    Fetcher
	queues   [numPriorities][]*Request
	requests map[string]*Request
	inFlight int
	lastDisp time.Time

	stop chan struct{}
	done chan struct{}

	// Metrics hooks (optional).
	OnDispatched func()
	OnCompleted  func()
	OnFailed     func()
}

// NewScheduler creates a Scheduler. fetch must be non-nil.
func NewScheduler(cfg SchedulerConfig, fetch Fetcher) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:      cfg,
		fetch:    fetch,
		requests: make(map[string]*Request),
	}
}

// Submit enqueues a backfill request and returns its id.
func (s *Scheduler) Submit(g model.Gap, p Priority, maxRetries int) string {
	req := &Request{
		ID:         uuid.NewString(),
		Gap:        g,
		Priority:   p,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedMS:  time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.queues[p] = append(s.queues[p], req)
	s.requests[req.ID] = req
	s.mu.Unlock()

	log.Printf("[backfill] queued %s [%d,%d) priority=%s id=%s", g.Key(), g.StartIndex, g.EndIndex, p, req.ID)
	return req.ID
}

// Cancel marks a PENDING request CANCELLED. In-progress and finished
// requests are left untouched.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return ErrUnknownRequest
	}
	if req.Status == StatusPending {
		req.Status = StatusCancelled
		req.FinishedMS = time.Now().UnixMilli()
	}
	return nil
}

// Request returns a snapshot of the request with the given id.
func (s *Scheduler) Request(id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	return *req, nil
}

// Counts returns the number of requests per status.
func (s *Scheduler) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, req := range s.requests {
		counts[req.Status]++
	}
	return counts
}

// nextLocked pops the oldest request from the highest-priority
// non-empty queue, skipping cancelled entries.
func (s *Scheduler) nextLocked() *Request {
	for p := Priority(0); p < numPriorities; p++ {
		for len(s.queues[p]) > 0 {
			req := s.queues[p][0]
			s.queues[p] = s.queues[p][1:]
			if req.Status == StatusCancelled {
				continue
			}
			return req
		}
	}
	return nil
}

// DispatchOnce dispatches at most one pending request, honoring the
// concurrency bound and the inter-dispatch interval. Returns true if a
// fetch was started. The fetch itself runs asynchronously.
func (s *Scheduler) DispatchOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.inFlight >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return false
	}
	if !s.lastDisp.IsZero() && time.Since(s.lastDisp) < s.cfg.MinInterval {
		s.mu.Unlock()
		return false
	}
	req := s.nextLocked()
	if req == nil {
		s.mu.Unlock()
		return false
	}
	req.Status = StatusInProgress
	req.StartedMS = time.Now().UnixMilli()
	s.inFlight++
	s.lastDisp = time.Now()
	s.mu.Unlock()

	if s.OnDispatched != nil {
		s.OnDispatched()
	}

	go s.run(ctx, req)
	return true
}

func (s *Scheduler) run(ctx context.Context, req *Request) {
	err := s.fetch(ctx, req.Gap)

	s.mu.Lock()
	s.inFlight--
	req.FinishedMS = time.Now().UnixMilli()
	if err != nil {
		// Failures are terminal: MaxRetries is never consulted.
		req.Status = StatusFailed
		req.Err = err.Error()
	} else {
		req.Status = StatusCompleted
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[backfill] fetch failed for %s [%d,%d): %v", req.Gap.Key(), req.Gap.StartIndex, req.Gap.EndIndex, err)
		if s.OnFailed != nil {
			s.OnFailed()
		}
		return
	}
	if s.OnCompleted != nil {
		s.OnCompleted()
	}
}

// Start launches the worker loop. Stop with Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				for s.DispatchOnce(ctx) {
				}
			}
		}
	}()
}

// Stop signals the worker loop and waits for it to exit. In-flight
// fetches are left to finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
