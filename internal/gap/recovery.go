package gap

import (
	"log"

	"barstream/internal/clock"
	"barstream/internal/model"
)

const (
	criticalAgeMS = 60_000
	highAgeMS     = 300_000

	// Gaps at least this wide are escalated regardless of age.
	largeGapBars = 60
)

// Recovery wires gap detections to the backfill scheduler, assigning
// priority from gap age and width.
type Recovery struct {
	clk        clock.Clock
	sched      *Scheduler
	maxRetries int
}

// NewRecovery subscribes a Recovery to det. Detected gaps are submitted
// to sched immediately.
func NewRecovery(clk clock.Clock, det *Detector, sched *Scheduler, maxRetries int) *Recovery {
	r := &Recovery{clk: clk, sched: sched, maxRetries: maxRetries}
	det.Subscribe(r.onGap)
	return r
}

// PriorityFor classifies a gap: fresher gaps recover first, and large
// gaps are never left at normal priority.
func (r *Recovery) PriorityFor(g model.Gap) Priority {
	age := r.clk.Now() - g.EndMS
	switch {
	case age < criticalAgeMS:
		return PriorityCritical
	case age < highAgeMS:
		return PriorityHigh
	case g.Width() >= largeGapBars:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (r *Recovery) onGap(g model.Gap) {
	p := r.PriorityFor(g)
	id := r.sched.Submit(g, p, r.maxRetries)
	log.Printf("[recovery] gap %s [%d,%d) -> %s (%s)", g.Key(), g.StartIndex, g.EndIndex, p, id)
}
