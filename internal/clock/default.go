package clock

import "sync"

// The process-wide clock. Live by default; tests and replay runs install
// a virtual clock with Init and restore with Reset. Components take a
// Clock in their constructors; only cmd/ wiring should read Default.
var (
	defaultMu    sync.RWMutex
	defaultClock Clock = NewLive()
)

// Init installs c as the process-wide clock.
func Init(c Clock) {
	defaultMu.Lock()
	defaultClock = c
	defaultMu.Unlock()
}

// Reset restores the process-wide clock to a live clock.
func Reset() {
	Init(NewLive())
}

// Default returns the process-wide clock.
func Default() Clock {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClock
}
