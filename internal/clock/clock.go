// Package clock provides the single time source for the engine. A live
// clock reads wall time; a virtual clock is fully controllable so replay
// runs produce bit-identical confirmation timing.
package clock

import (
	"errors"
	"sync"
	"time"
)

// Mode distinguishes the two clock kinds.
type Mode int

const (
	Live Mode = iota
	Virtual
)

func (m Mode) String() string {
	if m == Live {
		return "LIVE"
	}
	return "VIRTUAL"
}

var (
	// ErrLiveMode is returned when a control operation is attempted on a
	// live clock. Live clocks are read-only.
	ErrLiveMode = errors.New("clock: operation not allowed in LIVE mode")
	// ErrFrozen is returned by Advance/Seek/StartRunning on a frozen clock,
	// and by a second Freeze.
	ErrFrozen = errors.New("clock: clock is frozen")
	// ErrNotFrozen is returned by Resume when the clock is not frozen.
	ErrNotFrozen = errors.New("clock: clock is not frozen")
	// ErrRunning is returned by Advance/Seek while the clock is running
	// against a wall-time anchor; call StopRunning first.
	ErrRunning = errors.New("clock: clock is running")
	// ErrBadSpeed is returned by SetSpeed for a non-positive multiplier.
	ErrBadSpeed = errors.New("clock: speed multiplier must be > 0")
)

// Clock is the time authority consulted by the confirmation scheduler.
// Control operations fail with ErrLiveMode on a live clock.
type Clock interface {
	// Now returns the current time in epoch milliseconds.
	Now() int64
	Mode() Mode

	Advance(deltaMS int64) error
	Seek(targetMS int64) error
	// Freeze captures and returns the instantaneous value; subsequent
	// Advance/Seek calls fail until Resume.
	Freeze() (int64, error)
	Resume() error
	SetSpeed(multiplier float64) error
	StartRunning() error
	StopRunning() error
}

// LiveClock returns wall-clock time and rejects every control operation.
type LiveClock struct{}

// NewLive returns a live clock.
func NewLive() *LiveClock { return &LiveClock{} }

func (*LiveClock) Now() int64                 { return time.Now().UnixMilli() }
func (*LiveClock) Mode() Mode                 { return Live }
func (*LiveClock) Advance(int64) error        { return ErrLiveMode }
func (*LiveClock) Seek(int64) error           { return ErrLiveMode }
func (*LiveClock) Freeze() (int64, error)     { return 0, ErrLiveMode }
func (*LiveClock) Resume() error              { return ErrLiveMode }
func (*LiveClock) SetSpeed(float64) error     { return ErrLiveMode }
func (*LiveClock) StartRunning() error        { return ErrLiveMode }
func (*LiveClock) StopRunning() error         { return ErrLiveMode }

// VirtualClock is a fully controllable clock. It either holds a fixed
// value (advanced with Advance/Seek) or runs against a wall-time anchor
// with a speed multiplier between StartRunning and StopRunning.
type VirtualClock struct {
	mu sync.Mutex

	nowMS  int64
	frozen bool
	speed  float64

	running       bool
	anchorWallNS  int64 // wall time at StartRunning
	anchorVirtual int64 // virtual ms at StartRunning
}

// NewVirtual returns a virtual clock seeded at startMS with speed 1.
func NewVirtual(startMS int64) *VirtualClock {
	return &VirtualClock{nowMS: startMS, speed: 1}
}

func (c *VirtualClock) Mode() Mode { return Virtual }

// Now returns the current virtual time in epoch milliseconds.
func (c *VirtualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *VirtualClock) nowLocked() int64 {
	if c.running && !c.frozen {
		elapsed := time.Now().UnixNano() - c.anchorWallNS
		return c.anchorVirtual + int64(float64(elapsed)/1e6*c.speed)
	}
	return c.nowMS
}

// Advance moves virtual time forward by deltaMS.
func (c *VirtualClock) Advance(deltaMS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	if c.running {
		return ErrRunning
	}
	c.nowMS += deltaMS
	return nil
}

// Seek sets virtual time to targetMS.
func (c *VirtualClock) Seek(targetMS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	if c.running {
		return ErrRunning
	}
	c.nowMS = targetMS
	return nil
}

// Freeze stops the clock and returns the instantaneous value. A running
// clock collapses to that value; Resume restores exactly it.
func (c *VirtualClock) Freeze() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return 0, ErrFrozen
	}
	c.nowMS = c.nowLocked()
	c.running = false
	c.frozen = true
	return c.nowMS, nil
}

// Resume unfreezes the clock at exactly the frozen value.
func (c *VirtualClock) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		return ErrNotFrozen
	}
	c.frozen = false
	return nil
}

// SetSpeed changes the running speed multiplier. Re-anchors a running
// clock so already-elapsed virtual time is preserved.
func (c *VirtualClock) SetSpeed(multiplier float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if multiplier <= 0 {
		return ErrBadSpeed
	}
	if c.running {
		c.anchorVirtual = c.nowLocked()
		c.anchorWallNS = time.Now().UnixNano()
	}
	c.speed = multiplier
	return nil
}

// StartRunning anchors (wall, virtual) so Now advances with wall time
// scaled by the speed multiplier.
func (c *VirtualClock) StartRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	if c.running {
		return nil
	}
	c.anchorWallNS = time.Now().UnixNano()
	c.anchorVirtual = c.nowMS
	c.running = true
	return nil
}

// StopRunning collapses the running clock back to a fixed value.
func (c *VirtualClock) StopRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowMS = c.nowLocked()
	c.running = false
	return nil
}
