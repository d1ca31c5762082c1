// Package clock provides the injectable time source for CoachPipe.
//
// All scheduling decisions are computed against a Clock rather than
// time.Now directly, so tests and demos can fast-forward days
// deterministically.
package clock

import (
	"log/slog"
	"sync"
	"time"
)

// Clock is the single source of current time for the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the process wall clock.
type SystemClock struct{}

// NewSystemClock creates a wall-clock backed Clock.
func NewSystemClock() SystemClock {
	return SystemClock{}
}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// SimulatedClock is a manually advanced Clock for tests and demo runs.
// It is safe for concurrent use.
type SimulatedClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewSimulatedClock creates a SimulatedClock starting at the given instant.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	slog.Debug("Creating SimulatedClock", "start", start)
	return &SimulatedClock{current: start}
}

// Now returns the simulated current time.
func (c *SimulatedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the simulated clock forward by d.
func (c *SimulatedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	slog.Debug("SimulatedClock advanced", "by", d, "now", c.current)
}

// Set jumps the simulated clock to t. Moving backwards is allowed; the
// scheduler's daily date-key guard keeps replays idempotent.
func (c *SimulatedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	slog.Debug("SimulatedClock set", "now", t)
}
