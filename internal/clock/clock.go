package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests and replay tooling.
// Params: starting instant; advanced explicitly by callers.
// Returns: deterministic time source safe for concurrent readers.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates manual clock pinned to start.
// Params: initial instant.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns pinned instant.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to an absolute instant.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	m.now = at
	m.mu.Unlock()
}

// Advance moves the clock forward by delta and returns the new instant.
// Params: delta to add (negative values move backward).
// Returns: updated instant.
func (m *Manual) Advance(delta time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(delta)
	return m.now
}

// OrReal returns clk or RealClock when clk is nil.
func OrReal(clk Clock) Clock {
	if clk == nil {
		return RealClock{}
	}
	return clk
}
