package enforce

import (
	"context"
	"sync"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"

	"github.com/patrickmn/go-cache"
)

const (
	sweepInterval = 5 * time.Minute
	idleExpiry    = 30 * time.Minute
)

// Memory enforces quotas as fixed windows held in process memory.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows *cache.Cache
}

type fixedWindow struct {
	count    int
	windowMS int64
	resetAt  time.Time
}

// NewMemory creates in-process fixed-window enforcer.
// Params: optional clock deciding window boundaries.
// Returns: enforcer whose idle counters expire in the background.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:   clock.OrReal(clk),
		windows: cache.New(idleExpiry, sweepInterval),
	}
}

// Allow counts one request against key's current window.
// A window restarts only once it has elapsed. A changed window length keeps the
// count and can only pull the reset time forward.
// Rejected requests do not consume the window.
func (m *Memory) Allow(_ context.Context, key string, quota domain.Quota) Decision {
	if quota.Max <= 0 {
		return Decision{Allowed: true}
	}
	now := m.clock.Now()
	length := window(quota)

	m.mu.Lock()
	defer m.mu.Unlock()

	var state *fixedWindow
	if value, ok := m.windows.Get(key); ok {
		state = value.(*fixedWindow)
	}
	switch {
	case state == nil || !now.Before(state.resetAt):
		state = &fixedWindow{windowMS: length.Milliseconds(), resetAt: now.Add(length)}
		m.windows.Set(key, state, maxDuration(length, idleExpiry))
	case state.windowMS != length.Milliseconds():
		if end := now.Add(length); end.Before(state.resetAt) {
			state.resetAt = end
		}
		state.windowMS = length.Milliseconds()
	}

	if state.count >= quota.Max {
		return Decision{Allowed: false, Count: state.count, Limit: quota.Max, ResetAt: state.resetAt}
	}
	state.count++
	return Decision{
		Allowed:   true,
		Count:     state.count,
		Limit:     quota.Max,
		Remaining: remaining(quota.Max, state.count),
		ResetAt:   state.resetAt,
	}
}

// Algorithm names this backend.
func (m *Memory) Algorithm() string {
	return config.EnforceMemory
}

// Tracked returns number of keys with a live counter.
func (m *Memory) Tracked() int {
	return m.windows.ItemCount()
}

// Close drops every counter.
func (m *Memory) Close() error {
	m.windows.Flush()
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
