package session

import (
	"sync"
	"time"
)

type rateLimitEntry struct {
	count       int
	windowReset time.Time
}

// RateLimiter bounds session-creation and send requests per tenant. The
// first request in a window (or the first after expiry) resets the window;
// requests beyond the cap are rejected without mutating state.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[int64]*rateLimitEntry
	window  time.Duration
	max     int
	now     func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[int64]*rateLimitEntry),
		window:  window,
		max:     max,
		now:     time.Now,
	}
}

// Admit reports whether a request for the tenant is allowed inside the
// current window, counting it if so.
func (rl *RateLimiter) Admit(tenantID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.entries[tenantID]
	if !ok || now.After(entry.windowReset) {
		rl.entries[tenantID] = &rateLimitEntry{count: 1, windowReset: now.Add(rl.window)}
		return true
	}

	if entry.count >= rl.max {
		return false
	}
	entry.count++
	return true
}

// Remaining reports how many requests the tenant has left in the current
// window without consuming one.
func (rl *RateLimiter) Remaining(tenantID int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[tenantID]
	if !ok || rl.now().After(entry.windowReset) {
		return rl.max
	}
	remaining := rl.max - entry.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep purges expired windows and returns the number removed. Called
// periodically by the cleanup job to bound memory.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for tenantID, entry := range rl.entries {
		if now.After(entry.windowReset) {
			delete(rl.entries, tenantID)
			removed++
		}
	}
	return removed
}
