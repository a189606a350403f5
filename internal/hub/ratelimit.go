package hub

import (
	"sync"
	"time"
)

// RateLimiter bounds inbound message-producing frames per connection with a
// fixed window: N frames per W seconds. Typing and heartbeat frames are not
// counted.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*rateWindow

	now func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit frames per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow records one frame for the connection and reports whether it is
// within the current window's budget.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[connectionID]
	if !ok || now.Sub(w.start) >= r.window {
		r.windows[connectionID] = &rateWindow{start: now, count: 1}
		return true
	}

	if w.count >= r.limit {
		return false
	}
	w.count++
	return true
}

// Remove drops the connection's window state on disconnect.
func (r *RateLimiter) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, connectionID)
}
