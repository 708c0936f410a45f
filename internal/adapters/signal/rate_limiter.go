package signal

import (
	"sync"
	"time"
)

// ConnectRateLimiter caps connection attempts per peer within a sliding window.
type ConnectRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewConnectRateLimiter(limit int, interval time.Duration) *ConnectRateLimiter {
	return &ConnectRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt of peerID and reports whether it fits the window.
// A non-positive limit disables the check.
func (rl *ConnectRateLimiter) Allow(peerID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[peerID]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[peerID] = fresh
		return false
	}

	rl.history[peerID] = append(fresh, now)
	rl.prune(windowStart)
	return true
}

// prune forgets peers with no attempt inside the window.
func (rl *ConnectRateLimiter) prune(windowStart time.Time) {
	for id, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}
