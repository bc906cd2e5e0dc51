package http

import (
	"sync"
	"time"
)

// ipLimiter counts requests per client in fixed windows. Counters are
// dropped wholesale when a window ends, so memory stays bounded by the
// number of clients seen in one window.
type ipLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	start  time.Time
	counts map[string]int
}

func newIPLimiter(limit int, window time.Duration, now func() time.Time) *ipLimiter {
	return &ipLimiter{limit: limit, window: window, now: now, counts: make(map[string]int)}
}

// allow records a request from key. When the key is over its limit it
// returns false and the time left in the current window.
func (l *ipLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.start) >= l.window {
		l.start = now
		clear(l.counts)
	}
	if l.counts[key] >= l.limit {
		return false, l.start.Add(l.window).Sub(now)
	}
	l.counts[key]++
	return true, 0
}
