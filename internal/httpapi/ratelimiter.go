package httpapi

import (
	"sync"
	"time"
)

// AdminLimiter throttles sensitive admin operations to limit events per
// window. It is process-local; admin traffic does not need cluster counters.
type AdminLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	recent []time.Time
}

// NewAdminLimiter constructs a limiter allowing up to limit calls per window.
func NewAdminLimiter(window time.Duration, limit int, timeSource func() time.Time) *AdminLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &AdminLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed.
func (l *AdminLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	kept := l.recent[:0]
	for _, ts := range l.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.recent = kept
	if len(l.recent) >= l.limit {
		return false
	}
	l.recent = append(l.recent, l.now())
	return true
}
