// Package reconnect schedules retry attempts for abnormally dropped
// connections with capped exponential backoff.
package reconnect

import (
	"sync"
	"time"
)

// Coordinator tracks per-connection retry counters and their pending timers.
// A successful reconnect clears the counter; exhausting the attempt budget
// triggers cleanup and the give-up notification.
type Coordinator struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxAttempts int
	attempts    map[string]int
	cancels     map[string]func()
	schedule    func(delay time.Duration, fn func()) func()
	onRetry     func(connID string, attempt int)
	onGiveUp    func(connID string)
}

// Option customises Coordinator construction.
type Option func(*Coordinator)

// WithScheduler overrides timer scheduling, enabling deterministic unit tests.
// The returned func cancels the pending timer.
func WithScheduler(fn func(delay time.Duration, fn func()) func()) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.schedule = fn
		}
	}
}

// WithRetryCallback registers the hook invoked when a retry fires.
func WithRetryCallback(fn func(connID string, attempt int)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onRetry = fn
		}
	}
}

// WithGiveUpCallback registers the hook invoked when the attempt budget is
// exhausted.
func WithGiveUpCallback(fn func(connID string)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onGiveUp = fn
		}
	}
}

// New constructs a coordinator with the supplied backoff base and attempt cap.
func New(baseDelay time.Duration, maxAttempts int, opts ...Option) *Coordinator {
	c := &Coordinator{
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
		cancels:     make(map[string]func()),
		onRetry:     func(string, int) {},
		onGiveUp:    func(string) {},
	}
	c.schedule = func(delay time.Duration, fn func()) func() {
		timer := time.AfterFunc(delay, fn)
		return func() { timer.Stop() }
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Delay computes the backoff for the given attempt number (starting at 0).
func (c *Coordinator) Delay(attempt int) time.Duration {
	return c.baseDelay * (1 << attempt)
}

// ConnectionLost records a failed connection and schedules the next retry.
// It reports false when the attempt budget is exhausted, in which case the
// give-up hook has fired and no further retries will be scheduled.
func (c *Coordinator) ConnectionLost(connID string) bool {
	c.mu.Lock()
	attempt := c.attempts[connID]
	if attempt >= c.maxAttempts {
		//1.- Out of budget: tear down tracking and notify once.
		delete(c.attempts, connID)
		if cancel, ok := c.cancels[connID]; ok {
			cancel()
			delete(c.cancels, connID)
		}
		giveUp := c.onGiveUp
		c.mu.Unlock()
		giveUp(connID)
		return false
	}
	c.attempts[connID] = attempt + 1
	if cancel, ok := c.cancels[connID]; ok {
		cancel()
	}
	retry := c.onRetry
	cancel := c.schedule(c.Delay(attempt), func() {
		retry(connID, attempt)
	})
	c.cancels[connID] = cancel
	c.mu.Unlock()
	return true
}

// ConnectionSucceeded clears the retry counter and cancels any pending timer.
func (c *Coordinator) ConnectionSucceeded(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, connID)
	if cancel, ok := c.cancels[connID]; ok {
		cancel()
		delete(c.cancels, connID)
	}
}

// Attempts reports the current retry counter for the connection.
func (c *Coordinator) Attempts(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[connID]
}

// Close cancels every pending timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connID, cancel := range c.cancels {
		cancel()
		delete(c.cancels, connID)
	}
}
