// Package ratelimit enforces windowed request budgets on top of the shared
// store so limits hold across every server process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"playgrid/syncd/internal/store"
)

// Rule describes one budget: at most Limit events per Window for each actor
// within the named scope.
type Rule struct {
	Scope  string
	Limit  int64
	Window time.Duration
}

// Decision reports the outcome of a rate check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter counts events in fixed windows keyed by (scope, actor, window id).
// The counter key carries the window duration as its TTL so abandoned windows
// clean themselves up.
type Limiter struct {
	store store.Store
	now   func() time.Time
}

// Option customises Limiter construction.
type Option func(*Limiter)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLimiter constructs a limiter over the supplied store.
func NewLimiter(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{store: s, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow consumes one unit of the actor's budget under the rule. When the
// budget is exhausted the decision carries the time until the window rolls
// over. Store failures fail open so a degraded store never blocks play.
func (l *Limiter) Allow(ctx context.Context, rule Rule, actor string) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{Allowed: true}, nil
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	windowID := now.UnixMilli() / rule.Window.Milliseconds()
	key := fmt.Sprintf("rate:%s:%s:%d", rule.Scope, actor, windowID)

	count, err := l.store.Increment(ctx, key, rule.Window)
	if err != nil {
		//1.- Fail open: a store outage must not freeze the whole game surface.
		return Decision{Allowed: true}, err
	}
	if count <= rule.Limit {
		return Decision{Allowed: true, Remaining: rule.Limit - count}, nil
	}

	windowEnd := time.UnixMilli((windowID + 1) * rule.Window.Milliseconds())
	retry := windowEnd.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Tiers evaluates several rules for one actor; every tier must allow. The
// first denial wins and its retry hint is surfaced.
func (l *Limiter) Tiers(ctx context.Context, rules []Rule, actor string) (Decision, error) {
	decision := Decision{Allowed: true, Remaining: -1}
	for _, rule := range rules {
		d, err := l.Allow(ctx, rule, actor)
		if err != nil {
			return d, err
		}
		if !d.Allowed {
			return d, nil
		}
		if decision.Remaining < 0 || d.Remaining < decision.Remaining {
			decision.Remaining = d.Remaining
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}
