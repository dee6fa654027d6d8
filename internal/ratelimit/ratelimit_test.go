package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"playgrid/syncd/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	mem := store.NewMemory(store.WithMemoryClock(clock.Now))
	return NewLimiter(mem, WithClock(clock.Now)), clock
}

func TestAllowWithinBudget(t *testing.T) {
	limiter, _ := newTestLimiter()
	rule := Rule{Scope: "chat", Limit: 5, Window: time.Second}
	ctx := context.Background()

	//1.- The first five sends within one second all pass.
	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, rule, "user-1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("send %d denied, want allowed", i)
		}
	}

	//2.- The sixth is denied with a retry hint inside the current window.
	d, err := limiter.Allow(ctx, rule, "user-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("sixth send allowed, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry after = %v, want within (0, 1s]", d.RetryAfter)
	}
}

func TestWindowRollOverResetsBudget(t *testing.T) {
	limiter, clock := newTestLimiter()
	rule := Rule{Scope: "chat", Limit: 2, Window: time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, rule, "user-1")
	}
	clock.Advance(1100 * time.Millisecond)

	d, err := limiter.Allow(ctx, rule, "user-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("send after window roll-over denied, want allowed")
	}
}

func TestActorsIsolated(t *testing.T) {
	limiter, _ := newTestLimiter()
	rule := Rule{Scope: "moves", Limit: 1, Window: time.Second}
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, rule, "user-1"); !d.Allowed {
		t.Fatalf("user-1 first move denied")
	}
	if d, _ := limiter.Allow(ctx, rule, "user-1"); d.Allowed {
		t.Fatalf("user-1 second move allowed, want denied")
	}
	//1.- Another actor keeps an untouched budget.
	if d, _ := limiter.Allow(ctx, rule, "user-2"); !d.Allowed {
		t.Fatalf("user-2 first move denied")
	}
}

func TestTiersFirstDenialWins(t *testing.T) {
	limiter, _ := newTestLimiter()
	rules := []Rule{
		{Scope: "conn", Limit: 100, Window: time.Second},
		{Scope: "conn-burst", Limit: 1, Window: 100 * time.Millisecond},
	}
	ctx := context.Background()

	if d, _ := limiter.Tiers(ctx, rules, "conn-9"); !d.Allowed {
		t.Fatalf("first request denied")
	}
	d, err := limiter.Tiers(ctx, rules, "conn-9")
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	if d.Allowed {
		t.Fatalf("burst tier should deny the second request")
	}
	if d.RetryAfter > 100*time.Millisecond {
		t.Fatalf("retry after = %v, want <= burst window", d.RetryAfter)
	}
}

func TestZeroRuleAlwaysAllows(t *testing.T) {
	limiter, _ := newTestLimiter()
	d, err := limiter.Allow(context.Background(), Rule{}, "user-1")
	if err != nil || !d.Allowed {
		t.Fatalf("zero rule = %+v, %v; want allowed", d, err)
	}
}
