package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
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

func TestMemoryBlobExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mem := NewMemory(WithMemoryClock(clock.Now))
	ctx := context.Background()

	if err := mem.Set(ctx, "session:1", []byte("payload"), 300*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	//1.- The blob is readable before the TTL elapses.
	if _, err := mem.Get(ctx, "session:1"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	//2.- Once the TTL passes the key behaves as if it never existed.
	clock.Advance(301 * time.Second)
	if _, err := mem.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	//1.- A nil old asserts creation; a second creation attempt must conflict.
	if err := mem.CompareAndSwap(ctx, "room:1", nil, []byte("v0"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mem.CompareAndSwap(ctx, "room:1", nil, []byte("v0"), 0); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("duplicate create = %v, want ErrCASMismatch", err)
	}

	//2.- Swapping with the correct old value succeeds exactly once.
	if err := mem.CompareAndSwap(ctx, "room:1", []byte("v0"), []byte("v1"), 0); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := mem.CompareAndSwap(ctx, "room:1", []byte("v0"), []byte("v2"), 0); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("stale swap = %v, want ErrCASMismatch", err)
	}
}

func TestMemoryCounterWindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mem := NewMemory(WithMemoryClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		value, err := mem.Increment(ctx, "rate:chat:user-1:0", time.Second)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if value != int64(i) {
			t.Fatalf("increment %d = %d, want %d", i, value, i)
		}
	}

	//1.- Advancing past the TTL starts a fresh window at one.
	clock.Advance(1100 * time.Millisecond)
	value, err := mem.Increment(ctx, "rate:chat:user-1:0", time.Second)
	if err != nil {
		t.Fatalf("increment after expiry: %v", err)
	}
	if value != 1 {
		t.Fatalf("fresh window counter = %d, want 1", value)
	}
}

func TestMemoryPushCappedEvictsOldest(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	for i := byte('a'); i < 'a'+7; i++ {
		if err := mem.PushCapped(ctx, "history:room", []byte{i}, 5, 0); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	values, err := mem.ListRange(ctx, "history:room")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(values) != 5 {
		t.Fatalf("list length = %d, want 5", len(values))
	}
	//1.- The two oldest entries were evicted, leaving c..g.
	if values[0][0] != 'c' || values[4][0] != 'g' {
		t.Fatalf("unexpected retained window: %q..%q", values[0], values[4])
	}
}

func TestMemorySetMembership(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	if err := mem.AddToSet(ctx, "online", "user-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mem.AddToSet(ctx, "online", "user-2"); err != nil {
		t.Fatalf("add: %v", err)
	}

	remaining, err := mem.RemoveFromSet(ctx, "online", "user-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}

	members, err := mem.SetMembers(ctx, "online")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "user-2" {
		t.Fatalf("members = %v, want [user-2]", members)
	}
}
