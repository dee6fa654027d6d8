package registry

import (
	"context"
	"errors"
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

func newTestRegistry(opts ...Option) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mem := store.NewMemory(store.WithMemoryClock(clock.Now))
	base := []Option{WithClock(clock.Now)}
	return New(mem, "proc-1", 300*time.Second, 120*time.Second, append(base, opts...)...), clock
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "conn-1", "user-1", "Avery"); err != nil {
		t.Fatalf("register: %v", err)
	}

	session, err := reg.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if session.UserID != "user-1" || session.ProcessID != "proc-1" {
		t.Fatalf("session = %+v", session)
	}

	online, err := reg.IsOnline(ctx, "user-1")
	if err != nil || !online {
		t.Fatalf("IsOnline = %v, %v; want true", online, err)
	}
}

func TestUnregisterKeepsUserOnlineWithOtherConnections(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "conn-1", "user-1", "Avery")
	reg.Register(ctx, "conn-2", "user-1", "Avery")

	if _, err := reg.Unregister(ctx, "conn-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if online, _ := reg.IsOnline(ctx, "user-1"); !online {
		t.Fatalf("user went offline while a second connection remains")
	}

	//1.- Dropping the last connection clears the online flag.
	if _, err := reg.Unregister(ctx, "conn-2"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if online, _ := reg.IsOnline(ctx, "user-1"); online {
		t.Fatalf("user still online after last connection closed")
	}
	users, _ := reg.OnlineUsers(ctx)
	if len(users) != 0 {
		t.Fatalf("online users = %v, want empty", users)
	}
}

func TestHeartbeatDefersReaping(t *testing.T) {
	reg, clock := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "conn-1", "user-1", "Avery")

	//1.- Heartbeats inside the threshold keep the session alive across sweeps.
	clock.Advance(100 * time.Second)
	if err := reg.Heartbeat(ctx, "conn-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(100 * time.Second)
	if reaped, err := reg.Sweep(ctx); err != nil || reaped != 0 {
		t.Fatalf("sweep = %d, %v; want 0 reaped", reaped, err)
	}
	if _, err := reg.Lookup(ctx, "conn-1"); err != nil {
		t.Fatalf("lookup after sweep: %v", err)
	}
}

func TestSweepReapsSilentSessions(t *testing.T) {
	var reapedSessions []Session
	reg, clock := newTestRegistry(WithReapCallback(func(s Session) {
		reapedSessions = append(reapedSessions, s)
	}))
	ctx := context.Background()

	reg.Register(ctx, "conn-1", "user-1", "Avery")
	clock.Advance(121 * time.Second)

	reaped, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if len(reapedSessions) != 1 || reapedSessions[0].ConnID != "conn-1" {
		t.Fatalf("reap callback sessions = %+v", reapedSessions)
	}
	if _, err := reg.Lookup(ctx, "conn-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("lookup after reap = %v, want ErrSessionNotFound", err)
	}
	if online, _ := reg.IsOnline(ctx, "user-1"); online {
		t.Fatalf("user still online after reap")
	}
}

func TestRoomMembershipTracking(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "conn-1", "user-1", "Avery")
	if session, _ := reg.Lookup(ctx, "conn-1"); session.Status() != "online" {
		t.Fatalf("status = %q, want online", session.Status())
	}

	if err := reg.AddRoom(ctx, "conn-1", "room-7"); err != nil {
		t.Fatalf("add room: %v", err)
	}
	//1.- Re-adding the same room must not duplicate the entry.
	if err := reg.AddRoom(ctx, "conn-1", "room-7"); err != nil {
		t.Fatalf("add room again: %v", err)
	}
	if err := reg.AddRoom(ctx, "conn-1", "room-9"); err != nil {
		t.Fatalf("add second room: %v", err)
	}

	session, err := reg.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(session.Rooms) != 2 || !session.InRoom("room-7") || !session.InRoom("room-9") {
		t.Fatalf("rooms = %v", session.Rooms)
	}
	if session.Status() != "playing" {
		t.Fatalf("status = %q, want playing", session.Status())
	}

	if err := reg.RemoveRoom(ctx, "conn-1", "room-7"); err != nil {
		t.Fatalf("remove room: %v", err)
	}
	session, _ = reg.Lookup(ctx, "conn-1")
	if session.InRoom("room-7") || !session.InRoom("room-9") {
		t.Fatalf("rooms after remove = %v", session.Rooms)
	}
}

func TestProcessLoad(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "conn-1", "user-1", "Avery")
	reg.Register(ctx, "conn-2", "user-2", "Briar")

	load, err := reg.ProcessLoad(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if load != 2 {
		t.Fatalf("load = %d, want 2", load)
	}
}
