package gamestate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/store"
)

func newTestStore(t *testing.T) (*Store, *bus.Inproc) {
	t.Helper()
	b := bus.NewInproc(bus.InprocConfig{})
	return New(store.NewMemory(), b, time.Hour), b
}

func gridPayload(t *testing.T) *games.Payload {
	t.Helper()
	payload, err := games.NewPayload(games.TypeGrid, []string{"a", "b"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return payload
}

func TestVersionCountsAcceptedMoves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	payload := gridPayload(t)

	if _, err := s.Init(ctx, "room-1", payload); err != nil {
		t.Fatalf("init: %v", err)
	}

	//1.- After N accepted applies the version equals N.
	const moves = 7
	for i := 0; i < moves; i++ {
		state, err := s.Read(ctx, "room-1")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if _, err := s.Apply(ctx, "room-1", state.Version, payload, "a"); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	state, err := s.Read(ctx, "room-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if state.Version != moves {
		t.Fatalf("version = %d, want %d", state.Version, moves)
	}
}

func TestStaleApplyDoesNotChangeVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)
	s.Apply(ctx, "room-1", 0, payload, "a")

	if _, err := s.Apply(ctx, "room-1", 0, payload, "b"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale apply = %v, want ErrConflict", err)
	}
	state, _ := s.Read(ctx, "room-1")
	if state.Version != 1 {
		t.Fatalf("version = %d, want 1 after rejected apply", state.Version)
	}
}

func TestConcurrentApplyOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)

	//1.- Two writers race on the same expected version; exactly one commits.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Apply(ctx, "room-1", 0, payload, "a")
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected apply error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d; want exactly one of each", wins, conflicts)
	}
	state, _ := s.Read(ctx, "room-1")
	if state.Version != 1 {
		t.Fatalf("version = %d, want 1", state.Version)
	}
}

func TestHistoryCapped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)

	for i := 0; i < HistoryCap+10; i++ {
		state, _ := s.Read(ctx, "room-1")
		if _, err := s.Apply(ctx, "room-1", state.Version, payload, "a"); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	entries, err := s.History(ctx, "room-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != HistoryCap {
		t.Fatalf("history length = %d, want %d", len(entries), HistoryCap)
	}
	//1.- The oldest retained entry reflects FIFO eviction.
	if entries[0].Version != 11 {
		t.Fatalf("oldest retained version = %d, want 11", entries[0].Version)
	}
	if entries[len(entries)-1].Version != HistoryCap+10 {
		t.Fatalf("newest version = %d, want %d", entries[len(entries)-1].Version, HistoryCap+10)
	}
}

func TestHistoryLimitConfigurable(t *testing.T) {
	b := bus.NewInproc(bus.InprocConfig{})
	s := New(store.NewMemory(), b, time.Hour, WithHistoryLimit(3))
	ctx := context.Background()
	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)

	for i := 0; i < 5; i++ {
		state, _ := s.Read(ctx, "room-1")
		if _, err := s.Apply(ctx, "room-1", state.Version, payload, "a"); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	entries, err := s.History(ctx, "room-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("history length = %d, want 3", len(entries))
	}
	if entries[0].Version != 3 || entries[2].Version != 5 {
		t.Fatalf("retained versions %d..%d, want 3..5", entries[0].Version, entries[2].Version)
	}
}

func TestRollbackRestoresRetainedVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Init(ctx, "room-1", gridPayload(t))

	marked := gridPayload(t)
	marked.Grid.Cells[0] = "a"
	s.Apply(ctx, "room-1", 0, marked, "a")

	later := gridPayload(t)
	later.Grid.Cells[0] = "a"
	later.Grid.Cells[4] = "b"
	s.Apply(ctx, "room-1", 1, later, "b")

	state, err := s.Rollback(ctx, "room-1", 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	//1.- The rollback commits forward: the version keeps increasing.
	if state.Version != 3 {
		t.Fatalf("version = %d, want 3", state.Version)
	}
	if state.Payload.Grid.Cells[4] != "" || state.Payload.Grid.Cells[0] != "a" {
		t.Fatalf("payload after rollback = %+v", state.Payload.Grid.Cells)
	}
}

func TestRollbackExpiredVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)

	for i := 0; i < HistoryCap+5; i++ {
		state, _ := s.Read(ctx, "room-1")
		s.Apply(ctx, "room-1", state.Version, payload, "a")
	}

	if _, err := s.Rollback(ctx, "room-1", 2); !errors.Is(err, ErrHistoryExpired) {
		t.Fatalf("rollback = %v, want ErrHistoryExpired", err)
	}
}

func TestApplyAnnouncesOnBus(t *testing.T) {
	s, b := newTestStore(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "observer", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	payload := gridPayload(t)
	s.Init(ctx, "room-1", payload)
	if _, err := s.Apply(ctx, "room-1", 0, payload, "a"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Kind != bus.KindGameState || event.RoomID != "room-1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no bus event after apply")
	}
}

func TestReadMissingState(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Read(context.Background(), "nope"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("read = %v, want ErrStateNotFound", err)
	}
}
