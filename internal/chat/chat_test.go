package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/ratelimit"
	"playgrid/syncd/internal/store"
)

func newTestService(rules []ratelimit.Rule) (*Service, *bus.Inproc) {
	mem := store.NewMemory()
	b := bus.NewInproc(bus.InprocConfig{})
	limiter := ratelimit.NewLimiter(mem)
	next := 0
	svc := NewService(mem, b, limiter, rules, 5, time.Hour, WithIDGenerator(func() string {
		next++
		return fmt.Sprintf("msg-%d", next)
	}))
	return svc, b
}

func TestSendPersistsAndBroadcasts(t *testing.T) {
	svc, b := newTestService(nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "observer", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	msg, err := svc.Send(ctx, "room-1", "user-1", "Avery", "hello there", TypeRoom)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "msg-1" || msg.Content != "hello there" {
		t.Fatalf("message = %+v", msg)
	}

	history, err := svc.History(ctx, "room-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello there" {
		t.Fatalf("history = %+v", history)
	}

	select {
	case event := <-sub.Events():
		if event.Kind != bus.KindChatMessage || event.RoomID != "room-1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcast after send")
	}
}

func TestSendStripsHTML(t *testing.T) {
	svc, _ := newTestService(nil)
	msg, err := svc.Send(context.Background(), "", "user-1", "Avery", `<script>alert(1)</script>hi <b>all</b>`, TypeGlobal)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "alert(1)hi all" {
		t.Fatalf("content = %q", msg.Content)
	}
}

func TestSendRejectsEmptyAndOversized(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "", "user-1", "", "<br>", TypeGlobal); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty = %v, want ErrEmptyMessage", err)
	}
	if _, err := svc.Send(ctx, "", "user-1", "", strings.Repeat("x", MaxContentLength+1), TypeGlobal); !errors.Is(err, ErrTooLong) {
		t.Fatalf("oversized = %v, want ErrTooLong", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	svc, _ := newTestService([]ratelimit.Rule{{Scope: "chat", Limit: 2, Window: time.Second}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Send(ctx, "room-1", "user-1", "", "spam", TypeRoom); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	_, err := svc.Send(ctx, "room-1", "user-1", "", "spam", TypeRoom)
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("send = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter <= 0 {
		t.Fatalf("retry after = %v, want positive", limited.RetryAfter)
	}

	//1.- System messages bypass the user rate limit.
	if _, err := svc.Send(ctx, "room-1", "user-1", "", "game over", TypeSystem); err != nil {
		t.Fatalf("system send: %v", err)
	}
}

func TestHistoryCapped(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := svc.Send(ctx, "room-1", "user-1", "", fmt.Sprintf("m%d", i), TypeRoom); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	history, err := svc.History(ctx, "room-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	if history[0].Content != "m3" || history[4].Content != "m7" {
		t.Fatalf("retained window = %q..%q", history[0].Content, history[4].Content)
	}
}
