package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/store"
)

func TestSeverityEscalatesOnRepeatedRejections(t *testing.T) {
	mem := store.NewMemory()
	b := bus.NewInproc(bus.InprocConfig{})
	r := NewReporter(mem, b, logging.NewTestLogger())
	ctx := context.Background()

	for i := 0; i < escalateThreshold-1; i++ {
		signal := r.MoveRejected(ctx, "room-1", "user-1", "NOT_YOUR_TURN")
		if signal.Severity != "info" {
			t.Fatalf("rejection %d severity = %s, want info", i, signal.Severity)
		}
	}

	//1.- Crossing the threshold inside the window elevates the severity.
	signal := r.MoveRejected(ctx, "room-1", "user-1", "NOT_YOUR_TURN")
	if signal.Severity != "elevated" {
		t.Fatalf("severity = %s, want elevated", signal.Severity)
	}
	if signal.Rejections != escalateThreshold {
		t.Fatalf("rejections = %d, want %d", signal.Rejections, escalateThreshold)
	}
}

func TestSignalForwardedOnBus(t *testing.T) {
	mem := store.NewMemory()
	b := bus.NewInproc(bus.InprocConfig{})
	r := NewReporter(mem, b, logging.NewTestLogger())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "collector", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	r.MoveRejected(ctx, "room-1", "user-1", "CELL_OCCUPIED")

	select {
	case event := <-sub.Events():
		if event.Kind != bus.KindAuditSignal {
			t.Fatalf("event kind = %s", event.Kind)
		}
		var signal Signal
		if err := json.Unmarshal(event.Payload, &signal); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if signal.UserID != "user-1" || signal.Code != "CELL_OCCUPIED" {
			t.Fatalf("signal = %+v", signal)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no audit signal on bus")
	}
}

func TestUsersTrackedIndependently(t *testing.T) {
	mem := store.NewMemory()
	r := NewReporter(mem, nil, logging.NewTestLogger())
	ctx := context.Background()

	for i := 0; i < escalateThreshold; i++ {
		r.MoveRejected(ctx, "room-1", "user-1", "NOT_YOUR_TURN")
	}
	signal := r.MoveRejected(ctx, "room-1", "user-2", "NOT_YOUR_TURN")
	if signal.Severity != "info" {
		t.Fatalf("fresh user severity = %s, want info", signal.Severity)
	}
}
