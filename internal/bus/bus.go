// Package bus fans room events out to every server process so clients
// connected to different processes observe the same room. Delivery is
// at-least-once; consumers must treat duplicate delivery of one game-state
// version as a no-op.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Kind enumerates the room event payloads carried by the bus.
type Kind string

const (
	KindRoomJoined  Kind = "room:joined"
	KindRoomLeft    Kind = "room:left"
	KindRoomStatus  Kind = "room:status"
	KindGameMove    Kind = "game:move"
	KindGameState   Kind = "game:state"
	KindChatMessage Kind = "chat:message"
	KindAuditSignal Kind = "audit:signal"
)

// Event is the envelope relayed between processes.
type Event struct {
	Sequence    uint64          `json:"sequence,omitempty"`
	Kind        Kind            `json:"kind"`
	RoomID      string          `json:"room_id,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Clone duplicates the event so subscribers can mutate their copy safely.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.Payload) > 0 {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// Subscription exposes the delivery channel and acknowledgement helpers.
type Subscription interface {
	// Events is the ordered delivery channel for this subscriber.
	Events() <-chan *Event
	// Ack informs the bus that the subscriber processed the given sequence.
	// Backends without redelivery treat this as a no-op.
	Ack(sequence uint64) error
	// Close detaches the subscriber while preserving acknowledgement state.
	Close()
}

// Bus is the cluster broadcast fabric.
type Bus interface {
	// Publish enqueues the event for delivery to every subscriber in the
	// cluster and returns the assigned sequence when the backend tracks one.
	Publish(ctx context.Context, event *Event) (uint64, error)
	// Subscribe attaches a logical subscriber identified by subscriberID.
	Subscribe(ctx context.Context, subscriberID string, buffer int) (Subscription, error)
	// Close tears the bus down.
	Close() error
}
