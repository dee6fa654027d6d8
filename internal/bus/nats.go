package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsSubjectRoot prefixes every subject so multiple deployments can share one
// NATS cluster without crosstalk.
const natsSubjectRoot = "syncd.rooms"

// NATS relays events through a NATS cluster so every server process observes
// the same room traffic. Sequencing is delegated to the embedded in-process
// log, which also provides per-subscriber acknowledgement and replay.
type NATS struct {
	conn    *nats.Conn
	local   *Inproc
	origin  string
	sub     *nats.Subscription
	mu      sync.Mutex
	closed  bool
	onError func(error)
}

// NATSOption customises the NATS bus.
type NATSOption func(*NATS)

// WithNATSErrorHandler registers a callback for asynchronous relay failures.
func WithNATSErrorHandler(fn func(error)) NATSOption {
	return func(b *NATS) {
		if fn != nil {
			b.onError = fn
		}
	}
}

// NewNATS connects to the NATS cluster at url. origin identifies this process
// so events it published are not re-applied when they echo back.
func NewNATS(url, origin string, local *Inproc, opts ...NATSOption) (*NATS, error) {
	if origin == "" {
		return nil, errors.New("origin must be provided")
	}
	if local == nil {
		local = NewInproc(InprocConfig{})
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := &NATS{conn: conn, local: local, origin: origin, onError: func(error) {}}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	sub, err := conn.Subscribe(natsSubjectRoot+".>", b.relay)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", natsSubjectRoot, err)
	}
	b.sub = sub
	return b, nil
}

// Publish records the event locally and mirrors it to the cluster.
func (b *NATS) Publish(ctx context.Context, event *Event) (uint64, error) {
	if b == nil {
		return 0, errors.New("nil bus")
	}
	if event == nil {
		return 0, errors.New("event required")
	}

	outbound := event.Clone()
	if outbound.Origin == "" {
		outbound.Origin = b.origin
	}

	seq, err := b.local.Publish(ctx, outbound)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(outbound)
	if err != nil {
		return seq, fmt.Errorf("encode event: %w", err)
	}
	subject := natsSubjectRoot + ".all"
	if outbound.RoomID != "" {
		subject = natsSubjectRoot + "." + outbound.RoomID
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return seq, fmt.Errorf("publish %s: %w", subject, err)
	}
	return seq, nil
}

// relay folds events published by other processes into the local log.
func (b *NATS) relay(msg *nats.Msg) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.onError(fmt.Errorf("decode event on %s: %w", msg.Subject, err))
		return
	}
	if event.Origin == b.origin {
		//1.- Events echo back on the shared subject; skip our own.
		return
	}
	if _, err := b.local.Publish(context.Background(), &event); err != nil {
		b.onError(fmt.Errorf("relay event: %w", err))
	}
}

// Subscribe attaches a logical subscriber to the merged local and remote feed.
func (b *NATS) Subscribe(ctx context.Context, subscriberID string, buffer int) (Subscription, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	return b.local.Subscribe(ctx, subscriberID, buffer)
}

// Close drains the NATS subscription and releases the connection.
func (b *NATS) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return b.local.Close()
}
