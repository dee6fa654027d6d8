package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
var ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")

// Default retention keeps the last 512 events if no explicit value is provided.
const defaultRetention = 512

// InprocConfig controls the retention policy for the in-process log and subscriber buffers.
type InprocConfig struct {
	Retain int
}

// Inproc coordinates ordered event delivery with at-least-once semantics per
// subscriber. It backs single-process deployments and is the local leg of the
// NATS bus in clustered ones.
type Inproc struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]*Event
	subscribers map[string]*subscriberState
	now         func() time.Time
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Event
	active  bool
}

type inprocSubscription struct {
	id   string
	bus  *Inproc
	ch   <-chan *Event
	once sync.Once
}

// NewInproc constructs an in-process bus using the provided configuration.
func NewInproc(cfg InprocConfig) *Inproc {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Inproc{
		retention:   retention,
		logPayloads: make(map[uint64]*Event),
		subscribers: make(map[string]*subscriberState),
		now:         time.Now,
	}
}

// Publish assigns the next sequence and enqueues the event for every subscriber.
func (b *Inproc) Publish(_ context.Context, event *Event) (uint64, error) {
	if b == nil {
		return 0, errors.New("nil bus")
	}
	if event == nil {
		return 0, errors.New("event required")
	}

	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	stored := event.Clone()
	stored.Sequence = seq
	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = b.now().UTC()
	}
	b.logPayloads[seq] = stored
	b.logOrder = append(b.logOrder, seq)

	deliveries := make([]delivery, 0, len(b.subscribers))
	for _, state := range b.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: stored.Clone()})
		}
	}
	b.enforceRetentionLocked()
	b.mu.Unlock()

	for _, item := range deliveries {
		//1.- Deliver without blocking the publisher on slow subscribers.
		select {
		case item.ch <- item.payload:
		default:
		}
	}

	return seq, nil
}

type delivery struct {
	ch      chan<- *Event
	payload *Event
}

// Subscribe attaches the logical subscriber and replays outstanding events.
func (b *Inproc) Subscribe(ctx context.Context, subscriberID string, buffer int) (Subscription, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	b.mu.Lock()
	state := b.ensureSubscriberLocked(subscriberID)
	replay := b.collectReplayLocked(state)
	ch := make(chan *Event, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := make([]*Event, 0, len(replay))
	for _, seq := range replay {
		if payload, ok := b.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	b.mu.Unlock()

	go func() {
		//1.- Replay any outstanding events immediately after subscription.
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case ch <- env:
			}
		}
	}()

	return &inprocSubscription{id: subscriberID, bus: b, ch: ch}, nil
}

// Close is a no-op for the in-process bus; subscriptions close individually.
func (b *Inproc) Close() error { return nil }

// Events exposes the ordered delivery channel for the subscriber.
func (s *inprocSubscription) Events() <-chan *Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Ack informs the bus that the subscriber processed the given sequence.
func (s *inprocSubscription) Ack(sequence uint64) error {
	if s == nil || s.bus == nil {
		return errors.New("subscription closed")
	}
	return s.bus.ack(s.id, sequence)
}

// Close marks the subscription inactive while preserving acknowledgement state.
func (s *inprocSubscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.deactivateSubscriber(s.id)
	})
}

func (b *Inproc) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := b.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		b.subscribers[subscriberID] = state
	}
	return state
}

func (b *Inproc) collectReplayLocked(state *subscriberState) []uint64 {
	//1.- A reconnecting subscriber must see every sequence greater than lastAck.
	replay := state.pending[:0]
	for _, seq := range b.logOrder {
		if seq <= state.lastAck {
			continue
		}
		replay = append(replay, seq)
	}
	return append([]uint64(nil), replay...)
}

func (b *Inproc) enforceRetentionLocked() {
	if len(b.logOrder) <= b.retention {
		return
	}
	//1.- Retain everything the slowest subscriber has not acknowledged yet.
	minAck := b.nextSeq
	for _, state := range b.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := b.logOrder[len(b.logOrder)-b.retention]
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(b.logOrder), func(i int) bool { return b.logOrder[i] > pruneBefore })
	for _, seq := range b.logOrder[:idx] {
		delete(b.logPayloads, seq)
	}
	b.logOrder = append([]uint64(nil), b.logOrder[idx:]...)
}

func (b *Inproc) ack(subscriberID string, sequence uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	expected := state.pending[0]
	if sequence != expected {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	b.enforceRetentionLocked()
	return nil
}

func (b *Inproc) deactivateSubscriber(subscriberID string) {
	b.mu.Lock()
	state, ok := b.subscribers[subscriberID]
	if ok {
		state.active = false
		if state.ch != nil {
			close(state.ch)
			state.ch = nil
		}
	}
	b.mu.Unlock()
}
