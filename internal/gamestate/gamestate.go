// Package gamestate is the authoritative versioned state store. Each room has
// exactly one state record; every accepted move advances the version by one
// through an optimistic compare-and-swap, and a bounded history ring retains
// snapshots for rollback.
package gamestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/store"
)

var (
	// ErrStateNotFound indicates the room has no game state.
	ErrStateNotFound = errors.New("game state not found")
	// ErrConflict indicates the expected version was stale; re-read and retry.
	ErrConflict = errors.New("version conflict")
	// ErrHistoryExpired indicates the requested version fell out of the ring.
	ErrHistoryExpired = errors.New("history expired")
)

// HistoryCap is the default bound on the per-room rollback ring.
const HistoryCap = 50

// GameState is the authoritative record for one room.
type GameState struct {
	RoomID       string        `json:"room_id"`
	Version      uint64        `json:"version"`
	Payload      *games.Payload `json:"payload"`
	LastPlayerID string        `json:"last_player_id,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HistoryEntry is one retained snapshot.
type HistoryEntry struct {
	Version   uint64         `json:"version"`
	Payload   *games.Payload `json:"payload"`
	PlayerID  string         `json:"player_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateEvent is the bus payload announcing an accepted version.
type StateEvent struct {
	RoomID   string `json:"room_id"`
	Version  uint64 `json:"version"`
	PlayerID string `json:"player_id,omitempty"`
}

// Store persists game state, maintains history, and announces every accepted
// version on the bus.
type Store struct {
	store      store.Store
	bus        bus.Bus
	ttl        time.Duration
	historyCap int
	now        func() time.Time
}

// Option customises Store construction.
type Option func(*Store)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithHistoryLimit overrides the rollback ring size. Non-positive values keep
// the default.
func WithHistoryLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.historyCap = limit
		}
	}
}

// New constructs a game state store. States and history expire after ttl of
// inactivity.
func New(backing store.Store, b bus.Bus, ttl time.Duration, opts ...Option) *Store {
	s := &Store{store: backing, bus: b, ttl: ttl, historyCap: HistoryCap, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func stateKey(roomID string) string   { return "gamestate:" + roomID }
func historyKey(roomID string) string { return "history:" + roomID }

// Init creates version 0 for the room. Initialising a room that already has
// state returns ErrConflict.
func (s *Store) Init(ctx context.Context, roomID string, payload *games.Payload) (*GameState, error) {
	state := &GameState{
		RoomID:    roomID,
		Version:   0,
		Payload:   payload,
		UpdatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state %s: %w", roomID, err)
	}
	err = s.store.CompareAndSwap(ctx, stateKey(roomID), nil, data, s.ttl)
	if errors.Is(err, store.ErrCASMismatch) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Read fetches the current state for the room.
func (s *Store) Read(ctx context.Context, roomID string) (*GameState, error) {
	state, _, err := s.read(ctx, roomID)
	return state, err
}

// Apply commits nextPayload as the version after expectedVersion. When the
// stored version differs the call fails with ErrConflict and nothing changes;
// the caller re-reads and retries. On success the version advances by exactly
// one, a history entry is pushed, and the new version is announced.
func (s *Store) Apply(ctx context.Context, roomID string, expectedVersion uint64, nextPayload *games.Payload, playerID string) (*GameState, error) {
	current, old, err := s.read(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrConflict, current.Version, expectedVersion)
	}

	next := &GameState{
		RoomID:       roomID,
		Version:      expectedVersion + 1,
		Payload:      nextPayload,
		LastPlayerID: playerID,
		UpdatedAt:    s.now().UTC(),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode state %s: %w", roomID, err)
	}
	err = s.store.CompareAndSwap(ctx, stateKey(roomID), old, data, s.ttl)
	if errors.Is(err, store.ErrCASMismatch) {
		//1.- Another writer won this version; the caller must retry with fresh state.
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	if err := s.pushHistory(ctx, roomID, next); err != nil {
		return nil, err
	}
	s.announce(ctx, next)
	return next, nil
}

// Rollback restores the payload recorded at toVersion. The restored payload
// is committed as a new version so the per-room version order never rewinds.
func (s *Store) Rollback(ctx context.Context, roomID string, toVersion uint64) (*GameState, error) {
	entries, err := s.History(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var target *HistoryEntry
	for i := range entries {
		if entries[i].Version == toVersion {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: version %d", ErrHistoryExpired, toVersion)
	}

	current, err := s.Read(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, roomID, current.Version, target.Payload, target.PlayerID)
}

// History returns the retained snapshots ordered oldest first.
func (s *Store) History(ctx context.Context, roomID string) ([]HistoryEntry, error) {
	blobs, err := s.store.ListRange(ctx, historyKey(roomID))
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(blobs))
	for _, blob := range blobs {
		raw, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("decompress history %s: %w", roomID, err)
		}
		var entry HistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", roomID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete drops the state and history for the room.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if err := s.store.Delete(ctx, stateKey(roomID)); err != nil {
		return err
	}
	return s.store.Delete(ctx, historyKey(roomID))
}

func (s *Store) read(ctx context.Context, roomID string) (*GameState, []byte, error) {
	data, err := s.store.Get(ctx, stateKey(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrStateNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	state := &GameState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, nil, fmt.Errorf("decode state %s: %w", roomID, err)
	}
	return state, data, nil
}

func (s *Store) pushHistory(ctx context.Context, roomID string, state *GameState) error {
	entry := HistoryEntry{
		Version:   state.Version,
		Payload:   state.Payload,
		PlayerID:  state.LastPlayerID,
		Timestamp: state.UpdatedAt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", roomID, err)
	}
	//1.- Snapshots compress well; snappy keeps the ring cheap in the store.
	return s.store.PushCapped(ctx, historyKey(roomID), snappy.Encode(nil, raw), s.historyCap, s.ttl)
}

func (s *Store) announce(ctx context.Context, state *GameState) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(StateEvent{RoomID: state.RoomID, Version: state.Version, PlayerID: state.LastPlayerID})
	if err != nil {
		return
	}
	_, _ = s.bus.Publish(ctx, &bus.Event{
		Kind:    bus.KindGameState,
		RoomID:  state.RoomID,
		Payload: payload,
	})
}
