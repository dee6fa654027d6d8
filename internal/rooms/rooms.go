// Package rooms manages room membership, capacity, readiness, and status
// transitions. Rooms live in the shared store and every mutation goes through
// a compare-and-swap loop so concurrent joins from different processes never
// lose updates.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/store"
)

var (
	// ErrRoomNotFound indicates the room does not exist or has expired.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull indicates the room is at capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrNotInRoom indicates the user is not a member of the room.
	ErrNotInRoom = errors.New("user is not in the room")
	// ErrUnknownGameType indicates an unsupported game type.
	ErrUnknownGameType = errors.New("unknown game type")
	// ErrNotHost indicates a host-only operation from a non-host member.
	ErrNotHost = errors.New("only the host may do that")
	// ErrConflict surfaces when concurrent mutations exhausted the retry budget.
	ErrConflict = errors.New("room mutation conflict")
)

// Status enumerates the room lifecycle states.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// Player is one room member.
type Player struct {
	UserID string `json:"user_id"`
	Ready  bool   `json:"ready"`
}

// Room is the stored record for one room.
type Room struct {
	RoomID     string     `json:"room_id"`
	GameType   games.Type `json:"game_type"`
	Players    []Player   `json:"players"`
	HostUserID string     `json:"host_user_id"`
	MaxPlayers int        `json:"max_players"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasPlayer reports whether userID is a member.
func (r *Room) HasPlayer(userID string) bool {
	for _, p := range r.Players {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// PlayerIDs returns the members in join order.
func (r *Room) PlayerIDs() []string {
	ids := make([]string, len(r.Players))
	for i, p := range r.Players {
		ids[i] = p.UserID
	}
	return ids
}

// mutationRetries bounds the CAS loop on contended rooms.
const mutationRetries = 3

// Manager mediates all room reads and mutations.
type Manager struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// Option customises Manager construction.
type Option func(*Manager)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithIDGenerator overrides room ID generation, enabling deterministic tests.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager constructs a manager whose rooms carry the supplied idle TTL.
func NewManager(s store.Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{store: s, ttl: ttl, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func roomKey(roomID string) string { return "room:" + roomID }

// CreateRoom creates a room hosted by hostUserID, who joins immediately.
func (m *Manager) CreateRoom(ctx context.Context, gameType games.Type, maxPlayers int, hostUserID string) (*Room, error) {
	if !games.Known(gameType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}
	if maxPlayers < games.MinPlayers(gameType) {
		maxPlayers = games.MinPlayers(gameType)
	}
	if limit := games.MaxPlayers(gameType); maxPlayers > limit {
		maxPlayers = limit
	}

	now := m.now().UTC()
	room := &Room{
		RoomID:     m.newID(),
		GameType:   gameType,
		Players:    []Player{{UserID: hostUserID}},
		HostUserID: hostUserID,
		MaxPlayers: maxPlayers,
		Status:     StatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("encode room: %w", err)
	}
	//1.- Create-only CAS; uuid collisions would surface as a conflict.
	if err := m.store.CompareAndSwap(ctx, roomKey(room.RoomID), nil, data, m.ttl); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// GetRoom fetches the room record.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	room, _, err := m.read(ctx, roomID)
	return room, err
}

// JoinRoom adds the user to the room. Joining a room the user is already in
// is a no-op returning the current record.
func (m *Manager) JoinRoom(ctx context.Context, roomID, userID string) (*Room, error) {
	return m.mutate(ctx, roomID, func(room *Room) error {
		if room.HasPlayer(userID) {
			return nil
		}
		if len(room.Players) >= room.MaxPlayers {
			return ErrRoomFull
		}
		room.Players = append(room.Players, Player{UserID: userID})
		return nil
	})
}

// LeaveRoom removes the user. The host role passes to the earliest remaining
// member; the last member leaving deletes the room.
func (m *Manager) LeaveRoom(ctx context.Context, roomID, userID string) (*Room, error) {
	room, err := m.mutate(ctx, roomID, func(room *Room) error {
		idx := -1
		for i, p := range room.Players {
			if p.UserID == userID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotInRoom
		}
		room.Players = append(room.Players[:idx], room.Players[idx+1:]...)
		if room.HostUserID == userID && len(room.Players) > 0 {
			room.HostUserID = room.Players[0].UserID
		}
		if room.Status == StatusPlaying && len(room.Players) < games.MinPlayers(room.GameType) {
			//1.- Too few players to continue; the room falls back to waiting.
			room.Status = StatusWaiting
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(room.Players) == 0 {
		if err := m.store.Delete(ctx, roomKey(roomID)); err != nil {
			return nil, err
		}
	}
	return room, nil
}

// SetReady flips the user's ready flag. When every member is ready and the
// minimum player count for the game type is met, the room starts playing.
func (m *Manager) SetReady(ctx context.Context, roomID, userID string, ready bool) (*Room, error) {
	return m.mutate(ctx, roomID, func(room *Room) error {
		found := false
		allReady := true
		for i := range room.Players {
			if room.Players[i].UserID == userID {
				room.Players[i].Ready = ready
				found = true
			}
			if !room.Players[i].Ready {
				allReady = false
			}
		}
		if !found {
			return ErrNotInRoom
		}
		if room.Status == StatusWaiting && allReady && len(room.Players) >= games.MinPlayers(room.GameType) {
			room.Status = StatusPlaying
		}
		return nil
	})
}

// Pause suspends play; host only.
func (m *Manager) Pause(ctx context.Context, roomID, userID string) (*Room, error) {
	return m.mutate(ctx, roomID, func(room *Room) error {
		if room.HostUserID != userID {
			return ErrNotHost
		}
		if room.Status == StatusPlaying {
			room.Status = StatusPaused
		}
		return nil
	})
}

// Resume continues play after a pause; host only.
func (m *Manager) Resume(ctx context.Context, roomID, userID string) (*Room, error) {
	return m.mutate(ctx, roomID, func(room *Room) error {
		if room.HostUserID != userID {
			return ErrNotHost
		}
		if room.Status == StatusPaused {
			room.Status = StatusPlaying
		}
		return nil
	})
}

// MarkFinished transitions the room to finished and clears ready flags so a
// rematch starts from a clean slate.
func (m *Manager) MarkFinished(ctx context.Context, roomID string) (*Room, error) {
	return m.mutate(ctx, roomID, func(room *Room) error {
		room.Status = StatusFinished
		for i := range room.Players {
			room.Players[i].Ready = false
		}
		return nil
	})
}

func (m *Manager) read(ctx context.Context, roomID string) (*Room, []byte, error) {
	data, err := m.store.Get(ctx, roomKey(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	room := &Room{}
	if err := json.Unmarshal(data, room); err != nil {
		return nil, nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return room, data, nil
}

// mutate runs fn inside a read-modify-CAS loop. Validation errors returned by
// fn abort without retrying; CAS conflicts re-read and retry up to the cap.
func (m *Manager) mutate(ctx context.Context, roomID string, fn func(*Room) error) (*Room, error) {
	for attempt := 0; attempt < mutationRetries; attempt++ {
		room, old, err := m.read(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if err := fn(room); err != nil {
			return nil, err
		}
		room.UpdatedAt = m.now().UTC()
		data, err := json.Marshal(room)
		if err != nil {
			return nil, fmt.Errorf("encode room %s: %w", roomID, err)
		}
		err = m.store.CompareAndSwap(ctx, roomKey(roomID), old, data, m.ttl)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrCASMismatch) {
			return nil, err
		}
	}
	return nil, ErrConflict
}
