// Package registry tracks live connections in the shared store. Sessions are
// visible to every server process so presence queries and room bookkeeping
// work no matter which process owns the socket.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"playgrid/syncd/internal/store"
)

// ErrSessionNotFound indicates the connection has no live session record.
var ErrSessionNotFound = errors.New("session not found")

// Session is the stored record for one live connection.
type Session struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Rooms       []string  `json:"joined_rooms,omitempty"`
	ProcessID   string    `json:"process_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Status derives the presence state from room membership.
func (s *Session) Status() string {
	if len(s.Rooms) > 0 {
		return "playing"
	}
	return "online"
}

// InRoom reports whether the session tracks membership of roomID.
func (s *Session) InRoom(roomID string) bool {
	for _, id := range s.Rooms {
		if id == roomID {
			return true
		}
	}
	return false
}

// Registry mediates session records, the online-user set, and per-user
// connection sets.
type Registry struct {
	store         store.Store
	processID     string
	sessionTTL    time.Duration
	reapThreshold time.Duration
	now           func() time.Time
	onReap        func(Session)
}

// Option customises Registry construction.
type Option func(*Registry)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithReapCallback registers a hook invoked for every session the sweeper
// expires, so the caller can release room membership.
func WithReapCallback(fn func(Session)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.onReap = fn
		}
	}
}

// New constructs a registry for this process.
func New(s store.Store, processID string, sessionTTL, reapThreshold time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store:         s,
		processID:     processID,
		sessionTTL:    sessionTTL,
		reapThreshold: reapThreshold,
		now:           time.Now,
		onReap:        func(Session) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func sessionKey(connID string) string { return "session:" + connID }

func userSessionsKey(userID string) string { return "user:sessions:" + userID }

const onlineKey = "online:users"

func processSessionsKey(processID string) string { return "proc:sessions:" + processID }

// Register records the connection and marks the user online.
func (r *Registry) Register(ctx context.Context, connID, userID, displayName string) (*Session, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry not initialised")
	}
	now := r.now().UTC()
	session := &Session{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		ProcessID:   r.processID,
		ConnectedAt: now,
		LastSeen:    now,
	}
	if err := r.write(ctx, session); err != nil {
		return nil, err
	}
	if err := r.store.AddToSet(ctx, onlineKey, userID); err != nil {
		return nil, fmt.Errorf("mark online: %w", err)
	}
	if err := r.store.AddToSet(ctx, userSessionsKey(userID), connID); err != nil {
		return nil, fmt.Errorf("track user session: %w", err)
	}
	if err := r.store.AddToSet(ctx, processSessionsKey(r.processID), connID); err != nil {
		return nil, fmt.Errorf("track process session: %w", err)
	}
	return session, nil
}

// Heartbeat refreshes the session's last-seen timestamp and TTL.
func (r *Registry) Heartbeat(ctx context.Context, connID string) error {
	session, err := r.Lookup(ctx, connID)
	if err != nil {
		return err
	}
	session.LastSeen = r.now().UTC()
	return r.write(ctx, session)
}

// AddRoom records that the connection joined roomID; adding a room the
// session already tracks is a no-op.
func (r *Registry) AddRoom(ctx context.Context, connID, roomID string) error {
	session, err := r.Lookup(ctx, connID)
	if err != nil {
		return err
	}
	if !session.InRoom(roomID) {
		session.Rooms = append(session.Rooms, roomID)
	}
	session.LastSeen = r.now().UTC()
	return r.write(ctx, session)
}

// RemoveRoom drops roomID from the session's joined rooms.
func (r *Registry) RemoveRoom(ctx context.Context, connID, roomID string) error {
	session, err := r.Lookup(ctx, connID)
	if err != nil {
		return err
	}
	for i, id := range session.Rooms {
		if id == roomID {
			session.Rooms = append(session.Rooms[:i], session.Rooms[i+1:]...)
			break
		}
	}
	session.LastSeen = r.now().UTC()
	return r.write(ctx, session)
}

// Unregister removes the session. The user leaves the online set only when no
// other connection of theirs remains.
func (r *Registry) Unregister(ctx context.Context, connID string) (*Session, error) {
	session, err := r.Lookup(ctx, connID)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, sessionKey(connID)); err != nil {
		return nil, err
	}
	if _, err := r.store.RemoveFromSet(ctx, processSessionsKey(session.ProcessID), connID); err != nil {
		return nil, err
	}
	remaining, err := r.store.RemoveFromSet(ctx, userSessionsKey(session.UserID), connID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		//1.- The last tab closed; the user is no longer online.
		if _, err := r.store.RemoveFromSet(ctx, onlineKey, session.UserID); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// Lookup fetches the session record for connID.
func (r *Registry) Lookup(ctx context.Context, connID string) (*Session, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry not initialised")
	}
	data, err := r.store.Get(ctx, sessionKey(connID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session := &Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", connID, err)
	}
	return session, nil
}

// IsOnline reports whether any connection for the user is registered.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	members, err := r.store.SetMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// OnlineUsers lists the users with at least one live connection.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, onlineKey)
}

// ProcessLoad reports how many connections this process currently owns.
func (r *Registry) ProcessLoad(ctx context.Context) (int, error) {
	members, err := r.store.SetMembers(ctx, processSessionsKey(r.processID))
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// Sweep reaps sessions owned by this process whose last heartbeat is older
// than the reap threshold and reports how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	connIDs, err := r.store.SetMembers(ctx, processSessionsKey(r.processID))
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-r.reapThreshold)
	reaped := 0
	for _, connID := range connIDs {
		session, err := r.Lookup(ctx, connID)
		if errors.Is(err, ErrSessionNotFound) {
			//1.- The TTL already expired the record; drop the set entry.
			_, _ = r.store.RemoveFromSet(ctx, processSessionsKey(r.processID), connID)
			continue
		}
		if err != nil {
			return reaped, err
		}
		if session.LastSeen.After(cutoff) {
			continue
		}
		if _, err := r.Unregister(ctx, connID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return reaped, err
		}
		reaped++
		r.onReap(*session)
	}
	return reaped, nil
}

// StartSweeper runs Sweep on the supplied interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = r.Sweep(ctx)
			}
		}
	}()
}

func (r *Registry) write(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ConnID, err)
	}
	return r.store.Set(ctx, sessionKey(session.ConnID), data, r.sessionTTL)
}
