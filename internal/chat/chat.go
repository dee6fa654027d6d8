// Package chat handles room and global chat: content sanitisation, rate
// limiting, bounded retention, and fan-out over the bus.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/ratelimit"
	"playgrid/syncd/internal/store"
)

// MaxContentLength bounds a message after sanitisation.
const MaxContentLength = 500

var (
	// ErrEmptyMessage indicates the message had no content after sanitisation.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTooLong indicates the message exceeds the content cap.
	ErrTooLong = errors.New("message too long")
)

// RateLimitedError reports a denied send with the retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("chat rate limit exceeded, retry in %s", e.RetryAfter)
}

// MessageType distinguishes room, global, and system messages.
type MessageType string

const (
	TypeRoom   MessageType = "room"
	TypeGlobal MessageType = "global"
	TypeSystem MessageType = "system"
)

// Message is one chat entry.
type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id,omitempty"`
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name,omitempty"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Service mediates sends and history reads.
type Service struct {
	store     store.Store
	bus       bus.Bus
	limiter   *ratelimit.Limiter
	rules     []ratelimit.Rule
	retention int
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
}

// Option customises Service construction.
type Option func(*Service)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithIDGenerator overrides message ID generation for deterministic tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs the chat service. rules are the per-user send limits
// composed across tiers; retention caps each channel's stored history.
func NewService(backing store.Store, b bus.Bus, limiter *ratelimit.Limiter, rules []ratelimit.Rule, retention int, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		store:     backing,
		bus:       b,
		limiter:   limiter,
		rules:     rules,
		retention: retention,
		ttl:       ttl,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func channelKey(roomID string) string {
	if roomID == "" {
		return "chat:global"
	}
	return "chat:room:" + roomID
}

// Send validates, persists, and broadcasts a message. An empty roomID posts
// to the global channel.
func (s *Service) Send(ctx context.Context, roomID, userID, displayName, content string, msgType MessageType) (*Message, error) {
	content = Sanitize(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, ErrTooLong
	}

	if s.limiter != nil && msgType != TypeSystem {
		decision, err := s.limiter.Tiers(ctx, s.rules, userID)
		if err == nil && !decision.Allowed {
			return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
		}
	}

	msg := &Message{
		ID:          s.newID(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Content:     content,
		Type:        msgType,
		Timestamp:   s.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := s.store.PushCapped(ctx, channelKey(roomID), data, s.retention, s.ttl); err != nil {
		return nil, err
	}

	if s.bus != nil {
		_, _ = s.bus.Publish(ctx, &bus.Event{
			Kind:    bus.KindChatMessage,
			RoomID:  roomID,
			Payload: data,
		})
	}
	return msg, nil
}

// History returns the retained messages for the channel, oldest first.
func (s *Service) History(ctx context.Context, roomID string) ([]Message, error) {
	blobs, err := s.store.ListRange(ctx, channelKey(roomID))
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(blobs))
	for _, blob := range blobs {
		var msg Message
		if err := json.Unmarshal(blob, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Sanitize strips HTML tags and trims surrounding whitespace.
func Sanitize(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	depth := 0
	for _, r := range content {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
