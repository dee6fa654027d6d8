// Package audit emits abuse and cheat signals. Repeated move rejections
// within a short window are tagged at elevated severity and forwarded over
// the bus for the external audit collaborator; the connection itself is
// never dropped here.
package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/store"
)

// Rejections inside the window before a signal escalates.
const (
	escalateThreshold = 5
	window            = 30 * time.Second
)

// Signal is the structured event forwarded to the audit collaborator.
type Signal struct {
	RoomID     string    `json:"room_id,omitempty"`
	UserID     string    `json:"user_id"`
	Code       string    `json:"code"`
	Severity   string    `json:"severity"`
	Rejections int64     `json:"rejections"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Reporter tracks per-user rejection rates in the shared store so repeated
// offences are visible across the whole fleet.
type Reporter struct {
	store store.Store
	bus   bus.Bus
	log   *logging.Logger
	now   func() time.Time
}

// Option customises Reporter construction.
type Option func(*Reporter)

// WithClock overrides the wall clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Reporter) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewReporter constructs a reporter.
func NewReporter(s store.Store, b bus.Bus, logger *logging.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = logging.L()
	}
	r := &Reporter{store: s, bus: b, log: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// MoveRejected records a rejected move and returns the emitted signal. The
// severity escalates once the user's recent rejection count crosses the
// threshold.
func (r *Reporter) MoveRejected(ctx context.Context, roomID, userID, code string) Signal {
	now := r.now().UTC()
	count := int64(1)
	if r.store != nil {
		windowID := now.UnixMilli() / window.Milliseconds()
		key := "audit:rejects:" + userID + ":" + strconv.FormatInt(windowID, 10)
		if value, err := r.store.Increment(ctx, key, window); err == nil {
			count = value
		}
	}

	signal := Signal{
		RoomID:     roomID,
		UserID:     userID,
		Code:       code,
		Severity:   "info",
		Rejections: count,
		OccurredAt: now,
	}
	if count >= escalateThreshold {
		signal.Severity = "elevated"
	}

	fields := []logging.Field{
		logging.String("user_id", userID),
		logging.String("code", code),
		logging.Int64("rejections", count),
	}
	if roomID != "" {
		fields = append(fields, logging.String("room_id", roomID))
	}
	if signal.Severity == "elevated" {
		r.log.Warn("repeated move rejections", fields...)
	} else {
		r.log.Info("move rejected", fields...)
	}

	if r.bus != nil {
		if payload, err := json.Marshal(signal); err == nil {
			_, _ = r.bus.Publish(ctx, &bus.Event{
				Kind:    bus.KindAuditSignal,
				RoomID:  roomID,
				Payload: payload,
			})
		}
	}
	return signal
}
