// Package store abstracts the shared cross-process state store. Every server
// process reads and writes through this interface so that sessions, rooms,
// game state, and rate-limit windows stay consistent across the fleet.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrCASMismatch indicates a compare-and-swap lost the race to another writer.
	ErrCASMismatch = errors.New("store: compare-and-swap mismatch")
	// ErrUnavailable indicates the store could not be reached within the command timeout.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the shared key-value surface backing all cross-process state.
//
// Blob values are opaque byte slices; TTL of zero means no expiry. The
// compare-and-swap primitive is the only conditional write and underpins the
// optimistic concurrency used for room and game-state mutation.
type Store interface {
	// Get returns the blob stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the blob at key with the supplied TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap replaces the value at key only when the stored bytes equal
	// old. A nil old asserts the key must not exist. Returns ErrCASMismatch
	// when another writer won the race.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error

	// AddToSet inserts member into the set at key.
	AddToSet(ctx context.Context, key, member string) error
	// RemoveFromSet removes member and reports how many members remain.
	RemoveFromSet(ctx context.Context, key, member string) (int, error)
	// SetMembers lists the members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Increment bumps the counter at key, applying ttl when the counter is
	// created by this call, and returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// PushCapped appends value to the list at key, evicting the oldest entries
	// beyond limit, and refreshes the list TTL.
	PushCapped(ctx context.Context, key string, value []byte, limit int, ttl time.Duration) error
	// ListRange returns the list at key ordered oldest first.
	ListRange(ctx context.Context, key string) ([][]byte, error)

	// Ping verifies connectivity; used at boot and by readiness probes.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}
