package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and single-node deployments.
// Expiry is enforced lazily on access and eagerly by an optional janitor.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	blobs   map[string]memoryEntry
	sets    map[string]map[string]struct{}
	counts  map[string]counterEntry
	lists   map[string]listEntry
	janitor *time.Ticker
	stopCh  chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type listEntry struct {
	values    [][]byte
	expiresAt time.Time
}

// MemoryOption customises Memory construction.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the wall clock, enabling deterministic expiry tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewMemory constructs an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		blobs:  make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		counts: make(map[string]counterEntry),
		lists:  make(map[string]listEntry),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, at time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// Get returns the blob stored at key or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.blobs[key]
	if !ok || expired(m.now(), entry.expiresAt) {
		delete(m.blobs, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Set stores the blob at key with the supplied TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(m.now(), ttl)}
	return nil
}

// Delete removes the key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	delete(m.sets, key)
	delete(m.counts, key)
	delete(m.lists, key)
	return nil
}

// CompareAndSwap replaces the value at key only when the stored bytes equal old.
func (m *Memory) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.blobs[key]
	if ok && expired(now, entry.expiresAt) {
		delete(m.blobs, key)
		ok = false
	}
	switch {
	case !ok && old != nil:
		return ErrCASMismatch
	case ok && old == nil:
		return ErrCASMismatch
	case ok && !bytes.Equal(entry.value, old):
		return ErrCASMismatch
	}
	m.blobs[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(now, ttl)}
	return nil
}

// AddToSet inserts member into the set at key.
func (m *Memory) AddToSet(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member and reports how many members remain.
func (m *Memory) RemoveFromSet(_ context.Context, key, member string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return 0, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, key)
		return 0, nil
	}
	return len(set), nil
}

// SetMembers lists the members of the set at key.
func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok || len(set) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// Increment bumps the counter at key and returns the new value.
func (m *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.counts[key]
	if !ok || expired(now, entry.expiresAt) {
		//1.- A fresh window starts at one and carries the window TTL.
		entry = counterEntry{value: 1, expiresAt: expiry(now, ttl)}
		m.counts[key] = entry
		return 1, nil
	}
	entry.value++
	m.counts[key] = entry
	return entry.value, nil
}

// PushCapped appends value to the list at key, evicting the oldest past limit.
func (m *Memory) PushCapped(_ context.Context, key string, value []byte, limit int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.lists[key]
	if !ok || expired(now, entry.expiresAt) {
		entry = listEntry{}
	}
	entry.values = append(entry.values, append([]byte(nil), value...))
	if limit > 0 && len(entry.values) > limit {
		//1.- Drop the oldest entries so the list never exceeds its cap.
		entry.values = entry.values[len(entry.values)-limit:]
	}
	entry.expiresAt = expiry(now, ttl)
	m.lists[key] = entry
	return nil
}

// ListRange returns the list at key ordered oldest first.
func (m *Memory) ListRange(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lists[key]
	if !ok || expired(m.now(), entry.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}
	out := make([][]byte, len(entry.values))
	for i, v := range entry.values {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close releases the janitor when one is running.
func (m *Memory) Close() error {
	if m.janitor != nil {
		m.janitor.Stop()
		close(m.stopCh)
	}
	return nil
}

// StartJanitor launches a background loop that evicts expired entries so the
// maps do not grow without bound under churn.
func (m *Memory) StartJanitor(interval time.Duration) {
	if interval <= 0 || m.janitor != nil {
		return
	}
	m.janitor = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.evictExpired()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Memory) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, entry := range m.blobs {
		if expired(now, entry.expiresAt) {
			delete(m.blobs, key)
		}
	}
	for key, entry := range m.counts {
		if expired(now, entry.expiresAt) {
			delete(m.counts, key)
		}
	}
	for key, entry := range m.lists {
		if expired(now, entry.expiresAt) {
			delete(m.lists, key)
		}
	}
}
