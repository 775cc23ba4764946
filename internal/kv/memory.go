package kv

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt *time.Time
}

// MemoryStore keeps values in process memory. It is intended for tests and
// for hosts that do not need state to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	closed  bool
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for TTL evaluation
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	entry, ok := s.entries[key]
	if !ok || expired(s.now(), entry.expiresAt) {
		return nil, false, nil
	}
	return slices.Clone(entry.value), true, nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.entries[key] = memoryEntry{
		value:     slices.Clone(value),
		expiresAt: expiry(s.now(), ttl),
	}
	return nil
}

// Update implements Updater
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var current []byte
	entry, ok := s.entries[key]
	if ok && expired(s.now(), entry.expiresAt) {
		ok = false
	}
	if ok {
		current = slices.Clone(entry.value)
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	s.entries[key] = memoryEntry{
		value:     slices.Clone(next),
		expiresAt: expiry(s.now(), ttl),
	}
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
