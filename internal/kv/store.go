// Package kv provides the key/value stores the engine persists its state to.
package kv

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// Store is a minimal key/value store. Values are opaque bytes.
type Store interface {
	// Get returns the value stored under key. The boolean is false when the
	// key is absent or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means the value never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases resources held by the store
	Close() error
}

// UpdateFunc computes the new value of a key from its current one. ok is
// false when the key is absent or expired.
type UpdateFunc func(current []byte, ok bool) ([]byte, error)

// Updater is implemented by stores that can read and rewrite a key as one
// step, excluding concurrent writers in this and other processes.
type Updater interface {
	// Update stores the value fn returns for key. Nothing is written when fn
	// returns an error.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// expiry converts a ttl into an absolute deadline, or nil for no expiry
func expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

func expired(now time.Time, expiresAt *time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}
