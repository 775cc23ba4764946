// Package status provides engine status types and state persistence.
package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stacklok/chunksync/internal/kv"
	"github.com/stacklok/chunksync/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_state_persistence.go -package=mocks -source=persistence.go StatePersistence

const (
	// DefaultStateKey is the well-known key the engine state is stored under
	DefaultStateKey = "chunksync.engine.state"
)

// StateUpdateFunc derives the state to store from the one currently stored
type StateUpdateFunc func(stored *PersistedState) (*PersistedState, error)

// StatePersistence saves and restores the engine state
type StatePersistence interface {
	// SaveState stores the state, replacing any previous value
	SaveState(ctx context.Context, state *PersistedState) error

	// LoadState returns the stored state, or an empty state on first run
	LoadState(ctx context.Context) (*PersistedState, error)

	// UpdateState reads the stored state, passes it to fn and stores the
	// result. When the store supports it, no other writer can slip in
	// between the read and the write.
	UpdateState(ctx context.Context, fn StateUpdateFunc) error
}

// kvStatePersistence implements StatePersistence on top of a key/value store
type kvStatePersistence struct {
	store kv.Store
	key   string
}

// NewStatePersistence creates a persistence layer that keeps the state as a
// JSON document under a single key
func NewStatePersistence(store kv.Store, key string) StatePersistence {
	if key == "" {
		key = DefaultStateKey
	}
	return &kvStatePersistence{
		store: store,
		key:   key,
	}
}

// SaveState marshals the state to JSON and writes it under the configured key
func (p *kvStatePersistence) SaveState(ctx context.Context, state *PersistedState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	if err := p.store.Set(ctx, p.key, data, 0); err != nil {
		return fmt.Errorf("failed to save engine state under '%s': %w", p.key, err)
	}
	return nil
}

// LoadState reads the state, returning an empty state if nothing is stored
func (p *kvStatePersistence) LoadState(ctx context.Context) (*PersistedState, error) {
	data, ok, err := p.store.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state from '%s': %w", p.key, err)
	}
	return decodeState(data, ok)
}

// UpdateState uses the store's atomic update when it has one and falls back
// to a plain load and save otherwise
func (p *kvStatePersistence) UpdateState(ctx context.Context, fn StateUpdateFunc) error {
	updater, ok := p.store.(kv.Updater)
	if !ok {
		stored, err := p.LoadState(ctx)
		if err != nil {
			return err
		}
		next, err := fn(stored)
		if err != nil {
			return err
		}
		return p.SaveState(ctx, next)
	}

	err := updater.Update(ctx, p.key, 0, func(current []byte, found bool) ([]byte, error) {
		stored, err := decodeState(current, found)
		if err != nil {
			return nil, err
		}
		next, err := fn(stored)
		if err != nil {
			return nil, err
		}
		return encodeState(next)
	})
	if err != nil {
		return fmt.Errorf("failed to update engine state under '%s': %w", p.key, err)
	}
	return nil
}

func encodeState(state *PersistedState) ([]byte, error) {
	if state.PendingChanges == nil {
		state = &PersistedState{LastSyncTime: state.LastSyncTime, PendingChanges: []queue.PendingChange{}}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte, ok bool) (*PersistedState, error) {
	if !ok {
		return &PersistedState{}, nil
	}
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine state: %w", err)
	}
	return &state, nil
}
