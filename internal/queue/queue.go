// Package queue holds the ordered, deduplicated set of local mutations that
// still have to be applied to the remote chunk service.
package queue

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/chunksync/internal/chunk"
)

// Kind is the remote operation a pending change will perform
type Kind string

const (
	// KindCreate creates a chunk that does not exist remotely yet
	KindCreate Kind = "create"

	// KindUpdate overwrites an existing remote chunk, subject to conflict resolution
	KindUpdate Kind = "update"

	// KindDelete removes a remote chunk unconditionally
	KindDelete Kind = "delete"
)

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCreate, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown change kind %q", s)
	}
}

// PendingChange is a queued intent to mutate one chunk remotely.
type PendingChange struct {
	// ChangeID identifies one enqueue. It survives persistence, so processes
	// sharing a store can tell their own changes from each other's.
	ChangeID string `json:"changeId,omitempty"`

	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	Chunk      chunk.Chunk `json:"chunkSnapshot"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	RetryCount int         `json:"retryCount"`

	// ConflictRemote is the remote version last seen when a manual conflict
	// was detected for this change. It is cleared whenever the change is replaced.
	ConflictRemote *chunk.Chunk `json:"conflictRemote,omitempty"`

	// Revision identifies this particular version of the entry. Every Put
	// assigns a new one, so updates computed from an older snapshot can be
	// discarded once the caller has replaced the change.
	Revision uint64 `json:"-"`
}

// Clone returns a deep copy of the change.
func (p PendingChange) Clone() PendingChange {
	out := p
	out.Chunk = p.Chunk.Clone()
	if p.ConflictRemote != nil {
		r := p.ConflictRemote.Clone()
		out.ConflictRemote = &r
	}
	return out
}

// Key identifies the enqueue that produced p. Changes persisted without a
// ChangeID fall back to the chunk id and enqueue time.
func (p PendingChange) Key() string {
	if p.ChangeID != "" {
		return p.ChangeID
	}
	return p.ID + "@" + p.EnqueuedAt.UTC().Format(time.RFC3339Nano)
}

// Keys returns the set of keys of changes
func Keys(changes []PendingChange) map[string]struct{} {
	out := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		out[c.Key()] = struct{}{}
	}
	return out
}

// Queue keeps at most one PendingChange per chunk id, in enqueue order.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	order    []string
	entries  map[string]*PendingChange
	revision uint64
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		entries: make(map[string]*PendingChange),
	}
}

// Put inserts or replaces the change for c.ID. A replacement takes the new
// kind, snapshot and timestamp, resets the retry count and moves to the tail.
func (q *Queue) Put(kind Kind, c chunk.Chunk, now time.Time) PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[c.ID]; ok {
		q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == c.ID })
	}

	q.revision++
	entry := &PendingChange{
		ChangeID:   uuid.NewString(),
		ID:         c.ID,
		Kind:       kind,
		Chunk:      c.Clone(),
		EnqueuedAt: now,
		Revision:   q.revision,
	}
	q.entries[c.ID] = entry
	q.order = append(q.order, c.ID)

	return entry.Clone()
}

// Get returns a copy of the change queued for id
func (q *Queue) Get(id string) (PendingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok {
		return PendingChange{}, false
	}
	return entry.Clone(), true
}

// RemoveIf removes the change for id only if it still has the given revision.
// It reports whether an entry was removed.
func (q *Queue) RemoveIf(id string, revision uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok || entry.Revision != revision {
		return false
	}
	q.removeLocked(id)
	return true
}

// Remove drops the change for id regardless of revision
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return false
	}
	q.removeLocked(id)
	return true
}

// IncrementRetry bumps the retry count of the change for id if it still has
// the given revision, and returns the new count.
func (q *Queue) IncrementRetry(id string, revision uint64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok || entry.Revision != revision {
		return 0, false
	}
	entry.RetryCount++
	return entry.RetryCount, true
}

// SetConflictRemote records the remote version seen for a manual conflict.
// Revision and position are left untouched.
func (q *Queue) SetConflictRemote(id string, revision uint64, remote chunk.Chunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[id]
	if !ok || entry.Revision != revision {
		return false
	}
	r := remote.Clone()
	entry.ConflictRemote = &r
	return true
}

// Snapshot returns copies of all changes in enqueue order
func (q *Queue) Snapshot() []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingChange, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].Clone())
	}
	return out
}

// Len returns the number of pending changes
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Clear drops every pending change
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = nil
	q.entries = make(map[string]*PendingChange)
}

// Restore replaces the queue contents with previously persisted changes,
// keeping their order and retry counts. Duplicate ids keep the last entry.
func (q *Queue) Restore(changes []PendingChange) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = nil
	q.entries = make(map[string]*PendingChange, len(changes))
	for _, change := range changes {
		if _, ok := q.entries[change.ID]; ok {
			q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == change.ID })
		}
		q.revision++
		entry := change.Clone()
		entry.Revision = q.revision
		q.entries[change.ID] = &entry
		q.order = append(q.order, change.ID)
	}
}

// Reconcile folds the changes found in shared storage into the queue. seen
// holds the keys of the changes this queue last read from or wrote to
// storage.
//
// A seen change that is no longer stored was settled by another process and
// is dropped here. An unseen stored change was queued by another process and
// is adopted unless the change queued here for the same chunk is newer. For
// a change present on both sides the higher retry count is kept.
func (q *Queue) Reconcile(stored []PendingChange, seen map[string]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inStore := Keys(stored)
	for _, id := range slices.Clone(q.order) {
		key := q.entries[id].Key()
		_, wasSeen := seen[key]
		_, present := inStore[key]
		if wasSeen && !present {
			q.removeLocked(id)
		}
	}

	for _, s := range stored {
		key := s.Key()
		local, queued := q.entries[s.ID]
		if queued && local.Key() == key {
			local.RetryCount = max(local.RetryCount, s.RetryCount)
			if local.ConflictRemote == nil && s.ConflictRemote != nil {
				r := s.ConflictRemote.Clone()
				local.ConflictRemote = &r
			}
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if queued {
			if !s.EnqueuedAt.After(local.EnqueuedAt) {
				continue
			}
			q.removeLocked(s.ID)
		}

		q.revision++
		entry := s.Clone()
		entry.Revision = q.revision
		q.entries[s.ID] = &entry
		q.order = append(q.order, s.ID)
	}
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	q.order = slices.DeleteFunc(q.order, func(existing string) bool { return existing == id })
}
