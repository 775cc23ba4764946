// Package events provides the in-process notification bus between the sync
// engine and its host. Event types form a closed set.
package events

import (
	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/status"
)

// Event is implemented only by the types in this package
type Event interface {
	// Name is a stable identifier used in logs
	Name() string
	event()
}

// StateChanged is published after any queue mutation
type StateChanged struct {
	Status       status.EngineStatus
	PendingCount int
}

// SyncCompleted is published at the end of every pass that dispatched work
type SyncCompleted struct {
	Result status.SyncResult
}

// ManualResolutionRequired is published when a conflict is left for the
// host to resolve under the manual policy
type ManualResolutionRequired struct {
	ChunkID string
	Local   chunk.Chunk
	Remote  chunk.Chunk
}

// RemoteAdopted is published when the remote value replaces a local edit.
// Hosts should update their local copy to Chunk.
type RemoteAdopted struct {
	Chunk chunk.Chunk
}

// ChangeEvicted is published when a change exceeded the retry ceiling and
// was dropped
type ChangeEvicted struct {
	Change queue.PendingChange
	Reason string
}

// ContentCreated is consumed by the scheduler and queues a create
type ContentCreated struct {
	Chunk chunk.Chunk
}

// ContentChanged is consumed by the scheduler and queues an update
type ContentChanged struct {
	Chunk chunk.Chunk
}

// ContentDeleted is consumed by the scheduler and queues a delete
type ContentDeleted struct {
	ChunkID string
}

// ConnectivityChanged reports a connectivity transition. Online=true
// triggers an immediate pass.
type ConnectivityChanged struct {
	Online bool
}

func (StateChanged) Name() string             { return "state_changed" }
func (SyncCompleted) Name() string            { return "sync_completed" }
func (ManualResolutionRequired) Name() string { return "manual_resolution_required" }
func (RemoteAdopted) Name() string            { return "remote_adopted" }
func (ChangeEvicted) Name() string            { return "change_evicted" }
func (ContentCreated) Name() string           { return "content_created" }
func (ContentChanged) Name() string           { return "content_changed" }
func (ContentDeleted) Name() string           { return "content_deleted" }
func (ConnectivityChanged) Name() string      { return "connectivity_changed" }

func (StateChanged) event()             {}
func (SyncCompleted) event()            {}
func (ManualResolutionRequired) event() {}
func (RemoteAdopted) event()            {}
func (ChangeEvicted) event()            {}
func (ContentCreated) event()           {}
func (ContentChanged) event()           {}
func (ContentDeleted) event()           {}
func (ConnectivityChanged) event()      {}
