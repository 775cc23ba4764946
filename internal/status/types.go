package status

import (
	"time"

	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/queue"
)

// EngineStatus is the coarse state of the sync engine
type EngineStatus string

const (
	// StatusIdle means no pass is running and the last pass succeeded
	StatusIdle EngineStatus = "idle"

	// StatusSyncing means a pass is in progress
	StatusSyncing EngineStatus = "syncing"

	// StatusError means the last pass had failures or the remote was unhealthy
	StatusError EngineStatus = "error"

	// StatusOffline means the last pass was aborted for lack of connectivity
	StatusOffline EngineStatus = "offline"
)

// Pass-level abort codes. They are set in SyncResult.AbortCode and repeated
// in ItemError.ChunkID in place of a chunk identifier.
const (
	// CodeSyncInProgress is reported when another pass is already running
	CodeSyncInProgress = "sync_in_progress"

	// CodeOffline is reported when the connectivity oracle says offline
	CodeOffline = "offline"

	// CodeRemoteUnhealthy is reported when the remote health probe fails
	CodeRemoteUnhealthy = "remote_unhealthy"
)

// ItemError is a failure reported in a sync result
type ItemError struct {
	ChunkID     string `json:"chunkId"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// SyncResult is the outcome of one pass
type SyncResult struct {
	PassID       string              `json:"passId,omitempty"`
	AbortCode    string              `json:"abortCode,omitempty"`
	Success      bool                `json:"success"`
	SyncedChunks int                 `json:"syncedChunks"`
	Errors       []ItemError         `json:"errors"`
	Conflicts    []conflict.Conflict `json:"conflicts"`
	Duration     time.Duration       `json:"duration"`
}

// Aborted reports whether the pass stopped before any per-item work
func (r SyncResult) Aborted() bool {
	return r.AbortCode != ""
}

// PersistedState is what survives a process restart
type PersistedState struct {
	LastSyncTime   *time.Time            `json:"lastSyncTime,omitempty"`
	PendingChanges []queue.PendingChange `json:"pendingChanges"`
}

// EngineState is a point-in-time view of the engine
type EngineState struct {
	Status         EngineStatus          `json:"status"`
	LastSyncTime   *time.Time            `json:"lastSyncTime,omitempty"`
	Policy         conflict.Policy       `json:"policy"`
	PendingChanges []queue.PendingChange `json:"pendingChanges"`
}
