// Package conflict detects divergence between a queued local edit and the
// current remote version of a chunk, and decides what to write.
package conflict

import (
	"fmt"
	"slices"

	"github.com/stacklok/chunksync/internal/chunk"
)

// Policy selects how a detected conflict is resolved
type Policy string

const (
	// PolicyLocal writes the local snapshot and ignores remote differences
	PolicyLocal Policy = "local"

	// PolicyRemote discards the local intent and adopts the remote value
	PolicyRemote Policy = "remote"

	// PolicyMerge keeps local fields unless they are empty
	PolicyMerge Policy = "merge"

	// PolicyManual leaves the change queued until it is resolved explicitly
	PolicyManual Policy = "manual"
)

// ParsePolicy validates a policy string
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyLocal, PolicyRemote, PolicyMerge, PolicyManual:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Category classifies what diverged
type Category string

const (
	// CategoryContent means the chunk body differs
	CategoryContent Category = "content"

	// CategoryMetadata means tags, metadata or the vector reference differ
	CategoryMetadata Category = "metadata"

	// CategoryHierarchy means the parent reference differs
	CategoryHierarchy Category = "hierarchy"
)

// Conflict records one detected divergence
type Conflict struct {
	ChunkID  string      `json:"chunkId"`
	Local    chunk.Chunk `json:"local"`
	Remote   chunk.Chunk `json:"remote"`
	Category Category    `json:"category"`
}

// Outcome is the action the dispatcher takes after resolution
type Outcome int

const (
	// OutcomeWrite writes Decision.Value to the remote
	OutcomeWrite Outcome = iota

	// OutcomeAdoptRemote performs no write; the remote value becomes local truth
	OutcomeAdoptRemote

	// OutcomeManual performs no write and keeps the change queued
	OutcomeManual
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWrite:
		return "write"
	case OutcomeAdoptRemote:
		return "adopt_remote"
	case OutcomeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Decision is the result of resolving an update against the remote version
type Decision struct {
	Outcome Outcome
	Value   chunk.Chunk

	// Conflict is set when a divergence was detected, whatever the outcome
	Conflict *Conflict
}

// Detect reports a conflict when the remote was updated after the local
// snapshot was taken and the two differ in content or metadata.
func Detect(local, remote chunk.Chunk) *Conflict {
	if !remote.UpdatedAt.After(local.UpdatedAt) {
		return nil
	}

	fields := chunk.Diff(local, remote)
	if len(fields) == 0 {
		return nil
	}

	return &Conflict{
		ChunkID:  local.ID,
		Local:    local.Clone(),
		Remote:   remote.Clone(),
		Category: categorize(fields),
	}
}

// Resolve decides what to do with a queued update given the remote version.
// Without a conflict the local snapshot is always written.
func Resolve(policy Policy, local, remote chunk.Chunk) Decision {
	c := Detect(local, remote)
	if c == nil {
		return Decision{Outcome: OutcomeWrite, Value: local.Clone()}
	}

	switch policy {
	case PolicyRemote:
		return Decision{Outcome: OutcomeAdoptRemote, Value: remote.Clone(), Conflict: c}
	case PolicyMerge:
		return Decision{Outcome: OutcomeWrite, Value: Merge(local, remote), Conflict: c}
	case PolicyManual:
		return Decision{Outcome: OutcomeManual, Conflict: c}
	default:
		return Decision{Outcome: OutcomeWrite, Value: local.Clone(), Conflict: c}
	}
}

// Merge keeps each local field unless it is empty, in which case the remote
// value is taken. Identity and timestamps come from the local snapshot.
func Merge(local, remote chunk.Chunk) chunk.Chunk {
	merged := local.Clone()
	r := remote.Clone()

	if merged.Content == "" {
		merged.Content = r.Content
	}
	if merged.ParentID == nil {
		merged.ParentID = r.ParentID
	}
	if len(merged.Tags) == 0 {
		merged.Tags = r.Tags
	}
	if len(merged.Metadata) == 0 {
		merged.Metadata = r.Metadata
	}
	if merged.Vector == nil {
		merged.Vector = r.Vector
	}
	if merged.Scope == "" {
		merged.Scope = r.Scope
	}
	return merged
}

func categorize(fields []chunk.Field) Category {
	switch {
	case slices.Contains(fields, chunk.FieldParent):
		return CategoryHierarchy
	case slices.Contains(fields, chunk.FieldContent):
		return CategoryContent
	default:
		return CategoryMetadata
	}
}
