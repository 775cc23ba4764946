// Package remote defines the contract of the remote chunk service the
// engine synchronizes with.
package remote

import (
	"context"
	"errors"

	"github.com/stacklok/chunksync/internal/chunk"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=remote.go Service

var (
	// ErrNotFound is returned when the requested chunk does not exist remotely
	ErrNotFound = errors.New("chunk not found")

	// ErrUnhealthy is returned by HealthCheck when the service cannot take writes
	ErrUnhealthy = errors.New("remote service unhealthy")
)

// Service is the remote chunk store.
//
// Implementations own per-call timeouts. Any returned error is treated by the
// engine as a per-item failure.
type Service interface {
	// HealthCheck returns nil when the service is ready
	HealthCheck(ctx context.Context) error

	// BatchCreate creates all chunks in one call and returns the stored versions
	BatchCreate(ctx context.Context, chunks []chunk.Chunk) ([]chunk.Chunk, error)

	// Update overwrites the chunk with the given id. It fails with ErrNotFound
	// if the id is unknown.
	Update(ctx context.Context, id string, c chunk.Chunk) (*chunk.Chunk, error)

	// Delete removes the chunk with the given id
	Delete(ctx context.Context, id string) error

	// Get returns the current remote version. It fails with ErrNotFound if
	// the id is unknown.
	Get(ctx context.Context, id string) (*chunk.Chunk, error)
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// BatchCreateRequest is the body of the bulk create endpoint
type BatchCreateRequest struct {
	Chunks []chunk.Chunk `json:"chunks"`
}

// BatchCreateResponse is returned by the bulk create endpoint
type BatchCreateResponse struct {
	Chunks []chunk.Chunk `json:"chunks"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}
