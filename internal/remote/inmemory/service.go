// Package inmemory provides an in-memory implementation of the remote chunk
// service. It backs the reference server and the engine tests.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/remote"
)

// Operation names a Service method, for failure injection and call counting
type Operation string

// Operations exposed by the service
const (
	OpHealthCheck Operation = "health"
	OpBatchCreate Operation = "batch_create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpGet         Operation = "get"
)

// FailureFunc decides whether a call should fail. id is empty for health
// checks and batch creates.
type FailureFunc func(op Operation, id string) error

// Service implements remote.Service on a map
type Service struct {
	mu      sync.RWMutex
	chunks  map[string]chunk.Chunk
	calls   map[Operation]int
	healthy bool
	version string
	fail    FailureFunc
	now     func() time.Time
}

var _ remote.Service = (*Service)(nil)

// Option is a functional option for configuring the Service
type Option func(*Service)

// WithVersion sets the version reported by the health endpoint
func WithVersion(version string) Option {
	return func(s *Service) {
		s.version = version
	}
}

// WithClock overrides the clock used to stamp UpdatedAt on writes
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithFailures installs a failure injector
func WithFailures(fn FailureFunc) Option {
	return func(s *Service) {
		s.fail = fn
	}
}

// New creates an empty, healthy service
func New(opts ...Option) *Service {
	s := &Service{
		chunks:  make(map[string]chunk.Chunk),
		calls:   make(map[Operation]int),
		healthy: true,
		version: "1.0.0",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHealthy toggles the health check result
func (s *Service) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetFailures replaces the failure injector. A nil fn disables injection.
func (s *Service) SetFailures(fn FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Put stores c as-is, bypassing timestamps and failure injection. It is used
// to simulate edits made by other clients.
func (s *Service) Put(c chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.ID] = c.Clone()
}

// Snapshot returns every stored chunk ordered by id
func (s *Service) Snapshot() []chunk.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chunk.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns how many times op was invoked, including failed calls
func (s *Service) Calls(op Operation) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Version returns the version reported by HealthCheck
func (s *Service) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// HealthCheck implements remote.Service
func (s *Service) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(OpHealthCheck, ""); err != nil {
		return err
	}
	if !s.healthy {
		return remote.ErrUnhealthy
	}
	return nil
}

// BatchCreate implements remote.Service. Creating an id that already exists
// overwrites it, so a retried batch is harmless.
func (s *Service) BatchCreate(_ context.Context, chunks []chunk.Chunk) ([]chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(OpBatchCreate, ""); err != nil {
		return nil, err
	}

	for _, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("chunk id is required")
		}
	}

	now := s.now()
	out := make([]chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		stored := c.Clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.chunks[c.ID] = stored
		out = append(out, stored.Clone())
	}
	return out, nil
}

// Update implements remote.Service
func (s *Service) Update(_ context.Context, id string, c chunk.Chunk) (*chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(OpUpdate, id); err != nil {
		return nil, err
	}

	existing, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, remote.ErrNotFound)
	}

	stored := c.Clone()
	stored.ID = id
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()
	s.chunks[id] = stored

	out := stored.Clone()
	return &out, nil
}

// Delete implements remote.Service. Deleting an unknown id succeeds.
func (s *Service) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(OpDelete, id); err != nil {
		return err
	}
	delete(s.chunks, id)
	return nil
}

// Get implements remote.Service
func (s *Service) Get(_ context.Context, id string) (*chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(OpGet, id); err != nil {
		return nil, err
	}

	c, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, remote.ErrNotFound)
	}
	out := c.Clone()
	return &out, nil
}

// beginLocked counts the call and applies failure injection.
// Caller must hold s.mu write lock.
func (s *Service) beginLocked(op Operation, id string) error {
	s.calls[op]++
	if s.fail == nil {
		return nil
	}
	return s.fail(op, id)
}
