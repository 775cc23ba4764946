package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/status"
	pkgsync "github.com/stacklok/chunksync/internal/sync"
	"github.com/stacklok/chunksync/internal/telemetry"
)

var (
	// ErrEmptyChunkID is returned when a change is queued without a chunk id
	ErrEmptyChunkID = errors.New("chunk id is required")

	// ErrNoPendingChange is returned by Resolve when no update is queued for the id
	ErrNoPendingChange = errors.New("no pending update for chunk")

	// ErrSyncInProgress is returned by Resolve while a pass is running
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Coordinator owns the engine state and runs sync passes against a remote service
type Coordinator struct {
	remote      remote.Service
	persistence status.StatePersistence
	oracle      connectivity.Oracle
	publisher   events.Publisher
	queue       *queue.Queue
	dispatcher  *pkgsync.Dispatcher

	syncMetrics *telemetry.SyncMetrics
	tracer      trace.Tracer
	now         func() time.Time

	// syncing is the reentrancy guard. Resolve also holds it.
	syncing atomic.Bool

	mu           sync.RWMutex
	status       status.EngineStatus
	lastSyncTime *time.Time
	settings     pkgsync.Settings

	// persistMu orders saves so an older snapshot never overwrites a newer one
	persistMu sync.Mutex

	// seen holds the keys of the changes last read from or written to the
	// store. Guarded by persistMu.
	seen map[string]struct{}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithPublisher sets where engine events are published
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithSettings sets the initial settings
func WithSettings(s pkgsync.Settings) Option {
	return func(c *Coordinator) {
		c.settings = s
	}
}

// WithSyncMetrics sets the sync metrics for the coordinator
func WithSyncMetrics(m *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.syncMetrics = m
	}
}

// WithTracer sets the tracer for pass and item spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator and restores any persisted queue. The engine
// always starts idle, whatever status it had when the state was saved.
func New(
	ctx context.Context,
	svc remote.Service,
	persistence status.StatePersistence,
	oracle connectivity.Oracle,
	opts ...Option,
) (*Coordinator, error) {
	c := &Coordinator{
		remote:      svc,
		persistence: persistence,
		oracle:      oracle,
		publisher:   events.Discard{},
		queue:       queue.New(),
		now:         time.Now,
		status:      status.StatusIdle,
		settings:    pkgsync.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync settings: %w", err)
	}

	state, err := persistence.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore engine state: %w", err)
	}
	c.queue.Restore(state.PendingChanges)
	c.lastSyncTime = state.LastSyncTime
	c.seen = queue.Keys(state.PendingChanges)

	c.dispatcher = pkgsync.NewDispatcher(svc, c.queue, c.publisher,
		pkgsync.WithMetrics(c.syncMetrics),
		pkgsync.WithTracer(c.tracer),
	)

	slog.Info("Sync engine initialized",
		"pending_changes", c.queue.Len(),
		"last_sync_time", c.lastSyncTime,
		"policy", c.settings.Policy)

	return c, nil
}

// QueueChange records the latest intent for c.ID, replacing any change
// already queued for it, then persists the state.
func (c *Coordinator) QueueChange(ctx context.Context, kind queue.Kind, ch chunk.Chunk) (queue.PendingChange, error) {
	if ch.ID == "" {
		return queue.PendingChange{}, ErrEmptyChunkID
	}
	if _, err := queue.ParseKind(string(kind)); err != nil {
		return queue.PendingChange{}, err
	}

	change := c.queue.Put(kind, ch, c.now())
	slog.Debug("Queued change", "chunk_id", ch.ID, "kind", kind)

	c.stateChanged(ctx)
	return change, nil
}

// PendingCount returns the number of queued changes
func (c *Coordinator) PendingCount() int {
	return c.queue.Len()
}

// ClearAll drops every queued change
func (c *Coordinator) ClearAll(ctx context.Context) {
	c.queue.Clear()
	slog.Info("Cleared all pending changes")
	c.stateChanged(ctx)
}

// Snapshot returns a copy of the engine state
func (c *Coordinator) Snapshot() status.EngineState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return status.EngineState{
		Status:         c.status,
		LastSyncTime:   copyTime(c.lastSyncTime),
		Policy:         c.settings.Policy,
		PendingChanges: c.queue.Snapshot(),
	}
}

// Settings returns the settings the next pass will use
func (c *Coordinator) Settings() pkgsync.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Reconfigure replaces the settings. A running pass keeps the settings it
// started with.
func (c *Coordinator) Reconfigure(s pkgsync.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid sync settings: %w", err)
	}

	c.mu.Lock()
	old := c.settings
	c.settings = s
	c.mu.Unlock()

	if old != s {
		slog.Info("Sync settings updated",
			"batch_size", s.BatchSize,
			"max_retries", s.MaxRetries,
			"policy", s.Policy)
	}
	return nil
}

// IsSyncing reports whether a pass is running
func (c *Coordinator) IsSyncing() bool {
	return c.syncing.Load()
}

func (c *Coordinator) currentStatus() status.EngineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Coordinator) setStatus(s status.EngineStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// stateChanged persists the state and notifies observers after a queue mutation
func (c *Coordinator) stateChanged(ctx context.Context) {
	c.persist(ctx)

	pending := c.queue.Len()
	c.syncMetrics.RecordQueueDepth(ctx, pending)
	c.publisher.Publish(events.StateChanged{
		Status:       c.currentStatus(),
		PendingCount: pending,
	})
}

// persist merges the stored state into memory and writes the result back.
// Other processes sharing the store (a CLI enqueueing while the engine runs)
// may have queued or settled changes since the last save; the merge keeps
// both sides' work. Failures are logged; the in-memory state stays
// authoritative and the next save retries.
func (c *Coordinator) persist(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	var written []queue.PendingChange
	err := c.persistence.UpdateState(ctx, func(stored *status.PersistedState) (*status.PersistedState, error) {
		c.queue.Reconcile(stored.PendingChanges, c.seen)

		c.mu.Lock()
		if stored.LastSyncTime != nil && (c.lastSyncTime == nil || stored.LastSyncTime.After(*c.lastSyncTime)) {
			c.lastSyncTime = copyTime(stored.LastSyncTime)
		}
		lastSync := copyTime(c.lastSyncTime)
		c.mu.Unlock()

		written = c.queue.Snapshot()
		return &status.PersistedState{
			LastSyncTime:   lastSync,
			PendingChanges: written,
		}, nil
	})
	if err != nil {
		slog.Error("Failed to persist engine state",
			"pending_changes", c.queue.Len(),
			"error", err)
		return
	}
	c.seen = queue.Keys(written)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
