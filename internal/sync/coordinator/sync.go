package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/otel"
	"github.com/stacklok/chunksync/internal/status"
)

// Sync runs one pass. It never fails; aborts and per-item failures are
// reported in the result.
func (c *Coordinator) Sync(ctx context.Context) status.SyncResult {
	start := c.now()
	passID := uuid.NewString()

	if !c.syncing.CompareAndSwap(false, true) {
		slog.Info("Sync already in progress, skipping pass", "pass_id", passID)
		return c.abort(ctx, passID, start, status.CodeSyncInProgress, "sync already in progress")
	}
	defer c.syncing.Store(false)

	settings := c.Settings()
	ctx, span := otel.StartSpan(ctx, c.tracer, "sync.pass",
		trace.WithAttributes(
			otel.AttrPassID.String(passID),
			otel.AttrPolicy.String(string(settings.Policy)),
		))
	defer span.End()

	if !c.oracle.IsOnline(ctx) {
		c.setStatus(status.StatusOffline)
		slog.Info("Offline, skipping sync pass", "pass_id", passID, "pending_changes", c.queue.Len())
		return c.abort(ctx, passID, start, status.CodeOffline, "connectivity oracle reports offline")
	}

	if err := c.remote.HealthCheck(ctx); err != nil {
		c.setStatus(status.StatusError)
		otel.RecordError(span, err)
		slog.Warn("Remote health check failed, skipping sync pass", "pass_id", passID, "error", err)
		return c.abort(ctx, passID, start, status.CodeRemoteUnhealthy, err.Error())
	}

	// pick up changes other processes queued since the last save
	c.persist(ctx)

	changes := c.queue.Snapshot()
	if len(changes) == 0 {
		c.setStatus(status.StatusIdle)
		slog.Debug("Nothing to sync", "pass_id", passID)
		return status.SyncResult{
			PassID:    passID,
			Success:   true,
			Errors:    []status.ItemError{},
			Conflicts: []conflict.Conflict{},
			Duration:  c.now().Sub(start),
		}
	}

	c.setStatus(status.StatusSyncing)
	span.SetAttributes(otel.AttrPendingCount.Int(len(changes)))
	slog.Info("Starting sync pass",
		"pass_id", passID,
		"pending_changes", len(changes),
		"batch_size", settings.BatchSize,
		"policy", settings.Policy)

	report := c.dispatcher.Dispatch(ctx, changes, settings)

	result := status.SyncResult{
		PassID:       passID,
		Success:      len(report.Errors) == 0,
		SyncedChunks: report.Synced,
		Errors:       report.Errors,
		Conflicts:    report.Conflicts,
	}
	if result.Errors == nil {
		result.Errors = []status.ItemError{}
	}
	if result.Conflicts == nil {
		result.Conflicts = []conflict.Conflict{}
	}

	finished := c.now()
	c.mu.Lock()
	if result.Success {
		c.lastSyncTime = &finished
		c.status = status.StatusIdle
	} else {
		c.status = status.StatusError
	}
	c.mu.Unlock()

	c.stateChanged(ctx)

	result.Duration = c.now().Sub(start)
	span.SetAttributes(otel.AttrResultCount.Int(result.SyncedChunks))
	c.syncMetrics.RecordPass(ctx, result.Duration, result.Success, result.SyncedChunks)

	if result.Success {
		slog.Info("Sync pass completed",
			"pass_id", passID,
			"synced", result.SyncedChunks,
			"conflicts", len(result.Conflicts),
			"duration", result.Duration)
	} else {
		slog.Warn("Sync pass completed with errors",
			"pass_id", passID,
			"synced", result.SyncedChunks,
			"errors", len(result.Errors),
			"conflicts", len(result.Conflicts),
			"remaining", c.queue.Len(),
			"duration", result.Duration)
	}

	c.publisher.Publish(events.SyncCompleted{Result: result})
	return result
}

func (c *Coordinator) abort(ctx context.Context, passID string, start time.Time, code, message string) status.SyncResult {
	c.syncMetrics.RecordAbort(ctx, code)
	return status.SyncResult{
		PassID:    passID,
		AbortCode: code,
		Success:   false,
		Errors:    []status.ItemError{{ChunkID: code, Message: message, Recoverable: true}},
		Conflicts: []conflict.Conflict{},
		Duration:  c.now().Sub(start),
	}
}
