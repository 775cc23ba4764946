package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/status"
	"github.com/stacklok/chunksync/internal/telemetry"
)

// RetryPolicy records per-item failures against the queue and evicts changes
// that exceed the retry ceiling
type RetryPolicy struct {
	queue      *queue.Queue
	maxRetries int
	publisher  events.Publisher
	metrics    *telemetry.SyncMetrics
}

// NewRetryPolicy creates a policy with the given ceiling
func NewRetryPolicy(
	q *queue.Queue,
	maxRetries int,
	publisher events.Publisher,
	metrics *telemetry.SyncMetrics,
) *RetryPolicy {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &RetryPolicy{
		queue:      q,
		maxRetries: maxRetries,
		publisher:  publisher,
		metrics:    metrics,
	}
}

// RecordFailure increments the retry count of change and evicts it once the
// count exceeds the ceiling. The returned error entry is recoverable unless
// the change was evicted.
func (p *RetryPolicy) RecordFailure(ctx context.Context, change queue.PendingChange, cause error) status.ItemError {
	itemErr := status.ItemError{
		ChunkID:     change.ID,
		Message:     fmt.Sprintf("%s failed: %v", change.Kind, cause),
		Recoverable: true,
	}

	count, ok := p.queue.IncrementRetry(change.ID, change.Revision)
	if !ok {
		// replaced or cleared while the pass was running; the newer intent
		// starts with a fresh count
		slog.Debug("Pending change superseded during pass",
			"chunk_id", change.ID,
			"kind", change.Kind)
		return itemErr
	}

	if count <= p.maxRetries {
		slog.Warn("Pending change failed",
			"chunk_id", change.ID,
			"kind", change.Kind,
			"retry_count", count,
			"max_retries", p.maxRetries,
			"error", cause)
		return itemErr
	}

	if p.queue.RemoveIf(change.ID, change.Revision) {
		change.RetryCount = count
		reason := fmt.Sprintf("exceeded %d retries: %v", p.maxRetries, cause)
		slog.Warn("Evicting pending change",
			"chunk_id", change.ID,
			"kind", change.Kind,
			"retry_count", count,
			"recoverable", false,
			"error", cause)
		p.publisher.Publish(events.ChangeEvicted{Change: change, Reason: reason})
		p.metrics.RecordEviction(ctx, string(change.Kind))
	}

	itemErr.Recoverable = false
	return itemErr
}
