package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/otel"
	"github.com/stacklok/chunksync/internal/queue"
)

// Choice is the version picked when settling a manual conflict
type Choice string

const (
	// ChoiceLocal writes the queued local snapshot
	ChoiceLocal Choice = "local"

	// ChoiceRemote adopts the current remote value and drops the local edit
	ChoiceRemote Choice = "remote"

	// ChoiceMerged writes the field-wise merge of local and remote
	ChoiceMerged Choice = "merged"
)

// ParseChoice validates a choice string
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceLocal, ChoiceRemote, ChoiceMerged:
		return c, nil
	default:
		return "", fmt.Errorf("unknown resolution choice %q", s)
	}
}

// Resolve settles the queued update for id. Local and merged choices are
// written to the remote right away; the remote choice publishes
// RemoteAdopted. On success the change leaves the queue.
func (c *Coordinator) Resolve(ctx context.Context, id string, choice Choice) error {
	if _, err := ParseChoice(string(choice)); err != nil {
		return err
	}

	if !c.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	change, ok := c.queue.Get(id)
	if !ok || change.Kind != queue.KindUpdate {
		return fmt.Errorf("%w: %s", ErrNoPendingChange, id)
	}

	ctx, span := otel.StartSpan(ctx, c.tracer, "sync.resolve",
		trace.WithAttributes(otel.AttrChunkID.String(id), otel.AttrOutcome.String(string(choice))))
	defer span.End()

	var current *chunk.Chunk
	if choice != ChoiceLocal {
		var err error
		if current, err = c.remote.Get(ctx, id); err != nil {
			otel.RecordError(span, err)
			return fmt.Errorf("failed to fetch remote chunk %s: %w", id, err)
		}
	}

	switch choice {
	case ChoiceRemote:
		c.publisher.Publish(events.RemoteAdopted{Chunk: current.Clone()})
	default:
		value := change.Chunk
		if choice == ChoiceMerged {
			value = conflict.Merge(change.Chunk, *current)
		}
		if _, err := c.remote.Update(ctx, id, value); err != nil {
			otel.RecordError(span, err)
			return fmt.Errorf("failed to write resolved chunk %s: %w", id, err)
		}
	}

	c.queue.RemoveIf(id, change.Revision)
	slog.Info("Conflict resolved", "chunk_id", id, "choice", choice)
	c.stateChanged(ctx)
	return nil
}
