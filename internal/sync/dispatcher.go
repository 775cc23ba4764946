package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/otel"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/status"
	"github.com/stacklok/chunksync/internal/telemetry"
)

// Report is what a Dispatcher observed while applying one snapshot
type Report struct {
	Synced    int
	Errors    []status.ItemError
	Conflicts []conflict.Conflict
}

// Dispatcher applies queued changes to the remote service
type Dispatcher struct {
	remote    remote.Service
	queue     *queue.Queue
	publisher events.Publisher
	metrics   *telemetry.SyncMetrics
	tracer    trace.Tracer
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithMetrics sets the sync metrics
func WithMetrics(m *telemetry.SyncMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer used for per-item spans
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher that mutates q as changes are applied
func NewDispatcher(svc remote.Service, q *queue.Queue, publisher events.Publisher, opts ...DispatcherOption) *Dispatcher {
	if publisher == nil {
		publisher = events.Discard{}
	}
	d := &Dispatcher{
		remote:    svc,
		queue:     q,
		publisher: publisher,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch applies changes with the given settings. Creates go first, then
// updates, then deletes; each group keeps the order of changes.
func (d *Dispatcher) Dispatch(ctx context.Context, changes []queue.PendingChange, settings Settings) Report {
	var creates, updates, deletes []queue.PendingChange
	for _, change := range changes {
		switch change.Kind {
		case queue.KindCreate:
			creates = append(creates, change)
		case queue.KindUpdate:
			updates = append(updates, change)
		case queue.KindDelete:
			deletes = append(deletes, change)
		}
	}

	batchSize := settings.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	retry := NewRetryPolicy(d.queue, settings.MaxRetries, d.publisher, d.metrics)
	report := &Report{}

	for start := 0; start < len(creates); start += batchSize {
		end := min(start+batchSize, len(creates))
		d.createBatch(ctx, creates[start:end], retry, report)
	}
	for _, change := range updates {
		d.update(ctx, change, settings.Policy, retry, report)
	}
	for _, change := range deletes {
		d.delete(ctx, change, retry, report)
	}

	return *report
}

func (d *Dispatcher) createBatch(ctx context.Context, batch []queue.PendingChange, retry *RetryPolicy, report *Report) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "sync.create_batch",
		trace.WithAttributes(otel.AttrBatchSize.Int(len(batch))))
	defer span.End()

	chunks := make([]chunk.Chunk, len(batch))
	for i, change := range batch {
		chunks[i] = change.Chunk
	}

	if _, err := d.remote.BatchCreate(ctx, chunks); err != nil {
		otel.RecordError(span, err)
		slog.Warn("Bulk create failed", "batch_size", len(batch), "error", err)
		for _, change := range batch {
			report.Errors = append(report.Errors, retry.RecordFailure(ctx, change, err))
		}
		return
	}

	for _, change := range batch {
		d.queue.RemoveIf(change.ID, change.Revision)
	}
	report.Synced += len(batch)
	slog.Debug("Bulk create applied", "batch_size", len(batch))
}

func (d *Dispatcher) update(
	ctx context.Context,
	change queue.PendingChange,
	policy conflict.Policy,
	retry *RetryPolicy,
	report *Report,
) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "sync.update",
		trace.WithAttributes(otel.AttrChunkID.String(change.ID), otel.AttrPolicy.String(string(policy))))
	defer span.End()

	current, err := d.remote.Get(ctx, change.ID)
	if err != nil {
		otel.RecordError(span, err)
		report.Errors = append(report.Errors, retry.RecordFailure(ctx, change, err))
		return
	}

	decision := conflict.Resolve(policy, change.Chunk, *current)
	span.SetAttributes(otel.AttrOutcome.String(decision.Outcome.String()))
	if decision.Conflict != nil {
		report.Conflicts = append(report.Conflicts, *decision.Conflict)
		d.metrics.RecordConflict(ctx, string(decision.Conflict.Category))
		slog.Info("Conflict detected",
			"chunk_id", change.ID,
			"category", decision.Conflict.Category,
			"policy", policy,
			"outcome", decision.Outcome)
	}

	switch decision.Outcome {
	case conflict.OutcomeManual:
		d.queue.SetConflictRemote(change.ID, change.Revision, *current)
		d.publisher.Publish(events.ManualResolutionRequired{
			ChunkID: change.ID,
			Local:   change.Chunk.Clone(),
			Remote:  current.Clone(),
		})
	case conflict.OutcomeAdoptRemote:
		d.queue.RemoveIf(change.ID, change.Revision)
		d.publisher.Publish(events.RemoteAdopted{Chunk: current.Clone()})
		report.Synced++
	default:
		if _, err := d.remote.Update(ctx, change.ID, decision.Value); err != nil {
			otel.RecordError(span, err)
			report.Errors = append(report.Errors, retry.RecordFailure(ctx, change, err))
			return
		}
		d.queue.RemoveIf(change.ID, change.Revision)
		report.Synced++
	}
}

func (d *Dispatcher) delete(ctx context.Context, change queue.PendingChange, retry *RetryPolicy, report *Report) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "sync.delete",
		trace.WithAttributes(otel.AttrChunkID.String(change.ID)))
	defer span.End()

	if err := d.remote.Delete(ctx, change.ID); err != nil {
		otel.RecordError(span, err)
		report.Errors = append(report.Errors, retry.RecordFailure(ctx, change, err))
		return
	}
	d.queue.RemoveIf(change.ID, change.Revision)
	report.Synced++
}
