// Package otel holds span helpers shared by the sync engine and its HTTP client.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on sync spans
const (
	AttrPassID       = attribute.Key("sync.pass_id")
	AttrPolicy       = attribute.Key("sync.policy")
	AttrPendingCount = attribute.Key("sync.pending_count")
	AttrBatchSize    = attribute.Key("sync.batch_size")
	AttrChunkID      = attribute.Key("chunk.id")
	AttrChangeKind   = attribute.Key("change.kind")
	AttrOutcome      = attribute.Key("sync.outcome")
	AttrResultCount  = attribute.Key("result.count")
)

// StartSpan starts a span on tracer. With a nil tracer it returns ctx
// unchanged and a no-op span, so ending it leaves the caller's span alone.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks it failed. The status text is
// generic; the error itself is kept in the exception event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
