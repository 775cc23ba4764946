package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the meter used by the sync coordinator
const SyncMetricsMeterName = "github.com/stacklok/chunksync/sync"

// SyncMetrics holds the instruments recorded by sync passes. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	passDuration metric.Float64Histogram
	synced       metric.Int64Counter
	conflicts    metric.Int64Counter
	evictions    metric.Int64Counter
	aborts       metric.Int64Counter
	queueDepth   metric.Int64Gauge
}

// NewSyncMetrics creates the sync instruments on provider.
// A nil provider returns nil metrics.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)
	m := &SyncMetrics{}
	var err error

	if m.passDuration, err = meter.Float64Histogram(
		"chunksync_pass_duration_seconds",
		metric.WithDescription("Duration of sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	if m.synced, err = meter.Int64Counter(
		"chunksync_synced_chunks_total",
		metric.WithDescription("Chunks successfully synced to the remote service"),
		metric.WithUnit("{chunk}"),
	); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter(
		"chunksync_conflicts_total",
		metric.WithDescription("Conflicts detected during updates"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter(
		"chunksync_evictions_total",
		metric.WithDescription("Pending changes dropped after exhausting retries"),
		metric.WithUnit("{change}"),
	); err != nil {
		return nil, err
	}
	if m.aborts, err = meter.Int64Counter(
		"chunksync_pass_aborts_total",
		metric.WithDescription("Sync passes aborted before dispatch"),
		metric.WithUnit("{pass}"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge(
		"chunksync_pending_changes",
		metric.WithDescription("Number of pending changes in the queue"),
		metric.WithUnit("{change}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPass records the duration and outcome of a completed pass
func (m *SyncMetrics) RecordPass(ctx context.Context, duration time.Duration, success bool, synced int) {
	if m == nil {
		return
	}
	m.passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
	if synced > 0 {
		m.synced.Add(ctx, int64(synced))
	}
}

// RecordConflict counts one detected conflict
func (m *SyncMetrics) RecordConflict(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordEviction counts one evicted change
func (m *SyncMetrics) RecordEviction(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAbort counts a pass aborted with the given reason code
func (m *SyncMetrics) RecordAbort(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.aborts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueDepth records the current queue length
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}
