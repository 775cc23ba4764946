package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/remote/inmemory"
	"github.com/stacklok/chunksync/internal/remote/mocks"
)

var (
	base  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later = base.Add(time.Hour)
)

func settings(policy conflict.Policy) Settings {
	s := DefaultSettings()
	s.Policy = policy
	return s
}

func TestDispatch_BatchesCreates(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)

	q := queue.New()
	for i := range 12 {
		q.Put(queue.KindCreate, chunk.Chunk{ID: fmt.Sprintf("c%02d", i)}, base)
	}

	var sizes []int
	svc.EXPECT().BatchCreate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, chunks []chunk.Chunk) ([]chunk.Chunk, error) {
			sizes = append(sizes, len(chunks))
			return chunks, nil
		}).Times(3)

	s := DefaultSettings()
	s.BatchSize = 5
	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), q.Snapshot(), s)

	assert.Equal(t, []int{5, 5, 2}, sizes)
	assert.Equal(t, 12, report.Synced)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 0, q.Len())
}

func TestDispatch_FailedBatchCountsEveryMember(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)

	q := queue.New()
	for _, id := range []string{"a", "b", "c"} {
		q.Put(queue.KindCreate, chunk.Chunk{ID: id}, base)
	}

	gomock.InOrder(
		svc.EXPECT().BatchCreate(gomock.Any(), gomock.Len(2)).Return(nil, errors.New("502 bad gateway")),
		svc.EXPECT().BatchCreate(gomock.Any(), gomock.Len(1)).DoAndReturn(
			func(_ context.Context, chunks []chunk.Chunk) ([]chunk.Chunk, error) { return chunks, nil }),
	)

	s := DefaultSettings()
	s.BatchSize = 2
	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), q.Snapshot(), s)

	assert.Equal(t, 1, report.Synced)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "a", report.Errors[0].ChunkID)
	assert.Equal(t, "b", report.Errors[1].ChunkID)

	pending := q.Snapshot()
	require.Len(t, pending, 2)
	for _, change := range pending {
		assert.Equal(t, 1, change.RetryCount)
	}
}

func TestDispatch_OrderAndIsolation(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)

	q := queue.New()
	q.Put(queue.KindDelete, chunk.Chunk{ID: "d1"}, base)
	q.Put(queue.KindUpdate, chunk.Chunk{ID: "u1", Content: "new", UpdatedAt: base}, base)
	q.Put(queue.KindCreate, chunk.Chunk{ID: "c1"}, base)
	q.Put(queue.KindDelete, chunk.Chunk{ID: "d2"}, base)

	gomock.InOrder(
		svc.EXPECT().BatchCreate(gomock.Any(), gomock.Len(1)).Return(nil, nil),
		svc.EXPECT().Get(gomock.Any(), "u1").Return(&chunk.Chunk{ID: "u1", Content: "old", UpdatedAt: base}, nil),
		svc.EXPECT().Update(gomock.Any(), "u1", gomock.Any()).Return(&chunk.Chunk{ID: "u1"}, nil),
		svc.EXPECT().Delete(gomock.Any(), "d1").Return(errors.New("timeout")),
		svc.EXPECT().Delete(gomock.Any(), "d2").Return(nil),
	)

	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), q.Snapshot(), DefaultSettings())

	assert.Equal(t, 3, report.Synced)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "d1", report.Errors[0].ChunkID)
	assert.True(t, report.Errors[0].Recoverable)
	assert.Empty(t, report.Conflicts)

	remaining := q.Snapshot()
	require.Len(t, remaining, 1)
	assert.Equal(t, "d1", remaining[0].ID)
}

func TestDispatch_UpdateConflictPolicies(t *testing.T) {
	t.Parallel()

	local := chunk.Chunk{ID: "t1", Content: "local text", UpdatedAt: base}
	remoteVersion := chunk.Chunk{ID: "t1", Content: "remote text", Tags: []string{"r"}, UpdatedAt: later}

	tests := []struct {
		name          string
		policy        conflict.Policy
		expectWrite   bool
		writtenText   string
		writtenTags   []string
		expectQueued  bool
		expectSynced  int
		expectAdopted bool
		expectManual  bool
	}{
		{name: "local", policy: conflict.PolicyLocal, expectWrite: true, writtenText: "local text", expectSynced: 1},
		{name: "merge", policy: conflict.PolicyMerge, expectWrite: true, writtenText: "local text", writtenTags: []string{"r"}, expectSynced: 1},
		{name: "remote", policy: conflict.PolicyRemote, expectSynced: 1, expectAdopted: true},
		{name: "manual", policy: conflict.PolicyManual, expectQueued: true, expectManual: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := inmemory.New(inmemory.WithClock(func() time.Time { return later.Add(time.Minute) }))
			svc.Put(remoteVersion)

			q := queue.New()
			q.Put(queue.KindUpdate, local, base)

			bus := events.NewBus()
			var adopted []events.RemoteAdopted
			var manual []events.ManualResolutionRequired
			events.SubscribeTo(bus, func(e events.RemoteAdopted) { adopted = append(adopted, e) })
			events.SubscribeTo(bus, func(e events.ManualResolutionRequired) { manual = append(manual, e) })

			report := NewDispatcher(svc, q, bus).Dispatch(context.Background(), q.Snapshot(), settings(tt.policy))

			require.Len(t, report.Conflicts, 1)
			assert.Equal(t, "t1", report.Conflicts[0].ChunkID)
			assert.Equal(t, conflict.CategoryContent, report.Conflicts[0].Category)
			assert.Empty(t, report.Errors)
			assert.Equal(t, tt.expectSynced, report.Synced)

			if tt.expectWrite {
				assert.Equal(t, 1, svc.Calls(inmemory.OpUpdate))
				stored, err := svc.Get(context.Background(), "t1")
				require.NoError(t, err)
				assert.Equal(t, tt.writtenText, stored.Content)
				assert.Equal(t, tt.writtenTags, stored.Tags)
			} else {
				assert.Equal(t, 0, svc.Calls(inmemory.OpUpdate))
			}

			if tt.expectAdopted {
				require.Len(t, adopted, 1)
				assert.Equal(t, "remote text", adopted[0].Chunk.Content)
			} else {
				assert.Empty(t, adopted)
			}

			pending, queued := q.Get("t1")
			assert.Equal(t, tt.expectQueued, queued)
			if tt.expectManual {
				require.Len(t, manual, 1)
				assert.Equal(t, "local text", manual[0].Local.Content)
				assert.Equal(t, "remote text", manual[0].Remote.Content)
				require.NotNil(t, pending.ConflictRemote)
				assert.Equal(t, "remote text", pending.ConflictRemote.Content)
				assert.Equal(t, 0, pending.RetryCount)
			}
		})
	}
}

func TestDispatch_UpdateWithoutConflictWritesLocal(t *testing.T) {
	t.Parallel()

	svc := inmemory.New()
	svc.Put(chunk.Chunk{ID: "t1", Content: "same-era", UpdatedAt: base})

	q := queue.New()
	q.Put(queue.KindUpdate, chunk.Chunk{ID: "t1", Content: "edited", UpdatedAt: base}, base)

	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), q.Snapshot(), settings(conflict.PolicyManual))

	assert.Empty(t, report.Conflicts)
	assert.Equal(t, 1, report.Synced)
	stored, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Content)
}

func TestDispatch_UpdateOfUnknownRemoteIsItemFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().Get(gomock.Any(), "ghost").Return(nil, remote.ErrNotFound)

	q := queue.New()
	q.Put(queue.KindUpdate, chunk.Chunk{ID: "ghost"}, base)

	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), q.Snapshot(), DefaultSettings())

	assert.Equal(t, 0, report.Synced)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "ghost", report.Errors[0].ChunkID)

	change, ok := q.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, 1, change.RetryCount)
}

func TestDispatch_ReplacedDuringPassSurvives(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)

	q := queue.New()
	q.Put(queue.KindDelete, chunk.Chunk{ID: "x"}, base)
	snapshot := q.Snapshot()

	svc.EXPECT().Delete(gomock.Any(), "x").DoAndReturn(func(context.Context, string) error {
		q.Put(queue.KindCreate, chunk.Chunk{ID: "x", Content: "recreated"}, later)
		return nil
	})

	report := NewDispatcher(svc, q, nil).Dispatch(context.Background(), snapshot, DefaultSettings())

	assert.Equal(t, 1, report.Synced)
	change, ok := q.Get("x")
	require.True(t, ok)
	assert.Equal(t, queue.KindCreate, change.Kind)
}
