package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/kv"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/remote/inmemory"
	remotemocks "github.com/stacklok/chunksync/internal/remote/mocks"
	"github.com/stacklok/chunksync/internal/status"
	statusmocks "github.com/stacklok/chunksync/internal/status/mocks"
	pkgsync "github.com/stacklok/chunksync/internal/sync"
)

var (
	base  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later = base.Add(time.Hour)
)

type fixture struct {
	svc         *inmemory.Service
	store       kv.Store
	persistence status.StatePersistence
	oracle      *connectivity.Static
	bus         *events.Bus
	c           *Coordinator

	mu        sync.Mutex
	completed []events.SyncCompleted
	changed   []events.StateChanged
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		svc:    inmemory.New(inmemory.WithClock(func() time.Time { return later.Add(time.Minute) })),
		store:  kv.NewMemoryStore(),
		oracle: connectivity.NewStatic(true),
		bus:    events.NewBus(),
	}
	f.persistence = status.NewStatePersistence(f.store, "")
	events.SubscribeTo(f.bus, func(e events.SyncCompleted) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.completed = append(f.completed, e)
	})
	events.SubscribeTo(f.bus, func(e events.StateChanged) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changed = append(f.changed, e)
	})

	c, err := New(context.Background(), f.svc, f.persistence, f.oracle, append([]Option{WithPublisher(f.bus)}, opts...)...)
	require.NoError(t, err)
	f.c = c
	return f
}

func (f *fixture) queue(t *testing.T, kind queue.Kind, c chunk.Chunk) {
	t.Helper()
	_, err := f.c.QueueChange(context.Background(), kind, c)
	require.NoError(t, err)
}

func withSettings(batchSize, maxRetries int, policy conflict.Policy) Option {
	return WithSettings(pkgsync.Settings{BatchSize: batchSize, MaxRetries: maxRetries, Policy: policy})
}

func TestQueueChange_Dedup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := []string{"a", "b", "a", "c", "b", "a"}
	for i, id := range ids {
		f.queue(t, queue.KindCreate, chunk.Chunk{ID: id, Content: fmt.Sprint(i)})
	}

	assert.Equal(t, 3, f.c.PendingCount())
	require.Len(t, f.changed, len(ids))
	assert.Equal(t, 3, f.changed[len(ids)-1].PendingCount)
}

func TestQueueChange_LatestIntentWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.SetFailures(func(op inmemory.Operation, _ string) error {
		if op == inmemory.OpBatchCreate {
			return errors.New("down")
		}
		return nil
	})
	f.queue(t, queue.KindCreate, chunk.Chunk{ID: "t1", Content: "draft"})
	f.c.Sync(context.Background())

	before := f.c.Snapshot().PendingChanges
	require.Len(t, before, 1)
	require.Equal(t, 1, before[0].RetryCount)

	f.queue(t, queue.KindUpdate, chunk.Chunk{ID: "t1", Content: "final"})

	after := f.c.Snapshot().PendingChanges
	require.Len(t, after, 1)
	assert.Equal(t, queue.KindUpdate, after[0].Kind)
	assert.Equal(t, "final", after[0].Chunk.Content)
	assert.Equal(t, 0, after[0].RetryCount)
}

func TestQueueChange_RejectsEmptyID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.c.QueueChange(context.Background(), queue.KindCreate, chunk.Chunk{})
	assert.ErrorIs(t, err, ErrEmptyChunkID)

	_, err = f.c.QueueChange(context.Background(), queue.Kind("upsert"), chunk.Chunk{ID: "a"})
	assert.Error(t, err)
	assert.Equal(t, 0, f.c.PendingCount())
}

func TestSync_SingleCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue(t, queue.KindCreate, chunk.Chunk{ID: "t1", Content: "hello"})

	result := f.c.Sync(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedChunks)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.PassID)
	assert.Equal(t, 0, f.c.PendingCount())

	state := f.c.Snapshot()
	assert.Equal(t, status.StatusIdle, state.Status)
	require.NotNil(t, state.LastSyncTime)

	require.Len(t, f.completed, 1)
	assert.Equal(t, result.PassID, f.completed[0].Result.PassID)
}

func TestSync_TwelveCreatesInThreeBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withSettings(5, 3, conflict.PolicyLocal))
	for i := range 12 {
		f.queue(t, queue.KindCreate, chunk.Chunk{ID: fmt.Sprintf("c%02d", i)})
	}

	result := f.c.Sync(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, 12, result.SyncedChunks)
	assert.Equal(t, 3, f.svc.Calls(inmemory.OpBatchCreate))
	assert.Len(t, f.svc.Snapshot(), 12)
}

func TestSync_Offline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.queue(t, queue.KindCreate, chunk.Chunk{ID: id})
	}
	f.oracle.Set(false)

	result := f.c.Sync(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.SyncedChunks)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, status.CodeOffline, result.Errors[0].ChunkID)
	assert.Equal(t, status.CodeOffline, result.AbortCode)
	assert.True(t, result.Aborted())

	assert.Equal(t, 3, f.c.PendingCount())
	for _, change := range f.c.Snapshot().PendingChanges {
		assert.Equal(t, 0, change.RetryCount)
	}
	assert.Equal(t, status.StatusOffline, f.c.Snapshot().Status)
	assert.Equal(t, 0, f.svc.Calls(inmemory.OpHealthCheck))
	assert.Empty(t, f.completed)
}

func TestSync_RemoteUnhealthy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue(t, queue.KindDelete, chunk.Chunk{ID: "a"})
	f.svc.SetHealthy(false)

	result := f.c.Sync(context.Background())

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, status.CodeRemoteUnhealthy, result.Errors[0].ChunkID)
	assert.Equal(t, status.StatusError, f.c.Snapshot().Status)
	assert.Equal(t, 0, f.svc.Calls(inmemory.OpDelete))

	pending := f.c.Snapshot().PendingChanges
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestSync_EmptyQueueShortCircuits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	result := f.c.Sync(context.Background())

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.SyncedChunks)
	assert.Equal(t, 1, f.svc.Calls(inmemory.OpHealthCheck))
	assert.Equal(t, 0, f.svc.Calls(inmemory.OpBatchCreate))
	assert.Empty(t, f.completed)
}

func TestSync_Reentrancy(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	svc := remotemocks.NewMockService(ctrl)

	entered := make(chan struct{})
	release := make(chan struct{})
	svc.EXPECT().HealthCheck(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(entered)
		<-release
		return nil
	}).Times(1)
	svc.EXPECT().BatchCreate(gomock.Any(), gomock.Len(1)).Return(nil, nil).Times(1)

	c, err := New(context.Background(), svc, status.NewStatePersistence(kv.NewMemoryStore(), ""), connectivity.NewStatic(true))
	require.NoError(t, err)
	_, err = c.QueueChange(context.Background(), queue.KindCreate, chunk.Chunk{ID: "t1"})
	require.NoError(t, err)

	first := make(chan status.SyncResult, 1)
	go func() { first <- c.Sync(context.Background()) }()
	<-entered

	assert.True(t, c.IsSyncing())
	second := c.Sync(context.Background())
	assert.False(t, second.Success)
	require.Len(t, second.Errors, 1)
	assert.Equal(t, status.CodeSyncInProgress, second.Errors[0].ChunkID)

	close(release)
	result := <-first
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedChunks)
	assert.False(t, c.IsSyncing())
}

func TestSync_EvictsAfterRetryCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withSettings(50, 3, conflict.PolicyLocal))
	f.svc.Put(chunk.Chunk{ID: "t1", Content: "remote", UpdatedAt: base})
	f.svc.SetFailures(func(op inmemory.Operation, _ string) error {
		if op == inmemory.OpUpdate {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	var evicted []events.ChangeEvicted
	events.SubscribeTo(f.bus, func(e events.ChangeEvicted) { evicted = append(evicted, e) })

	f.queue(t, queue.KindUpdate, chunk.Chunk{ID: "t1", Content: "local", UpdatedAt: base})

	for attempt := 1; attempt <= 3; attempt++ {
		result := f.c.Sync(context.Background())
		require.False(t, result.Success, "attempt %d", attempt)
		require.Len(t, result.Errors, 1)
		assert.True(t, result.Errors[0].Recoverable)
		assert.Equal(t, 1, f.c.PendingCount(), "attempt %d", attempt)
	}

	result := f.c.Sync(context.Background())
	require.Len(t, result.Errors, 1)
	assert.False(t, result.Errors[0].Recoverable)
	assert.Equal(t, 0, f.c.PendingCount())
	require.Len(t, evicted, 1)

	stored, err := f.svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "remote", stored.Content)

	f.svc.SetFailures(nil)
	next := f.c.Sync(context.Background())
	assert.True(t, next.Success)
	assert.Equal(t, 0, next.SyncedChunks)
}

func TestSync_ConflictPolicies(t *testing.T) {
	t.Parallel()

	local := chunk.Chunk{ID: "A", Content: "local body", UpdatedAt: base}
	remoteVersion := chunk.Chunk{ID: "A", Content: "remote body", UpdatedAt: later}

	t.Run("local writes the local snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.svc.Put(remoteVersion)
		f.queue(t, queue.KindUpdate, local)

		result := f.c.Sync(context.Background())

		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, "A", result.Conflicts[0].ChunkID)
		assert.True(t, result.Success)
		stored, err := f.svc.Get(context.Background(), "A")
		require.NoError(t, err)
		assert.Equal(t, "local body", stored.Content)
	})

	t.Run("remote adopts without writing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, withSettings(50, 3, conflict.PolicyRemote))
		var adopted []events.RemoteAdopted
		events.SubscribeTo(f.bus, func(e events.RemoteAdopted) { adopted = append(adopted, e) })
		f.svc.Put(remoteVersion)
		f.queue(t, queue.KindUpdate, local)

		result := f.c.Sync(context.Background())

		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, 0, f.svc.Calls(inmemory.OpUpdate))
		require.Len(t, adopted, 1)
		assert.Equal(t, "remote body", adopted[0].Chunk.Content)
		assert.Equal(t, 0, f.c.PendingCount())
	})

	t.Run("manual stays queued and is re-detected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, withSettings(50, 3, conflict.PolicyManual))
		var manual []events.ManualResolutionRequired
		events.SubscribeTo(f.bus, func(e events.ManualResolutionRequired) { manual = append(manual, e) })
		f.svc.Put(remoteVersion)
		f.queue(t, queue.KindUpdate, local)

		for range 2 {
			result := f.c.Sync(context.Background())
			assert.True(t, result.Success)
			assert.Len(t, result.Conflicts, 1)
		}

		assert.Len(t, manual, 2)
		pending := f.c.Snapshot().PendingChanges
		require.Len(t, pending, 1)
		assert.Equal(t, 0, pending[0].RetryCount)
		require.NotNil(t, pending[0].ConflictRemote)
		assert.Equal(t, 0, f.svc.Calls(inmemory.OpUpdate))
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()

	local := chunk.Chunk{ID: "A", Content: "local body", UpdatedAt: base}
	remoteVersion := chunk.Chunk{ID: "A", Content: "remote body", Tags: []string{"remote"}, UpdatedAt: later}

	tests := []struct {
		name        string
		choice      Choice
		wantContent string
		wantTags    []string
		wantAdopted bool
	}{
		{name: "local", choice: ChoiceLocal, wantContent: "local body"},
		{name: "merged", choice: ChoiceMerged, wantContent: "local body", wantTags: []string{"remote"}},
		{name: "remote", choice: ChoiceRemote, wantContent: "remote body", wantTags: []string{"remote"}, wantAdopted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, withSettings(50, 3, conflict.PolicyManual))
			var adopted []events.RemoteAdopted
			events.SubscribeTo(f.bus, func(e events.RemoteAdopted) { adopted = append(adopted, e) })
			f.svc.Put(remoteVersion)
			f.queue(t, queue.KindUpdate, local)
			f.c.Sync(context.Background())
			require.Equal(t, 1, f.c.PendingCount())

			require.NoError(t, f.c.Resolve(context.Background(), "A", tt.choice))

			assert.Equal(t, 0, f.c.PendingCount())
			stored, err := f.svc.Get(context.Background(), "A")
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, stored.Content)
			assert.Equal(t, tt.wantTags, stored.Tags)
			assert.Equal(t, tt.wantAdopted, len(adopted) == 1)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue(t, queue.KindCreate, chunk.Chunk{ID: "new"})

	assert.ErrorIs(t, f.c.Resolve(context.Background(), "missing", ChoiceLocal), ErrNoPendingChange)
	assert.ErrorIs(t, f.c.Resolve(context.Background(), "new", ChoiceLocal), ErrNoPendingChange)
	assert.Error(t, f.c.Resolve(context.Background(), "new", Choice("newest")))

	f.queue(t, queue.KindUpdate, chunk.Chunk{ID: "gone"})
	err := f.c.Resolve(context.Background(), "gone", ChoiceRemote)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Equal(t, 2, f.c.PendingCount())
}

func TestReconfigure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Error(t, f.c.Reconfigure(pkgsync.Settings{BatchSize: 0, Policy: conflict.PolicyLocal}))
	assert.Equal(t, pkgsync.DefaultSettings(), f.c.Settings())

	require.NoError(t, f.c.Reconfigure(pkgsync.Settings{BatchSize: 2, MaxRetries: 1, Policy: conflict.PolicyMerge}))
	assert.Equal(t, conflict.PolicyMerge, f.c.Snapshot().Policy)

	for i := range 5 {
		f.queue(t, queue.KindCreate, chunk.Chunk{ID: fmt.Sprint(i)})
	}
	f.c.Sync(context.Background())
	assert.Equal(t, 3, f.svc.Calls(inmemory.OpBatchCreate))
}

func TestNew_RestoresPersistedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue(t, queue.KindCreate, chunk.Chunk{ID: "synced"})
	f.c.Sync(context.Background())
	f.svc.SetFailures(func(op inmemory.Operation, _ string) error {
		if op == inmemory.OpDelete {
			return errors.New("timeout")
		}
		return nil
	})
	f.queue(t, queue.KindDelete, chunk.Chunk{ID: "stale"})
	f.queue(t, queue.KindCreate, chunk.Chunk{ID: "draft", Tags: []string{"x"}})
	f.c.Sync(context.Background())
	lastSync := f.c.Snapshot().LastSyncTime
	require.NotNil(t, lastSync)

	restored, err := New(context.Background(), f.svc, f.persistence, f.oracle)
	require.NoError(t, err)

	state := restored.Snapshot()
	assert.Equal(t, status.StatusIdle, state.Status)
	require.NotNil(t, state.LastSyncTime)
	assert.True(t, lastSync.Equal(*state.LastSyncTime))
	require.Len(t, state.PendingChanges, 1)
	assert.Equal(t, "stale", state.PendingChanges[0].ID)
	assert.Equal(t, 1, state.PendingChanges[0].RetryCount)
}

func TestNew_LoadFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	persistence := statusmocks.NewMockStatePersistence(ctrl)
	persistence.EXPECT().LoadState(gomock.Any()).Return(nil, errors.New("disk unreadable"))

	_, err := New(context.Background(), inmemory.New(), persistence, connectivity.NewStatic(true))
	assert.ErrorContains(t, err, "disk unreadable")
}

func TestPersistFailureDoesNotLoseQueue(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	persistence := statusmocks.NewMockStatePersistence(ctrl)
	persistence.EXPECT().LoadState(gomock.Any()).Return(&status.PersistedState{}, nil)
	persistence.EXPECT().UpdateState(gomock.Any(), gomock.Any()).Return(errors.New("read-only filesystem")).AnyTimes()

	c, err := New(context.Background(), inmemory.New(), persistence, connectivity.NewStatic(true))
	require.NoError(t, err)

	_, err = c.QueueChange(context.Background(), queue.KindCreate, chunk.Chunk{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	c.ClearAll(context.Background())
	assert.Equal(t, 0, c.PendingCount())
}

func pendingIDs(changes []queue.PendingChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.ID)
	}
	return out
}

func TestPersist_SharedFileStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	svc := inmemory.New()
	ctx := context.Background()
	open := func() *Coordinator {
		t.Helper()
		store, err := kv.NewFileStore(dir)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		c, err := New(ctx, svc, status.NewStatePersistence(store, ""), connectivity.NewStatic(true))
		require.NoError(t, err)
		return c
	}

	engine := open()
	cli := open()

	_, err := cli.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "from-cli"})
	require.NoError(t, err)
	_, err = engine.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "from-host"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"from-cli", "from-host"}, pendingIDs(open().Snapshot().PendingChanges))

	result := engine.Sync(ctx)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.SyncedChunks)
	assert.Len(t, svc.Snapshot(), 2)

	// the cli still holds from-cli in memory but must not write it back
	_, err = cli.QueueChange(ctx, queue.KindDelete, chunk.Chunk{ID: "from-host"})
	require.NoError(t, err)
	assert.Equal(t, []string{"from-host"}, pendingIDs(cli.Snapshot().PendingChanges))

	reopened := open().Snapshot()
	assert.Equal(t, []string{"from-host"}, pendingIDs(reopened.PendingChanges))
	assert.Equal(t, queue.KindDelete, reopened.PendingChanges[0].Kind)
	assert.NotNil(t, reopened.LastSyncTime)
}

func TestPersist_NewerIntentFromOtherProcessWins(t *testing.T) {
	t.Parallel()

	store := kv.NewMemoryStore()
	svc := inmemory.New()
	ctx := context.Background()
	clock := func(at time.Time) Option {
		return WithClock(func() time.Time { return at })
	}

	engine, err := New(ctx, svc, status.NewStatePersistence(store, ""), connectivity.NewStatic(true), clock(base))
	require.NoError(t, err)
	cli, err := New(ctx, svc, status.NewStatePersistence(store, ""), connectivity.NewStatic(true), clock(later))
	require.NoError(t, err)

	_, err = engine.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "t1", Content: "draft"})
	require.NoError(t, err)
	_, err = cli.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "t1", Content: "final"})
	require.NoError(t, err)

	result := engine.Sync(ctx)
	require.True(t, result.Success)

	created := svc.Snapshot()
	require.Len(t, created, 1)
	assert.Equal(t, "final", created[0].Content)
	assert.Zero(t, engine.PendingCount())
}
