package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/conflict"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote/inmemory"
	"github.com/stacklok/chunksync/internal/status"
	"github.com/stacklok/chunksync/internal/sync/coordinator"
	"github.com/stacklok/chunksync/test-integration/engine/helpers"
)

var _ = Describe("Sync engine over HTTP", func() {
	var (
		tempDir string
		remote  *helpers.RemoteHelper
		oracle  *connectivity.Static
		engine  *app.EngineApp
	)

	newEngine := func(opts helpers.ConfigOptions) *app.EngineApp {
		opts.Endpoint = remote.URL()
		opts.StateDir = filepath.Join(tempDir, "state")
		return helpers.NewEngine(ctx, helpers.WriteConfig(tempDir, opts), oracle)
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "chunksync-engine-")
		Expect(err).NotTo(HaveOccurred())

		remote = helpers.NewRemoteHelper("1.4.0")
		oracle = connectivity.NewStatic(true)
	})

	AfterEach(func() {
		if engine != nil {
			Expect(engine.Close(ctx)).To(Succeed())
			engine = nil
		}
		remote.Close()
		Expect(os.RemoveAll(tempDir)).To(Succeed())
	})

	Context("creates", func() {
		It("sends queued creates in batches", func() {
			engine = newEngine(helpers.ConfigOptions{BatchSize: 2})
			c := engine.Coordinator()

			for _, id := range []string{"a", "b", "c", "d", "e"} {
				_, err := c.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: id, Content: "body " + id})
				Expect(err).NotTo(HaveOccurred())
			}

			result := c.Sync(ctx)
			Expect(result.Success).To(BeTrue())
			Expect(result.SyncedChunks).To(Equal(5))
			Expect(remote.Service.Calls(inmemory.OpBatchCreate)).To(Equal(3))
			Expect(remote.Service.Snapshot()).To(HaveLen(5))
			Expect(c.PendingCount()).To(BeZero())
			Expect(c.Snapshot().LastSyncTime).NotTo(BeNil())
		})
	})

	Context("connectivity", func() {
		It("keeps the queue while offline and drains it once online", func() {
			engine = newEngine(helpers.ConfigOptions{})
			c := engine.Coordinator()

			_, err := c.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "offline-1", Content: "draft"})
			Expect(err).NotTo(HaveOccurred())

			oracle.Set(false)
			result := c.Sync(ctx)
			Expect(result.Aborted()).To(BeTrue())
			Expect(result.Errors[0].ChunkID).To(Equal(status.CodeOffline))
			Expect(c.Snapshot().Status).To(Equal(status.StatusOffline))
			Expect(c.PendingCount()).To(Equal(1))

			oracle.Set(true)
			result = c.Sync(ctx)
			Expect(result.Success).To(BeTrue())
			Expect(c.PendingCount()).To(BeZero())
		})

		It("aborts when the server is older than required", func() {
			engine = newEngine(helpers.ConfigOptions{MinServerVersion: "2.0.0"})
			c := engine.Coordinator()

			_, err := c.QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "x"})
			Expect(err).NotTo(HaveOccurred())

			result := c.Sync(ctx)
			Expect(result.Aborted()).To(BeTrue())
			Expect(result.Errors[0].ChunkID).To(Equal(status.CodeRemoteUnhealthy))
			Expect(c.Snapshot().Status).To(Equal(status.StatusError))
			Expect(remote.Service.Snapshot()).To(BeEmpty())
		})
	})

	Context("persistence", func() {
		It("restores pending changes after a restart", func() {
			engine = newEngine(helpers.ConfigOptions{})
			_, err := engine.Coordinator().QueueChange(ctx, queue.KindCreate, chunk.Chunk{ID: "keep", Content: "me"})
			Expect(err).NotTo(HaveOccurred())
			Expect(engine.Close(ctx)).To(Succeed())

			engine = newEngine(helpers.ConfigOptions{})
			c := engine.Coordinator()
			Expect(c.PendingCount()).To(Equal(1))
			Expect(c.Snapshot().Status).To(Equal(status.StatusIdle))

			Expect(c.Sync(ctx).Success).To(BeTrue())
			Expect(remote.Service.Snapshot()).To(HaveLen(1))
		})
	})

	Context("retries", func() {
		It("evicts a change once it exceeds the retry ceiling", func() {
			remote.Service.SetFailures(func(op inmemory.Operation, id string) error {
				if op == inmemory.OpDelete && id == "stuck" {
					return errors.New("storage offline")
				}
				return nil
			})
			maxRetries := 1
			engine = newEngine(helpers.ConfigOptions{MaxRetries: &maxRetries})
			c := engine.Coordinator()

			var evicted []events.ChangeEvicted
			var mu sync.Mutex
			events.SubscribeTo(engine.Bus(), func(e events.ChangeEvicted) {
				mu.Lock()
				defer mu.Unlock()
				evicted = append(evicted, e)
			})

			_, err := c.QueueChange(ctx, queue.KindDelete, chunk.Chunk{ID: "stuck"})
			Expect(err).NotTo(HaveOccurred())

			first := c.Sync(ctx)
			Expect(first.Success).To(BeFalse())
			Expect(first.Errors).To(HaveLen(1))
			Expect(first.Errors[0].Recoverable).To(BeTrue())
			Expect(c.PendingCount()).To(Equal(1))

			second := c.Sync(ctx)
			Expect(second.Errors).To(HaveLen(1))
			Expect(second.Errors[0].Recoverable).To(BeFalse())
			Expect(c.PendingCount()).To(BeZero())

			mu.Lock()
			defer mu.Unlock()
			Expect(evicted).To(HaveLen(1))
			Expect(evicted[0].Change.ID).To(Equal("stuck"))
		})
	})

	Context("conflicts", func() {
		var local, remoteVersion chunk.Chunk

		BeforeEach(func() {
			base := time.Now().Add(-time.Hour).UTC()
			local = chunk.Chunk{ID: "doc", Content: "local edit", UpdatedAt: base}
			remoteVersion = chunk.Chunk{ID: "doc", Content: "remote edit", Tags: []string{"shared"}, UpdatedAt: base.Add(30 * time.Minute)}
		})

		It("holds a manual conflict until it is resolved", func() {
			engine = newEngine(helpers.ConfigOptions{Policy: "manual"})
			c := engine.Coordinator()
			remote.Service.Put(remoteVersion)

			var adopted []events.RemoteAdopted
			var mu sync.Mutex
			events.SubscribeTo(engine.Bus(), func(e events.RemoteAdopted) {
				mu.Lock()
				defer mu.Unlock()
				adopted = append(adopted, e)
			})

			_, err := c.QueueChange(ctx, queue.KindUpdate, local)
			Expect(err).NotTo(HaveOccurred())

			result := c.Sync(ctx)
			Expect(result.Success).To(BeTrue())
			Expect(result.Conflicts).To(HaveLen(1))
			Expect(result.Conflicts[0].Category).To(Equal(conflict.CategoryContent))

			pending := c.Snapshot().PendingChanges
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ConflictRemote).NotTo(BeNil())
			Expect(pending[0].ConflictRemote.Content).To(Equal("remote edit"))

			Expect(c.Resolve(ctx, "doc", coordinator.ChoiceRemote)).To(Succeed())
			Expect(c.PendingCount()).To(BeZero())

			mu.Lock()
			defer mu.Unlock()
			Expect(adopted).To(HaveLen(1))
			Expect(adopted[0].Chunk.Content).To(Equal("remote edit"))
		})

		It("writes the field-wise merge under the merge policy", func() {
			engine = newEngine(helpers.ConfigOptions{Policy: "merge"})
			c := engine.Coordinator()
			remote.Service.Put(remoteVersion)

			_, err := c.QueueChange(ctx, queue.KindUpdate, local)
			Expect(err).NotTo(HaveOccurred())

			result := c.Sync(ctx)
			Expect(result.Success).To(BeTrue())
			Expect(result.SyncedChunks).To(Equal(1))

			stored := remote.Service.Snapshot()
			Expect(stored).To(HaveLen(1))
			Expect(stored[0].Content).To(Equal("local edit"))
			Expect(stored[0].Tags).To(ConsistOf("shared"))
		})
	})

	Context("run loop", func() {
		It("queues content events and syncs them on trigger", func() {
			engine = newEngine(helpers.ConfigOptions{})

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- engine.Run(runCtx) }()

			// wait for the startup pass to finish so the subscriptions are in place
			Eventually(func() bool {
				return remote.Service.Calls(inmemory.OpHealthCheck) > 0 && !engine.Coordinator().IsSyncing()
			}, 5*time.Second).Should(BeTrue())

			engine.Bus().Publish(events.ContentCreated{Chunk: chunk.Chunk{ID: "evt", Content: "from event"}})
			Eventually(engine.Coordinator().PendingCount, 5*time.Second).Should(Equal(1))

			engine.Scheduler().Trigger()
			Eventually(func() []chunk.Chunk {
				return remote.Service.Snapshot()
			}, 5*time.Second).Should(HaveLen(1))
			Eventually(engine.Coordinator().PendingCount, 5*time.Second).Should(BeZero())

			stop()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
