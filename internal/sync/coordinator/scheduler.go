package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/queue"
)

// DefaultInterval is the auto-sync tick
const DefaultInterval = 30 * time.Second

// ErrSchedulerRunning is returned by Start while the loop is already running
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler triggers passes on a ticker, on demand, and when connectivity
// returns. It also turns content events into queued changes.
type Scheduler struct {
	coordinator *Coordinator
	bus         *events.Bus

	trigger chan struct{}
	reset   chan time.Duration

	mu       sync.Mutex
	interval time.Duration

	// cancelFunc and done belong to the running loop, nil when stopped
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewScheduler creates a scheduler. An interval of zero uses DefaultInterval.
func NewScheduler(c *Coordinator, bus *events.Bus, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		coordinator: c,
		bus:         bus,
		interval:    interval,
		trigger:     make(chan struct{}, 1),
		reset:       make(chan time.Duration, 1),
	}
}

// Start runs the scheduling loop. It performs an initial pass and blocks
// until the context is cancelled or Stop is called. A stopped scheduler can
// be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelFunc != nil {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelFunc = cancel
	s.done = done
	interval := s.interval
	s.mu.Unlock()

	subs := s.subscribe(schedCtx)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		cancel()
		s.mu.Lock()
		s.cancelFunc = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
		slog.Info("Auto-sync scheduler shut down")
	}()

	slog.Info("Starting auto-sync scheduler", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runPass(schedCtx, "startup")

	for {
		select {
		case <-ticker.C:
			s.runPass(schedCtx, "interval")
		case <-s.trigger:
			s.runPass(schedCtx, "trigger")
		case d := <-s.reset:
			ticker.Reset(d)
			slog.Info("Auto-sync interval changed", "interval", d)
		case <-schedCtx.Done():
			slog.Info("Auto-sync scheduler stopping")
			return nil
		}
	}
}

// Stop cancels future passes and waits for the loop to exit. A pass that is
// already running completes first.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancelFunc, s.done
	s.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping auto-sync scheduler")
		cancel()
		<-done
	}
	return nil
}

// Trigger requests a pass as soon as the loop is free. Requests made while
// one is already waiting are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the tick period without restarting the loop
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}

	// keep only the latest request
	select {
	case <-s.reset:
	default:
	}
	select {
	case s.reset <- d:
	default:
	}
}

// Interval returns the current tick period
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) runPass(ctx context.Context, reason string) {
	if s.coordinator.IsSyncing() {
		slog.Debug("Pass already running, skipping", "reason", reason)
		return
	}
	// the pass itself is not interrupted by Stop
	result := s.coordinator.Sync(context.WithoutCancel(ctx))
	slog.Debug("Scheduled pass finished",
		"reason", reason,
		"pass_id", result.PassID,
		"success", result.Success)
}

func (s *Scheduler) subscribe(ctx context.Context) []*events.Subscription {
	if s.bus == nil {
		return nil
	}

	enqueue := func(kind queue.Kind, c chunk.Chunk) {
		if _, err := s.coordinator.QueueChange(ctx, kind, c); err != nil {
			slog.Warn("Ignoring content event", "kind", kind, "error", err)
		}
	}

	return []*events.Subscription{
		events.SubscribeTo(s.bus, func(e events.ContentCreated) { enqueue(queue.KindCreate, e.Chunk) }),
		events.SubscribeTo(s.bus, func(e events.ContentChanged) { enqueue(queue.KindUpdate, e.Chunk) }),
		events.SubscribeTo(s.bus, func(e events.ContentDeleted) { enqueue(queue.KindDelete, chunk.Chunk{ID: e.ChunkID}) }),
		events.SubscribeTo(s.bus, func(e events.ConnectivityChanged) {
			if e.Online {
				slog.Info("Connectivity restored, triggering sync")
				s.Trigger()
			}
		}),
	}
}
