// Package coordinator runs sync passes and schedules them.
//
// The Coordinator owns the engine state: the change queue, the current
// status, the last successful sync time and the active settings. It is
// constructed with every collaborator injected and restores any persisted
// queue on creation.
//
// # Passes
//
// Sync runs one pass through a fixed sequence:
//
//  1. If a pass is already running, return at once with a sync_in_progress error.
//  2. If the connectivity oracle reports offline, set status offline and return.
//  3. If the remote health check fails, set status error and return.
//  4. If nothing is pending, return success with no remote calls.
//  5. Otherwise dispatch a snapshot of the queue, persist the state, set status
//     idle or error, publish SyncCompleted and return the result.
//
// Aborts in steps 1 to 3 never touch the queue or retry counts. Sync never
// returns an error; every outcome is in the returned status.SyncResult.
//
// # Scheduling
//
// A Scheduler calls Sync on a ticker and on demand. It subscribes to the
// event bus so content events queue changes and a connectivity transition
// to online triggers an immediate pass:
//
//	c, err := coordinator.New(ctx, remoteSvc, persistence, oracle,
//	    coordinator.WithPublisher(bus))
//	if err != nil {
//	    return err
//	}
//	s := coordinator.NewScheduler(c, bus, 30*time.Second)
//	go s.Start(ctx)
//	defer s.Stop()
//
// Stop prevents further passes. A pass that is already running finishes first.
//
// # Manual conflicts
//
// Under the manual policy a conflicting update stays queued and is reported
// again on every pass. Resolve settles it by writing the local or merged
// value, or by adopting the remote one.
package coordinator
