// Package sync applies queued chunk changes to the remote chunk service.
//
// # Dispatch
//
// A Dispatcher takes a snapshot of the change queue and partitions it,
// keeping enqueue order, into creates, updates and deletes. They are applied
// in that order so new content exists remotely before anything that refers
// to it:
//
//   - Creates are sent in bulk, at most Settings.BatchSize per call. A failed
//     call counts as a failure for every chunk in that group.
//   - Updates are applied one at a time. The remote version is fetched,
//     compared with the queued snapshot by the conflict package, and the
//     resolved value is written unless the policy adopts the remote value
//     or leaves the conflict for manual resolution.
//   - Deletes are applied one at a time.
//
// One item failing never stops the rest of the pass.
//
// # Retries
//
// RetryPolicy counts per-item failures on the queued change. Once the count
// exceeds Settings.MaxRetries the change is evicted, a ChangeEvicted event is
// published and the failure is reported as not recoverable.
//
// Pass-level aborts (already syncing, offline, unhealthy remote) are decided
// by the coordinator subpackage before a Dispatcher runs and never count
// against the retry ceiling.
package sync
