// Package tasksync provides the offline-first task synchronization service.
//
// One Service runs per work type. It serves reads from the local cache,
// applies every mutation optimistically, confirms it against the remote
// store when reachable and queues it durably otherwise.
//
// Architecture:
//
//	caller ──► Service ──► cache (SQLite, authoritative read path)
//	              │
//	              ├──► remote.Adapter (when configured and probe says reachable)
//	              │
//	              └──► queue (on unreachable or remote error)
//
// Mutation shape:
//  1. Compute the next record from a copy of the current one.
//  2. Persist it dirty and publish, before any network activity.
//  3. Offline: enqueue the full snapshot and return the optimistic record.
//  4. Online: call the remote. Success replaces the record with the
//     canonical one and marks its queue entries synced. Failure logs,
//     enqueues and sets the error string; the optimistic record stays.
//
// Deletes are the exception: a failed remote delete puts the record back
// where it was and returns an error, so data the remote still holds is not
// silently hidden.
//
// Concurrency:
//   - A mutex per task id covers read, compute and persist.
//   - A per-task sequencer issues remote calls and enqueues in the order
//     the mutations were applied locally.
//   - Every entity carries a version stamp; a confirmation that arrives
//     after a newer local mutation is dropped.
//   - Deleting a task tombstones it: queued-behind mutations skip their
//     remote phase, running remote calls are cancelled and late
//     confirmations are dropped.
//
// Subtasks follow the same contract as tasks. Their state lives inside the
// parent bundle in the cache, and their queue entries use entity kind
// "subtask".
package tasksync
