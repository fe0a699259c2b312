// Package queue reconciles a job queue from two kinds of bus streams.
//
// A queue-wide stream carries the ordering: which job ids are queued,
// which one executes, which finished. Per-job streams carry the details
// of each job (state, checkpoints, description, metadata, log level and
// log messages). The two arrive independently and in any interleaving.
//
// # Reconciliation
//
// The Tracker owns one Job per known id. Each field keeps the value with
// the newest sample timestamp, so replaying the same samples in a
// different order converges to the same snapshot. Updates for an id the
// queue has not announced yet are held for PendingExpiry and applied when
// the id appears. Ids that leave the queue are retired for RetireGrace:
// late updates are ignored, and an id that comes back is revived with its
// previous fields.
//
// # Publishing
//
// Snapshot rebuilds the view from scratch on every call. The current job
// never appears in the queued list, and ids without a tracked job are
// filtered out. Publish returns a snapshot only when something changed,
// which lets the relay coalesce a burst of deliveries into one envelope.
//
// # Usage
//
//	t := queue.NewTracker(queue.DefaultConfig(), watcher)
//	t.ApplyQueue(queue.QueueUpdate{Queued: []string{"100", "101"}, Timestamp: ts})
//	t.ApplyJob(queue.JobUpdate{ID: "101", Stream: queue.StreamState,
//		Fields: map[string]any{"state": "RUNNING"}, Timestamp: ts})
//	if snap, ok := t.Publish(); ok {
//		send(snap.Payload())
//	}
//
// The Tracker holds no locks and must be driven from one goroutine.
package queue
