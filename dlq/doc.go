// Package dlq stores jobs that exhausted their retry budget or were
// classified non-retryable. It supports inspection, manual requeue,
// and retention purging.
//
// The scheduler routes a failed job here when the failure is
// non-retryable (Data, Logic, Security) or the attempt budget is
// spent; the lease sweep routes jobs that stalled past their budget.
// The job's payload, failure classification, and attempt counts are
// snapshotted into a [Record] so nothing about the failure is lost.
//
// # Record
//
// A [Record] captures:
//   - JobID / Kind / Queue / Payload / Priority: the original job
//   - Error / Category / Reason: what went wrong and how it was classified
//   - Attempts / MaxAttempts: the spent budget
//   - Requeuable: whether a manual requeue is permitted (false for
//     security denials, which are audited instead)
//   - FailedAt / RequeuedAt: when it failed and when it was requeued
//
// # Service
//
// [Service] wraps the store with the operations the admin surface
// exposes:
//
//	svc := dlq.NewService(store, jobStore, logger)
//
//	recs, _ := svc.List(ctx, dlq.ListOpts{Queue: "thumbs", Limit: 50})
//	fresh, _ := svc.Requeue(ctx, recs[0].ID)   // new job, attempts reset
//	removed, _ := svc.Purge(ctx, "", 30*24*time.Hour)
//
// Requeue rebuilds the job from the snapshot with a fresh ID and a
// zero attempt count; the record stays (stamped with RequeuedAt) for
// audit history until purged.
package dlq
