package redis

import "time"

// Redis key naming for photoq data. All keys carry the "photoq:"
// prefix to avoid collisions with co-tenants.

const keyPrefix = "photoq:"

// ── Job keys ──

// jobKey returns the Hash key for one job: photoq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set of all job IDs, for enumeration.
const jobIDsKey = keyPrefix + "jobs"

// pendingKey returns the Sorted Set of claimable jobs in a queue:
// photoq:pending:{queue}. Scores order by priority descending, then
// run-at ascending at second resolution, then member ID.
func pendingKey(queue string) string { return keyPrefix + "pending:" + queue }

// delayedKey returns the Sorted Set of not-yet-due jobs in a queue,
// scored by due time in milliseconds: photoq:delayed:{queue}
func delayedKey(queue string) string { return keyPrefix + "delayed:" + queue }

// leasesKey is the Sorted Set of active jobs scored by lease deadline
// in milliseconds. The sweep reaps everything scored at or below now.
const leasesKey = keyPrefix + "leases"

// idemKey returns the Hash mapping idempotency keys to job IDs for a
// queue: photoq:idem:{queue}
func idemKey(queue string) string { return keyPrefix + "idem:" + queue }

// ── Queue keys ──

// queuesKey is the Hash of queue definitions, name to JSON.
const queuesKey = keyPrefix + "queues"

// ── Recurring keys ──

// recurringKey returns the JSON string key for one spec: photoq:recurring:{id}
func recurringKey(id string) string { return keyPrefix + "recurring:" + id }

// recurringIDsKey is the Set of all recurring spec IDs.
const recurringIDsKey = keyPrefix + "recurring_ids"

// recurringNamesKey maps spec names to IDs for duplicate detection.
const recurringNamesKey = keyPrefix + "recurring_names"

// recurringLockKey returns the dispatch-lock key for one spec:
// photoq:reclock:{id}
func recurringLockKey(id string) string { return keyPrefix + "reclock:" + id }

// ── Failure keys ──

// failureKey returns the Hash key for one dead-letter record: photoq:failure:{id}
func failureKey(id string) string { return keyPrefix + "failure:" + id }

// failureIDsKey is the Set of all dead-letter record IDs.
const failureIDsKey = keyPrefix + "failures"

// ── scoring ──

// pendingScore orders the claimable set: higher priority sorts first,
// then earlier run-at. Run-at enters at second resolution, so ties
// within one second break by member ID, which is creation order for
// K-sortable IDs. Magnitudes stay inside float64 exact-integer range.
func pendingScore(priority int, runAt time.Time) float64 {
	return float64(-priority)*1e10 + float64(runAt.Unix())
}

// msScore is the Sorted Set score for a point in time.
func msScore(t time.Time) float64 { return float64(t.UnixMilli()) }
