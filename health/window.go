package health

import "time"

// ring accumulates hook events into a fixed number of time buckets so
// per-queue rates can be read over a sliding window without keeping a
// sample per event. Callers hold the monitor's lock.
type ring struct {
	bucketDur time.Duration
	buckets   []bucket
}

type bucket struct {
	start int64 // unix nanos of the slot this bucket covers

	enqueued     int64
	completed    int64
	failed       int64
	deadLettered int64

	waitSum time.Duration
	waitN   int64
	procSum time.Duration
	procN   int64
}

func newRing(window time.Duration, n int) *ring {
	return &ring{
		bucketDur: window / time.Duration(n),
		buckets:   make([]bucket, n),
	}
}

// slot returns the bucket covering now. A bucket left over from a
// previous lap around the ring is reset before use.
func (r *ring) slot(now time.Time) *bucket {
	start := now.Truncate(r.bucketDur).UnixNano()
	i := int((start / int64(r.bucketDur)) % int64(len(r.buckets)))
	b := &r.buckets[i]
	if b.start != start {
		*b = bucket{start: start}
	}
	return b
}

// sum folds every bucket that still falls inside the window ending at
// now into a single total.
func (r *ring) sum(now time.Time) bucket {
	oldest := now.Add(-r.bucketDur * time.Duration(len(r.buckets))).UnixNano()
	var total bucket
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.start == 0 || b.start < oldest {
			continue
		}
		total.enqueued += b.enqueued
		total.completed += b.completed
		total.failed += b.failed
		total.deadLettered += b.deadLettered
		total.waitSum += b.waitSum
		total.waitN += b.waitN
		total.procSum += b.procSum
		total.procN += b.procN
	}
	return total
}
