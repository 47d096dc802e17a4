package audithook

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the built-in trail.
const DefaultCapacity = 256

// Trail is a bounded in-memory audit record. Once full, each new event
// evicts the oldest one.
type Trail struct {
	mu    sync.Mutex
	evts  []*Event
	next  int
	total int64
}

var _ Recorder = (*Trail)(nil)

// NewTrail creates a trail retaining up to capacity events.
func NewTrail(capacity int) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{evts: make([]*Event, 0, capacity)}
}

// Record implements Recorder.
func (t *Trail) Record(_ context.Context, evt *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.evts) < cap(t.evts) {
		t.evts = append(t.evts, evt)
	} else {
		t.evts[t.next] = evt
		t.next = (t.next + 1) % len(t.evts)
	}
	t.total++
	return nil
}

// Events returns the retained events in chronological order.
func (t *Trail) Events() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Event, 0, len(t.evts))
	out = append(out, t.evts[t.next:]...)
	out = append(out, t.evts[:t.next]...)
	return out
}

// Len returns the number of retained events.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.evts)
}

// Total returns the number of events ever recorded, including evicted
// ones.
func (t *Trail) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
