// Package notify provides in-process wakeup signals for claim loops,
// keyed by queue name.
//
// Claim loops idle-wait instead of busy-polling: before checking the
// store a loop captures the queue's wait channel, and if nothing is
// ready it blocks on that channel until an enqueue, retry, or reclaim
// wakes it. Signals are node-local hints only; the poll interval
// remains as a fallback so a missed wakeup (or work produced by
// another node) is still picked up.
package notify

import (
	"context"
	"sync"
	"time"
)

// Hub fans wakeup signals out to waiting claim loops.
// The zero value is not usable; call NewHub.
type Hub struct {
	mu     sync.Mutex
	wakers map[string]chan struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{wakers: make(map[string]chan struct{})}
}

// C returns the channel to wait on for the queue. The channel is
// closed on the next Wake; capture it before checking the store so a
// signal arriving between the check and the wait is not lost.
func (h *Hub) C(queue string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.wakers[queue]
	if !ok {
		ch = make(chan struct{})
		h.wakers[queue] = ch
	}
	return ch
}

// Wake signals all current waiters on the queue. Non-blocking; a
// wakeup with no waiters is a no-op beyond channel replacement.
func (h *Hub) Wake(queue string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.wakers[queue]; ok {
		close(ch)
	}
	// Installing a fresh channel makes the closed one a one-shot
	// broadcast: existing waiters all observe it, later waiters get
	// the new channel.
	h.wakers[queue] = make(chan struct{})
}

// Wait blocks until the queue is woken, d elapses, or ctx is done.
// It reports whether a wakeup (rather than the timer or context)
// ended the wait.
func (h *Hub) Wait(ctx context.Context, queue string, d time.Duration) bool {
	ch := h.C(queue)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
