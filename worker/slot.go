package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Vanuan/photoq"
)

// slot is one claim loop. A worker handle runs `concurrency` slots; a
// slot claims at most one job at a time. The draining flag and drainCh
// are written only by the supervisor.
type slot struct {
	draining bool
	drainCh  chan struct{}
}

// runSlot claims and executes jobs until the manager stops or the
// supervisor drains the slot.
func (m *Manager) runSlot(ws *workerState, s *slot) {
	defer m.slotWG.Done()
	defer m.slotExited(ws, s)

	for {
		select {
		case <-m.stopCh:
			return
		case <-s.drainCh:
			return
		default:
		}

		// Capture the wakeup channel before touching the store so an
		// enqueue landing between the failed claim and the idle wait
		// still wakes the slot.
		wake := m.hub.C(ws.queue)

		if m.statusOf(ws) != StatusRunning {
			if !m.idleSlot(s, wake) {
				return
			}
			continue
		}
		if m.claimOne(ws) {
			continue
		}
		if !m.idleSlot(s, wake) {
			return
		}
	}
}

// claimOne attempts a single claim-execute cycle. It reports whether a
// job was claimed; false means the slot should idle before retrying.
func (m *Manager) claimOne(ws *workerState) bool {
	// The worker rate limit counts claimed jobs, not attempts, so the
	// token is reserved here and returned if no job was ready.
	var res *rate.Reservation
	if ws.limiter != nil {
		res = ws.limiter.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			return false
		}
	}

	// The registry gate checks pause, the concurrency cap, the circuit
	// breaker, and the queue rate limit, and reserves an active slot.
	if err := m.queues.Acquire(ws.queue); err != nil {
		if res != nil {
			res.Cancel()
		}
		return false
	}

	leaseFor := m.leaseFor(ws.queue)
	j, err := m.store.ClaimJob(context.Background(), ws.queue, ws.id, leaseFor)
	if err != nil {
		// Nothing ran, so give back the breaker probe and the slot.
		if brk := m.queues.Breaker(ws.queue); brk != nil {
			brk.Cancel()
		}
		m.queues.Release(ws.queue)
		if res != nil {
			res.Cancel()
		}
		if !errors.Is(err, photoq.ErrNoJobReady) {
			m.reportClaimError(ws.queue, err)
		}
		return false
	}

	ws.active.Add(1)
	m.execute(ws, j, leaseFor)
	ws.active.Add(-1)
	m.queues.Release(ws.queue)
	return true
}

// idleSlot parks the slot until a wakeup, a poll tick, a drain, or
// shutdown. It reports false when the slot should exit.
func (m *Manager) idleSlot(s *slot, wake <-chan struct{}) bool {
	t := time.NewTimer(m.pollInterval)
	defer t.Stop()
	select {
	case <-m.stopCh:
		return false
	case <-s.drainCh:
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}

func (m *Manager) statusOf(ws *workerState) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ws.status
}

// slotExited hands slot-list bookkeeping to the supervisor. During
// shutdown the supervisor is gone and the state is discarded wholesale,
// so the notification is skipped.
func (m *Manager) slotExited(ws *workerState, s *slot) {
	select {
	case m.cmdCh <- command{op: opSlotExit, queue: ws.queue, slot: s}:
	case <-m.stopCh:
	}
}

// leaseFor resolves the claim lease for a queue, preferring the queue
// config over the manager default.
func (m *Manager) leaseFor(queueName string) time.Duration {
	q, err := m.queues.Get(context.Background(), queueName)
	if err == nil && q.Config.LeaseDuration > 0 {
		return q.Config.LeaseDuration
	}
	return m.leaseDuration
}

// reportClaimError surfaces store failures on the claim path. These
// are infrastructure errors, not job failures; the health monitor
// subscribes via WithClaimErrorFunc.
func (m *Manager) reportClaimError(queueName string, err error) {
	m.logger.Error("job claim failed",
		slog.String("queue", queueName),
		slog.Any("error", err),
	)
	if m.claimErrFn != nil {
		m.claimErrFn(queueName, err)
	}
}
