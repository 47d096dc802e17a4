package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
)

// errStalled mirrors the last-error stamp stores write when a lease
// expires without renewal.
var errStalled = errors.New("lease expired without renewal")

// ──────────────────────────────────────────────────
// Heartbeat
// ──────────────────────────────────────────────────

// heartbeatLoop renews the leases of in-flight jobs so slow handlers
// are not reaped as stalled.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.renewLeases()
		}
	}
}

func (m *Manager) renewLeases() {
	type entry struct {
		jobID id.JobID
		fl    inflightJob
	}
	m.inflightMu.Lock()
	entries := make([]entry, 0, len(m.inflight))
	for jobID, fl := range m.inflight {
		entries = append(entries, entry{jobID: jobID, fl: fl})
	}
	m.inflightMu.Unlock()

	for _, e := range entries {
		err := m.store.RenewLease(context.Background(), e.jobID, e.fl.workerID, e.fl.leaseFor)
		if err == nil {
			continue
		}
		if errors.Is(err, photoq.ErrLeaseLost) || errors.Is(err, photoq.ErrJobNotFound) {
			// The job was reclaimed or cancelled from outside. Stop
			// the local execution so at most one worker processes it.
			m.logger.Warn("lease lost, cancelling local execution",
				slog.String("job_id", e.jobID.String()),
			)
			e.fl.cancel()
			continue
		}
		m.logger.Error("lease renewal failed",
			slog.String("job_id", e.jobID.String()),
			slog.Any("error", err),
		)
	}
}

// ──────────────────────────────────────────────────
// Sweep
// ──────────────────────────────────────────────────

// sweepLoop reaps expired leases: jobs whose worker died mid-run
// return to waiting, and jobs out of attempts are dead-lettered. The
// sweep runs regardless of breaker or pause state so stalled work is
// recovered even while a queue is closed to new claims.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	ctx := context.Background()
	reclaimed, exhausted, err := m.store.ReapExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error("lease sweep failed", slog.Any("error", err))
		return
	}

	for _, j := range reclaimed {
		m.logger.Warn("stalled job reclaimed",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)
		if m.emitter != nil {
			m.emitter.EmitJobRetrying(ctx, j, 0)
		}
		m.hub.Wake(j.Queue)
	}

	for _, j := range exhausted {
		rec, dlqErr := m.letters.Add(ctx, j, errStalled, dlq.ReasonStalled)
		if dlqErr != nil {
			m.logger.Error("dead letter record not stored",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", dlqErr),
			)
			continue
		}
		if m.emitter != nil {
			m.emitter.EmitJobDeadLettered(ctx, j, rec)
		}
	}
}

// ──────────────────────────────────────────────────
// Cleanup
// ──────────────────────────────────────────────────

// cleanupLoop prunes terminal jobs per each queue's cleanup policy.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	ctx := context.Background()
	qs, err := m.queues.List(ctx)
	if err != nil {
		m.logger.Error("cleanup queue listing failed", slog.Any("error", err))
		return
	}

	for _, q := range qs {
		pol := q.Config.Cleanup
		if !pol.Enabled() {
			continue
		}
		var cutoff time.Time
		if pol.MaxAge > 0 {
			cutoff = time.Now().UTC().Add(-pol.MaxAge)
		}
		n, err := m.store.PruneJobs(ctx, q.Name, cutoff, pol.MaxCount)
		if err != nil {
			m.logger.Error("job pruning failed",
				slog.String("queue", q.Name),
				slog.Any("error", err),
			)
			continue
		}
		if n > 0 {
			m.logger.Debug("terminal jobs pruned",
				slog.String("queue", q.Name),
				slog.Int64("removed", n),
			)
		}
	}
}
