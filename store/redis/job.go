package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// transitionErr maps a guarded-transition script result to an error:
// 1 success, 0 guard failed, -1 job missing.
func transitionErr(n int64, fallback error) error {
	switch n {
	case 1:
		return nil
	case -1:
		return photoq.ErrJobNotFound
	default:
		return fallback
	}
}

// CreateJob persists a new job hash and indexes it: the idempotency
// hash enforces per-queue key uniqueness, the pending or delayed
// sorted set makes it claimable.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	hashArgs, err := jobHashArgs(j)
	if err != nil {
		return fmt.Errorf("photoq/redis: create job: %w", err)
	}
	now := time.Now().UTC()
	args := make([]any, 0, 5+len(hashArgs))
	args = append(args,
		j.ID.String(), j.IdempotencyKey,
		pendingScore(j.Priority, j.RunAt), msScore(j.RunAt), boolArg(!j.RunAt.After(now)))
	args = append(args, hashArgs...)

	res, err := createJobScript.Run(ctx, s.client,
		[]string{jobKey(j.ID.String()), jobIDsKey, idemKey(j.Queue), pendingKey(j.Queue), delayedKey(j.Queue)},
		args...).Text()
	if err != nil {
		return fmt.Errorf("photoq/redis: create job: %w", err)
	}
	if res != "OK" {
		return photoq.ErrJobAlreadyExists
	}
	return nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, photoq.ErrJobNotFound
	}
	j, err := parseJob(fields)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by queue and idempotency key. The empty
// key never matches.
func (s *Store) GetJobByKey(ctx context.Context, queueName, key string) (*job.Job, error) {
	if key == "" {
		return nil, photoq.ErrJobNotFound
	}
	jobID, err := s.client.HGet(ctx, idemKey(queueName), key).Result()
	if err != nil {
		if isNil(err) {
			return nil, photoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("photoq/redis: get job by key: %w", err)
	}
	parsed, err := id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get job by key: %w", err)
	}
	return s.GetJob(ctx, parsed)
}

// ClaimJob atomically claims the best eligible job in the queue. The
// script promotes due delayed jobs into the pending set, pops the
// lowest-scored entry (highest priority, earliest RunAt), and
// activates it under a lease, so no two workers can win the same job.
func (s *Store) ClaimJob(ctx context.Context, queueName string, workerID id.WorkerID, leaseFor time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	lease := now.Add(leaseFor)
	jobID, err := claimJobScript.Run(ctx, s.client,
		[]string{pendingKey(queueName), delayedKey(queueName), leasesKey},
		keyPrefix, msScore(now), encodeTime(now), msScore(lease), encodeTime(lease),
		workerID.String()).Text()
	if err != nil {
		if isNil(err) {
			return nil, photoq.ErrNoJobReady
		}
		return nil, fmt.Errorf("photoq/redis: claim job: %w", err)
	}
	// Only the claimer can transition the job past this point, so a
	// plain read-back is safe.
	parsed, err := id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: claim job: %w", err)
	}
	return s.GetJob(ctx, parsed)
}

// RenewLease extends the lease of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseFor time.Duration) error {
	lease := time.Now().UTC().Add(leaseFor)
	n, err := renewLeaseScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), leasesKey},
		jobID.String(), workerID.String(), encodeTime(lease), msScore(lease)).Int64()
	if err != nil {
		return fmt.Errorf("photoq/redis: renew lease: %w", err)
	}
	return transitionErr(n, photoq.ErrLeaseLost)
}

// SetJobProgress records progress and renews the lease.
func (s *Store) SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, pct int, leaseFor time.Duration) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := time.Now().UTC()
	lease := now.Add(leaseFor)
	n, err := setProgressScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), leasesKey},
		jobID.String(), workerID.String(), strconv.Itoa(pct),
		encodeTime(lease), msScore(lease), encodeTime(now)).Int64()
	if err != nil {
		return fmt.Errorf("photoq/redis: set job progress: %w", err)
	}
	return transitionErr(n, photoq.ErrLeaseLost)
}

// CompleteJob marks a held job completed and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (*job.Job, error) {
	now := time.Now().UTC()
	n, err := completeJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), leasesKey},
		jobID.String(), workerID.String(), string(result), encodeTime(now)).Int64()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: complete job: %w", err)
	}
	if err := transitionErr(n, photoq.ErrLeaseLost); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// FailJob marks a held job terminally failed and releases its lease.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	n, err := failJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), leasesKey},
		jobID.String(), workerID.String(), lastError, encodeTime(now)).Int64()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: fail job: %w", err)
	}
	if err := transitionErr(n, photoq.ErrLeaseLost); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// RescheduleJob returns a held job to the queue as delayed for a
// retry. The queue name is read first to address the delayed set; a
// job never changes queue, so the read cannot go stale.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	runAt = runAt.UTC()
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	n, err := rescheduleJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), leasesKey, delayedKey(j.Queue)},
		jobID.String(), workerID.String(), encodeTime(runAt),
		strconv.FormatInt(runAt.Unix(), 10), msScore(runAt), lastError, encodeTime(now)).Int64()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: reschedule job: %w", err)
	}
	if err := transitionErr(n, photoq.ErrLeaseLost); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// CancelJob transitions a waiting or delayed job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	n, err := cancelJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), pendingKey(j.Queue), delayedKey(j.Queue)},
		jobID.String(), encodeTime(now)).Int64()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: cancel job: %w", err)
	}
	if err := transitionErr(n, photoq.ErrJobNotCancellable); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// RequeueJob makes a failed, delayed, or cancelled job immediately
// eligible again, preserving its attempt history. A job already
// waiting is returned unchanged.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	n, err := requeueJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), pendingKey(j.Queue), delayedKey(j.Queue)},
		jobID.String(), encodeTime(now), strconv.FormatInt(now.Unix(), 10)).Int64()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: requeue job: %w", err)
	}
	switch n {
	case 1, 2:
		return s.GetJob(ctx, jobID)
	case -1:
		return nil, photoq.ErrJobNotFound
	default:
		return nil, photoq.ErrInvalidState
	}
}

// ReapExpiredLeases reclaims active jobs whose lease deadline passed.
// One script pass partitions them by remaining attempts, so a job is
// never touched twice.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (reclaimed, exhausted []*job.Job, err error) {
	now = now.UTC()
	res, err := reapScript.Run(ctx, s.client, []string{leasesKey},
		keyPrefix, msScore(now), encodeTime(now),
		strconv.FormatInt(now.Unix(), 10), leaseExpiredMsg).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/redis: reap leases: %w", err)
	}
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return nil, nil, fmt.Errorf("photoq/redis: reap leases: unexpected reply %T", res)
	}
	if reclaimed, err = s.jobsByIDs(ctx, scriptIDs(parts[0])); err != nil {
		return nil, nil, fmt.Errorf("photoq/redis: reap leases: %w", err)
	}
	if exhausted, err = s.jobsByIDs(ctx, scriptIDs(parts[1])); err != nil {
		return nil, nil, fmt.Errorf("photoq/redis: reap leases: %w", err)
	}
	return reclaimed, exhausted, nil
}

// scriptIDs converts a script array reply into member strings.
func scriptIDs(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// jobsByIDs loads the job hash behind each ID, skipping any deleted
// between the script and the read.
func (s *Store) jobsByIDs(ctx context.Context, ids []string) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ids))
	for _, jid := range ids {
		fields, err := s.client.HGetAll(ctx, jobKey(jid)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		j, err := parseJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// scanJobs loads every job hash. Admin listings and counts accept a
// full scan; the claim path never does this.
func (s *Store) scanJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, err
	}
	return s.jobsByIDs(ctx, ids)
}

// ListJobs returns jobs in the given state ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.scanJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: list jobs: %w", err)
	}

	result := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		result = append(result, j)
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobsByState returns per-state totals for the queue. An empty
// queue name counts across all queues.
func (s *Store) CountJobsByState(ctx context.Context, queueName string) (job.Counts, error) {
	all, err := s.scanJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: count jobs: %w", err)
	}
	counts := make(job.Counts)
	for _, j := range all {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		counts[j.State]++
	}
	return counts, nil
}

// CountReady returns how many jobs in the queue are claimable at now:
// everything pending plus delayed entries already due.
func (s *Store) CountReady(ctx context.Context, queueName string, now time.Time) (int64, error) {
	pending, err := s.client.ZCard(ctx, pendingKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("photoq/redis: count ready: %w", err)
	}
	due, err := s.client.ZCount(ctx, delayedKey(queueName), "-inf",
		strconv.FormatInt(now.UTC().UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("photoq/redis: count ready: %w", err)
	}
	return pending + due, nil
}

// PruneJobs removes terminal jobs finished before cutoff and, when
// keep > 0, all but the newest keep terminal jobs. A job's finish
// time is CompletedAt, falling back to UpdatedAt.
func (s *Store) PruneJobs(ctx context.Context, queueName string, cutoff time.Time, keep int) (int64, error) {
	all, err := s.scanJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("photoq/redis: prune jobs: %w", err)
	}

	type finished struct {
		id string
		at time.Time
	}
	var (
		removed  int64
		terminal []finished
	)
	for _, j := range all {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if !j.State.Terminal() {
			continue
		}
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if !cutoff.IsZero() && at.Before(cutoff) {
			if err := s.removeJob(ctx, j.ID.String()); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		terminal = append(terminal, finished{id: j.ID.String(), at: at})
	}

	if keep > 0 && len(terminal) > keep {
		// Oldest first; drop everything beyond the newest keep.
		sort.Slice(terminal, func(i, k int) bool {
			return terminal[i].at.Before(terminal[k].at)
		})
		for _, f := range terminal[:len(terminal)-keep] {
			if err := s.removeJob(ctx, f.id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) removeJob(ctx context.Context, jobID string) error {
	err := deleteJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID), jobIDsKey}, keyPrefix, jobID).Err()
	if err != nil {
		return fmt.Errorf("photoq/redis: delete job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and every index entry for it.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	n, err := deleteJobScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String()), jobIDsKey}, keyPrefix, jobID.String()).Int64()
	if err != nil {
		return fmt.Errorf("photoq/redis: delete job: %w", err)
	}
	if n == 0 {
		return photoq.ErrJobNotFound
	}
	return nil
}
