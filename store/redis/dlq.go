package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
)

// PushFailure persists a failed-job record.
func (s *Store) PushFailure(ctx context.Context, rec *dlq.Record) error {
	args, err := failureHashArgs(rec)
	if err != nil {
		return fmt.Errorf("photoq/redis: push failure: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, failureKey(rec.ID.String()), args...)
	pipe.SAdd(ctx, failureIDsKey, rec.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("photoq/redis: push failure: %w", err)
	}
	return nil
}

// GetFailure retrieves a record by ID.
func (s *Store) GetFailure(ctx context.Context, failureID id.FailureID) (*dlq.Record, error) {
	fields, err := s.client.HGetAll(ctx, failureKey(failureID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get failure: %w", err)
	}
	if len(fields) == 0 {
		return nil, photoq.ErrFailedJobNotFound
	}
	rec, err := parseFailure(fields)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get failure: %w", err)
	}
	return rec, nil
}

// scanFailures loads every failure record.
func (s *Store) scanFailures(ctx context.Context) ([]*dlq.Record, error) {
	ids, err := s.client.SMembers(ctx, failureIDsKey).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]*dlq.Record, 0, len(ids))
	for _, fid := range ids {
		fields, err := s.client.HGetAll(ctx, failureKey(fid)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseFailure(fields)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ListFailures returns records matching opts, newest first.
func (s *Store) ListFailures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Record, error) {
	all, err := s.scanFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: list failures: %w", err)
	}

	result := make([]*dlq.Record, 0, len(all))
	for _, rec := range all {
		if opts.Queue != "" && rec.Queue != opts.Queue {
			continue
		}
		if !opts.Since.IsZero() && rec.FailedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && rec.FailedAt.After(opts.Until) {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].FailedAt.Equal(result[k].FailedAt) {
			return result[i].FailedAt.After(result[k].FailedAt)
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

// MarkRequeued stamps RequeuedAt on a record.
func (s *Store) MarkRequeued(ctx context.Context, failureID id.FailureID, at time.Time) error {
	key := failureKey(failureID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("photoq/redis: mark requeued: %w", err)
	}
	if exists == 0 {
		return photoq.ErrFailedJobNotFound
	}
	if err := s.client.HSet(ctx, key, "requeued_at", encodeTime(at)).Err(); err != nil {
		return fmt.Errorf("photoq/redis: mark requeued: %w", err)
	}
	return nil
}

// PurgeFailures removes records that failed before the given time,
// optionally restricted to one queue.
func (s *Store) PurgeFailures(ctx context.Context, queueName string, before time.Time) (int64, error) {
	all, err := s.scanFailures(ctx)
	if err != nil {
		return 0, fmt.Errorf("photoq/redis: purge failures: %w", err)
	}
	var removed int64
	for _, rec := range all {
		if queueName != "" && rec.Queue != queueName {
			continue
		}
		if !rec.FailedAt.Before(before) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, failureKey(rec.ID.String()))
		pipe.SRem(ctx, failureIDsKey, rec.ID.String())
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("photoq/redis: purge failures: %w", err)
		}
		removed++
	}
	return removed, nil
}

// CountFailures returns the number of records, optionally per queue.
func (s *Store) CountFailures(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		n, err := s.client.SCard(ctx, failureIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("photoq/redis: count failures: %w", err)
		}
		return n, nil
	}
	all, err := s.scanFailures(ctx)
	if err != nil {
		return 0, fmt.Errorf("photoq/redis: count failures: %w", err)
	}
	var n int64
	for _, rec := range all {
		if rec.Queue == queueName {
			n++
		}
	}
	return n, nil
}
