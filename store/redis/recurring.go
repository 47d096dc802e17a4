package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/scheduler"
)

// Recurring specs are JSON values under their own keys, indexed by an
// ID set and a name-to-ID hash that doubles as the uniqueness guard.
// The dispatch lock is a separate TTL key, so an expired lock simply
// vanishes.

// CreateRecurring persists a new spec and claims its unique name.
func (s *Store) CreateRecurring(ctx context.Context, spec *scheduler.RecurringSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("photoq/redis: create recurring: %w", err)
	}
	res, err := createRecurringScript.Run(ctx, s.client,
		[]string{recurringKey(spec.ID.String()), recurringNamesKey, recurringIDsKey},
		spec.Name, spec.ID.String(), string(raw)).Text()
	if err != nil {
		return fmt.Errorf("photoq/redis: create recurring: %w", err)
	}
	if res != "OK" {
		return photoq.ErrDuplicateRecurring
	}
	return nil
}

// GetRecurring retrieves a recurring spec by ID.
func (s *Store) GetRecurring(ctx context.Context, recurringID id.RecurringID) (*scheduler.RecurringSpec, error) {
	raw, err := s.client.Get(ctx, recurringKey(recurringID.String())).Result()
	if err != nil {
		if isNil(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/redis: get recurring: %w", err)
	}
	var spec scheduler.RecurringSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("photoq/redis: get recurring: %w", err)
	}
	return &spec, nil
}

// GetRecurringByName retrieves a recurring spec by its unique name.
func (s *Store) GetRecurringByName(ctx context.Context, name string) (*scheduler.RecurringSpec, error) {
	specID, err := s.client.HGet(ctx, recurringNamesKey, name).Result()
	if err != nil {
		if isNil(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/redis: get recurring by name: %w", err)
	}
	parsed, err := id.Parse(specID)
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: get recurring by name: %w", err)
	}
	return s.GetRecurring(ctx, parsed)
}

// ListRecurring returns all specs ordered by creation time.
func (s *Store) ListRecurring(ctx context.Context) ([]*scheduler.RecurringSpec, error) {
	ids, err := s.client.SMembers(ctx, recurringIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: list recurring: %w", err)
	}
	specs := make([]*scheduler.RecurringSpec, 0, len(ids))
	for _, specID := range ids {
		raw, err := s.client.Get(ctx, recurringKey(specID)).Result()
		if err != nil {
			if isNil(err) {
				continue
			}
			return nil, fmt.Errorf("photoq/redis: list recurring: %w", err)
		}
		var spec scheduler.RecurringSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("photoq/redis: list recurring: %w", err)
		}
		specs = append(specs, &spec)
	}
	sort.Slice(specs, func(i, k int) bool {
		if !specs[i].CreatedAt.Equal(specs[k].CreatedAt) {
			return specs[i].CreatedAt.Before(specs[k].CreatedAt)
		}
		return specs[i].Name < specs[k].Name
	})
	return specs, nil
}

// UpdateRecurring persists changes to an existing spec, moving the
// name index entry on rename.
func (s *Store) UpdateRecurring(ctx context.Context, spec *scheduler.RecurringSpec) error {
	current, err := s.GetRecurring(ctx, spec.ID)
	if err != nil {
		return err
	}
	if current.Name != spec.Name {
		taken, err := s.client.HSetNX(ctx, recurringNamesKey, spec.Name, spec.ID.String()).Result()
		if err != nil {
			return fmt.Errorf("photoq/redis: update recurring: %w", err)
		}
		if !taken {
			return photoq.ErrDuplicateRecurring
		}
		if err := s.client.HDel(ctx, recurringNamesKey, current.Name).Err(); err != nil {
			return fmt.Errorf("photoq/redis: update recurring: %w", err)
		}
	}
	cp := *spec
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("photoq/redis: update recurring: %w", err)
	}
	if err := s.client.Set(ctx, recurringKey(spec.ID.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("photoq/redis: update recurring: %w", err)
	}
	return nil
}

// DeleteRecurring removes a spec, its indexes, and its lock.
func (s *Store) DeleteRecurring(ctx context.Context, recurringID id.RecurringID) error {
	spec, err := s.GetRecurring(ctx, recurringID)
	if err != nil {
		return err
	}
	key := recurringID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recurringKey(key))
	pipe.SRem(ctx, recurringIDsKey, key)
	pipe.HDel(ctx, recurringNamesKey, spec.Name)
	pipe.Del(ctx, recurringLockKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("photoq/redis: delete recurring: %w", err)
	}
	return nil
}

// AcquireRecurringLock takes a TTL lock on one spec. A held unexpired
// lock blocks other workers; the holder re-enters and extends freely.
func (s *Store) AcquireRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	exists, err := s.client.Exists(ctx, recurringKey(recurringID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("photoq/redis: acquire recurring lock: %w", err)
	}
	if exists == 0 {
		return false, photoq.ErrRecurringNotFound
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	n, err := acquireLockScript.Run(ctx, s.client,
		[]string{recurringLockKey(recurringID.String())},
		workerID.String(), ttlMs).Int64()
	if err != nil {
		return false, fmt.Errorf("photoq/redis: acquire recurring lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseRecurringLock releases a lock held by this worker. Releasing
// a lock that is not held is a no-op.
func (s *Store) ReleaseRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID) error {
	err := releaseLockScript.Run(ctx, s.client,
		[]string{recurringLockKey(recurringID.String())},
		workerID.String()).Err()
	if err != nil {
		return fmt.Errorf("photoq/redis: release recurring lock: %w", err)
	}
	return nil
}
