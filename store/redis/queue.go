package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/queue"
)

// Queue definitions are JSON values in one hash keyed by name, so the
// name is unique by construction.

// CreateQueue persists a new queue definition.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("photoq/redis: create queue: %w", err)
	}
	created, err := s.client.HSetNX(ctx, queuesKey, q.Name, raw).Result()
	if err != nil {
		return fmt.Errorf("photoq/redis: create queue: %w", err)
	}
	if !created {
		return photoq.ErrQueueAlreadyExists
	}
	return nil
}

// GetQueue retrieves a queue by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	raw, err := s.client.HGet(ctx, queuesKey, name).Result()
	if err != nil {
		if isNil(err) {
			return nil, photoq.ErrQueueNotFound
		}
		return nil, fmt.Errorf("photoq/redis: get queue: %w", err)
	}
	var q queue.Queue
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, fmt.Errorf("photoq/redis: get queue: %w", err)
	}
	return &q, nil
}

// ListQueues returns all queues sorted by name.
func (s *Store) ListQueues(ctx context.Context) ([]*queue.Queue, error) {
	entries, err := s.client.HGetAll(ctx, queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("photoq/redis: list queues: %w", err)
	}
	queues := make([]*queue.Queue, 0, len(entries))
	for _, raw := range entries {
		var q queue.Queue
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return nil, fmt.Errorf("photoq/redis: list queues: %w", err)
		}
		queues = append(queues, &q)
	}
	sort.Slice(queues, func(i, k int) bool {
		return queues[i].Name < queues[k].Name
	})
	return queues, nil
}

// UpdateQueue persists configuration or pause-flag changes.
func (s *Store) UpdateQueue(ctx context.Context, q *queue.Queue) error {
	exists, err := s.client.HExists(ctx, queuesKey, q.Name).Result()
	if err != nil {
		return fmt.Errorf("photoq/redis: update queue: %w", err)
	}
	if !exists {
		return photoq.ErrQueueNotFound
	}
	cp := *q
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("photoq/redis: update queue: %w", err)
	}
	if err := s.client.HSet(ctx, queuesKey, q.Name, raw).Err(); err != nil {
		return fmt.Errorf("photoq/redis: update queue: %w", err)
	}
	return nil
}

// DeleteQueue removes a queue definition. Jobs are left in place.
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, queuesKey, name).Result()
	if err != nil {
		return fmt.Errorf("photoq/redis: delete queue: %w", err)
	}
	if n == 0 {
		return photoq.ErrQueueNotFound
	}
	return nil
}
