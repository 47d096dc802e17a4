package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/queue"
)

// CreateQueue persists a new queue definition.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO photoq_queues (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		q.Name, q.ID, q.Config, q.Paused, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrQueueAlreadyExists
		}
		return fmt.Errorf("photoq/postgres: create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM photoq_queues WHERE name = $1`, name)
	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrQueueNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get queue: %w", err)
	}
	return q, nil
}

// ListQueues returns all queues sorted by name.
func (s *Store) ListQueues(ctx context.Context) ([]*queue.Queue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM photoq_queues ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list queues: %w", err)
	}
	queues, err := collectQueues(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list queues: %w", err)
	}
	return queues, nil
}

// UpdateQueue persists configuration or pause-flag changes.
func (s *Store) UpdateQueue(ctx context.Context, q *queue.Queue) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photoq_queues SET config = $1, paused = $2, updated_at = $3
		WHERE name = $4`,
		q.Config, q.Paused, time.Now().UTC(), q.Name)
	if err != nil {
		return fmt.Errorf("photoq/postgres: update queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrQueueNotFound
	}
	return nil
}

// DeleteQueue removes a queue definition. Jobs are left in place.
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM photoq_queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("photoq/postgres: delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrQueueNotFound
	}
	return nil
}
