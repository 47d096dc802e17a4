package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/queue"
)

// CreateQueue persists a new queue definition.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	cfg, err := json.Marshal(q.Config)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: create queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO photoq_queues (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.Name, q.ID, string(cfg), q.Paused, nanos(q.CreatedAt), nanos(q.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrQueueAlreadyExists
		}
		return fmt.Errorf("photoq/sqlite: create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM photoq_queues WHERE name = ?`, name)
	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrQueueNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get queue: %w", err)
	}
	return q, nil
}

// ListQueues returns all queues sorted by name.
func (s *Store) ListQueues(ctx context.Context) ([]*queue.Queue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM photoq_queues ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list queues: %w", err)
	}
	queues, err := collectQueues(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list queues: %w", err)
	}
	return queues, nil
}

// UpdateQueue persists configuration or pause-flag changes.
func (s *Store) UpdateQueue(ctx context.Context, q *queue.Queue) error {
	cfg, err := json.Marshal(q.Config)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: update queue: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE photoq_queues SET config = ?, paused = ?, updated_at = ?
		WHERE name = ?`,
		string(cfg), q.Paused, nanos(time.Now().UTC()), q.Name)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: update queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrQueueNotFound
	}
	return nil
}

// DeleteQueue removes a queue definition. Jobs are left in place.
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM photoq_queues WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: delete queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrQueueNotFound
	}
	return nil
}
