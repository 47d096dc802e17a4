package queue

import "context"

// Store defines the persistence contract for queue definitions.
// Queues are keyed by name.
type Store interface {
	// CreateQueue persists a new queue. Returns ErrQueueAlreadyExists
	// if the name is taken.
	CreateQueue(ctx context.Context, q *Queue) error

	// GetQueue retrieves a queue by name. Returns ErrQueueNotFound if
	// absent.
	GetQueue(ctx context.Context, name string) (*Queue, error)

	// ListQueues returns all queues.
	ListQueues(ctx context.Context) ([]*Queue, error)

	// UpdateQueue persists configuration or pause-flag changes.
	// Returns ErrQueueNotFound if absent.
	UpdateQueue(ctx context.Context, q *Queue) error

	// DeleteQueue removes a queue definition. Jobs in the queue are
	// not touched; removing them is a separate administrative step.
	DeleteQueue(ctx context.Context, name string) error
}
