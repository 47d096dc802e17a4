package dlq

import (
	"context"
	"time"

	"github.com/Vanuan/photoq/id"
)

// ListOpts controls filtering and pagination for failed-job queries.
type ListOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Since and Until bound FailedAt. Zero values leave the bound open.
	Since time.Time
	Until time.Time
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
}

// Store defines the persistence contract for failed-job records.
type Store interface {
	// PushFailure persists a record. Records are never dropped on
	// write; a storage error propagates to the caller.
	PushFailure(ctx context.Context, rec *Record) error

	// GetFailure retrieves a record by ID. Returns
	// ErrFailedJobNotFound if absent or purged.
	GetFailure(ctx context.Context, failureID id.FailureID) (*Record, error)

	// ListFailures returns records matching opts, newest first.
	ListFailures(ctx context.Context, opts ListOpts) ([]*Record, error)

	// MarkRequeued stamps RequeuedAt on a record.
	MarkRequeued(ctx context.Context, failureID id.FailureID, at time.Time) error

	// PurgeFailures removes records with FailedAt before the given
	// time, optionally restricted to one queue. Returns the number
	// removed.
	PurgeFailures(ctx context.Context, queue string, before time.Time) (int64, error)

	// CountFailures returns the number of records, optionally
	// restricted to one queue.
	CountFailures(ctx context.Context, queue string) (int64, error)
}
