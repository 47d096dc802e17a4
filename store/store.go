package store

import (
	"context"

	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// Store is the aggregate persistence interface. Each subsystem store
// is a composable interface; a single backend implements all of them.
// The engine depends on the claim and state-transition operations
// being atomic per job, not on any backend's native data types.
type Store interface {
	queue.Store
	job.Store
	scheduler.RecurringStore
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
