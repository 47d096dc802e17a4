// Package photoq provides the job queue coordination engine for a photo
// management platform: queue registry, priority/delay/recurring scheduling,
// leased worker claims with stalled-job recovery, retry/backoff, circuit
// breaking, dead-letter handling, and health-driven worker auto-scaling.
//
// photoq is designed as a library, not a service. Import it, configure a
// store, register job kinds as ordinary Go functions, and start workers.
// cmd/photoq wraps the same engine in a runnable server and admin CLI.
//
// # Quick Start
//
//	c, err := photoq.New(
//	    photoq.WithStore(memory.New()),
//	    photoq.WithConcurrency(8),
//	)
//
// # Architecture
//
// photoq follows a composable store pattern where each subsystem (queue,
// job, recurring scheduling, dead letter) defines its own store interface.
// A single backend (memory, redis, sqlite, postgres) implements all of them.
// The store's atomic claim operation is the single serialization point;
// everything else runs concurrently and coordinates only through job state
// transitions.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package photoq
