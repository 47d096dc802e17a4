// Package job defines the job entity, its state machine, typed kind
// definitions, and the job store interface.
//
// # Job Entity
//
// A [Job] is one unit of work. It embeds [photoq.Entity] for timestamps,
// carries a raw JSON payload decoded by its kind handler, and moves
// through a state machine:
//
//	waiting → active → completed
//	waiting → active → delayed → active → ...   (retry)
//	waiting → active → failed
//	waiting|delayed → cancelled
//
// Fields of note:
//   - Queue: which queue the job belongs to (default: "default")
//   - Kind: registered handler name, e.g. "image.thumbnail"
//   - Priority: higher values are claimed first
//   - MaxAttempts / Attempts: the execution budget and how much is spent
//   - RunAt: earliest time the job may be claimed
//   - WorkerID / LeaseExpiresAt: who holds the job and until when
//
// # Defining a Kind
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and decoded before the handler runs:
//
//	var Thumbnail = job.NewDefinition("image.thumbnail",
//	    func(ctx context.Context, input ThumbnailInput) error {
//	        return resize(input.Path, input.Width)
//	    },
//	)
//
// # Registry
//
// [Registry] maps kind names to type-erased [HandlerFunc] values and is
// the closed set of kinds the engine accepts. Register definitions at
// startup via [RegisterKind]:
//
//	job.RegisterKind(registry, Thumbnail)
//	job.RegisterKind(registry, ExtractMetadata)
//
// Enqueuing a kind that was never registered fails with
// [photoq.ErrUnknownKind]. The engine package provides higher-level
// engine.Register and engine.Enqueue wrappers.
package job
