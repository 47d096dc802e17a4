package job

import "context"

// Definition is a typed job-kind definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Kind is the unique identifier for this job type, e.g.
	// "image.thumbnail" or "metadata.extract".
	Kind string

	// Handler is the function that processes the job payload.
	Handler func(ctx context.Context, payload T) error

	// Opts configures attempts, priority, backoff, and timeout defaults
	// for jobs of this kind.
	Opts Options
}

// NewDefinition creates a typed job-kind definition.
func NewDefinition[T any](kind string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Kind:    kind,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
