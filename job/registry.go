package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler that accepts a raw payload.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps job kinds to type-erased handler functions. The set of
// registered kinds is the closed set of work this engine accepts:
// enqueues for unknown kinds are rejected up front rather than failing
// at processing time. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	opts     map[string]Options
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		opts:     make(map[string]Options),
	}
}

// RegisterKind registers a typed job-kind definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterKind[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for kind %q: %w", def.Kind, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Kind] = handler
	r.opts[def.Kind] = def.Opts
}

// RegisterRaw registers a type-erased handler for a kind, for callers
// that manage their own payload encoding.
func (r *Registry) RegisterRaw(kind string, h HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	r.opts[kind] = o
}

// Get returns the handler for the given kind.
// Returns false if no handler is registered.
func (r *Registry) Get(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Has reports whether the kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Opts returns the registration-time default options for the kind.
func (r *Registry) Opts(kind string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opts[kind]
	return o, ok
}

// Kinds returns all registered job kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}
