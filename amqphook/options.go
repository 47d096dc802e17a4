package amqphook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithCodec selects the event encoding. The default is JSON.
func WithCodec(c Codec) Option {
	return func(h *Extension) {
		if c != nil {
			h.codec = c
		}
	}
}

// WithBuffer sets the event buffer size. When the buffer is full new
// events are dropped rather than blocking the engine.
func WithBuffer(n int) Option {
	return func(h *Extension) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithEvents restricts the extension to emit only the listed event
// types. By default all event types are published. Unknown types are
// silently ignored.
func WithEvents(events ...string) Option {
	return func(h *Extension) {
		h.enabled = make(map[string]bool, len(events))
		for _, e := range events {
			h.enabled[e] = true
		}
	}
}

// WithLogger sets the logger for publish and encode failures.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Extension) {
		if logger != nil {
			h.logger = logger
		}
	}
}
