package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithRecorder sends audit events to r instead of the built-in trail.
func WithRecorder(r Recorder) Option {
	return func(e *Extension) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithCapacity bounds the built-in trail. Ignored when a custom
// Recorder is injected.
func WithCapacity(n int) Option {
	return func(e *Extension) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithLogger sets a custom logger for the extension.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) {
		if l != nil {
			e.logger = l
		}
	}
}
