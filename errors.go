package photoq

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("photoq: no store configured")
	ErrStoreClosed     = errors.New("photoq: store closed")
	ErrMigrationFailed = errors.New("photoq: migration failed")

	// Not found errors.
	ErrQueueNotFound     = errors.New("photoq: queue not found")
	ErrJobNotFound       = errors.New("photoq: job not found")
	ErrRecurringNotFound = errors.New("photoq: recurring spec not found")
	ErrFailedJobNotFound = errors.New("photoq: failed job record not found")
	ErrWorkerNotFound    = errors.New("photoq: worker not found")

	// Conflict errors.
	ErrQueueAlreadyExists = errors.New("photoq: queue already exists")
	ErrJobAlreadyExists   = errors.New("photoq: job already exists")
	ErrDuplicateRecurring = errors.New("photoq: duplicate recurring spec")
	ErrWorkerExists       = errors.New("photoq: worker already registered")

	// State errors.
	ErrInvalidState        = errors.New("photoq: invalid state transition")
	ErrJobNotCancellable   = errors.New("photoq: job is active or terminal")
	ErrMaxAttemptsExceeded = errors.New("photoq: max attempts exceeded")
	ErrNotRequeuable       = errors.New("photoq: record not eligible for requeue")
	ErrStopped             = errors.New("photoq: stopped")

	// Claim path errors.
	ErrNoJobReady  = errors.New("photoq: no job ready")
	ErrLeaseLost   = errors.New("photoq: lease no longer held")
	ErrQueuePaused = errors.New("photoq: queue is paused")
	ErrBreakerOpen = errors.New("photoq: circuit breaker open")
	ErrThrottled   = errors.New("photoq: queue throttled")

	// Validation errors.
	ErrUnknownKind = errors.New("photoq: unknown job kind")
)
