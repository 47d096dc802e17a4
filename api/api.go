// Package api exposes the engine's admin surface over HTTP: queue
// management, enqueueing, job inspection, recurring schedules, the
// dead letter queue, worker scaling, and health. Routes are JSON in
// and out, grouped by capability for authorization.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/engine"
	"github.com/Vanuan/photoq/fault"
)

// API serves the engine's admin routes.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	auth   Authorizer
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuthorizer sets the capability authorizer. Defaults to
// NoopAuthorizer, which allows every request.
func WithAuthorizer(auth Authorizer) Option {
	return func(a *API) {
		if auth != nil {
			a.auth = auth
		}
	}
}

// New creates an API over the given engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: eng.Coordinator().Logger(),
		auth:   NoopAuthorizer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.healthz)
	mux.Handle("GET /metrics", a.eng.MetricsHandler())

	mux.Handle("GET /v1/health", a.requires(CapQueuesRead, a.health))

	mux.Handle("GET /v1/queues", a.requires(CapQueuesRead, a.listQueues))
	mux.Handle("POST /v1/queues", a.requires(CapQueuesWrite, a.createQueue))
	mux.Handle("GET /v1/queues/{name}", a.requires(CapQueuesRead, a.getQueue))
	mux.Handle("PUT /v1/queues/{name}", a.requires(CapQueuesWrite, a.updateQueue))
	mux.Handle("DELETE /v1/queues/{name}", a.requires(CapQueuesWrite, a.deleteQueue))
	mux.Handle("POST /v1/queues/{name}/pause", a.requires(CapQueuesWrite, a.pauseQueue))
	mux.Handle("POST /v1/queues/{name}/resume", a.requires(CapQueuesWrite, a.resumeQueue))
	mux.Handle("GET /v1/queues/{name}/status", a.requires(CapQueuesRead, a.queueStatus))

	mux.Handle("POST /v1/jobs", a.requires(CapJobsWrite, a.enqueueJob))
	mux.Handle("POST /v1/jobs/bulk", a.requires(CapJobsWrite, a.bulkEnqueue))
	mux.Handle("GET /v1/jobs/{jobID}", a.requires(CapQueuesRead, a.getJob))
	mux.Handle("POST /v1/jobs/{jobID}/cancel", a.requires(CapJobsWrite, a.cancelJob))
	mux.Handle("POST /v1/jobs/{jobID}/retry", a.requires(CapJobsWrite, a.retryJob))

	mux.Handle("GET /v1/recurring", a.requires(CapQueuesRead, a.listRecurring))
	mux.Handle("POST /v1/recurring", a.requires(CapJobsWrite, a.createRecurring))
	mux.Handle("DELETE /v1/recurring/{name}", a.requires(CapJobsWrite, a.deleteRecurring))
	mux.Handle("POST /v1/recurring/{name}/enable", a.requires(CapJobsWrite, a.enableRecurring))
	mux.Handle("POST /v1/recurring/{name}/disable", a.requires(CapJobsWrite, a.disableRecurring))

	mux.Handle("GET /v1/dlq", a.requires(CapQueuesRead, a.listDLQ))
	mux.Handle("GET /v1/dlq/count", a.requires(CapQueuesRead, a.countDLQ))
	mux.Handle("GET /v1/dlq/{failureID}", a.requires(CapQueuesRead, a.getDLQ))
	mux.Handle("POST /v1/dlq/{failureID}/requeue", a.requires(CapDLQWrite, a.requeueDLQ))
	mux.Handle("POST /v1/dlq/purge", a.requires(CapDLQWrite, a.purgeDLQ))

	mux.Handle("GET /v1/workers", a.requires(CapQueuesRead, a.listWorkers))
	mux.Handle("POST /v1/workers/{queue}/scale", a.requires(CapWorkersScale, a.scaleWorkers))

	return mux
}

// ──────────────────────────────────────────────────
// Request and response plumbing
// ──────────────────────────────────────────────────

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("response encode failed", "error", err)
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := mapError(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	a.respond(w, status, ErrorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Configuration(fmt.Errorf("decode request body: %w", err))
	}
	return nil
}

// mapError translates engine errors to HTTP status codes. Unrecognized
// errors are treated as internal.
func mapError(err error) int {
	switch {
	case errors.Is(err, photoq.ErrQueueNotFound),
		errors.Is(err, photoq.ErrJobNotFound),
		errors.Is(err, photoq.ErrRecurringNotFound),
		errors.Is(err, photoq.ErrFailedJobNotFound),
		errors.Is(err, photoq.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, photoq.ErrQueueAlreadyExists),
		errors.Is(err, photoq.ErrJobAlreadyExists),
		errors.Is(err, photoq.ErrDuplicateRecurring),
		errors.Is(err, photoq.ErrWorkerExists),
		errors.Is(err, photoq.ErrQueuePaused),
		errors.Is(err, photoq.ErrJobNotCancellable),
		errors.Is(err, photoq.ErrInvalidState),
		errors.Is(err, photoq.ErrNotRequeuable):
		return http.StatusConflict
	case errors.Is(err, photoq.ErrStopped):
		return http.StatusServiceUnavailable
	case fault.Classify(err) == fault.CategoryConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badID(err error) error {
	return fault.Configuration(fmt.Errorf("invalid id: %w", err))
}

const maxListLimit = 500

// defaultLimit clamps a client-supplied page size.
func defaultLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
