package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/scheduler"
)

// EnqueueRequest enqueues one job. Durations are nanoseconds, matching
// how the entity types serialize. Zero or absent fields defer to the
// kind's registered options and then the queue defaults.
type EnqueueRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	Backoff        *backoff.Policy `json:"backoff,omitempty"`
	Delay          time.Duration   `json:"delay,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	Timeout        time.Duration   `json:"timeout,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (req *EnqueueRequest) options() []job.Option {
	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Backoff != nil {
		opts = append(opts, job.WithBackoff(*req.Backoff))
	}
	if req.Delay > 0 {
		opts = append(opts, job.WithDelay(req.Delay))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}
	if req.Timeout > 0 {
		opts = append(opts, job.WithTimeout(req.Timeout))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, job.WithIdempotencyKey(req.IdempotencyKey))
	}
	return opts
}

// BulkEnqueueRequest enqueues a batch of jobs in order, stopping at
// the first failure.
type BulkEnqueueRequest struct {
	Jobs []EnqueueRequest `json:"jobs"`
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	j, err := a.eng.EnqueueRaw(r.Context(), req.Kind, req.Payload, req.options()...)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, j)
}

func (a *API) bulkEnqueue(w http.ResponseWriter, r *http.Request) {
	var req BulkEnqueueRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	items := make([]scheduler.Item, 0, len(req.Jobs))
	for i := range req.Jobs {
		items = append(items, scheduler.Item{
			Kind:    req.Jobs[i].Kind,
			Payload: req.Jobs[i].Payload,
			Opts:    req.Jobs[i].options(),
		})
	}
	jobs, err := a.eng.BulkEnqueue(r.Context(), items)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, jobs)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.fail(w, badID(err))
		return
	}
	j, err := a.eng.Job(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.fail(w, badID(err))
		return
	}
	j, err := a.eng.CancelJob(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		a.fail(w, badID(err))
		return
	}
	j, err := a.eng.RetryJob(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, j)
}
