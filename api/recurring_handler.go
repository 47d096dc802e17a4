package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/scheduler"
)

// CreateRecurringRequest registers a recurring schedule. Enabled
// defaults to true when absent. An empty Queue uses the engine's
// default queue.
type CreateRecurringRequest struct {
	Name        string          `json:"name"`
	Queue       string          `json:"queue,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Schedule    string          `json:"schedule"`
	Timezone    string          `json:"timezone,omitempty"`
	StartAt     *time.Time      `json:"start_at,omitempty"`
	EndAt       *time.Time      `json:"end_at,omitempty"`
	MaxRuns     int             `json:"max_runs,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Backoff     *backoff.Policy `json:"backoff,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

func (a *API) listRecurring(w http.ResponseWriter, r *http.Request) {
	specs, err := a.eng.Scheduler().ListRecurring(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, specs)
}

func (a *API) createRecurring(w http.ResponseWriter, r *http.Request) {
	var req CreateRecurringRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	spec := &scheduler.RecurringSpec{
		Name:        req.Name,
		Queue:       req.Queue,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Schedule:    req.Schedule,
		Timezone:    req.Timezone,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		MaxRuns:     req.MaxRuns,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Timeout:     req.Timeout,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if req.Backoff != nil {
		spec.Backoff = *req.Backoff
	}
	spec, err := a.eng.Scheduler().ScheduleRecurring(r.Context(), spec)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, spec)
}

func (a *API) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Scheduler().RemoveRecurring(r.Context(), r.PathValue("name")); err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) enableRecurring(w http.ResponseWriter, r *http.Request) {
	a.setRecurringEnabled(w, r, true)
}

func (a *API) disableRecurring(w http.ResponseWriter, r *http.Request) {
	a.setRecurringEnabled(w, r, false)
}

func (a *API) setRecurringEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	spec, err := a.eng.Scheduler().SetRecurringEnabled(r.Context(), r.PathValue("name"), enabled)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, spec)
}
