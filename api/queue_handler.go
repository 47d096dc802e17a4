package api

import (
	"net/http"

	"github.com/Vanuan/photoq/queue"
)

// CreateQueueRequest creates a queue. A nil Config uses the default
// queue configuration.
type CreateQueueRequest struct {
	Name   string        `json:"name"`
	Config *queue.Config `json:"config,omitempty"`
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	qs, err := a.eng.Queues().List(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, qs)
}

func (a *API) createQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	cfg := queue.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	q, err := a.eng.CreateQueue(r.Context(), req.Name, cfg)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, q)
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := a.eng.Queues().Get(r.Context(), r.PathValue("name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, q)
}

func (a *API) updateQueue(w http.ResponseWriter, r *http.Request) {
	var cfg queue.Config
	if err := decode(r, &cfg); err != nil {
		a.fail(w, err)
		return
	}
	q, err := a.eng.Queues().UpdateConfig(r.Context(), r.PathValue("name"), cfg)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, q)
}

func (a *API) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Queues().Delete(r.Context(), r.PathValue("name")); err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Queues().Pause(r.Context(), r.PathValue("name")); err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Queues().Resume(r.Context(), r.PathValue("name")); err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) queueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.QueueHealth(r.Context(), r.PathValue("name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, stats)
}
