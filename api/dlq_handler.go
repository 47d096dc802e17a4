package api

import (
	"net/http"
	"time"

	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
)

// PurgeDLQRequest removes failed-job records. A zero OlderThan purges
// everything; otherwise only records that failed longer ago than the
// duration (nanoseconds) are removed. An empty Queue purges all queues.
type PurgeDLQRequest struct {
	Queue     string        `json:"queue,omitempty"`
	OlderThan time.Duration `json:"older_than,omitempty"`
}

// PurgeDLQResponse reports how many records a purge removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// DLQCountResponse reports the number of failed-job records.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	opts := dlq.ListOpts{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  defaultLimit(intQuery(r, "limit")),
		Offset: intQuery(r, "offset"),
	}
	for _, bound := range []struct {
		key  string
		dest *time.Time
	}{
		{"since", &opts.Since},
		{"until", &opts.Until},
	} {
		v := r.URL.Query().Get(bound.key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			a.fail(w, fault.Newf(fault.CategoryConfiguration, "invalid %s %q: %v", bound.key, v, err))
			return
		}
		*bound.dest = ts
	}

	recs, err := a.eng.DLQ().List(r.Context(), opts)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, recs)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	failureID, err := id.ParseFailureID(r.PathValue("failureID"))
	if err != nil {
		a.fail(w, badID(err))
		return
	}
	rec, err := a.eng.DLQ().Get(r.Context(), failureID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, rec)
}

func (a *API) requeueDLQ(w http.ResponseWriter, r *http.Request) {
	failureID, err := id.ParseFailureID(r.PathValue("failureID"))
	if err != nil {
		a.fail(w, badID(err))
		return
	}
	j, err := a.eng.DLQ().Requeue(r.Context(), failureID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, j)
}

func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	// An empty body purges everything.
	var req PurgeDLQRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			a.fail(w, err)
			return
		}
	}
	purged, err := a.eng.DLQ().Purge(r.Context(), req.Queue, req.OlderThan)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, PurgeDLQResponse{Purged: purged})
}

func (a *API) countDLQ(w http.ResponseWriter, r *http.Request) {
	count, err := a.eng.DLQ().Count(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, DLQCountResponse{Count: count})
}
