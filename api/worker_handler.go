package api

import (
	"net/http"
)

// ScaleRequest resizes a queue's worker pool to an absolute slot
// count. Zero parks the worker without removing its handle.
type ScaleRequest struct {
	Target int `json:"target"`
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, a.eng.Workers().Handles())
}

func (a *API) scaleWorkers(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	h, err := a.eng.ScaleWorkers(r.Context(), r.PathValue("queue"), req.Target)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, h)
}
