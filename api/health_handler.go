package api

import (
	"net/http"
)

// HealthzResponse is the liveness probe body.
type HealthzResponse struct {
	Status string `json:"status"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	h, err := a.eng.Health(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, h)
}

// healthz is the unauthenticated liveness probe: it pings the store
// and nothing else.
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		a.respond(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	a.respond(w, http.StatusOK, HealthzResponse{Status: "ok"})
}
