package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/Vanuan/photoq/fault"
)

// Capability names consulted per route group.
const (
	CapQueuesRead   = "queues:read"
	CapQueuesWrite  = "queues:write"
	CapJobsWrite    = "jobs:write"
	CapDLQWrite     = "dlq:write"
	CapWorkersScale = "workers:scale"
)

// Authorizer decides whether a request's bearer token grants a
// capability. Implementations see the raw token (empty when the
// request carries none) and the capability the route requires.
type Authorizer interface {
	Authorize(ctx context.Context, token, capability string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, token, capability string) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, token, capability string) error {
	return f(ctx, token, capability)
}

// NoopAuthorizer allows every request. The default when no authorizer
// is configured.
func NoopAuthorizer() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) error {
		return nil
	})
}

// StaticTokenAuthorizer grants every capability to requests bearing
// the given token and denies everything else.
func StaticTokenAuthorizer(token string) Authorizer {
	return AuthorizerFunc(func(_ context.Context, got, capability string) error {
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return fault.Security(fmt.Errorf("capability %q denied", capability))
		}
		return nil
	})
}

const bearerPrefix = "Bearer "

// bearerToken extracts the token from the Authorization header.
// Returns "" when the header is absent or not a bearer scheme.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return h[len(bearerPrefix):]
	}
	return ""
}

// requires wraps a handler with a capability check. Denied requests
// get 401 when no token was presented and 403 otherwise.
func (a *API) requires(capability string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if err := a.auth.Authorize(r.Context(), token, capability); err != nil {
			status := http.StatusForbidden
			if token == "" {
				status = http.StatusUnauthorized
			}
			a.respond(w, status, ErrorResponse{Error: err.Error()})
			return
		}
		h(w, r)
	})
}
