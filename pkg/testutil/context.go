package testutil

import (
	"net/http"
	"time"

	"github.com/adamj-ops/lending-os-sub002/pkg/requestcontext"
)

// WithActor stamps an acting principal onto the request context, simulating
// what the request-context middleware does for authenticated callers.
func WithActor(req *http.Request, actor string) *http.Request {
	if actor == "" {
		return req
	}
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}

// WithRequestTime pins the request-scoped clock so handlers that stamp
// timestamps produce deterministic output.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
