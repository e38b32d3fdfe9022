// Package httpserver builds the process's HTTP server. Handler timeouts are
// enforced per dispatch round, so the server only guards the connection
// lifecycle: slow headers, stalled writes, and idle keep-alives.
package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server for the given handler.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
