// Package common provides shared infrastructure helpers used by the service
// binaries: health/readiness endpoints and rate limiting.
package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness endpoints for orchestration
// platforms. Liveness always succeeds while the process is up; readiness
// reflects the supplied atomic flag, which binaries flip once their
// dependencies are wired and any preflight checks have passed.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer creates a health server listening on the default port.
// The returned server is already running.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	return NewHealthServerOnAddr(":8080", ready)
}

// NewHealthServerOnAddr creates a health server listening on addr.
func NewHealthServerOnAddr(addr string, ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()

	hs := &HealthServer{ready: ready}

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying http server for shutdown control.
func (hs *HealthServer) Server() *http.Server { return hs.server }
