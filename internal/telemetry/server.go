package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot reports the process's current memory footprint, sampled via
// runtime.ReadMemStats. ResidentBytes is approximated by Sys, the memory
// obtained from the OS, since the standard library has no direct RSS call.
type Snapshot struct {
	HeapBytes     uint64
	ResidentBytes uint64
}

// Sample reads runtime.MemStats and updates the heap/resident gauges.
func Sample() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snap := Snapshot{HeapBytes: m.HeapAlloc, ResidentBytes: m.Sys}
	SetMemoryGauges(snap.HeapBytes, snap.ResidentBytes)
	return snap
}

// Server serves /metrics (Prometheus exposition) and /healthz.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics server listening on addr (e.g. ":9090").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the listener in a background goroutine; errs, if any, is sent
// once the listener stops for a reason other than a clean Shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("telemetry server: %w", err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
