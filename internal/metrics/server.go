package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server is the smallest possible ambient HTTP surface this daemon
// carries: a liveness probe and a Prometheus scrape endpoint. It is
// deliberately not the substrate's outer API.
type Server struct {
	httpSrv *http.Server
	mux     *http.ServeMux
}

// HealthFunc reports whether the process considers itself healthy,
// and why not if it doesn't.
type HealthFunc func() (healthy bool, detail string)

// NewServer builds (without starting) the status server bound to
// addr. metricsHandler is normally NewPromHandler() wrapping the
// default Prometheus registry.
func NewServer(addr string, metricsHandler http.Handler, health HealthFunc) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy, detail := true, ""
		if health != nil {
			healthy, detail = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"healthy": healthy, "detail": detail})
	})
	mux.Handle("/metrics", metricsHandler)

	return &Server{
		mux: mux,
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handle registers an additional route on the status server's mux. Callers
// must do this before ListenAndServe starts accepting connections.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// NewPromHandler adapts the default Prometheus registry into the
// http.Handler NewServer expects for /metrics.
func NewPromHandler() http.Handler {
	return promhttp.Handler()
}

// ListenAndServe runs the server until Shutdown is called, logging and
// swallowing the expected http.ErrServerClosed on graceful stop.
func (s *Server) ListenAndServe() {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("Status server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Status server failed")
	}
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
