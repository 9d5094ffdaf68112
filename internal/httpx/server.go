// Package httpx is the operational HTTP surface of serve mode:
// liveness and Prometheus metrics only, no trading API.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wraps the ops endpoints.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type healthPayload struct {
	Status    string  `json:"status"`
	AsofBar   *string `json:"asof_bar_date"`
	LastRun   *string `json:"last_run_utc"`
	CheckedAt string  `json:"checked_at"`
}

// HealthSource reports the store watermark for the health endpoint.
type HealthSource func() (asofBarDate, lastRunUTC *string)

// New builds the ops server on addr. source may be nil when no store
// watermark is available.
func New(addr string, source HealthSource, logger zerolog.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		payload := healthPayload{
			Status:    "ok",
			CheckedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if source != nil {
			payload.AsofBar, payload.LastRun = source()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Warn().Err(err).Msg("health encode failed")
		}
	}).Methods(http.MethodGet)

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

// Start serves until the listener fails; run it in its own goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
