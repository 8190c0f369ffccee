// Package api exposes the orchestrator over HTTP: run inspection and
// control, slot and dead-letter views, Prometheus metrics and a
// websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/orchestrator"
	"github.com/hochfrequenz/runforge/internal/slots"
	"github.com/rs/zerolog"
)

// Store is the read surface the API needs
type Store interface {
	ListRuns(status domain.RunStatus) ([]*domain.WorkflowRun, error)
	Load(runID string) (*domain.WorkflowRun, error)
	ListPhaseRecords(runID string) ([]*domain.PhaseRecord, error)
	ListDeadLetters() ([]*domain.DeadLetterEntry, error)
}

// Control is the orchestrator surface the API drives
type Control interface {
	Trigger(pipeline, itemRef string, tier domain.ModelTier) (string, error)
	Cancel(runID string) error
	Replay(runID string) (string, error)
	Pipelines() map[string]*orchestrator.PipelineSpec
}

// Server is the HTTP API server
type Server struct {
	store   Store
	control Control
	pool    *slots.Pool
	metrics http.Handler
	log     zerolog.Logger

	mux *http.ServeMux
	hub *EventHub
	srv *http.Server
}

// NewServer creates an API server listening on addr
func NewServer(addr string, store Store, control Control, pool *slots.Pool, metricsHandler http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		store:   store,
		control: control,
		pool:    pool,
		metrics: metricsHandler,
		log:     log.With().Str("component", "api").Logger(),
		mux:     http.NewServeMux(),
		hub:     NewEventHub(log),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/slots", s.slotsHandler())
	s.mux.HandleFunc("/api/deadletters", s.deadLettersHandler())
	s.mux.HandleFunc("/api/deadletters/", s.replayHandler())
	s.mux.HandleFunc("/api/pipelines", s.pipelinesHandler())
	s.mux.HandleFunc("/healthz", s.healthHandler())
	s.mux.HandleFunc("/ws", s.hub.Handler())
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

// Start serves until the context is cancelled, then drains connections
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.srv.Addr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Broadcast pushes a run transition to all websocket clients
func (s *Server) Broadcast(run *domain.WorkflowRun) {
	s.hub.Broadcast(Event{Type: "run", Data: runToResponse(run)})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
