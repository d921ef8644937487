// Package transport exposes a running taskcrew engine over HTTP. It serves
// the live step-event feed over WebSocket (JSON or MessagePack frames)
// with a read-only Server-Sent Events fallback, plus read-only unit
// status, queue statistics and liveness endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/stream"
	"github.com/xraph/taskcrew/workunit"
)

// Source is the engine surface the server reads from.
type Source interface {
	Get(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error)
	Stats(ctx context.Context, workerType string) (workunit.Stats, error)
	Subscribe(topics ...string) (*stream.Subscription, error)
	Unsubscribe(sub *stream.Subscription)
	Healthy() bool
}

// Server serves the stream, status and liveness endpoints.
type Server struct {
	source       Source
	conns        *ConnectionManager
	metrics      http.Handler
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewServer creates a server reading from source.
func NewServer(source Source, opts ...Option) *Server {
	s := &Server{
		source:       source,
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Handler returns a chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/units/{id}", s.handleGetUnit)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/stream", s.handleWebSocket)
	r.Get("/v1/stream/sse", s.handleSSE)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
}

type healthResponse struct {
	FastBackend bool `json:"fast_backend"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{FastBackend: s.source.Healthy()})
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unitID, err := id.ParseWorkUnitID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid unit id")
		return
	}

	u, err := s.source.Get(r.Context(), unitID)
	switch {
	case errors.Is(err, taskcrew.ErrUnitNotFound):
		writeError(w, http.StatusNotFound, "unit not found")
		return
	case err != nil:
		s.logger.Error("get unit failed",
			slog.String("unit_id", unitID.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load unit")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type statsResponse struct {
	WorkerType string `json:"worker_type,omitempty"`
	workunit.Stats
	Total int64 `json:"total"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	workerType := r.URL.Query().Get("worker_type")
	st, err := s.source.Stats(r.Context(), workerType)
	if err != nil {
		s.logger.Error("stats failed",
			slog.String("worker_type", workerType),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		WorkerType: workerType,
		Stats:      st,
		Total:      st.Total(),
	})
}

// topicFromQuery returns the requested worker type, defaulting to the
// wildcard topic.
func topicFromQuery(r *http.Request) string {
	if wt := r.URL.Query().Get("worker_type"); wt != "" {
		return wt
	}
	return stream.Wildcard
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
