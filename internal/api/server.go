// Package api serves the admin status endpoints of a running docfeed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/checkpoint"
	"github.com/livinlefevreloca/docfeed/internal/lifecycle"
	"github.com/livinlefevreloca/docfeed/internal/store"
)

// Checkpoints reads committed positions.
type Checkpoints interface {
	Get(ctx context.Context, database string) (checkpoint.Checkpoint, error)
	List(ctx context.Context) ([]checkpoint.Checkpoint, error)
}

// Aggregator queues targeted polls and reports in-memory cursors.
type Aggregator interface {
	Trigger(database string) bool
	Cursor(database string) (string, bool)
}

// Listener reports the lifecycle listener state.
type Listener interface {
	State() lifecycle.State
}

// Server is the admin HTTP server.
type Server struct {
	httpServer  *http.Server
	checkpoints Checkpoints
	aggregator  Aggregator
	listener    Listener
	logger      *slog.Logger
}

// NewServer creates the server and its routes. It does not listen until
// Start.
func NewServer(checkpoints Checkpoints, aggregator Aggregator, listener Listener, host string, port int, logger *slog.Logger) *Server {
	s := &Server{
		checkpoints: checkpoints,
		aggregator:  aggregator,
		listener:    listener,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Get("/checkpoints", s.handleCheckpoints)
	r.Get("/checkpoints/{database}", s.handleCheckpoint)
	r.Post("/databases/{database}/poll", s.handlePoll)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", s.httpServer.Addr)
	}
	s.logger.Info("admin API listening", "addr", ln.Addr().String())

	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Trace(err)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// checkpointStatus is a stored checkpoint with the position this process
// has committed, which can be ahead of a checkpoint read from a replica.
type checkpointStatus struct {
	checkpoint.Checkpoint
	Cursor string `json:"cursor,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"listener": s.listener.State().String(),
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.logger.Error("listing checkpoints", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")

	cp, err := s.checkpoints.Get(r.Context(), database)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, fmt.Sprintf("no checkpoint for %s", database), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("reading checkpoint", "database", database, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := checkpointStatus{Checkpoint: cp}
	status.Cursor, _ = s.aggregator.Cursor(database)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")

	if !s.aggregator.Trigger(database) {
		http.Error(w, "poll queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"database": database})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
