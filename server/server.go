// Package server exposes the engine over HTTP with server-sent events.
//
// One endpoint starts a search session and streams its events; one
// stops a running session. The server is deliberately thin: request
// parsing, SSE framing, and shutdown, nothing else.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/legisearch/legisearch/engine"
	"github.com/legisearch/legisearch/tools"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front end.
type Server struct {
	engine   *engine.Engine
	registry *tools.Registry
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New builds the server listening on addr.
func New(addr string, eng *engine.Engine, registry *tools.Registry, logger *slog.Logger) *Server {
	s := &Server{
		engine:   eng,
		registry: registry,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search/stream", s.handleStream)
	mux.HandleFunc("POST /api/search/stop", s.handleStop)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleStream starts a session and streams its events as SSE. The
// session and connection ids are generated here and reach the client
// in the start event payload.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	connectionID := uuid.NewString()

	conn, err := s.engine.StartSession(context.Background(), sessionID, connectionID, query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientGone := r.Context().Done()
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			line, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("event marshal failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				s.engine.StopSession(sessionID)
				conn.Close()
				return
			}
			flusher.Flush()
		case <-clientGone:
			s.logger.Debug("client disconnected", "session_id", sessionID)
			s.engine.StopSession(sessionID)
			conn.Close()
			return
		}
	}
}

type stopRequest struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	ack := s.engine.StopSession(req.SessionID)
	writeJSON(w, map[string]bool{"acknowledged": ack})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.List(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":          "ok",
		"active_sessions": s.engine.ActiveSessions(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
