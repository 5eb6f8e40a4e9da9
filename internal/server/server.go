// Package server exposes the query agent over HTTP: one endpoint to run a
// query, one for per-user history and a health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modeloshacienda/consulta-agent/internal/agent"
	"github.com/modeloshacienda/consulta-agent/internal/format"
	"github.com/modeloshacienda/consulta-agent/internal/monitor"
	"github.com/modeloshacienda/consulta-agent/internal/sessionstore"
)

const (
	userHeader     = "X-User-ID"
	maxRequestBody = 64 * 1024
)

type Options struct {
	Logger  *slog.Logger
	Agent   *agent.Agent
	History *sessionstore.Store
	Monitor *monitor.Service
	Addr    string
}

type Server struct {
	log     *slog.Logger
	agent   *agent.Agent
	history *sessionstore.Store
	monitor *monitor.Service
	addr    string

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("missing Agent")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8600"
	}
	return &Server{
		log:     log,
		agent:   opts.Agent,
		history: opts.History,
		monitor: opts.Monitor,
		addr:    addr,
	}, nil
}

// Handler builds the HTTP mux. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/consulta/query", s.handleQuery)
	mux.HandleFunc("GET /api/consulta/history", s.handleHistory)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	SessionID  string        `json:"session_id"`
	Answer     format.Answer `json:"answer"`
	Provider   string        `json:"provider"`
	Iterations int           `json:"iterations"`
	Errors     []string      `json:"errors,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	var req queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "empty query")
		return
	}

	out := s.agent.RunQuery(r.Context(), req.Query, userID)
	writeJSON(w, http.StatusOK, queryResponse{
		SessionID:  out.SessionID,
		Answer:     out.Answer,
		Provider:   string(out.Provider),
		Iterations: out.Iterations,
		Errors:     out.Errors,
		DurationMs: out.Duration.Milliseconds(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history store not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.history.History(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("history read failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.monitor != nil {
		resp["system"] = s.monitor.Snapshot(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
