// Package apiserver is the REST submission front-end: a ServeMux-plus-
// JSON-response HTTP surface for task submission against the dispatcher.
package apiserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/throttlequeue/throttlequeue/internal/dispatch"
	"github.com/throttlequeue/throttlequeue/internal/httpop"
)

// Server exposes the dispatcher over HTTP: POST /api/submit runs one
// rate-limit-aware request through it, GET /metrics exposes the
// Prometheus scrape endpoint, and GET /api/health is a liveness probe.
type Server struct {
	mux    *http.ServeMux
	addr   string
	logger *slog.Logger

	dispatcher *dispatch.Dispatcher
	client     *httpop.Client
	timeout    time.Duration
}

// New builds a Server bound to the given dispatcher and HTTP client.
func New(addr string, timeout time.Duration, d *dispatch.Dispatcher, client *httpop.Client, logger *slog.Logger) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		addr:       addr,
		logger:     logger.With("component", "api_server"),
		dispatcher: d,
		client:     client,
		timeout:    timeout,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/submit", s.handleSubmit)
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.Handle("GET /metrics", s.dispatcher.Metrics().Handler())
}

// Handler returns the server's http.Handler, for use with httptest or a
// caller-managed http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts serving on s.addr; it blocks until the server
// returns an error (matching http.Server.ListenAndServe's contract).
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server starting", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

type submitRequest struct {
	Host        string            `json:"host"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Header      map[string]string `json:"header,omitempty"`
	Body        string            `json:"body,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

type submitResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.Host == "" || body.URL == "" || body.Method == "" {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "host, method, and url are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	header := make(http.Header, len(body.Header))
	for k, v := range body.Header {
		header.Set(k, v)
	}

	op := s.client.Operation(ctx, body.Method, body.URL, header, []byte(body.Body))
	resp, err := s.dispatcher.Submit(ctx, body.Host, op, body.MaxAttempts)
	if err != nil {
		s.jsonResponse(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	s.jsonResponse(w, http.StatusOK, submitResponse{
		Status: resp.Status,
		Body:   string(resp.Payload),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.dispatcher.Metrics().Snapshot()
	s.jsonResponse(w, http.StatusOK, snap)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

