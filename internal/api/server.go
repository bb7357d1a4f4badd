package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"steward/internal/dispatch"
	"steward/internal/transport"
	"steward/pkg/extension"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxArgsSize = 1 << 20

// Backend is the part of the server the HTTP surface uses
type Backend interface {
	DeliverCall(ctx context.Context, name string, args json.RawMessage, id extension.Identity) (any, error)
	Commands() []extension.CommandInfo
	Extensions() []string
	PoolStats() extension.PoolStats
	Uptime() time.Duration
}

// Server provides the HTTP endpoints of the extension server
type Server struct {
	backend    Backend
	identifier transport.Identifier
	logger     *zap.Logger
	server     *http.Server
	router     chi.Router
}

// NewServer creates a new API server. ws, when non-nil, serves /ws.
func NewServer(backend Backend, identifier transport.Identifier, ws http.Handler, logger *zap.Logger, addr string) *Server {
	s := &Server{
		backend:    backend,
		identifier: identifier,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/commands", s.handleCommands)
		r.Post("/call/{command}", s.handleCall)
	})
	if ws != nil {
		r.Handle("/ws", ws)
	}
	s.router = r

	s.server = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// CallResponse is the body of /api/call responses
type CallResponse struct {
	Result any                 `json:"result,omitempty"`
	Error  *dispatch.ErrorInfo `json:"error,omitempty"`
}

// handleCall invokes a command with the request body as its arguments
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="steward"`)
		writeJSON(w, http.StatusUnauthorized, CallResponse{Error: &dispatch.ErrorInfo{
			Kind:    "unauthorized",
			Message: err.Error(),
		}})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxArgsSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxArgsSize {
		http.Error(w, "arguments too large", http.StatusRequestEntityTooLarge)
		return
	}

	var args json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, CallResponse{Error: &dispatch.ErrorInfo{
				Kind:    transport.KindBadRequest,
				Message: "arguments must be JSON",
			}})
			return
		}
		args = body
	}

	command := chi.URLParam(r, "command")
	value, err := s.backend.DeliverCall(r.Context(), command, args, id)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		writeJSON(w, statusFor(err), CallResponse{Error: dispatch.Describe(err)})
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{Result: value})
}

// statusFor maps an invocation error to an HTTP status
func statusFor(err error) int {
	switch dispatch.Kind(err) {
	case dispatch.KindUnknownCommand:
		return http.StatusNotFound
	case dispatch.KindPermissionDenied:
		return http.StatusForbidden
	case dispatch.KindMalformedIdentity:
		return http.StatusBadRequest
	case dispatch.KindWorkerPoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleCommands lists commands. Hidden commands appear with ?all=true.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"

	cmds := s.backend.Commands()
	out := make([]extension.CommandInfo, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden && !all {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status     string              `json:"status"`
	Uptime     string              `json:"uptime"`
	Extensions []string            `json:"extensions"`
	Workers    extension.PoolStats `json:"workers"`
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Uptime:     s.backend.Uptime().Truncate(time.Second).String(),
		Extensions: s.backend.Extensions(),
		Workers:    s.backend.PoolStats(),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check with uptime and worker pool stats"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/commands", Method: "GET", Description: "List commands (?all=true includes hidden ones)"},
	{Path: "/api/call/{command}", Method: "POST", Description: "Invoke a command; the body is its JSON arguments"},
	{Path: "/ws", Method: "GET", Description: "Websocket: call frames in, results and events out"},
}

// handleSitemap lists the available endpoints, as HTML for browsers and
// plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>steward</title></head>\n<body>\n<h1>steward</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  <li><b>%s</b> <code>%s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "steward\n=======\n\nAvailable endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-22s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExample:\n\n  curl -u alice -X POST -d '{\"quantity\": 2}' http://localhost:8080/api/call/shop.order\n")
}

func (s *Server) identify(r *http.Request) (extension.Identity, error) {
	if s.identifier == nil {
		return extension.Anonymous(), nil
	}
	return s.identifier.Identify(r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
