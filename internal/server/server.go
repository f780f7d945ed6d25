// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/export"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/render"
	"github.com/jeranaias/rigrun-chat/internal/session"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageLength is the maximum length of a submitted message.
	MaxMessageLength = 100000

	// MaxRenderLength is the maximum length of text accepted by /api/render.
	MaxRenderLength = 200000
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API over a chat runner.
type Server struct {
	addr     string
	runner   *chat.Runner
	store    *session.Store
	renderer *render.Renderer
	usage    *telemetry.UsageTracker
	logger   *slog.Logger
	version  string
	started  time.Time

	cors    *CORSConfig
	limiter *RateLimiter
	router  chi.Router

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// New creates a Server for runner. Routes are built immediately; the
// builder methods must be called before the server starts.
func New(cfg config.ServerConfig, runner *chat.Runner) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultAddr
	}
	s := &Server{
		addr:     addr,
		runner:   runner,
		store:    runner.Store(),
		renderer: render.New(nil),
		logger:   slog.Default(),
		version:  "dev",
		started:  time.Now(),
		cors:     DefaultCORSConfig(cfg.CORSOrigins),
		limiter:  NewRateLimiter(cfg.RateLimitPerMin),
	}
	s.router = s.routes()
	return s
}

// WithLogger sets the logger for requests and lifecycle events.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	if logger != nil {
		s.logger = logger
		s.router = s.routes()
	}
	return s
}

// WithRenderer sets the markdown renderer used by /api/render and HTML export.
func (s *Server) WithRenderer(r *render.Renderer) *Server {
	if r != nil {
		s.renderer = r
	}
	return s
}

// WithUsage sets the tracker reported by /api/stats.
func (s *Server) WithUsage(u *telemetry.UsageTracker) *Server {
	s.usage = u
	return s
}

// WithVersion sets the version reported by /healthz.
func (s *Server) WithVersion(v string) *Server {
	s.version = v
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(s.limiter),
		BodyLimitMiddleware(MaxRequestBodySize),
	)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/stats", s.handleStats)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions", s.handleClearSessions)
		r.Get("/sessions/current", s.handleCurrentSession)
		r.Put("/sessions/current", s.handleSelectSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/export", s.handleExportSession)

		r.Put("/search", s.handleSearch)

		r.Post("/messages", s.handleSendMessage)
		r.Post("/messages/cancel", s.handleCancel)

		r.Post("/render", s.handleRender)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "Method not allowed")
	})
	return r
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// SelectRequest is the body of PUT /api/sessions/current.
type SelectRequest struct {
	ID string `json:"id"`
}

// SearchRequest is the body of PUT /api/search.
type SearchRequest struct {
	Query string `json:"query"`
}

// MessageRequest is the body of POST /api/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// RenderRequest is the body of POST /api/render.
type RenderRequest struct {
	Text string `json:"text"`
}

// RenderResponse is the response of POST /api/render.
type RenderResponse struct {
	HTML string `json:"html"`
}

// SessionsResponse lists sessions matching the search query.
type SessionsResponse struct {
	Sessions    []model.ChatSession `json:"sessions"`
	SearchQuery string              `json:"searchQuery"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Model     string `json:"model"`
	Streaming bool   `json:"streaming"`
	Uptime    string `json:"uptime"`
}

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	Sessions  int                     `json:"sessions"`
	Messages  int                     `json:"messages"`
	Streaming bool                    `json:"streaming"`
	StartTime time.Time               `json:"startTime"`
	Uptime    string                  `json:"uptime"`
	Usage     *telemetry.UsageSummary `json:"usage,omitempty"`
}

// FragmentEvent is the payload of one streamed SSE data event.
type FragmentEvent struct {
	Content string `json:"content"`
}

// ErrorEvent is the payload of the SSE error event.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ============================================================================
// STATE HANDLERS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Model:     s.runner.Model(),
		Streaming: s.store.IsStreaming(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	resp := StatsResponse{
		Sessions:  len(snap.Sessions),
		Streaming: snap.IsStreaming,
		StartTime: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	for _, sess := range snap.Sessions {
		resp.Messages += sess.MessageCount()
	}
	if s.usage != nil {
		summary := s.usage.Summary()
		resp.Usage = &summary
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// SESSION HANDLERS
// ============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionsResponse{
		Sessions:    s.store.FilteredSessions(),
		SearchQuery: s.store.SearchQuery(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.store.CreateSession())
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	// Clearing drops any in-flight binding; stop the stream feeding it.
	s.runner.Cancel()
	writeJSON(w, http.StatusOK, s.store.ClearAllSessions())
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.CurrentSession()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", session.ErrNoSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.store.SelectSession(req.ID) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("session %q not found", req.ID))
		return
	}
	sess, _ := s.store.CurrentSession()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.store.DeleteSession(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	opts := export.DefaultOptions()
	opts.Renderer = s.renderer
	exporter, err := export.New(format, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	content, err := exporter.Export(&sess)
	if err != nil {
		s.logger.Error("export failed", "session", sess.ID, "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "Export failed")
		return
	}

	w.Header().Set("Content-Type", exporter.MimeType()+"; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"chat-%s%s\"", sess.ID, exporter.FileExtension()))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.store.SetSearchQuery(req.Query)
	s.handleListSessions(w, r)
}

// ============================================================================
// MESSAGE HANDLERS
// ============================================================================

// handleSendMessage handles POST /api/messages. The reply streams back as
// Server-Sent Events: one data event per fragment, then "data: [DONE]" or
// an "error" event. Failures before the stream opens use a JSON error.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Content) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("Message exceeds maximum length of %d", MaxMessageLength))
		return
	}

	rc := http.NewResponseController(w)

	// The exchange lives as long as the client stays connected.
	ex, err := s.runner.Start(r.Context(), req.Content)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	// Streams may outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", ex.SessionID())
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	_, err = ex.Run(func(frag string) error {
		if err := writeEvent(w, "", FragmentEvent{Content: frag}); err != nil {
			return err
		}
		return rc.Flush()
	})

	if err != nil {
		status, _ := statusFor(err)
		if werr := writeEvent(w, "error", ErrorEvent{Message: err.Error(), Code: status}); werr != nil {
			s.logger.Debug("failed to write error event", "error", werr, "cause", err)
		}
	} else {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	_ = rc.Flush()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.runner.Cancel()})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Text) > MaxRenderLength {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("Text exceeds maximum length of %d", MaxRenderLength))
		return
	}
	writeJSON(w, http.StatusOK, RenderResponse{HTML: s.renderer.Render(req.Text)})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	s.server = srv
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("server started", "addr", ln.Addr().String(), "version", s.version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels any in-flight exchange and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	s.runner.Cancel()
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// decode reads a JSON body into v, answering 400 or 413 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxErr.Limit))
			return false
		}
		s.logger.Debug("invalid request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request format")
		return false
	}
	return true
}

// statusFor maps chat errors to HTTP status codes and error types.
func statusFor(err error) (int, string) {
	var apiErr *cloud.APIError
	var transportErr *cloud.TransportError
	switch {
	case errors.Is(err, cloud.ErrNotConfigured):
		return http.StatusServiceUnavailable, "config_error"
	case errors.Is(err, session.ErrStreamInProgress):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, session.ErrNoSession), errors.Is(err, chat.ErrSessionRemoved):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, chat.ErrCancelled):
		return 499, "cancelled"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "api_error"
	case errors.As(err, &transportErr):
		return http.StatusGatewayTimeout, "transport_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("chat request failed", "status", status, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
}

// writeEvent writes one SSE event. An empty name writes a bare data event.
func writeEvent(w http.ResponseWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	_, err = w.Write([]byte(b.String()))
	return err
}
