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
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowsyash/audio-analyzer/internal/config"
	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/session"
	"github.com/knowsyash/audio-analyzer/internal/transcription"
)

const (
	serviceName    = "audio-analyzer"
	serviceVersion = "1.0.0"

	// RootBanner is the plain-text response to a GET on the root path
	RootBanner = "Audio Transcription Service Running"
)

// StatsSource reports recognition backend statistics
type StatsSource interface {
	GetStats() transcription.ClientStats
}

// HTTPServer serves the WebSocket endpoint and the monitoring API on one listener
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions *session.Manager
	backend  StatsSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	ws       *WSHandler

	startTime time.Time
	listener  net.Listener
}

// NewHTTPServer creates the server. backend may be nil when no stats are available.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, sessions *session.Manager,
	backend StatsSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http_server")),
		config:    cfg,
		sessions:  sessions,
		backend:   backend,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.ws = NewWSHandler(WSConfig{
		ReadLimit:      cfg.Server.ReadLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, sessions, logger, m)

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No read or write timeouts: upgraded connections live as long as the client streams
	h.server = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures the WebSocket endpoint and HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	wsPath := h.config.Server.Path

	if h.config.Monitoring.Enabled {
		mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
		mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
		mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
		mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
		mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

		// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
		mux.Handle(h.config.Monitoring.MetricsPath, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	if wsPath != "/" {
		mux.Handle(wsPath, h.ws)
	}

	mux.HandleFunc("/", h.handleRoot)
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background. A bind failure is
// returned so startup can fail fast.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
		slog.String("websocket_path", h.config.Server.Path),
		slog.Bool("monitoring", h.config.Monitoring.Enabled),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop stops accepting connections. Upgraded WebSocket connections are not
// tracked by net/http and are closed by the session manager.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleRoot upgrades WebSocket requests on the root path and answers plain GETs with a banner
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if h.config.Server.Path == "/" && websocket.IsWebSocketUpgrade(r) {
		h.ws.ServeHTTP(w, r)
		return
	}

	h.withMetrics("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, RootBanner)
	})(w, r)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recognition := map[string]any{
		"status":  "running",
		"backend": h.config.Recognition.Backend,
	}
	if h.backend != nil {
		stats := h.backend.GetStats()
		recognition["total_requests"] = stats.TotalRequests
		recognition["success_rate"] = stats.SuccessRate
		recognition["active_requests"] = stats.ActiveRequests
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.sessions.GetActiveSessionCount(),
				"max_sessions":    h.config.Server.MaxSessions,
			},
			"recognition": recognition,
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.sessions.GetAllSessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetInfo())
	}

	writeJSON(w, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	s, exists := h.sessions.GetSession(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s.GetInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API keys are replaced before the configuration leaves the process
	writeJSON(w, h.config.Redacted())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var fragments, windows, sent, discarded uint64
	for _, s := range h.sessions.GetAllSessions() {
		info := s.GetInfo()
		fragments += info.FragmentsReceived
		windows += info.WindowsCompleted
		sent += info.MessagesSent
		discarded += info.ResultsDiscarded
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count":      h.sessions.GetActiveSessionCount(),
			"fragments":         fragments,
			"windows":           windows,
			"messages_sent":     sent,
			"results_discarded": discarded,
		},
	}
	if h.backend != nil {
		stats["recognition"] = h.backend.GetStats()
	}

	writeJSON(w, stats)
}
