package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/session"
)

// WSConfig contains WebSocket endpoint configuration
type WSConfig struct {
	ReadLimit      int64    // Maximum fragment size in bytes
	AllowedOrigins []string // Empty allows every origin
}

// WSHandler upgrades connections and hands each one to the session manager
type WSHandler struct {
	upgrader websocket.Upgrader
	sessions *session.Manager
	config   WSConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWSHandler creates the WebSocket endpoint handler
func NewWSHandler(config WSConfig, sessions *session.Manager, logger *slog.Logger, m *metrics.Metrics) *WSHandler {
	h := &WSHandler{
		sessions: sessions,
		config:   config,
		logger:   logger.With(slog.String("component", "ws_handler")),
		metrics:  m,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin allows requests without an Origin header and, when a list is
// configured, only the listed origins
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}

	h.logger.Warn("Rejected connection from disallowed origin",
		slog.String("origin", origin),
		slog.String("remote_addr", r.RemoteAddr),
	)
	return false
}

// ServeHTTP runs one session for the lifetime of the upgraded connection
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Full() {
		if h.metrics != nil {
			h.metrics.RecordSessionRejected()
		}
		h.logger.Warn("Rejecting connection, session limit reached",
			slog.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "Too many active sessions", http.StatusServiceUnavailable)
		return
	}

	// Upgrade replies with an HTTP error itself on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	if h.config.ReadLimit > 0 {
		conn.SetReadLimit(h.config.ReadLimit)
	}

	s, err := h.sessions.Open(conn)
	if err != nil {
		// Lost the race for the last slot, or the manager is stopping
		code := websocket.CloseTryAgainLater
		if !errors.Is(err, session.ErrTooManySessions) {
			code = websocket.CloseGoingAway
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	if err := h.sessions.Run(s); err != nil {
		h.logger.Debug("Session finished with error",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}
