package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/knowsyash/audio-analyzer/internal/config"
	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/protocol"
	"github.com/knowsyash/audio-analyzer/internal/recognition"
	"github.com/knowsyash/audio-analyzer/internal/session"
	"github.com/knowsyash/audio-analyzer/internal/transcription"
)

const testPhrase = "hello world"

type testEnv struct {
	config   *config.Config
	sessions *session.Manager
	server   *httptest.Server
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func newTestEnv(t *testing.T, modify func(c *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Recognition.Backend = config.BackendMock
	cfg.Recognition.EnergyThreshold = 0
	if modify != nil {
		modify(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	backend := transcription.NewMockClient([]string{testPhrase}, 0)
	adapter, err := recognition.NewAdapter(recognition.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Timeout:    5 * time.Second,
	}, backend, time.Now(), logger, m)
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}

	mgr, err := session.NewManager(logger, adapter, session.ManagerConfig{
		Session: session.Config{
			WindowSize:  cfg.Audio.WindowSize,
			MaxInFlight: cfg.Recognition.MaxInFlight,
			CloseGrace:  500 * time.Millisecond,
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
		},
		MaxSessions: cfg.Server.MaxSessions,
	}, m)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	httpServer := NewHTTPServer(cfg, logger, mgr, backend, m, reg)
	ts := httptest.NewServer(httpServer.Handler())

	// Cleanups run in reverse: sessions first, then the listener
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})

	return &testEnv{config: cfg, sessions: mgr, server: ts}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.OutboundMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("Expected text message, got type %d", messageType)
	}

	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("Failed to decode message %q: %v", data, err)
	}
	return *msg
}

func sendFragments(t *testing.T, conn *websocket.Conn, n, size int) {
	t.Helper()

	for i := 0; i < n; i++ {
		fragment := make([]byte, size)
		for j := range fragment {
			fragment[j] = byte(i + j)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, fragment); err != nil {
			t.Fatalf("Failed to send fragment %d: %v", i, err)
		}
	}
}

func waitForSessions(t *testing.T, mgr *session.Manager, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for mgr.GetActiveSessionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d active sessions, got %d", n, mgr.GetActiveSessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketTranscription(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.config.Server.Path != "/transcribe" {
		t.Fatalf("Expected default WebSocket path /transcribe, got %s", env.config.Server.Path)
	}

	conn := dial(t, env.wsURL("/transcribe"))

	sendFragments(t, conn, 8, 1000)
	msg := readMessage(t, conn)

	if msg.Text != testPhrase {
		t.Errorf("Expected %q, got %q", testPhrase, msg.Text)
	}
	if msg.Timestamp == "" {
		t.Error("Expected a timestamp")
	}

	// The next window produces the next message
	sendFragments(t, conn, 8, 1000)
	if msg := readMessage(t, conn); msg.Text != testPhrase {
		t.Errorf("Expected %q, got %q", testPhrase, msg.Text)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitForSessions(t, env.sessions, 0)
}

func TestWebSocketCustomPath(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.Path = "/ws"
		c.Audio.WindowSize = 2
	})

	conn := dial(t, env.wsURL("/ws"))
	sendFragments(t, conn, 2, 400)

	if msg := readMessage(t, conn); msg.Text != testPhrase {
		t.Errorf("Expected %q, got %q", testPhrase, msg.Text)
	}

	resp, err := http.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected banner on / when the socket lives elsewhere, got %d", resp.StatusCode)
	}
}

func TestWebSocketRootPath(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.Path = "/"
		c.Audio.WindowSize = 2
	})

	conn := dial(t, env.wsURL("/"))
	sendFragments(t, conn, 2, 400)

	if msg := readMessage(t, conn); msg.Text != testPhrase {
		t.Errorf("Expected %q, got %q", testPhrase, msg.Text)
	}

	// Plain requests on the root still get the banner
	resp, err := http.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != RootBanner {
		t.Errorf("Expected banner, got %d %q", resp.StatusCode, body)
	}
}

func TestWebSocketRejectsTextFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL("/transcribe"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("Failed to send text frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseUnsupportedData {
		t.Errorf("Expected close code %d, got %d", websocket.CloseUnsupportedData, closeErr.Code)
	}

	waitForSessions(t, env.sessions, 0)
}

func TestWebSocketReadLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.ReadLimit = 1024
	})
	conn := dial(t, env.wsURL("/transcribe"))

	sendFragments(t, conn, 1, 2000)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseMessageTooBig {
		t.Errorf("Expected close code %d, got %d", websocket.CloseMessageTooBig, closeErr.Code)
	}
}

func TestWebSocketSessionLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.MaxSessions = 1
	})

	dial(t, env.wsURL("/transcribe"))
	waitForSessions(t, env.sessions, 1)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/transcribe"), nil)
	if err == nil {
		t.Fatal("Expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 response, got %v", resp)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(env.wsURL("/transcribe"), header); err == nil {
		t.Error("Expected disallowed origin to be rejected")
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/transcribe"), header)
	if err != nil {
		t.Fatalf("Expected allowed origin to connect, got %v", err)
	}
	conn.Close()
}

func TestShutdownSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dial(t, env.wsURL("/transcribe"))
	waitForSessions(t, env.sessions, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.sessions.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Transcription.HTTP.APIKey = "super-secret"
	})

	conn := dial(t, env.wsURL("/transcribe"))
	waitForSessions(t, env.sessions, 1)
	sessionID := env.sessions.GetAllSessions()[0].ID

	tests := []struct {
		name     string
		path     string
		status   int
		contains []string
		excludes []string
	}{
		{name: "root banner", path: "/", status: http.StatusOK, contains: []string{RootBanner}},
		{name: "health", path: "/health", status: http.StatusOK, contains: []string{`"status":"healthy"`, `"active_sessions":1`}},
		{name: "sessions", path: "/sessions", status: http.StatusOK, contains: []string{sessionID, `"total_sessions":1`}},
		{name: "session detail", path: "/sessions/" + sessionID, status: http.StatusOK, contains: []string{`"state":"active"`}},
		{name: "unknown session", path: "/sessions/missing", status: http.StatusNotFound},
		{name: "config", path: "/config", status: http.StatusOK, contains: []string{`"window_size":8`, `"***"`}, excludes: []string{"super-secret"}},
		{name: "stats", path: "/stats", status: http.StatusOK, contains: []string{`"active_count":1`, `"backend":"mock"`}},
		{name: "metrics", path: "/metrics", status: http.StatusOK, contains: []string{"transcribe_active_sessions"}},
		{name: "unknown path", path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s failed: %v", tt.path, err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, resp.StatusCode, body)
			}

			for _, s := range tt.contains {
				if !strings.Contains(string(body), s) {
					t.Errorf("Expected body to contain %q, got %s", s, body)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(string(body), s) {
					t.Errorf("Body must not contain %q", s)
				}
			}
		})
	}

	conn.Close()
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.server.URL+"/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestHealthReportsJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}

	service, ok := health["service"].(map[string]any)
	if !ok || service["name"] != serviceName {
		t.Errorf("Unexpected service block: %v", health["service"])
	}
}
