package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knowsyash/audio-analyzer/internal/audio"
	"github.com/knowsyash/audio-analyzer/internal/protocol"
	"github.com/knowsyash/audio-analyzer/internal/recognition"
	"github.com/knowsyash/audio-analyzer/internal/vad"
)

var errConnClosed = errors.New("use of closed network connection")

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// fakeConn is an in-memory Conn recording everything the session writes
type fakeConn struct {
	in        chan inboundFrame
	closed    chan struct{}
	closeOnce sync.Once
	notify    chan struct{}

	mu         sync.Mutex
	messages   []protocol.OutboundMessage
	closeCodes []int
	writeErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundFrame, 1024),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1024),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		return frame.messageType, frame.data, frame.err
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}

	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		return err
	}
	c.messages = append(c.messages, *msg)
	c.notify <- struct{}{}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType != websocket.CloseMessage || len(data) < 2 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCodes = append(c.closeCodes, int(binary.BigEndian.Uint16(data)))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendFragment(data []byte) {
	c.in <- inboundFrame{messageType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) sendFragments(n, size int, fill byte) {
	for i := 0; i < n; i++ {
		fragment := make([]byte, size)
		for j := range fragment {
			fragment[j] = fill
		}
		c.sendFragment(fragment)
	}
}

func (c *fakeConn) sendText(text string) {
	c.in <- inboundFrame{messageType: websocket.TextMessage, data: []byte(text)}
}

// disconnect simulates the client closing the connection cleanly
func (c *fakeConn) disconnect() {
	c.in <- inboundFrame{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) snapshot() []protocol.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.OutboundMessage(nil), c.messages...)
}

func (c *fakeConn) closeCodesSnapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

// waitMessages blocks until n messages were written or the timeout expires
func (c *fakeConn) waitMessages(t *testing.T, n int, timeout time.Duration) []protocol.OutboundMessage {
	t.Helper()

	deadline := time.After(timeout)
	for {
		if messages := c.snapshot(); len(messages) >= n {
			return messages
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d messages, got %d", n, len(c.snapshot()))
		}
	}
}

// stubClassifier delegates to a function and stamps window identity onto the result
type stubClassifier struct {
	classify func(ctx context.Context, sessionID string, window *audio.Window) recognition.Result
	gated    func(window *audio.Window, gated *vad.Result)
}

func (s stubClassifier) Classify(ctx context.Context, sessionID string, window *audio.Window, gated *vad.Result) recognition.Result {
	if s.gated != nil {
		s.gated(window, gated)
	}
	result := s.classify(ctx, sessionID, window)
	result.Seq = window.Seq
	result.FragmentTotal = window.FragmentTotal
	return result
}

func textClassifier(text func(sessionID string, window *audio.Window) string) stubClassifier {
	return stubClassifier{classify: func(ctx context.Context, sessionID string, window *audio.Window) recognition.Result {
		return recognition.Result{Kind: recognition.KindText, Text: text(sessionID, window)}
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(windowSize, maxInFlight int) Config {
	return Config{
		WindowSize:  windowSize,
		MaxInFlight: maxInFlight,
		CloseGrace:  200 * time.Millisecond,
		SampleRate:  48000,
		Channels:    2,
	}
}

// startSession runs a session in the background and returns its result channel
func startSession(t *testing.T, conn *fakeConn, classifier Classifier, config Config) (*Session, <-chan error) {
	t.Helper()

	session, err := New("test-session", conn, classifier, config, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(context.Background())
	}()

	return session, errCh
}

func waitRun(t *testing.T, errCh <-chan error, timeout time.Duration) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		t.Fatalf("Session did not finish within %v", timeout)
		return nil
	}
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
