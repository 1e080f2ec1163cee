package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knowsyash/audio-analyzer/internal/audio"
	"github.com/knowsyash/audio-analyzer/internal/protocol"
	"github.com/knowsyash/audio-analyzer/internal/recognition"
	"github.com/knowsyash/audio-analyzer/internal/vad"
)

func TestSessionEmitsOneMessagePerWindow(t *testing.T) {
	conn := newFakeConn()
	classifier := textClassifier(func(_ string, window *audio.Window) string {
		return fmt.Sprintf("window %d: %d bytes", window.Seq, window.Size())
	})

	session, errCh := startSession(t, conn, classifier, testConfig(8, 2))

	conn.sendFragments(8, 1000, 0x11)
	messages := conn.waitMessages(t, 1, 2*time.Second)
	if messages[0].Text != "window 1: 8000 bytes" {
		t.Errorf("Unexpected message %q", messages[0].Text)
	}
	if _, err := strconv.ParseFloat(messages[0].Timestamp, 64); err != nil {
		t.Errorf("Timestamp %q is not numeric: %v", messages[0].Timestamp, err)
	}

	// The 9th fragment starts a new window and must not produce a message
	conn.sendFragment(make([]byte, 1000))
	waitFor(t, time.Second, func() bool { return session.GetInfo().FragmentsReceived == 9 })
	time.Sleep(50 * time.Millisecond)

	if got := len(conn.snapshot()); got != 1 {
		t.Errorf("Expected exactly 1 message, got %d", got)
	}

	conn.disconnect()
	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Errorf("Clean disconnect should not return an error, got %v", err)
	}

	if session.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", session.State())
	}
}

func TestSessionOrdersResultsByWindow(t *testing.T) {
	const windows = 20

	var active, maxActive atomic.Int32
	classifier := stubClassifier{classify: func(ctx context.Context, _ string, window *audio.Window) recognition.Result {
		current := active.Add(1)
		defer active.Add(-1)
		for {
			seen := maxActive.Load()
			if current <= seen || maxActive.CompareAndSwap(seen, current) {
				break
			}
		}

		// Later windows often finish before earlier ones
		time.Sleep(time.Duration(5+rand.IntN(25)) * time.Millisecond)
		return recognition.Result{Kind: recognition.KindText, Text: strconv.FormatUint(window.Seq, 10)}
	}}

	conn := newFakeConn()
	_, errCh := startSession(t, conn, classifier, testConfig(1, 3))

	conn.sendFragments(windows, 64, 0x22)
	messages := conn.waitMessages(t, windows, 5*time.Second)

	for i, msg := range messages {
		if msg.Text != strconv.Itoa(i+1) {
			t.Fatalf("Message %d: expected window %d, got %q", i, i+1, msg.Text)
		}
	}

	if got := maxActive.Load(); got > 3 {
		t.Errorf("In-flight bound exceeded: %d concurrent calls", got)
	}
	if got := maxActive.Load(); got < 2 {
		t.Errorf("Expected recognition calls to overlap, max concurrency was %d", got)
	}

	conn.disconnect()
	waitRun(t, errCh, 2*time.Second)
}

func TestSessionKeepsReadingWhileRecognitionBlocks(t *testing.T) {
	release := make(chan struct{})
	classifier := stubClassifier{classify: func(ctx context.Context, _ string, window *audio.Window) recognition.Result {
		<-release
		return recognition.Result{Kind: recognition.KindText, Text: strconv.FormatUint(window.Seq, 10)}
	}}

	conn := newFakeConn()
	session, errCh := startSession(t, conn, classifier, testConfig(1, 1))

	conn.sendFragments(10, 32, 0x33)

	// Every fragment is read and queued although the backend is stuck
	waitFor(t, 2*time.Second, func() bool {
		info := session.GetInfo()
		return info.FragmentsReceived == 10 && info.PendingWindows == 9 && info.InFlight == 1
	})

	close(release)
	messages := conn.waitMessages(t, 10, 2*time.Second)
	for i, msg := range messages {
		if msg.Text != strconv.Itoa(i+1) {
			t.Errorf("Message %d: expected window %d, got %q", i, i+1, msg.Text)
		}
	}

	conn.disconnect()
	waitRun(t, errCh, 2*time.Second)
}

func TestSessionCloseDiscardsInFlightResults(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// The backend ignores cancellation entirely
	classifier := stubClassifier{classify: func(ctx context.Context, _ string, window *audio.Window) recognition.Result {
		<-release
		return recognition.Result{Kind: recognition.KindText, Text: "late"}
	}}

	conn := newFakeConn()
	session, errCh := startSession(t, conn, classifier, testConfig(8, 2))

	conn.sendFragments(16, 100, 0x44)
	waitFor(t, 2*time.Second, func() bool { return session.GetInfo().InFlight == 2 })

	start := time.Now()
	conn.disconnect()

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close path took %v, expected to be bounded by the close grace", elapsed)
	}

	select {
	case <-session.Done():
	default:
		t.Error("Done channel should be closed after Run returns")
	}

	// Let the abandoned calls complete; their results must never be written
	release <- struct{}{}
	release <- struct{}{}
	time.Sleep(50 * time.Millisecond)

	if got := len(conn.snapshot()); got != 0 {
		t.Errorf("Expected no messages after close, got %d", got)
	}
	if got := session.GetInfo().ResultsDiscarded; got != 2 {
		t.Errorf("Expected 2 discarded results, got %d", got)
	}
}

func TestSessionPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		result   recognition.Result
		expected string
	}{
		{
			name:     "no match",
			result:   recognition.Result{Kind: recognition.KindNoMatch},
			expected: "[listening...]",
		},
		{
			name:     "service unavailable",
			result:   recognition.Result{Kind: recognition.KindServiceUnavailable, Reason: "HTTP 503"},
			expected: "[Recognition service unavailable]",
		},
		{
			name:     "processing error",
			result:   recognition.Result{Kind: recognition.KindProcessingError, Reason: "bad window"},
			expected: "[Audio processed - 3 chunks received]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := stubClassifier{classify: func(context.Context, string, *audio.Window) recognition.Result {
				return tt.result
			}}

			conn := newFakeConn()
			_, errCh := startSession(t, conn, classifier, testConfig(3, 2))

			conn.sendFragments(3, 10, 0x55)
			messages := conn.waitMessages(t, 1, 2*time.Second)
			if messages[0].Text != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, messages[0].Text)
			}

			conn.disconnect()
			waitRun(t, errCh, 2*time.Second)
		})
	}
}

func TestSessionSurvivesServiceUnavailable(t *testing.T) {
	classifier := stubClassifier{classify: func(_ context.Context, _ string, window *audio.Window) recognition.Result {
		if window.Seq == 1 {
			return recognition.Result{Kind: recognition.KindServiceUnavailable, Reason: "connection refused"}
		}
		return recognition.Result{Kind: recognition.KindText, Text: "back online"}
	}}

	conn := newFakeConn()
	session, errCh := startSession(t, conn, classifier, testConfig(2, 2))

	conn.sendFragments(2, 10, 0x66)
	messages := conn.waitMessages(t, 1, 2*time.Second)
	if messages[0].Text != protocol.PlaceholderServiceUnavailable {
		t.Fatalf("Expected service unavailable placeholder, got %q", messages[0].Text)
	}

	if session.State() != StateActive {
		t.Fatalf("Session must stay active, got %s", session.State())
	}

	conn.sendFragments(2, 10, 0x66)
	messages = conn.waitMessages(t, 2, 2*time.Second)
	if messages[1].Text != "back online" {
		t.Errorf("Expected transcript after recovery, got %q", messages[1].Text)
	}

	conn.disconnect()
	waitRun(t, errCh, 2*time.Second)
}

func TestSessionRejectsTextFrames(t *testing.T) {
	conn := newFakeConn()
	classifier := textClassifier(func(string, *audio.Window) string { return "unused" })
	session, errCh := startSession(t, conn, classifier, testConfig(8, 2))

	conn.sendFragment([]byte{1, 2, 3})
	conn.sendText("not audio")

	err := waitRun(t, errCh, 2*time.Second)
	if !errors.Is(err, protocol.ErrMalformedFragment) {
		t.Fatalf("Expected ErrMalformedFragment, got %v", err)
	}

	codes := conn.closeCodesSnapshot()
	if len(codes) == 0 || codes[0] != websocket.CloseUnsupportedData {
		t.Errorf("Expected close code %d, got %v", websocket.CloseUnsupportedData, codes)
	}

	if session.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", session.State())
	}
}

func TestSessionSendFailureEndsSession(t *testing.T) {
	conn := newFakeConn()
	conn.setWriteErr(errors.New("broken pipe"))

	classifier := textClassifier(func(string, *audio.Window) string { return "hello" })
	session, errCh := startSession(t, conn, classifier, testConfig(2, 2))

	conn.sendFragments(2, 10, 0x77)

	if err := waitRun(t, errCh, 2*time.Second); err == nil {
		t.Error("Expected send failure to end the session with an error")
	}

	if session.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", session.State())
	}
}

func TestSessionCloseSentIsDisconnect(t *testing.T) {
	conn := newFakeConn()
	// The client's close frame was echoed before the result could be written
	conn.setWriteErr(websocket.ErrCloseSent)

	classifier := textClassifier(func(string, *audio.Window) string { return "hello" })
	session, errCh := startSession(t, conn, classifier, testConfig(2, 2))

	conn.sendFragments(2, 10, 0x78)

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Errorf("Write after close handshake should end the session cleanly, got %v", err)
	}

	info := session.GetInfo()
	if info.MessagesSent != 0 {
		t.Errorf("Expected no messages sent, got %d", info.MessagesSent)
	}
	if info.ResultsDiscarded != 1 {
		t.Errorf("Expected the unsent result to be discarded, got %d", info.ResultsDiscarded)
	}
	if session.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", session.State())
	}
}

func TestSessionGatesWindowsInArrivalOrder(t *testing.T) {
	const windows = 12

	var mu sync.Mutex
	thresholds := make(map[uint64]float64)

	classifier := stubClassifier{
		classify: func(ctx context.Context, _ string, window *audio.Window) recognition.Result {
			// Later windows often finish before earlier ones
			time.Sleep(time.Duration(5+rand.IntN(25)) * time.Millisecond)
			return recognition.Result{Kind: recognition.KindNoMatch}
		},
		gated: func(window *audio.Window, gated *vad.Result) {
			if gated == nil {
				t.Errorf("Window %d: expected an energy gate verdict", window.Seq)
				return
			}
			mu.Lock()
			thresholds[window.Seq] = gated.Threshold
			mu.Unlock()
		},
	}

	config := testConfig(1, 3)
	config.EnergyThreshold = 300
	config.DynamicEnergy = true

	conn := newFakeConn()
	_, errCh := startSession(t, conn, classifier, config)

	// Quiet ambient noise at RMS 50 pulls the threshold down window by window
	fragment := make([]byte, 8000)
	for i := 0; i < len(fragment); i += 2 {
		binary.LittleEndian.PutUint16(fragment[i:], uint16(50))
	}
	for i := 0; i < windows; i++ {
		conn.sendFragment(fragment)
	}
	conn.waitMessages(t, windows, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()

	if thresholds[1] != 300 {
		t.Errorf("First window must be judged against the initial threshold, got %.2f", thresholds[1])
	}
	for seq := uint64(2); seq <= windows; seq++ {
		if thresholds[seq] >= thresholds[seq-1] {
			t.Errorf("Window %d threshold %.2f should be below window %d threshold %.2f",
				seq, thresholds[seq], seq-1, thresholds[seq-1])
		}
	}

	conn.disconnect()
	waitRun(t, errCh, 2*time.Second)
}

func TestSessionShutdown(t *testing.T) {
	conn := newFakeConn()
	classifier := textClassifier(func(string, *audio.Window) string { return "hello" })
	session, errCh := startSession(t, conn, classifier, testConfig(8, 2))

	conn.sendFragments(3, 10, 0x01)
	waitFor(t, time.Second, func() bool { return session.GetInfo().FragmentsReceived == 3 })

	session.Shutdown(websocket.CloseGoingAway, "server shutting down")

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Errorf("Requested shutdown should not return an error, got %v", err)
	}

	codes := conn.closeCodesSnapshot()
	if len(codes) != 1 || codes[0] != websocket.CloseGoingAway {
		t.Errorf("Expected a single going-away close frame, got %v", codes)
	}
}

func TestSessionEnergyGateConfig(t *testing.T) {
	classifier := textClassifier(func(string, *audio.Window) string { return "" })

	withGate, err := New("gated", newFakeConn(), classifier,
		Config{EnergyThreshold: 300, SampleRate: 48000, Channels: 2}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if withGate.GetInfo().Gate == nil {
		t.Error("Expected energy gate stats when a threshold is set")
	}

	withoutGate, err := New("plain", newFakeConn(), classifier,
		Config{SampleRate: 48000, Channels: 2}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if withoutGate.GetInfo().Gate != nil {
		t.Error("Expected no energy gate when the threshold is 0")
	}

	if _, err := New("broken", newFakeConn(), classifier,
		Config{EnergyThreshold: 300, SampleRate: 0, Channels: 2}, testLogger(), nil); err == nil {
		t.Error("Expected error for invalid gate configuration")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateActive:  "active",
		StateClosing: "closing",
		StateClosed:  "closed",
		State(9):     "unknown(9)",
	}

	for state, expected := range tests {
		if state.String() != expected {
			t.Errorf("Expected %s, got %s", expected, state.String())
		}
	}
}
