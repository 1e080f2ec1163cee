package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/knowsyash/audio-analyzer/internal/audio"
	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/protocol"
	"github.com/knowsyash/audio-analyzer/internal/queue"
	"github.com/knowsyash/audio-analyzer/internal/recognition"
	"github.com/knowsyash/audio-analyzer/internal/vad"
)

const (
	DefaultMaxInFlight  = 2
	DefaultCloseGrace   = 2 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	controlWriteWait = time.Second
)

// State is the session lifecycle state
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Conn is the part of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Classifier turns a completed window into exactly one result. gated is the
// energy gate verdict for the window, nil when the session has no gate.
type Classifier interface {
	Classify(ctx context.Context, sessionID string, window *audio.Window, gated *vad.Result) recognition.Result
}

// job is a completed window waiting for recognition
type job struct {
	window *audio.Window
	gated  *vad.Result
}

// Config contains per-session pipeline configuration
type Config struct {
	WindowSize      int
	MaxInFlight     int
	CloseGrace      time.Duration
	WriteTimeout    time.Duration
	SampleRate      int
	Channels        int
	EnergyThreshold float64 // 0 disables the energy gate
	DynamicEnergy   bool
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = audio.DefaultWindowSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Session is one client connection and its transcription pipeline.
//
// Run starts two goroutines: the reader owns the accumulator and the energy
// gate, so windows are gated in arrival order, and hands them to the owner, which queues them, bounds in-flight
// recognition and writes results to the client in window order. Counters
// below are atomics so monitoring can read them without touching the
// pipeline state.
type Session struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	config     Config
	conn       Conn
	classifier Classifier
	gate       *vad.Gate
	logger     *slog.Logger
	metrics    *metrics.Metrics

	state        atomic.Int32
	lastActivity atomic.Int64 // UnixNano

	fragments  atomic.Uint64
	bytes      atomic.Uint64
	windows    atomic.Uint64
	dispatched atomic.Uint64
	sent       atomic.Uint64
	discarded  atomic.Uint64
	inFlight   atomic.Int32
	pending    atomic.Int32
	results    [4]atomic.Uint64 // Indexed by recognition.Kind

	// Written by the reader on exit, read after Run's goroutines finished
	accStats audio.AccumulatorStats

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a session for an accepted connection
func New(id string, conn Conn, classifier Classifier, config Config, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	config.applyDefaults()

	var gate *vad.Gate
	if config.EnergyThreshold > 0 {
		var err error
		gate, err = vad.NewGate(vad.Config{
			Threshold:  config.EnergyThreshold,
			Dynamic:    config.DynamicEnergy,
			SampleRate: config.SampleRate,
			Channels:   config.Channels,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create energy gate: %w", err)
		}
	}

	remoteAddr := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		StartTime:  now,
		config:     config,
		conn:       conn,
		classifier: classifier,
		gate:       gate,
		logger: logger.With(
			slog.String("session_id", id),
			slog.String("remote_addr", remoteAddr),
		),
		metrics: m,
		done:    make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())

	return s, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached StateClosed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastActivity returns the time the last fragment arrived
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Shutdown asks the client to go away and closes the connection. Run then
// unwinds through the normal close path.
func (s *Session) Shutdown(code int, reason string) {
	s.shutdownOnce.Do(func() {
		s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))

		s.logger.Info("Shutting down session",
			slog.Int("close_code", code),
			slog.String("reason", reason),
		)

		s.writeClose(code, reason)
		s.conn.Close()
	})
}

// Run drives the session until the connection ends, then cancels in-flight
// recognition, waits at most CloseGrace for workers and closes the
// connection. The returned error is nil for a clean client disconnect or
// a requested shutdown.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Session started",
		slog.Int("window_size", s.config.WindowSize),
		slog.Int("max_in_flight", s.config.MaxInFlight),
		slog.Bool("energy_gate", s.gate != nil),
	)

	stop := context.AfterFunc(ctx, func() {
		s.Shutdown(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	// Buffered to the in-flight bound so workers never block on a live owner
	results := make(chan recognition.Result, s.config.MaxInFlight)
	windows := make(chan *job, 4)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(windows)
		return s.readLoop(gctx, windows)
	})

	pending := queue.New[*job]()
	reorder := make(map[uint64]recognition.Result)

	g.Go(func() error {
		return s.ownerLoop(gctx, windows, results, pending, reorder, func(j *job) {
			workers.Add(1)
			go func() {
				defer workers.Done()
				s.work(workerCtx, j, results)
			}()
		})
	})

	err := g.Wait()

	s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
	s.close(cancelWorkers, &workers, results, pending, reorder)

	if err != nil {
		s.logger.Warn("Session ended with transport error", slog.String("error", err.Error()))
	}

	return err
}

// readLoop reads fragments until the connection ends
func (s *Session) readLoop(ctx context.Context, windows chan<- *job) error {
	acc := audio.NewAccumulator(s.config.WindowSize)
	defer func() {
		s.accStats = acc.GetStats()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.readError(err)
		}

		if err := protocol.ValidateFragment(messageType, data); err != nil {
			if s.metrics != nil {
				s.metrics.RecordMalformedFrame()
			}
			s.writeClose(protocol.CloseCode(err), "binary audio frames only")
			return err
		}

		s.lastActivity.Store(time.Now().UnixNano())
		s.fragments.Add(1)
		s.bytes.Add(uint64(len(data)))
		if s.metrics != nil {
			s.metrics.RecordFragment(len(data))
		}

		window := acc.Append(data)
		if window == nil {
			continue
		}

		s.windows.Add(1)
		s.logger.Debug("Window completed",
			slog.Uint64("seq", window.Seq),
			slog.Int("size", window.Size()),
			slog.Uint64("fragment_total", window.FragmentTotal),
		)

		select {
		case windows <- s.gateWindow(window):
		case <-ctx.Done():
			return nil
		}
	}
}

// gateWindow runs the energy gate on a completed window. The dynamic
// threshold depends on every earlier window, so this stays on the reader.
func (s *Session) gateWindow(window *audio.Window) *job {
	j := &job{window: window}
	if s.gate == nil {
		return j
	}

	pcm := audio.AlignPCM(window.Data, s.config.Channels)
	if len(pcm) == 0 {
		return j
	}

	gated := s.gate.Process(pcm)
	j.gated = &gated
	return j
}

// readError separates a client going away from a transport failure
func (s *Session) readError(err error) error {
	if s.State() != StateActive {
		// We closed the connection ourselves
		return nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		s.logger.Info("Client disconnected")
		return nil
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		if s.metrics != nil {
			s.metrics.RecordMalformedFrame()
		}
		return fmt.Errorf("fragment exceeds read limit: %w", err)
	}

	return fmt.Errorf("read failed: %w", err)
}

// ownerLoop queues windows, bounds concurrent recognition and emits results in order
func (s *Session) ownerLoop(
	ctx context.Context,
	windows <-chan *job,
	results <-chan recognition.Result,
	pending *queue.Queue[*job],
	reorder map[uint64]recognition.Result,
	start func(*job),
) error {
	nextSeq := uint64(1)
	inFlight := 0

	dispatch := func() {
		for inFlight < s.config.MaxInFlight {
			j, ok := pending.Dequeue()
			if !ok {
				return
			}
			inFlight++
			s.inFlight.Add(1)
			s.pending.Add(-1)
			s.dispatched.Add(1)
			if s.metrics != nil {
				s.metrics.AddPendingWindows(-1)
				size := j.window.Size()
				s.metrics.RecordWindowDispatched(size,
					audio.PCMDuration(size, s.config.SampleRate, s.config.Channels).Seconds())
			}
			start(j)
		}
	}

	for {
		select {
		case j, ok := <-windows:
			if !ok {
				return nil
			}
			pending.Enqueue(j)
			s.pending.Add(1)
			if s.metrics != nil {
				s.metrics.AddPendingWindows(1)
			}
			dispatch()

		case result := <-results:
			inFlight--
			s.inFlight.Add(-1)
			reorder[result.Seq] = result

			for {
				next, ok := reorder[nextSeq]
				if !ok {
					break
				}
				delete(reorder, nextSeq)
				nextSeq++

				if err := s.send(next); err != nil {
					// Unblock the reader, which treats a closed connection as our own shutdown
					s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
					s.conn.Close()

					if errors.Is(err, websocket.ErrCloseSent) {
						// The client's close frame was already answered
						s.discard(1)
						s.logger.Info("Client disconnected")
						return nil
					}
					return err
				}
			}
			dispatch()

		case <-ctx.Done():
			return nil
		}
	}
}

// work classifies one window and hands the result back to the owner
func (s *Session) work(ctx context.Context, j *job, results chan<- recognition.Result) {
	result := s.classifier.Classify(ctx, s.ID, j.window, j.gated)
	if ctx.Err() != nil {
		s.discard(1)
		return
	}

	select {
	case results <- result:
	case <-ctx.Done():
		s.discard(1)
	}
}

// send writes one result to the client
func (s *Session) send(result recognition.Result) error {
	if result.Kind >= 0 && int(result.Kind) < len(s.results) {
		s.results[result.Kind].Add(1)
	}

	msg := protocol.FromResult(result)
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if s.metrics != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.metrics.RecordSendFailure()
		}
		return fmt.Errorf("failed to send result for window %d: %w", result.Seq, err)
	}

	s.sent.Add(1)
	if s.metrics != nil {
		s.metrics.RecordMessageSent()
	}

	s.logger.Debug("Result sent",
		slog.Uint64("seq", result.Seq),
		slog.String("kind", result.Kind.String()),
		slog.String("timestamp", msg.Timestamp),
	)

	return nil
}

// close cancels in-flight work, waits at most CloseGrace for it, and releases the session
func (s *Session) close(cancelWorkers context.CancelFunc, workers *sync.WaitGroup,
	results <-chan recognition.Result, pending *queue.Queue[*job], reorder map[uint64]recognition.Result) {
	cancelWorkers()

	finished := make(chan struct{})
	go func() {
		workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(s.config.CloseGrace):
		s.logger.Warn("Abandoning recognition calls still running after close grace",
			slog.Int("in_flight", int(s.inFlight.Load())),
			slog.Duration("close_grace", s.config.CloseGrace),
		)
	}

	// Windows never dispatched and results never sent are dropped with the session
	dropped := pending.Len() + len(reorder)
drain:
	for {
		select {
		case <-results:
			dropped++
		default:
			break drain
		}
	}
	if n := pending.Len(); n > 0 && s.metrics != nil {
		s.metrics.AddPendingWindows(-n)
	}
	s.pending.Store(0)
	s.discard(dropped)

	s.conn.Close()
	s.state.Store(int32(StateClosed))
	close(s.done)

	s.logger.Info("Session closed",
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Uint64("fragments", s.fragments.Load()),
		slog.Uint64("windows", s.windows.Load()),
		slog.Int("partial_window_fragments", s.accStats.PendingFragments),
		slog.Uint64("messages_sent", s.sent.Load()),
		slog.Uint64("results_discarded", s.discarded.Load()),
	)
}

func (s *Session) discard(n int) {
	if n <= 0 {
		return
	}
	s.discarded.Add(uint64(n))
	if s.metrics != nil {
		for i := 0; i < n; i++ {
			s.metrics.RecordResultDiscarded()
		}
	}
}

func (s *Session) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait)); err != nil {
		s.logger.Debug("Failed to write close frame", slog.String("error", err.Error()))
	}
}

// Info is a monitoring snapshot of a session
type Info struct {
	ID                string            `json:"id"`
	RemoteAddr        string            `json:"remote_addr"`
	State             string            `json:"state"`
	StartTime         time.Time         `json:"start_time"`
	LastActivity      time.Time         `json:"last_activity"`
	Duration          time.Duration     `json:"duration"`
	FragmentsReceived uint64            `json:"fragments_received"`
	BytesReceived     uint64            `json:"bytes_received"`
	WindowsCompleted  uint64            `json:"windows_completed"`
	WindowsDispatched uint64            `json:"windows_dispatched"`
	PendingWindows    int               `json:"pending_windows"`
	InFlight          int               `json:"in_flight"`
	MessagesSent      uint64            `json:"messages_sent"`
	ResultsDiscarded  uint64            `json:"results_discarded"`
	Results           map[string]uint64 `json:"results"`
	Gate              *vad.GateStats    `json:"energy_gate,omitempty"`
}

// GetInfo returns a monitoring snapshot
func (s *Session) GetInfo() Info {
	results := make(map[string]uint64, len(s.results))
	for kind := range s.results {
		results[recognition.Kind(kind).String()] = s.results[kind].Load()
	}

	info := Info{
		ID:                s.ID,
		RemoteAddr:        s.RemoteAddr,
		State:             s.State().String(),
		StartTime:         s.StartTime,
		LastActivity:      s.LastActivity(),
		Duration:          time.Since(s.StartTime),
		FragmentsReceived: s.fragments.Load(),
		BytesReceived:     s.bytes.Load(),
		WindowsCompleted:  s.windows.Load(),
		WindowsDispatched: s.dispatched.Load(),
		PendingWindows:    int(s.pending.Load()),
		InFlight:          int(s.inFlight.Load()),
		MessagesSent:      s.sent.Load(),
		ResultsDiscarded:  s.discarded.Load(),
		Results:           results,
	}

	if s.gate != nil {
		stats := s.gate.GetStats()
		info.Gate = &stats
	}

	return info
}
