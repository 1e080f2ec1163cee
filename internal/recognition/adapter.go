package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowsyash/audio-analyzer/internal/audio"
	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/transcription"
	"github.com/knowsyash/audio-analyzer/internal/vad"
)

// Transcriber is a speech-to-text backend
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, request *transcription.Request) (string, error)
}

// Config is the immutable per-adapter recognition configuration
type Config struct {
	SampleRate int
	Channels   int
	Timeout    time.Duration // Bounds every backend call, 0 means no bound
	Language   string
}

// Adapter classifies audio windows using a backend. It holds no per-session
// state and is safe for concurrent use by every session.
type Adapter struct {
	config  Config
	backend Transcriber
	epoch   time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAdapter creates a recognition adapter. Elapsed times of results are
// measured from epoch, which should be taken once at process start.
func NewAdapter(config Config, backend Transcriber, epoch time.Time, logger *slog.Logger, m *metrics.Metrics) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("recognition backend cannot be nil")
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", config.Channels)
	}

	if config.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative, got %v", config.Timeout)
	}

	return &Adapter{
		config:  config,
		backend: backend,
		epoch:   epoch,
		logger:  logger.With(slog.String("component", "recognition"), slog.String("backend", backend.Name())),
		metrics: m,
	}, nil
}

// Backend returns the name of the wrapped backend
func (a *Adapter) Backend() string {
	return a.backend.Name()
}

// Since returns the monotonic time elapsed since the adapter epoch
func (a *Adapter) Since() time.Duration {
	return time.Since(a.epoch)
}

// Classify produces exactly one Result for the window. It never panics and
// never returns an error. gated is the energy gate verdict decided by the
// caller; when it is nil every window goes to the backend.
func (a *Adapter) Classify(ctx context.Context, sessionID string, window *audio.Window, gated *vad.Result) (result Result) {
	startTime := time.Now()

	if window != nil {
		result.Seq = window.Seq
		result.FragmentTotal = window.FragmentTotal
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered panic during recognition",
				slog.String("session_id", sessionID),
				slog.Uint64("seq", result.Seq),
				slog.Any("panic", r),
			)
			result.Kind = KindProcessingError
			result.Text = ""
			result.Reason = fmt.Sprintf("panic: %v", r)
		}

		result.Latency = time.Since(startTime)
		result.Elapsed = a.Since()

		if a.metrics != nil {
			a.metrics.RecordRecognitionResult(result.Kind.String(), result.Latency.Seconds())
		}
		a.logResult(sessionID, result)
	}()

	if window == nil || len(window.Data) == 0 {
		result.Kind = KindProcessingError
		result.Reason = "empty audio window"
		return result
	}

	pcm := audio.AlignPCM(window.Data, a.config.Channels)
	if len(pcm) == 0 {
		result.Kind = KindProcessingError
		result.Reason = fmt.Sprintf("window of %d bytes is shorter than one frame", len(window.Data))
		return result
	}

	if gated != nil {
		if a.metrics != nil {
			a.metrics.RecordGateWindow(gated.HasVoice)
		}
		if !gated.HasVoice {
			result.Kind = KindNoMatch
			result.Reason = fmt.Sprintf("energy %.1f below threshold %.1f", gated.Energy, gated.Threshold)
			return result
		}
	}

	wav, err := audio.EncodePCM(pcm, a.config.SampleRate, a.config.Channels)
	if err != nil {
		result.Kind = KindProcessingError
		result.Reason = fmt.Sprintf("failed to encode window: %v", err)
		return result
	}

	request := &transcription.Request{
		RequestID:  uuid.NewString(),
		SessionID:  sessionID,
		Seq:        window.Seq,
		Audio:      wav,
		SampleRate: a.config.SampleRate,
		Channels:   a.config.Channels,
		Duration:   audio.PCMDuration(len(pcm), a.config.SampleRate, a.config.Channels),
		Language:   a.config.Language,
		CreatedAt:  time.Now(),
	}

	callCtx := ctx
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	if a.metrics != nil {
		a.metrics.RecordRecognitionRequest(a.backend.Name())
	}

	text, err := a.backend.Transcribe(callCtx, request)
	kind, reason := classifyOutcome(text, err)
	result.Kind = kind
	result.Reason = reason
	if kind == KindText {
		result.Text = strings.TrimSpace(text)
	}

	return result
}

// classifyOutcome maps a backend return onto a result kind
func classifyOutcome(text string, err error) (Kind, string) {
	if err == nil {
		if strings.TrimSpace(text) == "" {
			return KindNoMatch, "empty transcript"
		}
		return KindText, ""
	}

	if errors.Is(err, transcription.ErrNoMatch) {
		return KindNoMatch, err.Error()
	}

	var svcErr *transcription.ServiceError
	if errors.As(err, &svcErr) {
		return KindServiceUnavailable, err.Error()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindServiceUnavailable, "recognition timed out"
	}

	if errors.Is(err, context.Canceled) {
		return KindServiceUnavailable, "recognition cancelled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindServiceUnavailable, err.Error()
	}

	return KindProcessingError, err.Error()
}

func (a *Adapter) logResult(sessionID string, result Result) {
	attrs := []any{
		slog.String("session_id", sessionID),
		slog.Uint64("seq", result.Seq),
		slog.String("kind", result.Kind.String()),
		slog.Duration("latency", result.Latency),
	}

	switch result.Kind {
	case KindText:
		a.logger.Debug("Window transcribed", append(attrs, slog.String("text", result.Text))...)
	case KindNoMatch:
		a.logger.Debug("No speech recognized", append(attrs, slog.String("reason", result.Reason))...)
	default:
		a.logger.Warn("Recognition failed", append(attrs, slog.String("reason", result.Reason))...)
	}
}
