package transcription

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/knowsyash/audio-analyzer/internal/audio"
)

const maxStubUpload = 10 << 20

// StubHandler serves the multipart protocol spoken by Client. Digital silence
// is answered with no_match, anything else with a phrase from the list.
type StubHandler struct {
	logger  *slog.Logger
	phrases []string
	delay   time.Duration
}

// NewStubHandler creates a stub transcription API handler
func NewStubHandler(logger *slog.Logger, phrases []string, delay time.Duration) *StubHandler {
	if len(phrases) == 0 {
		phrases = DefaultMockPhrases
	}

	return &StubHandler{
		logger:  logger.With(slog.String("component", "stub_backend")),
		phrases: phrases,
		delay:   delay,
	}
}

func (h *StubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxStubUpload); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	wavData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	samples, info, err := audio.DecodeWAV(wavData)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("session_id", r.FormValue("session_id")),
		slog.String("seq", r.FormValue("seq")),
		slog.String("filename", header.Filename),
		slog.Int("audio_size", len(wavData)),
		slog.Float64("duration", info.Duration),
		slog.String("language", r.FormValue("language")))

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	response := Response{
		RequestID:   r.FormValue("request_id"),
		Language:    r.FormValue("language"),
		Duration:    info.Duration,
		ProcessedAt: time.Now(),
	}

	if silent(samples) {
		response.NoMatch = true
	} else {
		response.Text = h.phrases[rand.IntN(len(h.phrases))]
		response.Confidence = 0.95
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

func silent(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}
