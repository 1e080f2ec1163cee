package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultEnergyThreshold is the starting RMS level above which a window counts as speech
	DefaultEnergyThreshold = 300

	defaultDamping = 0.15 // Threshold decay per second of non-speech audio
	defaultRatio   = 1.5  // Target threshold as a multiple of ambient energy
)

// Config contains energy gate configuration
type Config struct {
	Threshold  float64 // Initial RMS threshold, 0 disables the gate
	Dynamic    bool    // Adapt the threshold to ambient energy on non-speech windows
	SampleRate int
	Channels   int
}

// Gate classifies PCM-16 windows as speech or non-speech by RMS energy.
// Each session owns its own Gate since the dynamic threshold is per-stream state.
type Gate struct {
	config    Config
	threshold float64
	damping   float64
	ratio     float64

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastEnergy    float64
	lastProcessed time.Time

	mu sync.Mutex
}

// Result represents the outcome of gating one window
type Result struct {
	Energy    float64       `json:"energy"`
	Threshold float64       `json:"threshold"`
	HasVoice  bool          `json:"has_voice"`
	Duration  time.Duration `json:"duration"`
}

// GateStats represents gate statistics
type GateStats struct {
	Enabled         bool      `json:"enabled"`
	Dynamic         bool      `json:"dynamic"`
	Threshold       float64   `json:"threshold"`
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastEnergy      float64   `json:"last_energy"`
	LastProcessed   time.Time `json:"last_processed"`
}

// NewGate creates a new energy gate
func NewGate(config Config) (*Gate, error) {
	if config.Threshold < 0 {
		return nil, fmt.Errorf("energy threshold cannot be negative, got %f", config.Threshold)
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", config.Channels)
	}

	return &Gate{
		config:    config,
		threshold: config.Threshold,
		damping:   defaultDamping,
		ratio:     defaultRatio,
	}, nil
}

// Enabled reports whether the gate filters anything at all
func (g *Gate) Enabled() bool {
	return g.config.Threshold > 0
}

// Process measures a window of interleaved little-endian PCM-16 audio.
// A disabled gate reports every window as speech.
func (g *Gate) Process(pcm []byte) Result {
	energy := RMS(pcm)
	duration := time.Duration(0)
	if frame := g.config.Channels * 2; frame > 0 {
		duration = time.Duration(len(pcm)/frame) * time.Second / time.Duration(g.config.SampleRate)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	threshold := g.threshold
	hasVoice := !g.Enabled() || energy > threshold

	if g.Enabled() && !hasVoice && g.config.Dynamic {
		// Move towards ambient energy, weighted by how much audio we heard
		damping := math.Pow(g.damping, duration.Seconds())
		target := energy * g.ratio
		g.threshold = g.threshold*damping + target*(1-damping)
	}

	g.totalWindows++
	if hasVoice {
		g.voiceWindows++
	}
	g.lastEnergy = energy
	g.lastProcessed = time.Now()

	return Result{
		Energy:    energy,
		Threshold: threshold,
		HasVoice:  hasVoice,
		Duration:  duration,
	}
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	voicePercentage := float64(0)
	if g.totalWindows > 0 {
		voicePercentage = float64(g.voiceWindows) / float64(g.totalWindows) * 100
	}

	return GateStats{
		Enabled:         g.Enabled(),
		Dynamic:         g.config.Dynamic,
		Threshold:       g.threshold,
		TotalWindows:    g.totalWindows,
		VoiceWindows:    g.voiceWindows,
		VoicePercentage: voicePercentage,
		LastEnergy:      g.lastEnergy,
		LastProcessed:   g.lastProcessed,
	}
}

// RMS calculates the root-mean-square amplitude of little-endian PCM-16 data.
// A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}

	return math.Sqrt(sum / float64(n))
}
