package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Recognition backends selectable through recognition.backend
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
	BackendMock   = "mock"
)

const redacted = "***"

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	Recognition   RecognitionConfig   `yaml:"recognition" json:"recognition"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" json:"monitoring"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Host            string   `yaml:"host" json:"host"`
	Port            int      `yaml:"port" json:"port"`
	Path            string   `yaml:"path" json:"path"`                         // WebSocket endpoint path
	MaxSessions     int      `yaml:"max_sessions" json:"max_sessions"`         // 0 means unlimited
	ReadLimit       int64    `yaml:"read_limit" json:"read_limit"`             // bytes per frame
	WriteTimeout    int      `yaml:"write_timeout" json:"write_timeout"`       // seconds
	IdleTimeout     int      `yaml:"idle_timeout" json:"idle_timeout"`         // seconds, 0 disables
	ShutdownTimeout int      `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`   // empty allows all
}

// AudioConfig describes the PCM stream clients send
type AudioConfig struct {
	WindowSize int `yaml:"window_size" json:"window_size"` // fragments per recognition window
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
}

// RecognitionConfig contains per-window recognition parameters
type RecognitionConfig struct {
	Backend         string  `yaml:"backend" json:"backend"`
	MaxInFlight     int     `yaml:"max_in_flight" json:"max_in_flight"` // per session
	Timeout         int     `yaml:"timeout" json:"timeout"`             // seconds
	CloseGrace      int     `yaml:"close_grace" json:"close_grace"`     // seconds
	EnergyThreshold float64 `yaml:"energy_threshold" json:"energy_threshold"`
	DynamicEnergy   bool    `yaml:"dynamic_energy" json:"dynamic_energy"`
	Language        string  `yaml:"language" json:"language"`
}

// TranscriptionConfig groups the backend-specific settings
type TranscriptionConfig struct {
	HTTP   HTTPBackendConfig   `yaml:"http" json:"http"`
	OpenAI OpenAIBackendConfig `yaml:"openai" json:"openai"`
	Gemini GeminiBackendConfig `yaml:"gemini" json:"gemini"`
	Mock   MockBackendConfig   `yaml:"mock" json:"mock"`
}

// HTTPBackendConfig configures the generic multipart transcription API
type HTTPBackendConfig struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Timeout        int    `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	MaxConcurrent  int    `yaml:"max_concurrent" json:"max_concurrent"`
	OutputFormat   string `yaml:"output_format" json:"output_format"`
}

// OpenAIBackendConfig configures the Whisper backend
type OpenAIBackendConfig struct {
	APIKey        string `yaml:"api_key" json:"api_key"`
	BaseURL       string `yaml:"base_url" json:"base_url"`
	Model         string `yaml:"model" json:"model"`
	Prompt        string `yaml:"prompt" json:"prompt"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// GeminiBackendConfig configures the Gemini backend
type GeminiBackendConfig struct {
	APIKey        string `yaml:"api_key" json:"api_key"`
	BaseURL       string `yaml:"base_url" json:"base_url"`
	Model         string `yaml:"model" json:"model"`
	Prompt        string `yaml:"prompt" json:"prompt"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// MockBackendConfig configures the offline backend
type MockBackendConfig struct {
	Phrases   []string `yaml:"phrases" json:"phrases"`
	LatencyMs int      `yaml:"latency_ms" json:"latency_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MonitoringConfig controls the HTTP monitoring API served next to the WebSocket endpoint
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// Default returns the configuration used when no file or override is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			Path:            "/transcribe",
			MaxSessions:     100,
			ReadLimit:       1 << 20,
			WriteTimeout:    10,
			IdleTimeout:     0,
			ShutdownTimeout: 10,
		},
		Audio: AudioConfig{
			WindowSize: 8,
			SampleRate: 48000,
			Channels:   2,
		},
		Recognition: RecognitionConfig{
			Backend:         BackendHTTP,
			MaxInFlight:     2,
			Timeout:         30,
			CloseGrace:      2,
			EnergyThreshold: 300,
			DynamicEnergy:   true,
			Language:        "en",
		},
		Transcription: TranscriptionConfig{
			HTTP: HTTPBackendConfig{
				Endpoint:       "http://localhost:8000/transcribe",
				Timeout:        30,
				MaxRetries:     0,
				RetryBackoffMs: 500,
				MaxConcurrent:  10,
				OutputFormat:   "json",
			},
			OpenAI: OpenAIBackendConfig{
				Model:         "whisper-1",
				MaxConcurrent: 10,
			},
			Gemini: GeminiBackendConfig{
				Model:         "gemini-2.0-flash",
				MaxConcurrent: 10,
			},
			Mock: MockBackendConfig{
				LatencyMs: 200,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		*dst = n
		return nil
	}

	str("TRANSCRIBE_HOST", &c.Server.Host)
	str("TRANSCRIBE_BACKEND", &c.Recognition.Backend)
	str("TRANSCRIBE_LANGUAGE", &c.Recognition.Language)
	str("TRANSCRIBE_ENDPOINT", &c.Transcription.HTTP.Endpoint)
	str("TRANSCRIBE_API_KEY", &c.Transcription.HTTP.APIKey)
	str("TRANSCRIBE_LOG_LEVEL", &c.Logging.Level)
	str("OPENAI_API_KEY", &c.Transcription.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.Transcription.OpenAI.BaseURL)
	str("GEMINI_API_KEY", &c.Transcription.Gemini.APIKey)

	for key, dst := range map[string]*int{
		"TRANSCRIBE_PORT":          &c.Server.Port,
		"TRANSCRIBE_MAX_SESSIONS":  &c.Server.MaxSessions,
		"TRANSCRIBE_WINDOW_SIZE":   &c.Audio.WindowSize,
		"TRANSCRIBE_MAX_IN_FLIGHT": &c.Recognition.MaxInFlight,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Transcription.Validate(c.Recognition.Backend); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Monitoring.Validate(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1 fragment, got %d", a.WindowSize)
	}

	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	switch r.Backend {
	case BackendHTTP, BackendOpenAI, BackendGemini, BackendMock:
	default:
		return fmt.Errorf("backend must be one of [http, openai, gemini, mock], got '%s'", r.Backend)
	}

	if r.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1, got %d", r.MaxInFlight)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.CloseGrace < 0 {
		return fmt.Errorf("close_grace cannot be negative, got %d", r.CloseGrace)
	}

	if r.EnergyThreshold < 0 {
		return fmt.Errorf("energy_threshold cannot be negative, got %f", r.EnergyThreshold)
	}

	return nil
}

// Validate checks the settings of the selected backend only
func (t *TranscriptionConfig) Validate(backend string) error {
	switch backend {
	case BackendHTTP:
		if err := t.HTTP.Validate(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	case BackendOpenAI:
		if t.OpenAI.APIKey == "" {
			return fmt.Errorf("openai: api_key cannot be empty")
		}
		if t.OpenAI.MaxConcurrent < 1 {
			return fmt.Errorf("openai: max_concurrent must be at least 1, got %d", t.OpenAI.MaxConcurrent)
		}
	case BackendGemini:
		if t.Gemini.APIKey == "" {
			return fmt.Errorf("gemini: api_key cannot be empty")
		}
		if t.Gemini.MaxConcurrent < 1 {
			return fmt.Errorf("gemini: max_concurrent must be at least 1, got %d", t.Gemini.MaxConcurrent)
		}
	case BackendMock:
		if t.Mock.LatencyMs < 0 {
			return fmt.Errorf("mock: latency_ms cannot be negative, got %d", t.Mock.LatencyMs)
		}
	}

	return nil
}

// Validate validates the generic HTTP backend configuration
func (h *HTTPBackendConfig) Validate() error {
	if h.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if h.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", h.Timeout)
	}

	if h.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", h.MaxRetries)
	}

	if h.RetryBackoffMs < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", h.RetryBackoffMs)
	}

	if h.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", h.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[h.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", h.OutputFormat)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates monitoring configuration
func (m *MonitoringConfig) Validate() error {
	if m.Enabled && !strings.HasPrefix(m.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with '/', got '%s'", m.MetricsPath)
	}

	return nil
}

// Address returns the host:port the server listens on
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the recognition timeout as a time.Duration
func (r *RecognitionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetCloseGraceDuration returns the close grace as a time.Duration
func (r *RecognitionConfig) GetCloseGraceDuration() time.Duration {
	return time.Duration(r.CloseGrace) * time.Second
}

// GetTimeoutDuration returns the HTTP backend timeout as a time.Duration
func (h *HTTPBackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the base retry backoff as a time.Duration
func (h *HTTPBackendConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(h.RetryBackoffMs) * time.Millisecond
}

// GetLatencyDuration returns the simulated mock latency as a time.Duration
func (m *MockBackendConfig) GetLatencyDuration() time.Duration {
	return time.Duration(m.LatencyMs) * time.Millisecond
}

// Redacted returns a copy safe to expose over the monitoring API
func (c *Config) Redacted() Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	out.Transcription.Mock.Phrases = append([]string(nil), c.Transcription.Mock.Phrases...)

	for _, key := range []*string{
		&out.Transcription.HTTP.APIKey,
		&out.Transcription.OpenAI.APIKey,
		&out.Transcription.Gemini.APIKey,
	} {
		if *key != "" {
			*key = redacted
		}
	}

	return out
}
