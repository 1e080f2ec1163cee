// Package main runs the live transcription server.
//
// Usage:
//
//	audio-analyzer [flags]
//
// Clients connect over WebSocket, stream binary PCM16 fragments and receive
// one JSON message {"text", "timestamp"} per completed window.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/knowsyash/audio-analyzer/internal/config"
	"github.com/knowsyash/audio-analyzer/internal/metrics"
	"github.com/knowsyash/audio-analyzer/internal/recognition"
	"github.com/knowsyash/audio-analyzer/internal/server"
	"github.com/knowsyash/audio-analyzer/internal/session"
	"github.com/knowsyash/audio-analyzer/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-analyzer"
	serviceVersion    = "1.0.0"
)

var (
	configPath  string
	envFile     string
	host        string
	port        int
	backendName string
	windowSize  int
	maxInFlight int
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Live audio transcription over WebSocket",
	Long: `Live audio transcription over WebSocket.

Clients stream binary PCM16 fragments (48 kHz stereo by default). Every
window of fragments is sent to the configured recognition backend and
answered with one JSON message:

  {"text": "...", "timestamp": "12.345678"}

Configuration is layered: built-in defaults, the YAML file, the .env file
and environment (TRANSCRIBE_*, OPENAI_API_KEY, GEMINI_API_KEY), then flags.

Examples:
  audio-analyzer --config configs/config.yaml
  audio-analyzer --backend mock --port 9090
  OPENAI_API_KEY=sk-... audio-analyzer --backend openai`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&host, "host", "", "listen host (overrides server.host)")
	flags.IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	flags.StringVarP(&backendName, "backend", "b", "", "recognition backend: http, openai, gemini or mock")
	flags.IntVar(&windowSize, "window-size", 0, "fragments per recognition window")
	flags.IntVar(&maxInFlight, "max-in-flight", 0, "concurrent recognition calls per session")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// backend is what every transcription client provides
type backend interface {
	recognition.Transcriber
	server.StatsSource
	Close() error
}

func run(cmd *cobra.Command, args []string) error {
	// Monotonic reference for every result timestamp
	epoch := time.Now()

	if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address()),
		slog.String("websocket_path", cfg.Server.Path),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("window_size", cfg.Audio.WindowSize),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.String("backend", cfg.Recognition.Backend),
		slog.Int("max_in_flight", cfg.Recognition.MaxInFlight),
		slog.Float64("energy_threshold", cfg.Recognition.EnergyThreshold),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	client, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.Recognition.Backend, err)
	}
	defer client.Close()

	adapter, err := recognition.NewAdapter(recognition.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Timeout:    cfg.Recognition.GetTimeoutDuration(),
		Language:   cfg.Recognition.Language,
	}, client, epoch, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create recognition adapter: %w", err)
	}
	logger.Info("Recognition backend initialized",
		slog.String("backend", adapter.Backend()),
		slog.Duration("timeout", cfg.Recognition.GetTimeoutDuration()),
	)

	sessions, err := session.NewManager(logger, adapter, session.ManagerConfig{
		Session: session.Config{
			WindowSize:      cfg.Audio.WindowSize,
			MaxInFlight:     cfg.Recognition.MaxInFlight,
			CloseGrace:      cfg.Recognition.GetCloseGraceDuration(),
			WriteTimeout:    cfg.Server.GetWriteTimeoutDuration(),
			SampleRate:      cfg.Audio.SampleRate,
			Channels:        cfg.Audio.Channels,
			EnergyThreshold: cfg.Recognition.EnergyThreshold,
			DynamicEnergy:   cfg.Recognition.DynamicEnergy,
		},
		MaxSessions: cfg.Server.MaxSessions,
		IdleTimeout: cfg.Server.GetIdleTimeoutDuration(),
	}, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	httpServer := server.NewHTTPServer(cfg, logger, sessions, client, appMetrics, prometheus.DefaultGatherer)
	if err := httpServer.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop accepting connections first, then close every session with a going-away frame
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := sessions.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping sessions", slog.String("error", err.Error()))
	}

	stats := client.GetStats()
	logger.Info("Final recognition statistics",
		slog.String("backend", stats.Backend),
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("no_match_requests", stats.NoMatchRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
	)

	logger.Info("Service stopped")
	return nil
}

// loadConfig applies defaults, file, environment and finally flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		// No file in the default location: run on defaults and environment
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("backend") {
		cfg.Recognition.Backend = backendName
	}
	if flags.Changed("window-size") {
		cfg.Audio.WindowSize = windowSize
	}
	if flags.Changed("max-in-flight") {
		cfg.Recognition.MaxInFlight = maxInFlight
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// newBackend creates the transcription client selected by recognition.backend
func newBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	t := cfg.Transcription

	switch cfg.Recognition.Backend {
	case config.BackendHTTP:
		return transcription.NewClient(transcription.Config{
			Endpoint:      t.HTTP.Endpoint,
			APIKey:        t.HTTP.APIKey,
			Timeout:       t.HTTP.GetTimeoutDuration(),
			MaxRetries:    t.HTTP.MaxRetries,
			RetryBackoff:  t.HTTP.GetRetryBackoffDuration(),
			MaxConcurrent: t.HTTP.MaxConcurrent,
			OutputFormat:  t.HTTP.OutputFormat,
			UserAgent:     serviceName + "/" + serviceVersion,
		})

	case config.BackendOpenAI:
		return transcription.NewOpenAIClient(transcription.OpenAIConfig{
			APIKey:        t.OpenAI.APIKey,
			BaseURL:       t.OpenAI.BaseURL,
			Model:         t.OpenAI.Model,
			Prompt:        t.OpenAI.Prompt,
			Timeout:       cfg.Recognition.GetTimeoutDuration(),
			MaxConcurrent: t.OpenAI.MaxConcurrent,
		})

	case config.BackendGemini:
		return transcription.NewGeminiClient(ctx, transcription.GeminiConfig{
			APIKey:        t.Gemini.APIKey,
			BaseURL:       t.Gemini.BaseURL,
			Model:         t.Gemini.Model,
			Prompt:        t.Gemini.Prompt,
			Timeout:       cfg.Recognition.GetTimeoutDuration(),
			MaxConcurrent: t.Gemini.MaxConcurrent,
		})

	case config.BackendMock:
		return transcription.NewMockClient(t.Mock.Phrases, t.Mock.GetLatencyDuration()), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Recognition.Backend)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
