// Package main runs a local stand-in for the HTTP transcription API.
//
// It accepts the multipart requests the http backend sends, answers silent
// windows with no_match and everything else with a canned phrase, so the
// server can be exercised end to end without a real recognizer.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/knowsyash/audio-analyzer/internal/transcription"
)

var (
	addr    string
	path    string
	delay   time.Duration
	phrases []string
)

var rootCmd = &cobra.Command{
	Use:   "stubbackend",
	Short: "Stub transcription API for local testing",
	Long: `Stub transcription API for local testing.

Point the server at it with:
  transcription.http.endpoint: http://localhost:9000/transcribe`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

		mux := http.NewServeMux()
		mux.Handle(path, transcription.NewStubHandler(logger, phrases, delay))

		logger.Info("Stub transcription server starting",
			slog.String("address", addr),
			slog.String("endpoint", path),
			slog.Duration("delay", delay),
		)

		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		return server.ListenAndServe()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&addr, "addr", "a", ":9000", "listen address")
	flags.StringVar(&path, "path", "/transcribe", "endpoint path")
	flags.DurationVarP(&delay, "delay", "d", 200*time.Millisecond, "simulated processing time")
	flags.StringSliceVar(&phrases, "phrase", nil, "phrase to answer with (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
