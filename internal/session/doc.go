// Package session runs the per-connection transcription pipeline. Fragments
// are accumulated into windows, windows are classified concurrently up to a
// per-session bound, and results are written back in window order. The
// Manager keeps the registry of live sessions used for monitoring.
package session
