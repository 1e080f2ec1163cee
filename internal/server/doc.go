// Package server exposes the transcription service over HTTP: the WebSocket
// endpoint that turns each connection into a session, and the monitoring
// API (health, sessions, configuration, statistics, Prometheus metrics)
// served from the same listener.
package server
