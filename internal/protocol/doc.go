// Package protocol defines the WebSocket wire format: binary frames carry one
// audio fragment each, and text frames carry JSON transcription messages
// with a fixed placeholder text for every non-speech outcome.
package protocol
