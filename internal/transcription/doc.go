// Package transcription implements the speech-to-text backends a recognition
// adapter can call: a generic multipart HTTP API with retry and backoff,
// OpenAI Whisper, Google Gemini, and an offline mock. Backend failures are
// reported as *ServiceError and unrecognized audio as ErrNoMatch.
package transcription
