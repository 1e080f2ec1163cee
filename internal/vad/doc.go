// Package vad provides energy-based voice activity detection for audio windows.
// A Gate measures the RMS energy of a PCM-16 window against a threshold that can
// adapt to ambient noise, so silent windows never reach the recognition backend.
package vad
