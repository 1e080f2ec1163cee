// Package audio handles fragment accumulation and PCM container encoding.
// It groups inbound fragments into fixed-size windows in arrival order and
// wraps raw PCM-16 windows into WAV so recognition backends can read them.
package audio
