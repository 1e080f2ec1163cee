package transcription

import (
	"context"
	"math/rand/v2"
	"time"
)

const BackendMock = "mock"

// DefaultMockPhrases are returned by the mock backend in random order
var DefaultMockPhrases = []string{
	"Hello, testing microphone.",
	"The audio quality is good.",
	"Real-time transcription working.",
	"This is a demo transcription.",
	"Speaking into the microphone now.",
	"System processing audio successfully.",
}

// MockClient is an offline backend for demos and local development
type MockClient struct {
	phrases   []string
	latency   time.Duration
	semaphore limiter
	stats     *recorder
}

// NewMockClient creates a mock backend answering after the given latency
func NewMockClient(phrases []string, latency time.Duration) *MockClient {
	if len(phrases) == 0 {
		phrases = DefaultMockPhrases
	}

	return &MockClient{
		phrases:   phrases,
		latency:   latency,
		semaphore: newLimiter(64),
		stats:     &recorder{backend: BackendMock},
	}
}

// Name returns the backend name
func (c *MockClient) Name() string {
	return BackendMock
}

// Transcribe returns a random phrase
func (c *MockClient) Transcribe(ctx context.Context, request *Request) (string, error) {
	if err := c.semaphore.acquire(ctx); err != nil {
		return "", err
	}
	defer c.semaphore.release()

	startTime := time.Now()
	c.stats.request()

	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			c.stats.finish(ctx.Err(), 0)
			return "", ctx.Err()
		}
	}

	text := c.phrases[rand.IntN(len(c.phrases))]
	c.stats.finish(nil, time.Since(startTime))

	return text, nil
}

// GetStats returns current client statistics
func (c *MockClient) GetStats() ClientStats {
	return c.stats.snapshot(c.semaphore)
}

// Close waits for active requests to complete
func (c *MockClient) Close() error {
	c.semaphore.drain()
	return nil
}
