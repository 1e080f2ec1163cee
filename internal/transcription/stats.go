package transcription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ClientStats represents backend client statistics
type ClientStats struct {
	Backend         string        `json:"backend"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	NoMatchRequests uint64        `json:"no_match_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// limiter bounds concurrent backend requests across all sessions
type limiter chan struct{}

func newLimiter(n int) limiter {
	return make(limiter, n)
}

func (l limiter) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l limiter) release() {
	<-l
}

// drain blocks until every in-flight request has released its slot
func (l limiter) drain() {
	for i := 0; i < cap(l); i++ {
		l <- struct{}{}
	}
}

// recorder accumulates request statistics shared by all backends
type recorder struct {
	backend         string
	totalRequests   uint64
	successRequests uint64
	noMatchRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

func (r *recorder) request() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRequests++
}

func (r *recorder) retry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRetries++
}

// finish records the outcome of one logical request
func (r *recorder) finish(err error, responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case err == nil:
		r.successRequests++
	case errors.Is(err, ErrNoMatch):
		r.noMatchRequests++
	default:
		r.failedRequests++
		return
	}

	// Simple moving average over answered requests
	if r.avgResponseTime == 0 {
		r.avgResponseTime = responseTime
	} else {
		r.avgResponseTime = (r.avgResponseTime + responseTime) / 2
	}
}

func (r *recorder) snapshot(l limiter) ClientStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	successRate := float64(0)
	if r.totalRequests > 0 {
		successRate = float64(r.successRequests+r.noMatchRequests) / float64(r.totalRequests) * 100
	}

	return ClientStats{
		Backend:         r.backend,
		TotalRequests:   r.totalRequests,
		SuccessRequests: r.successRequests,
		NoMatchRequests: r.noMatchRequests,
		FailedRequests:  r.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    r.totalRetries,
		AvgResponseTime: r.avgResponseTime,
		ActiveRequests:  len(l),
	}
}
