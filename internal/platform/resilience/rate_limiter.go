// Package resilience holds the retry/backoff math and client-side throttling
// shared by the provider transports.
package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter. Each provider transport carries one
// sized to the upstream's documented request budget so the gateway throttles
// itself before the provider answers 429.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing rate requests per second with the
// given burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// NewRateLimiterFromRPM creates a limiter from a requests-per-minute budget.
func NewRateLimiterFromRPM(requestsPerMinute, burst int) *RateLimiter {
	return NewRateLimiter(float64(requestsPerMinute)/60.0, burst)
}

// Allow reports whether a request may proceed now, consuming a token if so.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// RetryAfter estimates how long until the next token is available. Transports
// surface this as the retry-after hint of a locally throttled call.
func (rl *RateLimiter) RetryAfter() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	needed := 1.0 - rl.tokens
	if needed <= 0 {
		return 0
	}
	wait := time.Duration(needed / rl.rate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-time.After(rl.RetryAfter()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the configured rate, burst and currently available tokens.
func (rl *RateLimiter) Stats() (rate float64, burst int, available float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return rl.rate, rl.burst, rl.tokens
}

// refill credits tokens for elapsed time (caller holds the lock).
func (rl *RateLimiter) refill() {
	now := time.Now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now
}
