package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry attempt n (0-based):
// base * 2^n scaled by a random factor in [0.5, 1.5), capped at max.
// The multiplicative jitter keeps concurrent callers from retrying in
// lockstep after a shared upstream outage.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	delay *= 0.5 + rand.Float64()
	if delay > float64(max) {
		delay = float64(max)
	}

	return time.Duration(delay)
}

// Jitter spreads d by ±frac (e.g. frac=0.2 yields a value in [0.8d, 1.2d]).
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
