package provider

import (
	"errors"
	"fmt"
	"time"
)

// TransportError means the provider could not be reached or answered with a
// server-side failure. It is retried against another provider.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError means the provider (or the local token bucket guarding it)
// signaled throttling. It is retried against another provider and does not
// count toward the circuit-breaker failure threshold.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
	Local      bool // true when the client-side limiter rejected the call
}

func (e *RateLimitedError) Error() string {
	if e.Local {
		return fmt.Sprintf("provider %s: local rate limit, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s: rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// ProviderError means the provider was reached and rejected the request
// itself (invalid address, unknown method). It is never retried: the request
// is the problem, not the provider.
type ProviderError struct {
	Provider string
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: rpc error %d: %s", e.Provider, e.Code, e.Message)
}

// IsRateLimited reports whether err is a rate-limit signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsProviderError reports whether err is a semantic provider rejection.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
