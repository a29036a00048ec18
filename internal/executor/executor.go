// Package executor implements the resilient request path: cache read-through,
// health-aware provider rotation with bounded retries and backoff, and cache
// write-back tagged with per-method TTLs.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LouisdeMagician/blaze/internal/cache"
	"github.com/LouisdeMagician/blaze/internal/platform/observability"
	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
	"github.com/LouisdeMagician/blaze/internal/provider"
)

// ExhaustedError is the terminal failure for a request: every attempt across
// the pool (including a degraded-mode attempt) failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("executor: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Config holds executor configuration.
type Config struct {
	Cache   *cache.Store
	Pool    *provider.Pool
	Tracker *provider.HealthTracker
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// TTLs maps methods to cache TTLs; nil uses DefaultTTLTable
	TTLs TTLTable
	// MaxAttempts bounds total attempts across the pool per request
	MaxAttempts int
	// BaseDelay/MaxDelay shape the inter-attempt backoff
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RequestTimeout bounds each individual provider call
	RequestTimeout time.Duration
	// OnDegraded is invoked when selection fails open with no eligible
	// provider, with the provider chosen for the degraded attempt
	OnDegraded func(providerID string)
}

// Counters are the executor-level observability counters.
type Counters struct {
	Requests   uint64 `json:"requests"`
	CacheHits  uint64 `json:"cache_hits"`
	Fills      uint64 `json:"fills"`
	Retries    uint64 `json:"retries"`
	Degraded   uint64 `json:"degraded_activations"`
	Exhausted  uint64 `json:"exhausted"`
	Rejections uint64 `json:"provider_rejections"`
}

// Executor is the single entry point the rest of the system calls. It is
// shared by every concurrent request task.
type Executor struct {
	cache   *cache.Store
	pool    *provider.Pool
	tracker *provider.HealthTracker
	logger  *observability.Logger
	metrics *observability.Metrics
	ttls    TTLTable

	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	requestTimeout time.Duration
	onDegraded     func(string)

	group singleflight.Group

	requests   atomic.Uint64
	cacheHits  atomic.Uint64
	fills      atomic.Uint64
	retries    atomic.Uint64
	degraded   atomic.Uint64
	exhausted  atomic.Uint64
	rejections atomic.Uint64
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Cache == nil {
		return nil, errors.New("executor: cache is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("executor: provider pool is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = cfg.Pool.Tracker()
	}
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultTTLTable()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}
	return &Executor{
		cache:          cfg.Cache,
		pool:           cfg.Pool,
		tracker:        cfg.Tracker,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		ttls:           cfg.TTLs,
		maxAttempts:    cfg.MaxAttempts,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		requestTimeout: cfg.RequestTimeout,
		onDegraded:     cfg.OnDegraded,
	}, nil
}

// BuildRequest constructs a RequestSpec using the executor's TTL table.
func (e *Executor) BuildRequest(method string, params ...interface{}) RequestSpec {
	return NewRequest(method, params, e.ttls)
}

// Call is shorthand for Execute(BuildRequest(method, params...)).
func (e *Executor) Call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	return e.Execute(ctx, e.BuildRequest(method, params...))
}

// Execute runs one logical request: cache first, then the provider pool with
// rotation, backoff and write-back. Concurrent requests for the same cache
// key share a single in-flight fill.
func (e *Executor) Execute(ctx context.Context, spec RequestSpec) (interface{}, error) {
	e.requests.Add(1)

	if val, err := e.cache.Get(ctx, spec.CacheKey); err == nil {
		e.cacheHits.Add(1)
		if e.metrics != nil {
			e.metrics.RecordCacheHit(ctx)
		}
		return val, nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheMiss(ctx)
	}

	// Singleflight collapses concurrent fills for the same key; the duplicate
	// caller awaits the first fill's result instead of issuing its own call.
	// The shared fill runs under the winner's context, so a duplicate selects
	// on its own context rather than blocking until the winner finishes.
	ch := e.group.DoChan(spec.CacheKey, func() (interface{}, error) {
		// The winner may have populated the cache while we queued.
		if v, err := e.cache.Get(ctx, spec.CacheKey); err == nil {
			return v, nil
		}
		return e.fill(ctx, spec)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill executes the provider rotation loop for a cache miss.
func (e *Executor) fill(ctx context.Context, spec RequestSpec) (interface{}, error) {
	e.fills.Add(1)

	tried := make(map[string]bool, e.maxAttempts)
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			e.retries.Add(1)
			if e.metrics != nil {
				e.metrics.RecordRetry(ctx, spec.Method)
			}
			if err := e.sleep(ctx, resilience.Backoff(attempt-1, e.baseDelay, e.maxDelay)); err != nil {
				return nil, err
			}
		}

		desc, degraded, err := e.pool.Select(tried)
		if err != nil {
			// Nothing left to rotate to.
			break
		}
		if degraded {
			e.degraded.Add(1)
			if e.metrics != nil {
				e.metrics.RecordDegradedActivation(ctx)
			}
			e.logger.LogWarn(ctx, "all providers unavailable, failing open",
				"provider", desc.ID, "method", spec.Method)
			if e.onDegraded != nil {
				e.onDegraded(desc.ID)
			}
		}
		tried[desc.ID] = true

		value, err := e.attempt(ctx, desc, spec)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			// Cancelled mid-flight: the attempt recorded nothing and the
			// cache was not written.
			return nil, ctx.Err()
		}

		var pe *provider.ProviderError
		if errors.As(err, &pe) {
			// The request itself was rejected; other providers would reject
			// it too. Surface immediately.
			e.rejections.Add(1)
			return nil, err
		}
		lastErr = err
	}

	e.exhausted.Add(1)
	if e.metrics != nil {
		e.metrics.RecordExhausted(ctx, spec.Method)
	}
	return nil, &ExhaustedError{Attempts: len(tried), Last: lastErr}
}

// attempt issues one provider call, records the outcome in the tracker and
// writes successful results back to the cache.
func (e *Executor) attempt(ctx context.Context, desc *provider.Descriptor, spec RequestSpec) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	start := time.Now()
	raw, err := desc.Transport.Call(callCtx, spec.Method, spec.Params)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// Only completed attempts feed the tracker.
			return nil, err
		}
		var rl *provider.RateLimitedError
		switch {
		case errors.As(err, &rl):
			e.tracker.RecordRateLimit(desc.ID, rl.RetryAfter)
			e.logger.LogDebug(ctx, "provider rate limited",
				"provider", desc.ID, "method", spec.Method, "retry_after", rl.RetryAfter)
		case provider.IsProviderError(err):
			// Data problem, not an availability problem; no failure recorded.
		default:
			e.tracker.RecordFailure(desc.ID)
			e.logger.LogWarn(ctx, "provider call failed",
				"provider", desc.ID, "method", spec.Method, "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordProviderCall(ctx, desc.ID, spec.Method, "error", elapsed)
		}
		return nil, err
	}

	e.tracker.RecordSuccess(desc.ID, elapsed)
	if e.metrics != nil {
		e.metrics.RecordProviderCall(ctx, desc.ID, spec.Method, "success", elapsed)
	}

	var value interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, &provider.TransportError{Provider: desc.ID, Err: fmt.Errorf("decode result: %w", err)}
		}
	}

	if err := e.cache.Set(ctx, spec.CacheKey, value, spec.TTL); err != nil {
		// The value is still good; a write-back failure only costs the cache.
		e.logger.LogError(ctx, "cache write-back failed", err, "key", spec.CacheKey)
	}
	return value, nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counters returns a snapshot of the executor counters.
func (e *Executor) Counters() Counters {
	return Counters{
		Requests:   e.requests.Load(),
		CacheHits:  e.cacheHits.Load(),
		Fills:      e.fills.Load(),
		Retries:    e.retries.Load(),
		Degraded:   e.degraded.Load(),
		Exhausted:  e.exhausted.Load(),
		Rejections: e.rejections.Load(),
	}
}
