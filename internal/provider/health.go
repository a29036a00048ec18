package provider

import (
	"sync"
	"time"

	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
)

// CircuitState is the circuit-breaker state of one provider.
type CircuitState int

const (
	// StateClosed allows requests to flow normally
	StateClosed CircuitState = iota
	// StateOpen skips the provider until its cooldown elapses
	StateOpen
	// StateHalfOpen allows a single probe request through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthConfig holds health tracker configuration.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// BaseCooldown is the first OPEN cooldown; it doubles per consecutive
	// OPEN cycle up to MaxCooldown, with ±CooldownJitter applied
	BaseCooldown   time.Duration
	MaxCooldown    time.Duration
	CooldownJitter float64
	// DefaultRetryAfter is used when a rate-limit response carries no hint
	DefaultRetryAfter time.Duration
	// LatencySamples is the size of the per-provider latency ring
	LatencySamples int
	// Clock overrides time.Now, used by tests
	Clock func() time.Time
	// OnStateChange is invoked on every circuit transition
	OnStateChange func(id string, from, to CircuitState)
}

func (c *HealthConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 5 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 60 * time.Second
	}
	if c.CooldownJitter <= 0 {
		c.CooldownJitter = 0.2
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = 10 * time.Second
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = 10
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type health struct {
	state               CircuitState
	consecutiveFailures int
	openCycles          int
	openedAt            time.Time
	cooldown            time.Duration
	rateLimitedUntil    time.Time
	lastFailureAt       time.Time
	probeGranted        bool

	latencies []time.Duration
	latIdx    int
	latCount  int
}

// Snapshot is a point-in-time view of one provider's health, exposed on the
// health endpoint and consumed by the metrics layer.
type Snapshot struct {
	ID                  string        `json:"id"`
	State               string        `json:"circuit_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	RateLimitedUntil    time.Time     `json:"rate_limited_until,omitempty"`
	AvgLatency          time.Duration `json:"avg_latency_ns"`
}

// HealthTracker maintains per-provider circuit state, failure counts,
// rate-limit windows and latency samples. It is shared by every request task;
// every operation is a single atomic update under one mutex.
type HealthTracker struct {
	mu        sync.Mutex
	cfg       HealthConfig
	providers map[string]*health
}

// NewHealthTracker creates a tracker with the given configuration.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	cfg.setDefaults()
	return &HealthTracker{
		cfg:       cfg,
		providers: make(map[string]*health),
	}
}

// Register adds a provider in the CLOSED state. Registering twice is a no-op.
func (t *HealthTracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(id)
}

func (t *HealthTracker) ensureLocked(id string) *health {
	h, ok := t.providers[id]
	if !ok {
		h = &health{latencies: make([]time.Duration, t.cfg.LatencySamples)}
		t.providers[id] = h
	}
	return h
}

// RecordSuccess resets the failure count, records the observed latency and
// closes the circuit if the call was a half-open probe.
func (t *HealthTracker) RecordSuccess(id string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	h.consecutiveFailures = 0
	h.probeGranted = false
	if latency > 0 {
		h.latencies[h.latIdx] = latency
		h.latIdx = (h.latIdx + 1) % len(h.latencies)
		if h.latCount < len(h.latencies) {
			h.latCount++
		}
	}
	if h.state != StateClosed {
		t.setStateLocked(id, h, StateClosed)
		h.openCycles = 0
	}
}

// RecordFailure counts a failed attempt. Reaching the threshold opens the
// circuit; a failed half-open probe reopens it at the next backoff tier.
func (t *HealthTracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	h.consecutiveFailures++
	h.lastFailureAt = t.cfg.Clock()
	h.probeGranted = false

	switch h.state {
	case StateClosed:
		if h.consecutiveFailures >= t.cfg.FailureThreshold {
			t.openLocked(id, h)
		}
	case StateHalfOpen:
		t.openLocked(id, h)
	}
}

// RecordRateLimit marks the provider throttled until now+retryAfter. Rate
// limiting is independent of the failure circuit: a provider can be CLOSED
// yet temporarily rate limited.
func (t *HealthTracker) RecordRateLimit(id string, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	if retryAfter <= 0 {
		retryAfter = t.cfg.DefaultRetryAfter
	}
	h.rateLimitedUntil = t.cfg.Clock().Add(retryAfter)
	// A throttled probe is not a verdict on recovery; allow another one.
	h.probeGranted = false
}

// openLocked transitions to OPEN with an exponentially growing, jittered
// cooldown capped at MaxCooldown.
func (t *HealthTracker) openLocked(id string, h *health) {
	raw := t.cfg.BaseCooldown << uint(h.openCycles)
	if raw > t.cfg.MaxCooldown || raw <= 0 {
		raw = t.cfg.MaxCooldown
	}
	h.cooldown = resilience.Jitter(raw, t.cfg.CooldownJitter)
	h.openedAt = t.cfg.Clock()
	h.openCycles++
	t.setStateLocked(id, h, StateOpen)
}

func (t *HealthTracker) setStateLocked(id string, h *health, to CircuitState) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(id, from, to)
	}
}

// IsEligible reports whether the provider could serve a request now. It never
// changes state: an OPEN provider past its cooldown counts as eligible because
// a probe is available, but the probe is only consumed by TryAcquireProbe on
// the provider actually picked.
func (t *HealthTracker) IsEligible(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	now := t.cfg.Clock()

	if now.Before(h.rateLimitedUntil) {
		return false
	}

	switch h.state {
	case StateClosed:
		return true
	case StateOpen:
		return now.Sub(h.openedAt) >= h.cooldown
	case StateHalfOpen:
		return !h.probeGranted
	default:
		return false
	}
}

// TryAcquireProbe commits to sending a request through the provider. A CLOSED
// provider needs no probe and always succeeds; an OPEN provider past its
// cooldown transitions to HALF_OPEN and consumes its single probe grant; a
// HALF_OPEN provider succeeds only while the grant is unclaimed.
func (t *HealthTracker) TryAcquireProbe(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	now := t.cfg.Clock()

	if now.Before(h.rateLimitedUntil) {
		return false
	}

	switch h.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(h.openedAt) >= h.cooldown {
			t.setStateLocked(id, h, StateHalfOpen)
			h.probeGranted = true
			return true
		}
		return false
	case StateHalfOpen:
		if !h.probeGranted {
			h.probeGranted = true
			return true
		}
		return false
	default:
		return false
	}
}

// State returns the provider's circuit state.
func (t *HealthTracker) State(id string) CircuitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(id).state
}

// ConsecutiveFailures returns the provider's current failure streak.
func (t *HealthTracker) ConsecutiveFailures(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(id).consecutiveFailures
}

// AverageLatency returns the mean of the provider's recent latency samples,
// or 0 if none were recorded yet.
func (t *HealthTracker) AverageLatency(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	if h.latCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < h.latCount; i++ {
		sum += h.latencies[i]
	}
	return sum / time.Duration(h.latCount)
}

// RecoveryAt returns the earliest instant the provider could become eligible
// again. Degraded-mode selection picks the provider with the soonest one.
func (t *HealthTracker) RecoveryAt(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.ensureLocked(id)
	at := t.cfg.Clock()
	if h.state == StateOpen {
		if end := h.openedAt.Add(h.cooldown); end.After(at) {
			at = end
		}
	}
	if h.rateLimitedUntil.After(at) {
		at = h.rateLimitedUntil
	}
	return at
}

// Snapshots returns a health snapshot for every registered provider.
func (t *HealthTracker) Snapshots() map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Snapshot, len(t.providers))
	for id, h := range t.providers {
		var sum time.Duration
		for i := 0; i < h.latCount; i++ {
			sum += h.latencies[i]
		}
		var avg time.Duration
		if h.latCount > 0 {
			avg = sum / time.Duration(h.latCount)
		}
		out[id] = Snapshot{
			ID:                  id,
			State:               h.state.String(),
			ConsecutiveFailures: h.consecutiveFailures,
			LastFailureAt:       h.lastFailureAt,
			RateLimitedUntil:    h.rateLimitedUntil,
			AvgLatency:          avg,
		}
	}
	return out
}
