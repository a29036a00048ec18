package provider

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(clock *fakeClock, onChange func(id string, from, to CircuitState)) *HealthTracker {
	return NewHealthTracker(HealthConfig{
		FailureThreshold: 5,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      60 * time.Second,
		Clock:            clock.Now,
		OnStateChange:    onChange,
	})
}

func TestHealthTracker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	var transitions []CircuitState
	tracker := newTestTracker(clock, func(id string, from, to CircuitState) {
		transitions = append(transitions, to)
	})
	tracker.Register("helius")

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("helius")
		if got := tracker.State("helius"); got != StateClosed {
			t.Fatalf("Expected closed after %d failures, got %s", i+1, got)
		}
		if !tracker.IsEligible("helius") {
			t.Fatalf("Expected eligibility below threshold at failure %d", i+1)
		}
	}

	// Fifth consecutive failure trips the breaker.
	tracker.RecordFailure("helius")
	if got := tracker.State("helius"); got != StateOpen {
		t.Fatalf("Expected open at threshold, got %s", got)
	}
	if tracker.IsEligible("helius") {
		t.Error("Expected open provider to be ineligible")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected one closed->open transition, got %v", transitions)
	}

	t.Log("✓ circuit opens on the 5th consecutive failure")
}

func TestHealthTracker_SuccessResetsStreak(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")

	for i := 0; i < 4; i++ {
		tracker.RecordFailure("helius")
	}
	tracker.RecordSuccess("helius", 20*time.Millisecond)

	if got := tracker.ConsecutiveFailures("helius"); got != 0 {
		t.Errorf("Expected streak reset on success, got %d", got)
	}

	// Another 4 failures must not trip the breaker.
	for i := 0; i < 4; i++ {
		tracker.RecordFailure("helius")
	}
	if got := tracker.State("helius"); got != StateClosed {
		t.Errorf("Expected closed after reset streak, got %s", got)
	}
}

func TestHealthTracker_HalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("helius")
	}
	if tracker.IsEligible("helius") {
		t.Fatal("Expected open provider to be ineligible before cooldown")
	}

	// Cooldown is 5s with up to +-20% jitter; 7s is past any jittered window.
	clock.Advance(7 * time.Second)

	// Eligibility is observation only: the circuit stays OPEN and the probe
	// stays available no matter how often it is checked.
	for i := 0; i < 3; i++ {
		if !tracker.IsEligible("helius") {
			t.Fatal("Expected eligibility after cooldown")
		}
	}
	if got := tracker.State("helius"); got != StateOpen {
		t.Fatalf("Expected open until the probe is acquired, got %s", got)
	}

	if !tracker.TryAcquireProbe("helius") {
		t.Fatal("Expected half-open probe after cooldown")
	}
	if got := tracker.State("helius"); got != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", got)
	}
	// Exactly one probe is granted.
	if tracker.IsEligible("helius") {
		t.Error("Expected ineligibility while the probe is out")
	}
	if tracker.TryAcquireProbe("helius") {
		t.Error("Expected a single probe, got a second grant")
	}

	tracker.RecordSuccess("helius", 30*time.Millisecond)
	if got := tracker.State("helius"); got != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", got)
	}
	if got := tracker.ConsecutiveFailures("helius"); got != 0 {
		t.Errorf("Expected streak reset after recovery, got %d", got)
	}
}

func TestHealthTracker_FailedProbeReopensLonger(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("helius")
	}
	clock.Advance(7 * time.Second)
	if !tracker.TryAcquireProbe("helius") {
		t.Fatal("Expected half-open probe")
	}

	// A failed probe reopens immediately, no threshold needed.
	tracker.RecordFailure("helius")
	if got := tracker.State("helius"); got != StateOpen {
		t.Fatalf("Expected reopen after failed probe, got %s", got)
	}

	// The second open cycle doubles the cooldown: minimum 10s - 20% jitter = 8s,
	// so 7s is not enough this time.
	clock.Advance(7 * time.Second)
	if tracker.TryAcquireProbe("helius") {
		t.Error("Expected doubled cooldown to still hold after 7s")
	}
	clock.Advance(6 * time.Second)
	if !tracker.TryAcquireProbe("helius") {
		t.Error("Expected probe once the doubled cooldown elapsed")
	}
}

func TestHealthTracker_RateLimitIndependentOfCircuit(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")

	tracker.RecordRateLimit("helius", 30*time.Second)

	// Throttled but the circuit stays closed and no failure is counted.
	if got := tracker.State("helius"); got != StateClosed {
		t.Fatalf("Expected closed under rate limit, got %s", got)
	}
	if got := tracker.ConsecutiveFailures("helius"); got != 0 {
		t.Errorf("Expected no failures from throttling, got %d", got)
	}
	if tracker.IsEligible("helius") {
		t.Error("Expected ineligibility inside the rate-limit window")
	}

	clock.Advance(31 * time.Second)
	if !tracker.IsEligible("helius") {
		t.Error("Expected eligibility after the rate-limit window")
	}
}

func TestHealthTracker_RateLimitDefaultWindow(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(HealthConfig{
		DefaultRetryAfter: 10 * time.Second,
		Clock:             clock.Now,
	})
	tracker.Register("helius")

	// No hint from the provider: the default window applies.
	tracker.RecordRateLimit("helius", 0)

	if tracker.IsEligible("helius") {
		t.Error("Expected ineligibility inside the default window")
	}
	clock.Advance(11 * time.Second)
	if !tracker.IsEligible("helius") {
		t.Error("Expected eligibility after the default window")
	}
}

func TestHealthTracker_AverageLatency(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")

	if got := tracker.AverageLatency("helius"); got != 0 {
		t.Fatalf("Expected zero latency with no samples, got %v", got)
	}

	tracker.RecordSuccess("helius", 10*time.Millisecond)
	tracker.RecordSuccess("helius", 30*time.Millisecond)

	if got := tracker.AverageLatency("helius"); got != 20*time.Millisecond {
		t.Errorf("Expected 20ms average, got %v", got)
	}

	// The ring keeps the last 10 samples; older ones age out.
	for i := 0; i < 10; i++ {
		tracker.RecordSuccess("helius", 50*time.Millisecond)
	}
	if got := tracker.AverageLatency("helius"); got != 50*time.Millisecond {
		t.Errorf("Expected 50ms average after ring turnover, got %v", got)
	}
}

func TestHealthTracker_Snapshots(t *testing.T) {
	clock := newFakeClock()
	tracker := newTestTracker(clock, nil)
	tracker.Register("helius")
	tracker.Register("public-rpc")

	tracker.RecordFailure("public-rpc")
	tracker.RecordSuccess("helius", 15*time.Millisecond)

	snaps := tracker.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	if snaps["public-rpc"].ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 failure for public-rpc, got %d", snaps["public-rpc"].ConsecutiveFailures)
	}
	if snaps["helius"].State != "closed" {
		t.Errorf("Expected helius closed, got %s", snaps["helius"].State)
	}
	if snaps["helius"].AvgLatency != 15*time.Millisecond {
		t.Errorf("Expected 15ms latency, got %v", snaps["helius"].AvgLatency)
	}
}
