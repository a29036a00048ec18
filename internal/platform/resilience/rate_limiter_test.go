package resilience

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("Expected burst request %d allowed", i+1)
		}
	}
	if rl.Allow() {
		t.Error("Expected request beyond burst denied")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(100, 1) // 100/s refills fast enough to test

	if !rl.Allow() {
		t.Fatal("Expected first request allowed")
	}
	if rl.Allow() {
		t.Fatal("Expected second immediate request denied")
	}

	time.Sleep(20 * time.Millisecond) // > 1 token at 100/s

	if !rl.Allow() {
		t.Error("Expected request allowed after refill")
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	_ = rl.Allow()

	wait := rl.RetryAfter()
	if wait < 10*time.Millisecond {
		t.Errorf("Expected at least the 10ms floor, got %v", wait)
	}
	if wait > 150*time.Millisecond {
		t.Errorf("Expected roughly one token period (100ms), got %v", wait)
	}
}

func TestRateLimiter_FromRPM(t *testing.T) {
	rl := NewRateLimiterFromRPM(300, 5) // 5 requests per second
	rate, burst, _ := rl.Stats()
	if rate != 5.0 {
		t.Errorf("Expected 5 tokens/s from 300 rpm, got %f", rate)
	}
	if burst != 5 {
		t.Errorf("Expected burst 5, got %d", burst)
	}
}

func TestRateLimiter_WaitRespectsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	_ = rl.Allow() // Drain the only token

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	if err == nil {
		t.Fatal("Expected Wait to fail on context expiry")
	}
}
