package reliability

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenBlocked(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 2, RefillPerSecond: 1})

	if !rl.Allow() {
		t.Error("first request should be allowed")
	}
	if !rl.Allow() {
		t.Error("second request should be allowed")
	}
	if rl.Allow() {
		t.Error("third request should be blocked")
	}
}

func TestRateLimiter_ZeroTimeoutFailsFast(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillPerSecond: 0.1})

	if err := rl.Acquire(context.Background(), 1, 0); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}

	start := time.Now()
	err := rl.Acquire(context.Background(), 1, 0)
	if err != ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Error("zero-timeout acquire must not block")
	}
}

func TestRateLimiter_AcquireWaitsForRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillPerSecond: 10})

	if err := rl.Acquire(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}

	// Second acquire should wait about 100ms for one refill
	start := time.Now()
	if err := rl.Acquire(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("second acquire should succeed after refill: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("expected ~100ms wait, got %v", elapsed)
	}
}

func TestRateLimiter_TimeoutReturnsRateLimited(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillPerSecond: 0.1})
	rl.Allow() // drain

	err := rl.Acquire(context.Background(), 1, 30*time.Millisecond)
	if err != ErrRateLimited {
		t.Errorf("expected ErrRateLimited on timeout, got %v", err)
	}
}

func TestRateLimiter_CancelledContextPropagates(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Capacity: 1, RefillPerSecond: 0.1})
	rl.Allow() // drain

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := rl.Acquire(ctx, 1, time.Minute)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
