package reliability

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when tokens could not be acquired before the
// caller's timeout elapsed.
var ErrRateLimited = errors.New("rate limited")

// RateLimiterConfig controls a per-source token bucket
type RateLimiterConfig struct {
	Capacity        int     // bucket capacity (burst)
	RefillPerSecond float64 // steady-state refill rate
}

// RateLimiter is a token bucket limiter for one source. Waiters are served
// in FIFO order by the underlying reservation queue.
type RateLimiter struct {
	limiter *rate.Limiter
	cfg     RateLimiterConfig
}

// NewRateLimiter creates a token bucket with the given capacity and refill rate
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		cfg:     cfg,
	}
}

// Acquire blocks until n tokens are available, the timeout elapses, or ctx
// is cancelled. A zero timeout fails immediately when the bucket holds
// fewer than n tokens.
func (r *RateLimiter) Acquire(ctx context.Context, n int, timeout time.Duration) error {
	if n <= 0 {
		n = 1
	}
	if timeout == 0 {
		if r.limiter.AllowN(time.Now(), n) {
			return nil
		}
		return ErrRateLimited
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := r.limiter.WaitN(waitCtx, n)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Outer cancellation, not throttling
		return ctx.Err()
	}
	return ErrRateLimited
}

// Allow reports whether one token is immediately available
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Tokens returns the tokens currently available
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Config returns the limiter configuration
func (r *RateLimiter) Config() RateLimiterConfig {
	return r.cfg
}
