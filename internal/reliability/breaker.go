package reliability

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// for the source is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig controls a per-source circuit breaker
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive eligible failures before tripping
	Window           time.Duration // rolling window for failure counts
	OpenDuration     time.Duration // how long Open lasts before a HalfOpen probe
}

// DefaultBreakerConfig returns conservative breaker settings
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		OpenDuration:     60 * time.Second,
	}
}

// FailureClassifier reports whether an error counts toward tripping the
// breaker. Transport, timeout, rate-limit and upstream 5xx errors are
// eligible; business-level 4xx responses are not.
type FailureClassifier func(error) bool

// Breaker is a per-source circuit breaker with Closed/Open/HalfOpen
// transitions. Non-eligible errors pass through to the caller without
// counting as breaker failures.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	isFailure FailureClassifier
	cfg       BreakerConfig
}

// NewBreaker creates a breaker for one source. A nil classifier treats
// every error as eligible.
func NewBreaker(cfg BreakerConfig, isFailure FailureClassifier) *Breaker {
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}
	b := &Breaker{isFailure: isFailure, cfg: cfg}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // a single probe is admitted in HalfOpen
		Interval:    cfg.Window,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("source", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return b
}

// passthrough carries a non-eligible error across gobreaker without
// counting it as a failure.
type passthrough struct{ err error }

// Call executes fn under the breaker. When the breaker is open it fails
// immediately with ErrCircuitOpen without invoking fn.
func (b *Breaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		v, callErr := fn()
		if callErr != nil && !b.isFailure(callErr) {
			return passthrough{err: callErr}, nil
		}
		return v, callErr
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrCircuitOpen
	}
	if pt, ok := result.(passthrough); ok {
		return nil, pt.err
	}
	return result, err
}

// State returns the current breaker state as closed/open/half-open
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Status is a point-in-time view of one breaker for the ops surface
type BreakerStatus struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalRequests       uint32    `json:"total_requests"`
	TotalFailures       uint32    `json:"total_failures"`
	LastChecked         time.Time `json:"last_checked"`
}

// Status snapshots the breaker counters
func (b *Breaker) Status() BreakerStatus {
	counts := b.cb.Counts()
	return BreakerStatus{
		Name:                b.cfg.Name,
		State:               b.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalRequests:       counts.Requests,
		TotalFailures:       counts.TotalFailures,
		LastChecked:         time.Now(),
	}
}
