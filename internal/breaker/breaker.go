// Package breaker wraps sony/gobreaker with the three-state contract used
// across the service: Closed until FailureThreshold consecutive failures,
// Open for Timeout, then HalfOpen until SuccessThreshold consecutive
// successes close it again (any half-open failure reopens it).
//
// Each notification channel and each recoverable component owns its own
// Breaker instance; they share nothing but configuration defaults.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// State is the observable breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds. Zero fields take the defaults below.
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed
	// that trips the breaker to Open.
	FailureThreshold uint32

	// Timeout is how long the breaker stays Open before the next Allow
	// moves it to HalfOpen.
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive HalfOpen successes
	// required to return to Closed.
	SuccessThreshold uint32
}

const (
	DefaultFailureThreshold uint32 = 5
	DefaultTimeout                 = 60 * time.Second
	DefaultSuccessThreshold uint32 = 2
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return c
}

// Breaker guards calls to a single failure-prone downstream.
// Safe for concurrent use. The zero value is not usable — create with New.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// New creates a breaker named for logging and metrics purposes.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	threshold := cfg.FailureThreshold

	return &Breaker{
		cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name: name,
			// MaxRequests doubles as the half-open success threshold:
			// gobreaker closes after ConsecutiveSuccesses reaches it.
			MaxRequests: cfg.SuccessThreshold,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// Allow reports whether a call may proceed. When ok is true the caller must
// invoke done exactly once with the call's outcome; when false the downstream
// must be skipped (breaker is Open, or HalfOpen at its probe limit).
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the name given at construction.
func (b *Breaker) Name() string { return b.cb.Name() }
