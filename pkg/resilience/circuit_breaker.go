// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/exo/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means calls flow normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means calls are rejected without running.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means trial calls decide whether to close again.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Level maps the state to the gauge value recorded by telemetry:
// 0 open, 1 half-open, 2 closed.
func (s CircuitBreakerState) Level() int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that closes it.
	// Default 2.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial call.
	// Default 30s.
	Timeout time.Duration

	// Name identifies the breaker in errors, logs and metrics.
	Name string

	// Counts decides whether an error counts as a failure. Nil counts all.
	Counts func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker rejects calls to a dependency that keeps failing.
// The lock is never held while the protected call runs.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Call runs fn unless the circuit is open, in which case it fails with an
// errors.CodeCircuitOpen error without calling fn.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return errors.New(errors.CodeCircuitOpen, "circuit breaker open", nil).
			WithContext("breaker", cb.config.Name).
			WithRecoverable(false)
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	from := cb.state
	if from == StateOpen && cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
		cb.moveLocked(StateHalfOpen)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to != StateOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err != nil && (cb.config.Counts == nil || cb.config.Counts(err)) {
		cb.failures++
		cb.lastFailTime = cb.now()
		if from == StateHalfOpen || (from == StateClosed && cb.failures >= cb.config.FailureThreshold) {
			cb.moveLocked(StateOpen)
		}
	} else {
		switch from {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.moveLocked(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// moveLocked switches state and clears the counters. cb.mu must be held.
func (cb *CircuitBreaker) moveLocked(to CircuitBreakerState) {
	cb.state = to
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Open forces the circuit open for one Timeout.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	from := cb.state
	cb.moveLocked(StateOpen)
	cb.lastFailTime = cb.now()
	cb.mu.Unlock()
	cb.notify(from, StateOpen)
}
