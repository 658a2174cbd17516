package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// CircuitBreakerError is returned when the breaker rejects an execution.
type CircuitBreakerError struct {
	State     State
	NextRetry time.Time
}

// Error implements error.
func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s, next retry at %s", e.State, e.NextRetry.Format(time.RFC3339))
}

// IsRetryable implements the retryable interface: rejections should not be
// retried immediately by an outer retry policy.
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// CircuitBreaker trips after consecutive failures and probes recovery
// through a half-open state.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailure      time.Time
	halfOpenInFlight int

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
}

// CircuitBreakerOption configures the circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the breaker.
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests bounds concurrent probes in half-open state.
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// NewCircuitBreaker creates a circuit breaker with sane defaults.
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 3,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		nextRetry := cb.lastFailure.Add(cb.openTimeout)
		if time.Now().After(nextRetry) {
			cb.state = StateHalfOpen
			cb.halfOpenInFlight = 1
			cb.successes = 0
			return nil
		}
		return &CircuitBreakerError{State: cb.state, NextRetry: nextRetry}
	default: // StateHalfOpen
		if cb.halfOpenInFlight >= cb.halfOpenRequests {
			return &CircuitBreakerError{State: cb.state, NextRetry: time.Now().Add(time.Second)}
		}
		cb.halfOpenInFlight++
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.halfOpenInFlight = 0
		}
		if cb.state != StateClosed {
			cb.successes = 0
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenInFlight = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}
