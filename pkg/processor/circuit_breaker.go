package processor

import (
	"sync"
	"time"
)

// CircuitState is one of the three states of the breaker state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig tunes the breaker embedded in a ResilientProcessor,
// grounded on the source system's processors/resilience.py CircuitBreaker
// and adapted to the state-enum/Counts shape of the teacher's
// pkg/errors/circuit_breaker.go.
type CircuitBreakerConfig struct {
	FailureThreshold  int           // consecutive failures before opening
	RecoveryTimeout   time.Duration // how long to stay open before probing
	HalfOpenProbes    int           // successes required in half-open to close
}

func (c *CircuitBreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
}

// CircuitBreaker is a three-state machine that temporarily disables a
// failing processor to prevent cascading failures.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	halfOpenSuccess  int
	openedAt         time.Time
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// CanExecute reports whether a call should be attempted, transitioning
// open->half-open once the recovery timeout has elapsed.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = CircuitHalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// CallSucceeded records a success, closing the circuit from half-open once
// enough probes have passed.
func (b *CircuitBreaker) CallSucceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenProbes {
			b.state = CircuitClosed
			b.consecutiveFails = 0
		}
	case CircuitClosed:
		b.consecutiveFails = 0
	}
}

// CallFailed records a failure, opening the circuit once the threshold of
// consecutive failures is reached (or immediately, from half-open).
func (b *CircuitBreaker) CallFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = b.now()
	case CircuitClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
