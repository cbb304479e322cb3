package requestplane

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // normal operation
	BreakerOpen     BreakerState = "open"      // failing, calls are rejected
	BreakerHalfOpen BreakerState = "half-open" // probing for recovery
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a backing store (registry SQL, S3 archive).
// Degraded stores trip the breaker so the hot path falls back to defaults
// instead of stacking timeouts.
type CircuitBreaker struct {
	name string

	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int

	state           BreakerState
	failures        int
	successes       int
	halfOpenReqs    int
	lastStateChange time.Time

	mu sync.RWMutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name            string
	MaxFailures     int           // failures before opening (default: 5)
	ResetTimeout    time.Duration // time before attempting half-open (default: 30s)
	HalfOpenMaxReqs int           // max probes in half-open state (default: 3)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxReqs <= 0 {
		config.HalfOpenMaxReqs = 3
	}

	return &CircuitBreaker{
		name:            config.Name,
		maxFailures:     config.MaxFailures,
		resetTimeout:    config.ResetTimeout,
		halfOpenMaxReqs: config.HalfOpenMaxReqs,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen
// without invoking fn when the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	// Context cancellation is the caller's deadline, not store health
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}

	cb.recordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if time.Since(cb.lastStateChange) >= cb.resetTimeout {
			cb.transition(BreakerHalfOpen)
			return true
		}
		return false

	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}

	return false
}

func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.maxFailures {
				cb.transition(BreakerOpen)
			}
		}

	case BreakerHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.halfOpenMaxReqs {
				cb.transition(BreakerClosed)
			}
		} else {
			// Any failure in half-open reopens the circuit
			cb.transition(BreakerOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(state BreakerState) {
	cb.state = state
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(BreakerClosed)
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"name":            cb.name,
		"state":           string(cb.state),
		"failures":        cb.failures,
		"successes":       cb.successes,
		"halfOpenReqs":    cb.halfOpenReqs,
		"lastStateChange": cb.lastStateChange,
	}
}
