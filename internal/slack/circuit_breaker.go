package slack

import (
	"sync"
	"time"
)

// CircuitBreaker temporarily disables Slack Web API calls when errors
// exceed a threshold, so a platform outage degrades to "no presence
// writes this tick" instead of a pile-up of slow failing requests.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	failures      int
	lastFailure   time.Time
	state         CBState
	halfOpenCount int
}

// CBState represents the state of the circuit breaker
type CBState int

const (
	CBClosed   CBState = iota // Normal operation
	CBOpen                    // Circuit is open, rejecting requests
	CBHalfOpen                // Testing if the platform recovered
)

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		halfOpenMax:      2,
		state:            CBClosed,
	}
}

func NewCircuitBreakerWithConfig(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if resetTimeout < time.Second {
		resetTimeout = 30 * time.Second
	}
	if halfOpenMax < 1 {
		halfOpenMax = 2
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
		state:            CBClosed,
	}
}

// Allow returns true if the request should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		return true

	case CBOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = CBHalfOpen
			cb.halfOpenCount = 0
			return true
		}
		return false

	case CBHalfOpen:
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}

	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CBHalfOpen {
		cb.state = CBClosed
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.failureThreshold {
		cb.state = CBOpen
	}

	if cb.state == CBHalfOpen {
		cb.state = CBOpen
		cb.halfOpenCount = 0
	}
}

func (cb *CircuitBreaker) State() CBState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) StateString() string {
	switch cb.State() {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBClosed
	cb.failures = 0
	cb.halfOpenCount = 0
}
