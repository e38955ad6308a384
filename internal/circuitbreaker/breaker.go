// Package circuitbreaker suspends ledger calls while the backend keeps failing,
// so pollers and retries do not hammer an unavailable service.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/retry"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open: ledger calls suspended")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls are rejected
	StateHalfOpen              // Probing whether the backend recovered
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

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// MaxConsecutiveFailures trips the circuit; zero or less never trips
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// CircuitBreaker tracks consecutive backend failures. Only failures worth
// retrying count (network errors, 408, 429, 5xx); any other response proves
// the backend is reachable.
type CircuitBreaker struct {
	name       string
	thresholds Thresholds
	clock      clockwork.Clock

	mu       sync.Mutex
	state    State
	failures int
	lastTrip time.Time

	// Duration before a half-open probe is allowed
	resetDelay time.Duration

	// probing is set while the single half-open probe is outstanding
	probing bool

	successCount     int
	successThreshold int

	onTripCallback func(reason string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(name string, t Thresholds) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		thresholds:       t,
		clock:            clockwork.NewRealClock(),
		state:            StateClosed,
		resetDelay:       30 * time.Second,
		successThreshold: 1,
	}
	cb.publish()
	return cb
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful probes needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock sets the clock used for the reset delay
func (cb *CircuitBreaker) WithClock(c clockwork.Clock) *CircuitBreaker {
	cb.clock = c
	return cb
}

// Allow reports whether a call may proceed. An open circuit moves to
// half-open once the reset delay has passed. While half-open, one call at a
// time is let through; its outcome must be passed to Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrOpen
		}
		cb.probing = true
		return nil
	}

	if cb.clock.Since(cb.lastTrip) < cb.resetDelay {
		return ErrOpen
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.probing = true
	cb.publish()
	logrus.WithField("breaker", cb.name).Info("Circuit breaker half-open: testing backend recovery")
	return nil
}

// Record feeds the outcome of a call. A cancelled probe frees the half-open
// slot without counting either way.
func (cb *CircuitBreaker) Record(err error) {
	if errors.Is(err, ErrOpen) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	if !retry.IsRetryable(err) {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.successThreshold {
				cb.state = StateClosed
				cb.successCount = 0
				cb.publish()
				logrus.WithField("breaker", cb.name).Info("Circuit breaker closed: backend has recovered")
			}
		}
		return
	}

	if cb.thresholds.MaxConsecutiveFailures <= 0 {
		return
	}
	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("probe failed: %v", err))
	case cb.state == StateClosed && cb.failures >= cb.thresholds.MaxConsecutiveFailures:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.probing = false
	cb.publish()
	logrus.WithField("breaker", cb.name).Info("Circuit breaker manually reset to closed state")
}

// trip opens the circuit. Callers hold mu.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.clock.Now()
	cb.failures = 0
	cb.publish()
	logrus.WithFields(logrus.Fields{
		"breaker": cb.name,
		"retry":   cb.resetDelay.String(),
	}).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}

func (cb *CircuitBreaker) publish() {
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
