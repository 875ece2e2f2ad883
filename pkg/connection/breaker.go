// Package connection provides the resilient connection layer for the memory
// subsystem: a bounded connection pool and a circuit breaker that isolates
// the backing store when it degrades.
//
// Every store and cache operation goes through Manager.Execute, so a dead or
// slow backing store fails fast instead of queuing callers behind it.
package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Predefined errors for connection-level failures.
var (
	// ErrCircuitOpen indicates that the circuit breaker is open and calls
	// are failing fast without touching the backing store.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrPoolExhausted indicates that no pooled connection became available
	// within the acquire timeout. This is a backpressure signal; callers may
	// retry after backing off.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrStoreTimeout indicates that a backing-store operation exceeded its
	// timeout. Timeouts count as failures for circuit-breaker accounting.
	ErrStoreTimeout = errors.New("backing store operation timed out")
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed is the initial state; calls pass through.
	StateClosed BreakerState = "closed"

	// StateOpen fails all calls immediately until the reset timeout elapses.
	StateOpen BreakerState = "open"

	// StateHalfOpen allows a single probe call through after the reset
	// timeout. Success closes the breaker; failure reopens it.
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker implements the circuit-breaker resilience pattern.
//
// State machine:
//   - Closed: calls pass through. Each failure increments the consecutive
//     failure counter; reaching the threshold transitions to Open.
//   - Open: calls fail immediately with ErrCircuitOpen until ResetTimeout
//     elapses, then the next call is admitted as a HalfOpen probe.
//   - HalfOpen: probe success transitions to Closed and resets counters;
//     probe failure transitions back to Open and restarts the timer.
//
// The mutex is held only for the duration of a state check or update, never
// across I/O. All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	state         BreakerState
	failures      int
	lastFailureAt time.Time
	probeInFlight bool

	threshold    int
	resetTimeout time.Duration

	// now is injectable for tests.
	now func() time.Time

	logger *log.Logger
}

// BreakerConfig contains circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Defaults to 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe. Defaults to 30s.
	ResetTimeout time.Duration
}

// NewCircuitBreaker creates a circuit breaker in the Closed state.
func NewCircuitBreaker(cfg BreakerConfig, logger *log.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CircuitBreaker{
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
		logger:       logger.With("component", "circuit_breaker"),
	}
}

// Allow reports whether a call may proceed.
//
// Returns nil when the call is admitted. Returns ErrCircuitOpen when the
// breaker is open (or a half-open probe is already in flight). When the reset
// timeout has elapsed, the first caller is admitted as the half-open probe.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
//
// In HalfOpen state the probe success closes the breaker and resets the
// consecutive failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure records a failed call.
//
// In Closed state, reaching the failure threshold opens the breaker. In
// HalfOpen state, the failed probe reopens the breaker and restarts the
// reset timer.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition changes state and logs the transition. Caller must hold b.mu.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.logger.Warn("circuit breaker state change",
		"from", from,
		"to", to,
		"consecutive_failures", b.failures,
	)
}
