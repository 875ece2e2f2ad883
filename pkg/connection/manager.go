package connection

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// Manager owns the bounded connection pool to the backing store and wraps
// every operation with the circuit breaker.
//
// Stores never talk to the backing store directly; they submit operations via
// Execute so that pool limits, per-operation timeouts, and breaker accounting
// apply uniformly.
//
// Example:
//
//	mgr := connection.NewManager(connection.Config{}, logger)
//	err := mgr.Execute(ctx, func(ctx context.Context) error {
//	    return backend.InsertVector(ctx, rec)
//	})
type Manager struct {
	sem     *semaphore.Weighted
	breaker *CircuitBreaker

	maxConns       int64
	acquireTimeout time.Duration
	opTimeout      time.Duration

	logger *log.Logger
}

// Config contains connection manager configuration.
type Config struct {
	// MaxConnections bounds concurrent backing-store operations.
	// Defaults to 20.
	MaxConnections int

	// AcquireTimeout is how long Acquire waits for a pool slot before
	// failing with ErrPoolExhausted. Defaults to 5s.
	AcquireTimeout time.Duration

	// OpTimeout is the per-operation deadline applied inside Execute.
	// Defaults to 2s.
	OpTimeout time.Duration

	// Breaker configures the circuit breaker.
	Breaker BreakerConfig
}

// NewManager creates a connection manager with a closed circuit breaker and
// an empty pool.
func NewManager(cfg Config, logger *log.Logger) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 20
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		sem:            semaphore.NewWeighted(int64(cfg.MaxConnections)),
		breaker:        NewCircuitBreaker(cfg.Breaker, logger),
		maxConns:       int64(cfg.MaxConnections),
		acquireTimeout: cfg.AcquireTimeout,
		opTimeout:      cfg.OpTimeout,
		logger:         logger.With("component", "connection"),
	}
}

// Acquire reserves a pool slot and returns a release function.
//
// Blocks up to the acquire timeout (or until ctx is done); failure to obtain
// a slot in time returns ErrPoolExhausted. The release function must be
// called exactly once.
func (m *Manager) Acquire(ctx context.Context) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}
	return func() { m.sem.Release(1) }, nil
}

// Execute runs op against the backing store under the circuit breaker.
//
// The call sequence is: breaker admission check, pool slot acquisition, then
// op with the per-operation timeout applied. A timeout is treated identically
// to a backing-store failure for breaker accounting and is surfaced as
// ErrStoreTimeout.
//
// ErrCircuitOpen and ErrPoolExhausted are returned without invoking op; they
// do not count as breaker failures themselves. Neither do the storage
// not-found sentinels (the store answered) or caller cancellation (the store
// was never given a chance to answer).
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return m.ExecuteTimeout(ctx, m.opTimeout, op)
}

// ExecuteTimeout is Execute with a tighter per-operation deadline than the
// manager default. A timeout <= 0 falls back to the default.
func (m *Manager) ExecuteTimeout(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = m.opTimeout
	}
	if err := m.breaker.Allow(); err != nil {
		return err
	}

	release, err := m.Acquire(ctx)
	if err != nil {
		// Pool exhaustion is backpressure, not evidence that the backing
		// store itself is failing. The probe slot is returned so the
		// breaker can admit the next caller.
		m.breaker.probeDone()
		return err
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = op(opCtx)
	if err == nil {
		m.breaker.RecordSuccess()
		return nil
	}

	switch {
	case errors.Is(err, storage.ErrKeyNotFound), errors.Is(err, storage.ErrRecordNotFound):
		// A not-found result round-tripped the store: the dependency is
		// healthy, the key just is not there.
		m.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// The caller gave up. That says nothing about store health, so no
		// outcome is recorded; any half-open probe slot is released.
		m.breaker.probeDone()
	default:
		m.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("operation timed out", "timeout", timeout)
			return ErrStoreTimeout
		}
	}
	return err
}

// Breaker exposes the circuit breaker, primarily for observability.
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// Stats returns the number of in-use pool slots and the pool capacity.
func (m *Manager) Stats() (inUse, capacity int64) {
	// TryAcquire/Release probe the semaphore without blocking.
	var free int64
	for free = 0; free < m.maxConns; free++ {
		if !m.sem.TryAcquire(1) {
			break
		}
	}
	if free > 0 {
		m.sem.Release(free)
	}
	return m.maxConns - free, m.maxConns
}

// Close releases manager resources. The pool has no OS-level resources of
// its own (backends own their connections), so Close waits for nothing.
func (m *Manager) Close() error {
	return nil
}

// probeDone releases a half-open probe reservation without recording an
// outcome. Used when admission succeeded but no store call was made.
func (b *CircuitBreaker) probeDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}
