package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBreaker returns a breaker with an adjustable clock.
func testBreaker(threshold int, resetTimeout time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
	}, nil)
	current := time.Now()
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.Equal(t, 3, b.ConsecutiveFailures())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// The streak starts over; two more failures do not open the breaker.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := testBreaker(1, time.Minute)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After the reset timeout the first caller is admitted as the probe.
	*clock = clock.Add(time.Minute + time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one probe may be in flight.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := testBreaker(1, time.Minute)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	*clock = clock.Add(time.Minute + time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// A failed probe reopens the breaker and restarts the timer.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Not enough time since the probe failure; still open.
	*clock = clock.Add(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*clock = clock.Add(31 * time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{}, nil)

	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.resetTimeout)
}
