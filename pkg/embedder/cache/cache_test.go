package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/embedder/cache"
	"github.com/vitalchat/healthmem-go/pkg/embedder/mock"
	"github.com/vitalchat/healthmem-go/pkg/storage"
	"github.com/vitalchat/healthmem-go/pkg/storage/inmemory"
)

// countingProvider counts Embed calls so tests can assert the compute path
// was taken at most once per text.
type countingProvider struct {
	*mock.Embedder
	calls atomic.Int64
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.calls.Add(1)
	return p.Embedder.Embed(ctx, text)
}

func newTestCache(t *testing.T, store storage.Store) (*cache.Cache, *countingProvider) {
	t.Helper()
	provider := &countingProvider{Embedder: mock.New(32)}
	mgr := connection.NewManager(connection.Config{}, nil)
	c, err := cache.New(provider, store, mgr, cache.Config{TTL: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, provider
}

func TestEmbedComputesOncePerText(t *testing.T) {
	c, provider := newTestCache(t, inmemory.NewClient())
	ctx := context.Background()

	first, err := c.Embed(ctx, "resting heart rate")
	require.NoError(t, err)

	// Ristretto applies Set asynchronously; give the buffered write a
	// moment to land before the repeat lookup.
	time.Sleep(20 * time.Millisecond)

	second, err := c.Embed(ctx, "resting heart rate")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), provider.calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestEmbedSurvivesProcessRestart(t *testing.T) {
	store := inmemory.NewClient()
	ctx := context.Background()

	first, provider1 := newTestCache(t, store)
	embedding, err := first.Embed(ctx, "sleep quality last month")
	require.NoError(t, err)
	require.Equal(t, int64(1), provider1.calls.Load())

	// A fresh cache over the same backing store finds the entry in the
	// key/value tier without recomputing.
	second, provider2 := newTestCache(t, store)
	got, err := second.Embed(ctx, "sleep quality last month")
	require.NoError(t, err)

	assert.Equal(t, embedding, got)
	assert.Equal(t, int64(0), provider2.calls.Load())
	assert.Equal(t, int64(1), second.Stats().Hits)
}

// failingPutStore rejects all key/value writes.
type failingPutStore struct {
	storage.Store
}

func (s *failingPutStore) PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("disk full")
}

func TestStoreFailureIsBestEffort(t *testing.T) {
	c, provider := newTestCache(t, &failingPutStore{Store: inmemory.NewClient()})
	ctx := context.Background()

	// The write to the backing tier fails, but the embedding is returned.
	embedding, err := c.Embed(ctx, "step count today")
	require.NoError(t, err)
	assert.NotEmpty(t, embedding)
	assert.Equal(t, int64(1), provider.calls.Load())
}

// wrappedMissStore decorates not-found lookups the way SQL backends do,
// with the sentinel buried in an error chain.
type wrappedMissStore struct {
	storage.Store
}

func (s *wrappedMissStore) GetKV(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Store.GetKV(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("GetKV: %w", err)
	}
	return value, nil
}

func TestColdMissesLeaveBreakerClosed(t *testing.T) {
	provider := &countingProvider{Embedder: mock.New(32)}
	mgr := connection.NewManager(connection.Config{
		Breaker: connection.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
	}, nil)
	c, err := cache.New(provider, &wrappedMissStore{Store: inmemory.NewClient()}, mgr, cache.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()

	// Every lookup here is a cold miss against a healthy store. Even with
	// the tightest threshold the breaker must not trip, and each miss
	// computes exactly once despite the wrapped not-found sentinel.
	for i, text := range []string{"vo2 max trend", "weekly mileage", "hrv baseline"} {
		embedding, err := c.Embed(ctx, text)
		require.NoError(t, err)
		assert.NotEmpty(t, embedding)
		assert.Equal(t, int64(i+1), provider.calls.Load())
	}

	assert.Equal(t, connection.StateClosed, mgr.Breaker().State())
	assert.Equal(t, 0, mgr.Breaker().ConsecutiveFailures())
}

func TestGetOrComputeBoundsComputation(t *testing.T) {
	provider := &countingProvider{Embedder: mock.New(32)}
	mgr := connection.NewManager(connection.Config{}, nil)
	c, err := cache.New(provider, inmemory.NewClient(), mgr, cache.Config{
		ComputeTimeout: 30 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	start := time.Now()
	_, err = c.GetOrCompute(context.Background(), "anything", func(ctx context.Context) ([]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	c, _ := newTestCache(t, inmemory.NewClient())

	computeErr := errors.New("provider down")
	_, err := c.GetOrCompute(context.Background(), "anything", func(ctx context.Context) ([]float64, error) {
		return nil, computeErr
	})
	assert.ErrorIs(t, err, computeErr)

	// Failed computations are not cached.
	assert.Equal(t, int64(1), c.Stats().Misses)
	assert.Equal(t, int64(0), c.Stats().Hits)
}

func TestDimensionsDelegates(t *testing.T) {
	c, _ := newTestCache(t, inmemory.NewClient())
	assert.Equal(t, 32, c.Dimensions())
}
