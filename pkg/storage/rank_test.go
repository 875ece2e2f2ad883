package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalchat/healthmem-go/pkg/storage"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		expected float64
	}{
		{
			name:     "identical vectors",
			a:        []float64{1, 2, 3},
			b:        []float64{1, 2, 3},
			expected: 1.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float64{1, 0},
			b:        []float64{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite vectors",
			a:        []float64{1, 0},
			b:        []float64{-1, 0},
			expected: -1.0,
		},
		{
			name:     "dimension mismatch",
			a:        []float64{1, 2},
			b:        []float64{1, 2, 3},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float64{0, 0},
			b:        []float64{1, 1},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, storage.CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRankOrdersByScore(t *testing.T) {
	records := []*storage.VectorRecord{
		{ID: 1, Embedding: []float64{0, 1}},
		{ID: 2, Embedding: []float64{1, 0}},
		{ID: 3, Embedding: []float64{1, 1}},
	}

	ranked := storage.Rank(records, []float64{1, 0}, &storage.SearchOptions{Limit: 10})
	require.Len(t, ranked, 3)
	assert.Equal(t, int64(2), ranked[0].ID)
	assert.Equal(t, int64(3), ranked[1].ID)
	assert.Equal(t, int64(1), ranked[2].ID)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
}

func TestRankAppliesMinScore(t *testing.T) {
	records := []*storage.VectorRecord{
		{ID: 1, Embedding: []float64{1, 0}},
		{ID: 2, Embedding: []float64{0, 1}},
	}

	ranked := storage.Rank(records, []float64{1, 0}, &storage.SearchOptions{
		Limit:    10,
		MinScore: 0.5,
	})
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(1), ranked[0].ID)
}

func TestRankTruncatesToLimit(t *testing.T) {
	records := []*storage.VectorRecord{
		{ID: 1, Embedding: []float64{1, 0}},
		{ID: 2, Embedding: []float64{1, 0.1}},
		{ID: 3, Embedding: []float64{1, 0.2}},
	}

	ranked := storage.Rank(records, []float64{1, 0}, &storage.SearchOptions{Limit: 2})
	assert.Len(t, ranked, 2)
}

func TestRankTieBreaksByRecency(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	records := []*storage.VectorRecord{
		{ID: 1, Embedding: []float64{1, 0}, CreatedAt: older},
		{ID: 2, Embedding: []float64{1, 0}, CreatedAt: newer},
	}

	ranked := storage.Rank(records, []float64{1, 0}, &storage.SearchOptions{Limit: 10})
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(2), ranked[0].ID)
	assert.Equal(t, int64(1), ranked[1].ID)
}
