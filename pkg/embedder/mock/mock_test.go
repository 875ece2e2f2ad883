package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalchat/healthmem-go/pkg/embedder/mock"
	"github.com/vitalchat/healthmem-go/pkg/storage"
)

func TestEmbedDeterministic(t *testing.T) {
	m := mock.New(64)
	ctx := context.Background()

	a, err := m.Embed(ctx, "what was my heart rate?")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "what was my heart rate?")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, storage.CosineSimilarity(a, b), 1e-9)
}

func TestEmbedDistinctTexts(t *testing.T) {
	m := mock.New(64)
	ctx := context.Background()

	a, err := m.Embed(ctx, "heart rate")
	require.NoError(t, err)
	b, err := m.Embed(ctx, "sleep quality")
	require.NoError(t, err)

	assert.Less(t, storage.CosineSimilarity(a, b), 0.9)
}

func TestEmbedBatch(t *testing.T) {
	m := mock.New(32)

	batch, err := m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	single, err := m.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, single, batch[0])
}

func TestDefaultDimensions(t *testing.T) {
	assert.Equal(t, 1536, mock.New(0).Dimensions())
	assert.Equal(t, 8, mock.New(8).Dimensions())
}
