package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalchat/healthmem-go/pkg/storage"
	"github.com/vitalchat/healthmem-go/pkg/storage/sqlite"
)

func newTestClient(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath:             filepath.Join(t.TempDir(), "test.db"),
		EmbeddingDimension: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTurnRoundtrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Now()
	for i, content := range []string{"first", "second", "third"} {
		err := client.AppendTurn(ctx, &storage.TurnRecord{
			SessionID: "s1",
			Role:      "user",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	turns, err := client.RecentTurns(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "second", turns[0].Content)
	assert.Equal(t, "third", turns[1].Content)

	n, err := client.ClearTurns(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestExpiredTurnsFiltered(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, client.AppendTurn(ctx, &storage.TurnRecord{
		SessionID: "s1", Role: "user", Content: "expired",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, client.AppendTurn(ctx, &storage.TurnRecord{
		SessionID: "s1", Role: "user", Content: "live",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	turns, err := client.RecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "live", turns[0].Content)
}

func TestKVUpsert(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.GetKV(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	require.NoError(t, client.PutKV(ctx, "k", []byte("v1"), time.Hour))
	require.NoError(t, client.PutKV(ctx, "k", []byte("v2"), time.Hour))

	value, err := client.GetKV(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, client.DeleteKV(ctx, "k"))
	_, err = client.GetKV(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestVectorLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	rec := &storage.VectorRecord{
		ID:        42,
		UserID:    "u1",
		Kind:      storage.KindEpisodic,
		Tag:       "goal",
		Content:   "wants to run a 10k",
		Metadata:  map[string]string{"source": "chat"},
		Embedding: []float64{1, 0, 0, 0},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, client.InsertVector(ctx, rec))

	got, err := client.GetVector(ctx, 42, "u1")
	require.NoError(t, err)
	assert.Equal(t, "wants to run a 10k", got.Content)
	assert.Equal(t, "chat", got.Metadata["source"])
	assert.Equal(t, []float64{1, 0, 0, 0}, got.Embedding)

	_, err = client.GetVector(ctx, 42, "u2")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)

	require.NoError(t, client.UpdateVector(ctx, 42, "u1", "updated", nil, []float64{0, 1, 0, 0}))
	got, err = client.GetVector(ctx, 42, "u1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Content)

	assert.ErrorIs(t,
		client.UpdateVector(ctx, 42, "u2", "x", nil, nil),
		storage.ErrRecordNotFound)
}

func TestSearchVectors(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	insert := func(id int64, userID, tag string, embedding []float64) {
		require.NoError(t, client.InsertVector(ctx, &storage.VectorRecord{
			ID: id, UserID: userID, Kind: storage.KindEpisodic, Tag: tag,
			Content: "content", Embedding: embedding,
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
	}
	insert(1, "u1", "goal", []float64{1, 0, 0, 0})
	insert(2, "u1", "note", []float64{0, 1, 0, 0})
	insert(3, "u2", "goal", []float64{1, 0, 0, 0})

	// Scoped to user, ranked by similarity.
	results, err := client.SearchVectors(ctx, []float64{1, 0, 0, 0}, &storage.SearchOptions{
		UserID: "u1",
		Kind:   storage.KindEpisodic,
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)

	// Tag filter.
	results, err = client.SearchVectors(ctx, []float64{1, 0, 0, 0}, &storage.SearchOptions{
		UserID: "u1",
		Kind:   storage.KindEpisodic,
		Tag:    "note",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)

	// Unscoped searches are rejected.
	_, err = client.SearchVectors(ctx, []float64{1, 0, 0, 0}, &storage.SearchOptions{
		Kind:  storage.KindEpisodic,
		Limit: 10,
	})
	assert.Error(t, err)
}

func TestDeleteVectorsByKind(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now()
	for id, kind := range map[int64]string{
		1: storage.KindEpisodic,
		2: storage.KindEpisodic,
		3: storage.KindProcedural,
	} {
		require.NoError(t, client.InsertVector(ctx, &storage.VectorRecord{
			ID: id, UserID: "u1", Kind: kind, Content: "c",
			Embedding: []float64{1, 0, 0, 0},
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
	}

	n, err := client.DeleteVectors(ctx, "u1", storage.KindEpisodic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = client.GetVector(ctx, 3, "u1")
	assert.NoError(t, err)
}
