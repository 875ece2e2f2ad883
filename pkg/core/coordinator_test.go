package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalchat/healthmem-go/pkg/episodic"
	"github.com/vitalchat/healthmem-go/pkg/procedural"
	"github.com/vitalchat/healthmem-go/pkg/shortterm"
)

// failingEpisodic fails every operation, standing in for a degraded tier.
type failingEpisodic struct {
	err error
}

func (f *failingEpisodic) Store(ctx context.Context, event *episodic.Event) (int64, error) {
	return 0, f.err
}

func (f *failingEpisodic) Search(ctx context.Context, userID, queryText string, typeFilter *episodic.EventType, topK int) ([]episodic.Event, error) {
	return nil, f.err
}

func (f *failingEpisodic) Purge(ctx context.Context, userID string) (int64, error) {
	return 0, f.err
}

// blockingEpisodic hangs every operation until its context expires.
type blockingEpisodic struct{}

func (blockingEpisodic) Store(ctx context.Context, event *episodic.Event) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (blockingEpisodic) Search(ctx context.Context, userID, queryText string, typeFilter *episodic.EventType, topK int) ([]episodic.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEpisodic) Purge(ctx context.Context, userID string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRetrieveEndToEnd(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "What was my heart rate?"})
	require.NoError(t, err)
	_, err = client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleAssistant, Content: "72 bpm on average."},
		WithDurableEvent(&episodic.Event{
			Type:        episodic.TypeObservation,
			Description: "average heart rate 72 bpm",
		}),
		WithToolOutcome(&procedural.Pattern{
			QueryDescription: "heart rate lookup",
			ToolsUsed:        []string{"query_heart_rate"},
			SuccessScore:     0.9,
		}))
	require.NoError(t, err)

	mc, err := client.Retrieve(ctx, "u1", "s1", "heart rate lookup")
	require.NoError(t, err)

	assert.False(t, mc.Degraded())
	assert.NotEmpty(t, mc.TraceID)
	assert.Len(t, mc.ShortTerm, 2)
	require.NotEmpty(t, mc.Episodic)
	assert.Equal(t, "average heart rate 72 bpm", mc.Episodic[0].Description)
	require.NotNil(t, mc.Procedural)
	assert.Equal(t, []string{"query_heart_rate"}, mc.Procedural.SuggestedTools)
}

func TestRetrieveValidation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Retrieve(ctx, "", "s1", "query")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = client.Retrieve(ctx, "u1", "", "query")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRetrieveDegradesGracefully(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "hello"})
	require.NoError(t, err)

	// Force the episodic tier down; retrieval must still succeed with the
	// other tiers populated and the failure surfaced as a warning.
	client.episodic = &failingEpisodic{err: errors.New("store unreachable")}

	mc, err := client.Retrieve(ctx, "u1", "s1", "hello")
	require.NoError(t, err)

	assert.True(t, mc.Degraded())
	require.Len(t, mc.Warnings, 1)
	assert.Equal(t, TierEpisodic, mc.Warnings[0].Tier)
	assert.Len(t, mc.ShortTerm, 1)
	assert.NotNil(t, mc.Procedural)
	assert.Empty(t, mc.Episodic)
}

func TestRetrieveBoundsStuckTier(t *testing.T) {
	config := DefaultConfig()
	config.Connection.TierTimeout = 50 * time.Millisecond
	client, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	_, err = client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "hello"})
	require.NoError(t, err)

	// The episodic tier hangs; retrieval must come back within the tier
	// deadline with the tier reported degraded, not wait on it forever.
	client.episodic = blockingEpisodic{}

	start := time.Now()
	mc, err := client.Retrieve(ctx, "u1", "s1", "hello")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, mc.Degraded())
	require.Len(t, mc.Warnings, 1)
	assert.Equal(t, TierEpisodic, mc.Warnings[0].Tier)
	assert.Len(t, mc.ShortTerm, 1)
	assert.NotNil(t, mc.Procedural)
}

func TestShortTermBudgetConfigPropagates(t *testing.T) {
	config := DefaultConfig()
	config.ShortTerm.ContextWindowTokens = 200
	config.ShortTerm.TokenBudgetFraction = 0.5
	config.ShortTerm.MinRetainedTurns = 1
	client, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()

	// Each turn alone exceeds the 100-token budget, so trimming must cut
	// down to the configured floor of one turn, keeping the newest.
	for i := 0; i < 4; i++ {
		content := fmt.Sprintf("turn %d %s", i, strings.Repeat("x", 400))
		_, err := client.StoreTurn(ctx, "u1", "s1",
			shortterm.Turn{Role: shortterm.RoleUser, Content: content})
		require.NoError(t, err)
	}

	mc, err := client.Retrieve(ctx, "u1", "s1", "latest",
		WithoutEpisodic(), WithoutProcedural())
	require.NoError(t, err)

	require.Len(t, mc.ShortTerm, 1)
	assert.True(t, strings.HasPrefix(mc.ShortTerm[0].Content, "turn 3"))
}

func TestRetrieveTierExclusion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "hello"})
	require.NoError(t, err)

	mc, err := client.Retrieve(ctx, "u1", "s1", "hello",
		WithoutShortTerm(), WithoutProcedural())
	require.NoError(t, err)

	assert.Empty(t, mc.ShortTerm)
	assert.Nil(t, mc.Procedural)
	assert.False(t, mc.Degraded())
}

func TestStoreTurnPartialWrite(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tierErr := errors.New("episodic store down")
	client.episodic = &failingEpisodic{err: tierErr}

	report, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "I want to run a 10k"},
		WithDurableEvent(&episodic.Event{
			Type:        episodic.TypeGoal,
			Description: "wants to run a 10k",
		}))

	require.NotNil(t, report)
	assert.True(t, report.Partial())
	assert.False(t, report.Failed())
	assert.Equal(t, []string{TierShortTerm}, report.Written)
	assert.Equal(t, []string{TierEpisodic}, report.FailedTiers)

	var partial *PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, tierErr)

	// The short-term write survived the episodic failure.
	mc, err := client.Retrieve(ctx, "u1", "s1", "10k", WithoutEpisodic())
	require.NoError(t, err)
	assert.Len(t, mc.ShortTerm, 1)
}

func TestStoreTurnFillsEventUserID(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	event := &episodic.Event{
		Type:        episodic.TypePreference,
		Description: "prefers metric units",
	}
	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "use km please"},
		WithDurableEvent(event))
	require.NoError(t, err)
	assert.Equal(t, "u1", event.UserID)
}

func TestPurgeUser(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "remember this"},
		WithDurableEvent(&episodic.Event{
			Type:        episodic.TypeNote,
			Description: "a durable note",
		}),
		WithToolOutcome(&procedural.Pattern{
			QueryDescription: "a workflow",
			ToolsUsed:        []string{"tool"},
			SuccessScore:     0.8,
		}))
	require.NoError(t, err)

	n, err := client.PurgeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mc, err := client.Retrieve(ctx, "u1", "s1", "a durable note")
	require.NoError(t, err)
	assert.Empty(t, mc.Episodic)
	// Session turns are keyed by session, not user.
	assert.NotEmpty(t, mc.ShortTerm)
}

func TestClearSession(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreTurn(ctx, "u1", "s1",
		shortterm.Turn{Role: shortterm.RoleUser, Content: "hello"})
	require.NoError(t, err)

	require.NoError(t, client.ClearSession(ctx, "s1"))

	mc, err := client.Retrieve(ctx, "u1", "s1", "hello")
	require.NoError(t, err)
	assert.Empty(t, mc.ShortTerm)
}

func TestStats(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.Retrieve(ctx, "u1", "s1", "warm the cache")
	require.NoError(t, err)

	stats := client.Stats()
	assert.Positive(t, stats.ConnectionCapacity)
	assert.NotZero(t, stats.BreakerState)
	assert.Positive(t, stats.Cache.Misses)
}
