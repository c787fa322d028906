package provenance

import (
	"context"
	"testing"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	e, err := NewEngine(config.ProvenanceConfig{Enable: true, FactBufferLimit: limit}, 0.5, nil)
	require.NoError(t, err)
	return e
}

func TestAttentionRules(t *testing.T) {
	e := newEngine(t, 0)
	ctx := context.Background()

	require.NoError(t, e.RecordDecision(ctx, "s1", tracking.NewDecision("cart_builder", tracking.DecisionAdded, "milk", "Milk", "in every order", 0.9)))
	require.NoError(t, e.RecordDecision(ctx, "s1", tracking.NewDecision("cart_builder", tracking.DecisionAdded, "tofu", "Tofu", "in one order", 0.3)))
	require.NoError(t, e.RecordPack(ctx, "s1", &cart.ReviewPack{
		Confidence: 0.7,
		UnavailableItems: []cart.UnavailableItem{
			{Item: cart.Item{ProductID: "tofu"}, Substitutes: []cart.RankedSubstitute{{Score: 0.8}}},
			{Item: cart.Item{ProductID: "saffron"}, Substitutes: []cart.RankedSubstitute{}},
		},
		SuggestedRemovals: []cart.SuggestedRemoval{{Item: cart.Item{ProductID: "rice"}, Confidence: 0.6}},
	}))

	got, err := e.Attention(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []Attention{
		{ItemID: "rice", Reason: ReasonSuggestedRemoval},
		{ItemID: "saffron", Reason: ReasonNoSubstitute},
		{ItemID: "tofu", Reason: ReasonChooseSubstitute},
		{ItemID: "tofu", Reason: ReasonLowConfidence},
	}, got)
}

func TestAttentionIsPerSession(t *testing.T) {
	e := newEngine(t, 0)
	ctx := context.Background()
	require.NoError(t, e.RecordPack(ctx, "s1", &cart.ReviewPack{Confidence: 0.2}))
	require.NoError(t, e.RecordPack(ctx, "s2", &cart.ReviewPack{Confidence: 0.9}))

	s1, err := e.Attention(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []Attention{{ItemID: PackItem, Reason: ReasonLowConfidence}}, s1)

	s2, err := e.Attention(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, s2)
}

func TestBufferLimitDropsOldestFacts(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()
	require.NoError(t, e.RecordDecision(ctx, "s1", tracking.NewDecision("x", tracking.DecisionAdded, "old", "", "", 0.1)))
	require.NoError(t, e.RecordDecision(ctx, "s1", tracking.NewDecision("x", tracking.DecisionAdded, "a", "", "", 0.9)))
	require.NoError(t, e.RecordDecision(ctx, "s1", tracking.NewDecision("x", tracking.DecisionAdded, "b", "", "", 0.9)))

	assert.Len(t, e.facts, 2)
	got, err := e.Attention(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got, "the low-confidence fact was trimmed and its derivation rebuilt away")
}

func TestDisabledEngine(t *testing.T) {
	e, err := NewEngine(config.ProvenanceConfig{Enable: false}, 0.5, nil)
	require.NoError(t, err)
	assert.False(t, e.Enabled())

	require.NoError(t, e.RecordPack(context.Background(), "s1", &cart.ReviewPack{}))
	assert.Empty(t, e.facts)
	got, err := e.Attention(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttentionHonoursContext(t *testing.T) {
	e := newEngine(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Attention(ctx, "s1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, e.RecordPack(ctx, "s1", &cart.ReviewPack{}), context.Canceled)
}
