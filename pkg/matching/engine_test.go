package matching_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapforge/core/pkg/matching"
	"github.com/swapforge/core/pkg/model"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + strconv.Itoa(n)
	}
}

func actor(id string) model.ActorRef {
	return model.ActorRef{Type: model.ActorUser, ID: id}
}

func intent(id, actorID, offerAsset, wantAsset string, createdAt time.Time) model.SwapIntent {
	return model.SwapIntent{
		ID:        id,
		Actor:     actor(actorID),
		Offer:     []model.AssetRef{{AssetID: offerAsset}},
		Want:      []model.AssetRef{{AssetID: wantAsset}},
		Status:    model.IntentActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func newTestEngine(t *testing.T) *matching.Engine {
	t.Helper()
	e, err := matching.New(matching.DefaultConfig())
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return e.WithClock(func() time.Time { return now }).WithIDFunc(seqIDs("cycle"))
}

func TestEngine_FindsTwoCycle(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Len(t, proposals[0].Legs, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, []string{proposals[0].Participants[0].ID, proposals[0].Participants[1].ID})
}

func TestEngine_FindsThreeCycle(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "a", "asset-a", "asset-b", now),
		intent("i2", "b", "asset-b", "asset-c", now),
		intent("i3", "c", "asset-c", "asset-a", now),
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Len(t, proposals[0].Legs, 3)
}

func TestEngine_NoCycleWhenGraphIsAcyclic(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "a", "asset-a", "asset-b", now),
		intent("i2", "b", "asset-b", "asset-z", now),
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestEngine_NonConflictingGreedySelection(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Two disjoint 2-cycles: (alice,bob) and (carol,dave).
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
		intent("i3", "carol", "asset-c", "asset-d", now),
		intent("i4", "dave", "asset-d", "asset-c", now),
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	assert.Len(t, proposals, 2)
}

func TestEngine_DeterministicOrdering(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
		intent("i3", "carol", "asset-c", "asset-d", now),
		intent("i4", "dave", "asset-d", "asset-c", now),
	}

	first, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	second, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].CycleKey(), second[i].CycleKey())
	}
}

func TestEngine_IgnoresInactiveIntents(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	matched := intent("i2", "bob", "asset-b", "asset-a", now)
	matched.Status = model.IntentMatched
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		matched,
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestEngine_MaxCyclesCapIsRespected(t *testing.T) {
	cfg := matching.DefaultConfig()
	cfg.MaxCycles = 1
	e, err := matching.New(cfg)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e = e.WithClock(func() time.Time { return now }).WithIDFunc(seqIDs("cycle"))

	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
		intent("i3", "carol", "asset-c", "asset-d", now),
		intent("i4", "dave", "asset-d", "asset-c", now),
	}

	proposals, err := e.FindCycles(intents, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(proposals), 1)
}

func TestEngine_InvalidScoringExprFailsAtConstruction(t *testing.T) {
	cfg := matching.DefaultConfig()
	cfg.ScoringExpr = "not a valid cel expr ((("
	_, err := matching.New(cfg)
	require.Error(t, err)
}
