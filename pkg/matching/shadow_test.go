package matching_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapforge/core/pkg/matching"
	"github.com/swapforge/core/pkg/model"
)

func TestShadowRunner_RecordsOverlapWhenStrategiesAgree(t *testing.T) {
	primary := newTestEngine(t)
	secondary := newTestEngine(t)
	r := matching.NewShadowRunner(primary, secondary, 10)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
	}

	result, err := r.Run(intents, nil)
	require.NoError(t, err)
	assert.Len(t, result, 1)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Len(t, records[0].Overlap, 1)
	assert.Empty(t, records[0].OnlyPrimary)
	assert.Empty(t, records[0].OnlySecondary)
	assert.Nil(t, records[0].ShadowError)
}

func TestShadowRunner_DifferentScoringStillOverlapsFully(t *testing.T) {
	primary := newTestEngine(t)
	cfg := matching.DefaultConfig()
	cfg.ScoringExpr = "1.0" // constant score, different strategy
	secondary, err := matching.New(cfg)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	secondary = secondary.WithClock(func() time.Time { return now })

	r := matching.NewShadowRunner(primary, secondary, 10)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
		intent("i3", "carol", "asset-c", "asset-d", now),
		intent("i4", "dave", "asset-d", "asset-c", now),
	}

	_, err = r.Run(intents, nil)
	require.NoError(t, err)
	// Same input set, same candidate cycles: cycle keys should still overlap
	// fully even though the score ordering strategy differs.
	records := r.Records()
	require.Len(t, records, 1)
	assert.Len(t, records[0].Overlap, 2)
}

func TestShadowRunner_RingBufferWraps(t *testing.T) {
	primary := newTestEngine(t)
	secondary := newTestEngine(t)
	r := matching.NewShadowRunner(primary, secondary, 2)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
	}

	for i := 0; i < 5; i++ {
		_, err := r.Run(intents, nil)
		require.NoError(t, err)
	}

	records := r.Records()
	assert.Len(t, records, 2)
}

func TestShadowRunner_IdenticalStrategiesRecordNoShadowError(t *testing.T) {
	primary := newTestEngine(t)
	secondary := newTestEngine(t)
	r := matching.NewShadowRunner(primary, secondary, 5)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	intents := []model.SwapIntent{
		intent("i1", "alice", "asset-a", "asset-b", now),
		intent("i2", "bob", "asset-b", "asset-a", now),
	}

	result, err := r.Run(intents, nil)
	require.NoError(t, err)
	assert.Len(t, result, 1)

	records := r.Records()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].ShadowError, "identical strategies must never diverge")
}
