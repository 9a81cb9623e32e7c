package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue/store/memstore"
)

func TestPoisonCounterQuarantinesAfterThreshold(t *testing.T) {
	store := memstore.New()
	p := NewPoisonCounterStore(store, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		quarantine, count, err := p.BumpAndCheck(ctx, "org1", "dk1")
		require.NoError(t, err)
		require.Equal(t, i, count)
		require.False(t, quarantine, "should not quarantine at or below threshold")
	}

	quarantine, count, err := p.BumpAndCheck(ctx, "org1", "dk1")
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.True(t, quarantine)
}

func TestPoisonCounterResetClearsCount(t *testing.T) {
	store := memstore.New()
	p := NewPoisonCounterStore(store, 2)
	ctx := context.Background()

	_, _, err := p.BumpAndCheck(ctx, "org1", "dk1")
	require.NoError(t, err)
	require.NoError(t, p.Reset(ctx, "org1", "dk1"))

	_, count, err := p.BumpAndCheck(ctx, "org1", "dk1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// Messages with no dedup_key are never poison-tracked.
func TestPoisonCounterSkipsEmptyDedupKey(t *testing.T) {
	store := memstore.New()
	p := NewPoisonCounterStore(store, 1)
	ctx := context.Background()

	quarantine, count, err := p.BumpAndCheck(ctx, "org1", "")
	require.NoError(t, err)
	require.False(t, quarantine)
	require.Equal(t, 0, count)
}
