package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracedTier_Passthrough(t *testing.T) {
	tier := NewTracedTier(newTestLocalTier(t, func(cfg *LocalTierConfig) { cfg.Name = "local" }))
	ctx := context.Background()

	assert.Equal(t, "local", tier.Name())

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{Tags: []string{"t"}, DataType: "order"}))

	got, hit := tier.Get(ctx, "k")
	require.True(t, hit)
	assert.Equal(t, "v", got)

	_, hit = tier.Get(ctx, "absent")
	assert.False(t, hit)

	assert.Equal(t, 1, tier.InvalidateByTags(ctx, []string{"t"}))
	assert.False(t, tier.Invalidate(ctx, "k"))

	tier.Set(ctx, "user:1:a", "v", nil)
	tier.Set(ctx, "i:1", "v", &SetOptions{DataType: "inventory"})
	assert.Equal(t, 1, tier.InvalidateByPattern(ctx, "user:1:"))
	assert.Equal(t, 1, tier.InvalidateByDataType(ctx, "inventory"))

	stats := tier.Stats(ctx)
	assert.Equal(t, "local", stats.Name)

	assert.NoError(t, tier.Close())
}

func TestTracedTier_ComposesWithManager(t *testing.T) {
	local := newTestLocalTier(t, nil)

	m, err := NewManager(DefaultManagerConfig(), nil, nil, NewTracedTier(local))
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, m.Set(ctx, "k", "v", nil))
	got, hit := m.Get(ctx, "k")
	require.True(t, hit)
	assert.Equal(t, "v", got)
}
