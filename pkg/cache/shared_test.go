package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSharedTier(t *testing.T, mutate func(*SharedTierConfig)) (*SharedTier, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultSharedTierConfig()
	cfg.Addr = mr.Addr()
	cfg.Namespace = "sctest"
	cfg.JitterFactor = 0
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	tier, err := NewSharedTier(cfg, nil, nil)
	require.NoError(t, err)
	require.False(t, tier.Degraded())
	t.Cleanup(func() { _ = tier.Close() })

	return tier, mr
}

func TestSharedTier_SetGetRoundTrip(t *testing.T) {
	tier, _ := newTestSharedTier(t, nil)
	ctx := context.Background()

	payload := map[string]interface{}{
		"order_id": "o-77",
		"total":    float64(129.5),
	}

	require.True(t, tier.Set(ctx, "o:77", payload, &SetOptions{TTL: time.Minute, DataType: "order"}))

	got, hit := tier.Get(ctx, "o:77")
	require.True(t, hit)
	assert.Equal(t, payload, got)

	stats := tier.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestSharedTier_GetMiss(t *testing.T) {
	tier, _ := newTestSharedTier(t, nil)

	_, hit := tier.Get(context.Background(), "absent")
	assert.False(t, hit)

	stats := tier.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Errors, "a miss is not a backend error")
}

func TestSharedTier_NativeTTLExpiry(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{TTL: time.Second}))
	require.True(t, mr.Exists("sctest:entry:k"))
	assert.Greater(t, mr.TTL("sctest:entry:k"), time.Duration(0), "expiry is delegated to the store")

	mr.FastForward(5 * time.Second)

	_, hit := tier.Get(ctx, "k")
	assert.False(t, hit)
	assert.False(t, mr.Exists("sctest:entry:k"))
}

func TestSharedTier_WritesIndexSets(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	ok := tier.Set(ctx, "p:1", "v", &SetOptions{
		DataType:     "product",
		Tags:         []string{"catalog", "spring"},
		Dependencies: []string{"supplier:9"},
	})
	require.True(t, ok)

	for _, set := range []string{"sctest:tag:catalog", "sctest:tag:spring", "sctest:type:product", "sctest:dep:supplier:9"} {
		member, err := mr.IsMember(set, "p:1")
		require.NoError(t, err, set)
		assert.True(t, member, set)
	}
}

func TestSharedTier_InvalidateScrubsIndexSets(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "a", "1", &SetOptions{DataType: "order", Tags: []string{"orders"}})
	tier.Set(ctx, "b", "2", &SetOptions{DataType: "order", Tags: []string{"orders"}})

	assert.True(t, tier.Invalidate(ctx, "a"))

	assert.False(t, mr.Exists("sctest:entry:a"))
	assert.True(t, mr.Exists("sctest:entry:b"))

	member, err := mr.IsMember("sctest:tag:orders", "a")
	require.NoError(t, err)
	assert.False(t, member)
	member, err = mr.IsMember("sctest:tag:orders", "b")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestSharedTier_InvalidateMissingKey(t *testing.T) {
	tier, _ := newTestSharedTier(t, nil)

	assert.False(t, tier.Invalidate(context.Background(), "never-stored"))
}

func TestSharedTier_InvalidateByTags(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "a", "1", &SetOptions{Tags: []string{"orders", "2024"}})
	tier.Set(ctx, "b", "2", &SetOptions{Tags: []string{"orders"}})
	tier.Set(ctx, "c", "3", &SetOptions{Tags: []string{"customers"}})

	removed := tier.InvalidateByTags(ctx, []string{"orders"})
	assert.Equal(t, 2, removed)

	assert.False(t, mr.Exists("sctest:entry:a"))
	assert.False(t, mr.Exists("sctest:entry:b"))
	assert.True(t, mr.Exists("sctest:entry:c"))
	assert.False(t, mr.Exists("sctest:tag:orders"), "the tag set itself is dropped")
}

func TestSharedTier_DependencyChain(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "product:1", "p", nil)
	tier.Set(ctx, "listing:1", "l", &SetOptions{Dependencies: []string{"product:1"}})
	tier.Set(ctx, "page:1", "g", &SetOptions{Dependencies: []string{"listing:1"}})
	tier.Set(ctx, "unrelated", "u", nil)

	assert.True(t, tier.Invalidate(ctx, "product:1"))

	assert.False(t, mr.Exists("sctest:entry:product:1"))
	assert.False(t, mr.Exists("sctest:entry:listing:1"))
	assert.False(t, mr.Exists("sctest:entry:page:1"))
	assert.True(t, mr.Exists("sctest:entry:unrelated"))

	assert.False(t, mr.Exists("sctest:dep:product:1"))
	assert.False(t, mr.Exists("sctest:dep:listing:1"))
}

func TestSharedTier_InvalidateByPattern(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "user:1:profile", "a", nil)
	tier.Set(ctx, "user:1:settings", "b", nil)
	tier.Set(ctx, "user:2:profile", "c", nil)

	removed := tier.InvalidateByPattern(ctx, "user:1:")
	assert.Equal(t, 2, removed)
	assert.True(t, mr.Exists("sctest:entry:user:2:profile"))
}

func TestSharedTier_InvalidateByDataType(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "i:1", "a", &SetOptions{DataType: "inventory"})
	tier.Set(ctx, "i:2", "b", &SetOptions{DataType: "inventory"})
	tier.Set(ctx, "p:1", "c", &SetOptions{DataType: "product"})

	removed := tier.InvalidateByDataType(ctx, "inventory")
	assert.Equal(t, 2, removed)
	assert.True(t, mr.Exists("sctest:entry:p:1"))
	assert.False(t, mr.Exists("sctest:type:inventory"))
}

func TestSharedTier_UndecodablePayloadDegradesToRaw(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)

	// Written by something that does not use the stored-entry envelope
	require.NoError(t, mr.Set("sctest:entry:legacy", "plain text"))

	got, hit := tier.Get(context.Background(), "legacy")
	require.True(t, hit)
	assert.Equal(t, "plain text", got)
}

func TestSharedTier_CompressedRoundTrip(t *testing.T) {
	tier, _ := newTestSharedTier(t, func(cfg *SharedTierConfig) {
		cfg.CompressionThreshold = 100
	})
	ctx := context.Background()

	big := strings.Repeat("order history line ", 1000)
	require.True(t, tier.Set(ctx, "x", big, &SetOptions{Compress: true, Algorithm: AlgorithmZstd}))

	got, hit := tier.Get(ctx, "x")
	require.True(t, hit)
	assert.Equal(t, big, got)
}

func TestSharedTier_RejectsValueOverLimit(t *testing.T) {
	tier, _ := newTestSharedTier(t, func(cfg *SharedTierConfig) {
		cfg.MaxValueBytes = 16
	})

	ok := tier.Set(context.Background(), "big", strings.Repeat("x", 1024), nil)
	assert.False(t, ok)
}

func TestSharedTier_FailsClosedWhenStoreGoesAway(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", nil))
	mr.Close()

	_, hit := tier.Get(ctx, "k")
	assert.False(t, hit, "an unreachable store reads as a miss")
	assert.False(t, tier.Set(ctx, "k2", "v2", nil), "an unreachable store rejects writes")

	stats := tier.Stats(ctx)
	assert.Greater(t, stats.Errors, int64(0))
}

func TestSharedTier_FallbackModeWhenUnreachable(t *testing.T) {
	cfg := DefaultSharedTierConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.FallbackMode = true
	cfg.JitterFactor = 0

	tier, err := NewSharedTier(cfg, nil, nil)
	require.NoError(t, err)
	require.True(t, tier.Degraded())
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{TTL: time.Minute, Tags: []string{"t"}}))

	got, hit := tier.Get(ctx, "k")
	require.True(t, hit)
	assert.Equal(t, "v", got)

	assert.Equal(t, 1, tier.InvalidateByTags(ctx, []string{"t"}))
	_, hit = tier.Get(ctx, "k")
	assert.False(t, hit)

	stats := tier.Stats(ctx)
	assert.True(t, stats.Degraded)

	assert.ErrorIs(t, tier.Health(ctx), ErrStorageUnavailable)
	require.NoError(t, tier.Close())
}

func TestSharedTier_UnreachableWithoutFallbackErrors(t *testing.T) {
	cfg := DefaultSharedTierConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.FallbackMode = false

	_, err := NewSharedTier(cfg, nil, nil)
	assert.Error(t, err)
}

func TestSharedTier_Health(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)

	assert.NoError(t, tier.Health(context.Background()))

	mr.Close()
	assert.Error(t, tier.Health(context.Background()))
}

func TestSharedTier_MetadataRefreshCannotResurrectExpiredKey(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{TTL: time.Second}))

	ent, ok := tier.fetchEntry(ctx, "k")
	require.True(t, ok)

	mr.FastForward(10 * time.Second)
	require.False(t, mr.Exists("sctest:entry:k"))

	// A refresh drafted before the expiry lands afterwards; the key must
	// stay gone rather than coming back without a TTL
	tier.refreshMetadata("k", ent)
	assert.False(t, mr.Exists("sctest:entry:k"))
}

func TestSharedTier_MetadataRefreshKeepsTTLWhileLive(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{TTL: time.Minute}))

	ent, ok := tier.fetchEntry(ctx, "k")
	require.True(t, ok)
	ent.Meta.Touch(time.Now())

	tier.refreshMetadata("k", ent)
	assert.True(t, mr.Exists("sctest:entry:k"))
	assert.Greater(t, mr.TTL("sctest:entry:k"), time.Duration(0))
}

func TestSharedTier_PatternMetacharactersMatchLiterally(t *testing.T) {
	tier, mr := newTestSharedTier(t, nil)
	ctx := context.Background()

	tier.Set(ctx, "a*b", "1", nil)
	tier.Set(ctx, "axb", "2", nil)

	removed := tier.InvalidateByPattern(ctx, "a*b")
	assert.Equal(t, 1, removed)
	assert.False(t, mr.Exists("sctest:entry:a*b"))
	assert.True(t, mr.Exists("sctest:entry:axb"))
}

func TestSharedTier_GetEntryCarriesWriteOptions(t *testing.T) {
	tier, _ := newTestSharedTier(t, nil)
	ctx := context.Background()

	require.True(t, tier.Set(ctx, "k", "v", &SetOptions{
		TTL:          time.Minute,
		DataType:     "order",
		Tags:         []string{"orders"},
		Dependencies: []string{"upstream"},
	}))

	_, opts, ok := tier.GetEntry(ctx, "k")
	require.True(t, ok)
	require.NotNil(t, opts)
	assert.Equal(t, "order", opts.DataType)
	assert.Equal(t, []string{"orders"}, opts.Tags)
	assert.Equal(t, []string{"upstream"}, opts.Dependencies)
	assert.Greater(t, opts.TTL, time.Duration(0))
	assert.LessOrEqual(t, opts.TTL, 2*time.Minute)
}

func TestSharedTier_FallbackStatsAggregates(t *testing.T) {
	cfg := DefaultSharedTierConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.FallbackMode = true
	cfg.JitterFactor = 0

	tier, err := NewSharedTier(cfg, nil, nil)
	require.NoError(t, err)
	require.True(t, tier.Degraded())
	ctx := context.Background()

	tier.Set(ctx, "i:1", "a", &SetOptions{DataType: "inventory"})
	tier.Set(ctx, "p:1", "b", &SetOptions{DataType: "product"})
	tier.Set(ctx, "p:2", "c", &SetOptions{DataType: "product"})

	_, _ = tier.Get(ctx, "i:1")
	_, _ = tier.Get(ctx, "i:1")

	stats := tier.Stats(ctx)
	assert.Equal(t, 3, stats.Entries)
	require.Contains(t, stats.DataTypes, "product")
	assert.Equal(t, 2, stats.DataTypes["product"].Count)
	assert.InDelta(t, 1.0, stats.AvgCompressionRatio, 0.001)

	require.NotEmpty(t, stats.TopKeys)
	assert.Equal(t, "i:1", stats.TopKeys[0].Key)
	assert.Equal(t, int64(2), stats.TopKeys[0].AccessCount)
}
