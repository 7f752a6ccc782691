package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTTLPolicy(jitter float64) ttlPolicy {
	return ttlPolicy{
		baseTTL:         time.Minute,
		jitterFactor:    jitter,
		typeMultipliers: DefaultTypeMultipliers(),
	}
}

func TestTTLPolicy_TypeMultipliers(t *testing.T) {
	p := testTTLPolicy(0)

	tests := []struct {
		dataType string
		want     time.Duration
	}{
		{"inventory", 36 * time.Second},  // 60s × 0.5 × 1.2
		{"settings", 21600 * time.Millisecond}, // 60s × 0.3 × 1.2
		{"order", 72 * time.Second},      // 60s × 1.0 × 1.2
		{"product", 108 * time.Second},   // 60s × 1.5 × 1.2
		{"customer", 144 * time.Second},  // 60s × 2.0 × 1.2
		{"analytics", 216 * time.Second}, // 60s × 3.0 × 1.2
		{"unknown-type", 72 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.dataType, func(t *testing.T) {
			got := p.compute("k", 0, tc.dataType, 100, 0)
			assert.InDelta(t, float64(tc.want), float64(got), float64(time.Millisecond))
		})
	}
}

func TestTTLPolicy_AccessMultiplierCapped(t *testing.T) {
	p := testTTLPolicy(0)

	cold := p.compute("k", time.Minute, "order", 100, 0)
	warm := p.compute("k", time.Minute, "order", 100, 25) // 1.5x
	hot := p.compute("k", time.Minute, "order", 100, 50)  // 2.0x
	hotter := p.compute("k", time.Minute, "order", 100, 500)

	assert.Greater(t, warm, cold)
	assert.Greater(t, hot, warm)
	assert.Equal(t, hot, hotter, "access multiplier caps at 2.0")
}

func TestTTLPolicy_SizeMultiplier(t *testing.T) {
	assert.Equal(t, 1.2, sizeMultiplier(512))
	assert.Equal(t, 1.0, sizeMultiplier(5*1024))
	assert.Equal(t, 0.8, sizeMultiplier(50*1024))
	assert.Equal(t, 0.6, sizeMultiplier(500*1024))
}

func TestTTLPolicy_JitterDeterministicPerKey(t *testing.T) {
	p := testTTLPolicy(0.1)

	for i := 0; i < 10; i++ {
		assert.Equal(t, p.jitter("stable-key"), p.jitter("stable-key"))
	}
}

func TestTTLPolicy_JitterSpreadsKeys(t *testing.T) {
	p := testTTLPolicy(0.1)

	seen := make(map[float64]struct{})
	for i := 0; i < 50; i++ {
		j := p.jitter(fmt.Sprintf("key-%d", i))
		assert.GreaterOrEqual(t, j, 0.9)
		assert.LessOrEqual(t, j, 1.1)
		seen[j] = struct{}{}
	}

	// Distinct keys must desynchronize; identical jitter for all 50
	// would defeat stampede protection
	assert.Greater(t, len(seen), 1)
}

func TestTTLPolicy_FallsBackToBase(t *testing.T) {
	p := testTTLPolicy(0)

	got := p.compute("k", 0, "order", 100, 0)
	assert.Equal(t, 72*time.Second, got) // 60s default base × 1.0 × 1.2
}
