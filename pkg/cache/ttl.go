package cache

import (
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTypeMultipliers returns the default data-type TTL multiplier
// table. Volatile categories expire sooner, stable ones live longer;
// unknown categories fall through to 1.0.
func DefaultTypeMultipliers() map[string]float64 {
	return map[string]float64{
		"inventory": 0.5,
		"settings":  0.3,
		"order":     1.0,
		"product":   1.5,
		"customer":  2.0,
		"analytics": 3.0,
	}
}

// ttlPolicy computes the adaptive TTL applied at write time:
//
//	ttl = base × type × access × size × jitter
//
// The jitter term is derived from a stable hash of the key, so repeated
// computations for one key agree within a run while distinct keys
// desynchronize. That spread is what prevents synchronized mass expiry.
type ttlPolicy struct {
	baseTTL         time.Duration
	jitterFactor    float64
	typeMultipliers map[string]float64
}

func (p ttlPolicy) compute(key string, base time.Duration, dataType string, size int, accessCount int64) time.Duration {
	if base <= 0 {
		base = p.baseTTL
	}
	if base <= 0 {
		return 0
	}

	typeMult := p.typeMultipliers[dataType]
	if typeMult == 0 {
		typeMult = 1.0
	}

	// Frequently requested keys live longer, capped at 2x
	accessMult := math.Min(2.0, 1.0+float64(accessCount)/50.0)

	ttl := float64(base) * typeMult * accessMult * sizeMultiplier(size) * p.jitter(key)
	if ttl < 1 {
		return time.Duration(1)
	}
	return time.Duration(ttl)
}

// sizeMultiplier makes larger payloads expire sooner to bound memory.
func sizeMultiplier(size int) float64 {
	switch {
	case size < 1024:
		return 1.2
	case size < 10*1024:
		return 1.0
	case size < 100*1024:
		return 0.8
	default:
		return 0.6
	}
}

func (p ttlPolicy) jitter(key string) float64 {
	if p.jitterFactor <= 0 {
		return 1.0
	}

	// Stable per-key spread in [1-jitterFactor, 1+jitterFactor]
	h := xxhash.Sum64String(key)
	frac := float64(h%1000) / 999.0
	return 1.0 - p.jitterFactor + 2.0*p.jitterFactor*frac
}
