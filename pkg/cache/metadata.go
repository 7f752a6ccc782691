package cache

import (
	"math"
	"time"
)

// Metadata carries per-entry bookkeeping. A tier owns the Metadata of every
// entry it stores; instances are never shared across tiers.
type Metadata struct {
	Key              string        `json:"key"`
	Size             int           `json:"size"`
	TTL              time.Duration `json:"ttl"`
	CreatedAt        time.Time     `json:"created_at"`
	LastAccess       time.Time     `json:"last_access"`
	AccessCount      int64         `json:"access_count"`
	HitCount         int64         `json:"hit_count"`
	MissCount        int64         `json:"miss_count"`
	DataType         string        `json:"data_type,omitempty"`
	Algorithm        Algorithm     `json:"compression_algo,omitempty"`
	CompressionRatio float64       `json:"compression_ratio"`
	Tags             []string      `json:"tags,omitempty"`
}

// NewMetadata creates metadata for a freshly written entry.
func NewMetadata(key string, v *Value, ttl time.Duration, dataType string, tags []string) *Metadata {
	now := time.Now()
	return &Metadata{
		Key:              key,
		Size:             v.Size(),
		TTL:              ttl,
		CreatedAt:        now,
		LastAccess:       now,
		DataType:         dataType,
		Algorithm:        v.Algorithm(),
		CompressionRatio: v.CompressionRatio(),
		Tags:             tags,
	}
}

// IsExpired reports whether the entry's TTL has elapsed at now. The TTL is
// fixed at write time and never recomputed.
func (m *Metadata) IsExpired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) >= m.TTL
}

// Touch records a successful read.
func (m *Metadata) Touch(now time.Time) {
	m.LastAccess = now
	m.AccessCount++
	m.HitCount++
}

// HitRatio returns hits over total recorded accesses for this entry.
func (m *Metadata) HitRatio() float64 {
	total := m.HitCount + m.MissCount
	if total < 1 {
		total = 1
	}
	return float64(m.HitCount) / float64(total)
}

// EvictionScore ranks the entry for removal under capacity pressure; the
// lowest score is evicted first. Small, frequently and successfully
// accessed entries score high, large or stale ones score low.
func (m *Metadata) EvictionScore(now time.Time) float64 {
	sizeFactor := math.Max(1, float64(m.Size)/1024)
	ageFactor := math.Max(1, now.Sub(m.CreatedAt).Minutes())
	return float64(m.AccessCount) * m.HitRatio() / (sizeFactor * ageFactor)
}
