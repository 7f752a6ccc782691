package cache

import "time"

// DataTypeStats aggregates entry metrics for one data type category.
type DataTypeStats struct {
	Count        int           `json:"count"`
	AvgSizeBytes float64       `json:"avg_size_bytes"`
	AvgTTL       time.Duration `json:"avg_ttl"`
}

// KeyAccess is one row of the hot-key ranking.
type KeyAccess struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// TierStats is a point-in-time snapshot of one tier's metrics. Fields that
// a tier cannot compute cheaply (per-entry aggregates against a remote
// shared store) are left at their zero value.
type TierStats struct {
	Name                string                   `json:"name"`
	Entries             int                      `json:"entries"`
	SizeBytes           int64                    `json:"size_bytes"`
	MaxBytes            int64                    `json:"max_bytes,omitempty"`
	Hits                int64                    `json:"hits"`
	Misses              int64                    `json:"misses"`
	HitRate             float64                  `json:"hit_rate"`
	Evictions           int64                    `json:"evictions"`
	Expirations         int64                    `json:"expirations"`
	Errors              int64                    `json:"errors,omitempty"`
	AvgCompressionRatio float64                  `json:"avg_compression_ratio"`
	DataTypes           map[string]DataTypeStats `json:"data_types,omitempty"`
	TopKeys             []KeyAccess              `json:"top_keys,omitempty"`
	Dependencies        int                      `json:"dependencies"`
	Degraded            bool                     `json:"degraded,omitempty"`
}

// ManagerStats aggregates tier snapshots with manager-level counters.
type ManagerStats struct {
	Tiers           []TierStats `json:"tiers"`
	Misses          int64       `json:"misses"`
	DependencyKeys  int         `json:"dependency_keys"`
	DependencyEdges int         `json:"dependency_edges"`
}
