package cache

import (
	"context"
	"time"
)

// SetOptions controls how a single write is stored. A nil SetOptions means
// tier defaults for everything.
type SetOptions struct {
	// TTL is the base TTL before adaptive adjustment; zero means the
	// tier's configured default.
	TTL time.Duration

	// DataType categorizes the payload (for example "inventory",
	// "product", "analytics") and drives TTL multipliers and write
	// routing.
	DataType string

	// Compress requests compression when the serialized payload reaches
	// the tier's threshold.
	Compress bool

	// Algorithm selects the compression algorithm; empty means the
	// tier's configured default.
	Algorithm Algorithm

	// Tags label the entry for bulk invalidation.
	Tags []string

	// Dependencies lists primary keys whose invalidation must also
	// invalidate this entry.
	Dependencies []string
}

// Tier is one storage layer in the cache hierarchy. LocalTier and
// SharedTier both implement it; the manager composes tiers without knowing
// which is which.
//
// Tier operations never return errors: a failed or expired read is a miss,
// a failed write reports false. Failures are logged by the tier itself.
type Tier interface {
	// Name identifies the tier in stats and logs.
	Name() string

	// Get returns the decoded value for key, or a miss. A hit updates
	// the entry's access metadata; an expired entry is removed as a
	// side effect of the read.
	Get(ctx context.Context, key string) (interface{}, bool)

	// GetEntry is Get plus the write options that recreate the entry
	// in another tier: same tags, data type, dependencies, compression
	// and the TTL remaining at read time. The manager promotes with
	// these so a promoted copy stays reachable by the same
	// invalidation selectors as the original. The options may be nil
	// when the entry carries no metadata.
	GetEntry(ctx context.Context, key string) (interface{}, *SetOptions, bool)

	// Set stores value under key. It reports false when the value
	// exceeds tier capacity or the write fails.
	Set(ctx context.Context, key string, value interface{}, opts *SetOptions) bool

	// Invalidate removes key and every key that registered it as a
	// dependency. It reports whether key itself was live.
	Invalidate(ctx context.Context, key string) bool

	// InvalidateByTags removes every entry whose tag set intersects
	// tags and returns the count removed.
	InvalidateByTags(ctx context.Context, tags []string) int

	// InvalidateByPattern removes every entry whose key contains
	// substring and returns the count removed.
	InvalidateByPattern(ctx context.Context, substring string) int

	// InvalidateByDataType removes every entry of the given data type
	// and returns the count removed.
	InvalidateByDataType(ctx context.Context, dataType string) int

	// Stats returns a point-in-time snapshot of tier metrics.
	Stats(ctx context.Context) TierStats

	Close() error
}

// entryOptions rebuilds the write options that recreate a live entry in
// another tier. The remaining TTL is carried as the base TTL so the copy
// cannot outlive the original by more than the receiving tier's own
// adaptive adjustment.
func entryOptions(meta *Metadata, deps []string, now time.Time) *SetOptions {
	opts := &SetOptions{
		DataType:     meta.DataType,
		Compress:     meta.Algorithm != AlgorithmNone,
		Algorithm:    meta.Algorithm,
		Tags:         append([]string(nil), meta.Tags...),
		Dependencies: append([]string(nil), deps...),
	}
	if meta.TTL > 0 {
		if remaining := meta.TTL - now.Sub(meta.CreatedAt); remaining > 0 {
			opts.TTL = remaining
		}
	}
	return opts
}
