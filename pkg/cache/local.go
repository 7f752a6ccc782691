package cache

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storecache/storecache/pkg/observability"
)

// localEntry is one live entry in the local tier. The embedded list element
// tracks recency; front of the list is most recently used.
type localEntry struct {
	key   string
	value *Value
	meta  *Metadata
	deps  []string
	elem  *list.Element
}

// LocalTier is the in-process bounded store. A single exclusive lock guards
// every read-modify-evict sequence; atomicity is scoped to one whole tier
// operation, with no per-entry locks.
type LocalTier struct {
	mu      sync.Mutex
	cfg     LocalTierConfig
	ttl     ttlPolicy
	logger  observability.Logger
	metrics observability.MetricsClient

	entries    map[string]*localEntry
	recency    *list.List
	tagIndex   map[string]map[string]struct{}
	depIndex   map[string]map[string]struct{}
	totalBytes int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// NewLocalTier creates a local tier with the given configuration. A nil
// logger or metrics client falls back to no-op implementations.
func NewLocalTier(cfg LocalTierConfig, logger observability.Logger, metrics observability.MetricsClient) *LocalTier {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &LocalTier{
		cfg:     cfg,
		logger:  logger.WithPrefix("cache.local"),
		metrics: metrics,
		ttl: ttlPolicy{
			baseTTL:         cfg.DefaultTTL,
			jitterFactor:    cfg.JitterFactor,
			typeMultipliers: cfg.TypeMultipliers,
		},
		entries:  make(map[string]*localEntry),
		recency:  list.New(),
		tagIndex: make(map[string]map[string]struct{}),
		depIndex: make(map[string]map[string]struct{}),
	}
}

// Name implements Tier.
func (t *LocalTier) Name() string {
	return t.cfg.Name
}

// Get implements Tier. A hit updates access metadata and recency order; an
// expired entry is removed and counted as a miss.
func (t *LocalTier) Get(ctx context.Context, key string) (interface{}, bool) {
	value, _, ok := t.GetEntry(ctx, key)
	return value, ok
}

// GetEntry implements Tier.
func (t *LocalTier) GetEntry(ctx context.Context, key string) (interface{}, *SetOptions, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.normalizeKey(key)
	e, ok := t.entries[k]
	if !ok {
		t.misses++
		t.metrics.IncrementCounterWithLabels("cache.misses", 1, map[string]string{"tier": t.cfg.Name})
		return nil, nil, false
	}

	now := time.Now()
	if e.meta.IsExpired(now) {
		e.meta.MissCount++
		t.removeEntryLocked(e)
		t.expirations++
		t.misses++
		t.metrics.IncrementCounterWithLabels("cache.expirations", 1, map[string]string{"tier": t.cfg.Name})
		return nil, nil, false
	}

	e.meta.Touch(now)
	t.recency.MoveToFront(e.elem)
	t.hits++
	t.metrics.IncrementCounterWithLabels("cache.hits", 1, map[string]string{"tier": t.cfg.Name})
	return e.value.Decode(), entryOptions(e.meta, e.deps, now), true
}

// Set implements Tier. Values larger than the tier's maximum are rejected
// outright; otherwise expired entries and then the lowest-scored entries
// are evicted until the write fits.
func (t *LocalTier) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) bool {
	if opts == nil {
		opts = &SetOptions{}
	}

	algorithm := opts.Algorithm
	if algorithm == AlgorithmNone {
		algorithm = t.cfg.DefaultAlgorithm
	}

	v, err := EncodeValue(value, opts.Compress, t.cfg.CompressionThreshold, algorithm)
	if err != nil {
		t.logger.Warn("failed to encode value", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}

	if int64(v.Size()) > t.cfg.MaxBytes {
		t.logger.Debug("value exceeds tier capacity", map[string]interface{}{
			"key":  key,
			"size": v.Size(),
		})
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.normalizeKey(key)

	// An overwrite inherits the previous access count so a hot key keeps
	// its longer adaptive TTL across refreshes.
	var priorAccess int64
	if existing, ok := t.entries[k]; ok {
		priorAccess = existing.meta.AccessCount
		t.removeEntryLocked(existing)
	}

	if !t.ensureCapacityLocked(int64(v.Size())) {
		return false
	}

	ttl := t.ttl.compute(k, opts.TTL, opts.DataType, v.Size(), priorAccess)

	meta := NewMetadata(k, v, ttl, opts.DataType, opts.Tags)
	meta.AccessCount = priorAccess

	deps := make([]string, 0, len(opts.Dependencies))
	for _, dep := range opts.Dependencies {
		deps = append(deps, t.normalizeKey(dep))
	}

	e := &localEntry{
		key:   k,
		value: v,
		meta:  meta,
		deps:  deps,
	}
	e.elem = t.recency.PushFront(k)

	t.entries[k] = e
	t.totalBytes += int64(v.Size())

	for _, tag := range opts.Tags {
		if t.tagIndex[tag] == nil {
			t.tagIndex[tag] = make(map[string]struct{})
		}
		t.tagIndex[tag][k] = struct{}{}
	}
	for _, dep := range deps {
		if t.depIndex[dep] == nil {
			t.depIndex[dep] = make(map[string]struct{})
		}
		t.depIndex[dep][k] = struct{}{}
	}

	return true
}

// Invalidate implements Tier. Every key that registered key as a dependency
// is invalidated as well, transitively, with a cycle guard.
func (t *LocalTier) Invalidate(ctx context.Context, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.invalidateLocked(t.normalizeKey(key), make(map[string]struct{}))
}

func (t *LocalTier) invalidateLocked(key string, seen map[string]struct{}) bool {
	if _, done := seen[key]; done {
		return false
	}
	seen[key] = struct{}{}

	dependents := make([]string, 0, len(t.depIndex[key]))
	for dep := range t.depIndex[key] {
		dependents = append(dependents, dep)
	}
	delete(t.depIndex, key)

	e, existed := t.entries[key]
	if existed {
		t.removeEntryLocked(e)
	}

	for _, dep := range dependents {
		t.invalidateLocked(dep, seen)
	}

	return existed
}

// InvalidateByTags implements Tier.
func (t *LocalTier) InvalidateByTags(ctx context.Context, tags []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range t.tagIndex[tag] {
			victims[key] = struct{}{}
		}
	}

	for key := range victims {
		if e, ok := t.entries[key]; ok {
			t.removeEntryLocked(e)
		}
	}
	return len(victims)
}

// InvalidateByPattern implements Tier. The pattern is a plain substring
// match against stored keys.
func (t *LocalTier) InvalidateByPattern(ctx context.Context, substring string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if strings.Contains(key, substring) {
			t.removeEntryLocked(e)
			removed++
		}
	}
	return removed
}

// InvalidateByDataType implements Tier.
func (t *LocalTier) InvalidateByDataType(ctx context.Context, dataType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, e := range t.entries {
		if e.meta.DataType == dataType {
			t.removeEntryLocked(e)
			removed++
		}
	}
	return removed
}

// EntryMetadata returns a copy of the live entry's metadata without
// touching access stats or recency order.
func (t *LocalTier) EntryMetadata(key string) (Metadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[t.normalizeKey(key)]
	if !ok {
		return Metadata{}, false
	}
	return *e.meta, true
}

// Stats implements Tier.
func (t *LocalTier) Stats(ctx context.Context) TierStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TierStats{
		Name:        t.cfg.Name,
		Entries:     len(t.entries),
		SizeBytes:   t.totalBytes,
		MaxBytes:    t.cfg.MaxBytes,
		Hits:        t.hits,
		Misses:      t.misses,
		Evictions:   t.evictions,
		Expirations: t.expirations,
		DataTypes:   make(map[string]DataTypeStats),
	}
	if total := t.hits + t.misses; total > 0 {
		stats.HitRate = float64(t.hits) / float64(total)
	}

	type typeAccum struct {
		count int
		size  int64
		ttl   time.Duration
	}
	byType := make(map[string]*typeAccum)
	ratioSum := 0.0
	access := make([]KeyAccess, 0, len(t.entries))

	for key, e := range t.entries {
		ratioSum += e.meta.CompressionRatio
		access = append(access, KeyAccess{Key: key, AccessCount: e.meta.AccessCount})

		dt := e.meta.DataType
		if dt == "" {
			dt = "unknown"
		}
		acc := byType[dt]
		if acc == nil {
			acc = &typeAccum{}
			byType[dt] = acc
		}
		acc.count++
		acc.size += int64(e.meta.Size)
		acc.ttl += e.meta.TTL
	}

	if len(t.entries) > 0 {
		stats.AvgCompressionRatio = ratioSum / float64(len(t.entries))
	}
	for dt, acc := range byType {
		stats.DataTypes[dt] = DataTypeStats{
			Count:        acc.count,
			AvgSizeBytes: float64(acc.size) / float64(acc.count),
			AvgTTL:       acc.ttl / time.Duration(acc.count),
		}
	}

	sort.Slice(access, func(i, j int) bool {
		return access[i].AccessCount > access[j].AccessCount
	})
	if len(access) > t.cfg.TopKeys {
		access = access[:t.cfg.TopKeys]
	}
	stats.TopKeys = access

	for _, dependents := range t.depIndex {
		stats.Dependencies += len(dependents)
	}

	return stats
}

// Close implements Tier. The local tier holds no external resources.
func (t *LocalTier) Close() error {
	return nil
}

// normalizeKey hashes keys longer than the configured maximum into a
// fixed-length form so arbitrarily long caller keys stay addressable.
func (t *LocalTier) normalizeKey(key string) string {
	if len(key) <= t.cfg.MaxKeyLength {
		return key
	}
	return hashKey(key)
}

// ensureCapacityLocked frees room for a write of need bytes. First pass
// drops lazily detected expired entries; second pass evicts live entries
// in ascending eviction-score order until the write fits.
func (t *LocalTier) ensureCapacityLocked(need int64) bool {
	if need > t.cfg.MaxBytes {
		return false
	}
	if t.hasRoomLocked(need) {
		return true
	}

	now := time.Now()
	for _, e := range t.entries {
		if e.meta.IsExpired(now) {
			t.removeEntryLocked(e)
			t.expirations++
		}
	}
	if t.hasRoomLocked(need) {
		return true
	}

	type scoredKey struct {
		key   string
		score float64
		last  time.Time
	}
	scored := make([]scoredKey, 0, len(t.entries))
	for key, e := range t.entries {
		scored = append(scored, scoredKey{
			key:   key,
			score: e.meta.EvictionScore(now),
			last:  e.meta.LastAccess,
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score < scored[j].score
		}
		return scored[i].last.Before(scored[j].last)
	})

	for _, s := range scored {
		if t.hasRoomLocked(need) {
			break
		}
		if e, ok := t.entries[s.key]; ok {
			t.removeEntryLocked(e)
			t.evictions++
			t.metrics.IncrementCounterWithLabels("cache.evictions", 1, map[string]string{"tier": t.cfg.Name})
		}
	}

	return t.hasRoomLocked(need)
}

func (t *LocalTier) hasRoomLocked(need int64) bool {
	if t.totalBytes+need > t.cfg.MaxBytes {
		return false
	}
	if t.cfg.MaxEntries > 0 && len(t.entries)+1 > t.cfg.MaxEntries {
		return false
	}
	return true
}

// removeEntryLocked deletes the entry and scrubs it from the tag and
// dependency indices, keeping the invariant that indices never reference a
// key that is not live.
func (t *LocalTier) removeEntryLocked(e *localEntry) {
	delete(t.entries, e.key)
	t.recency.Remove(e.elem)
	t.totalBytes -= int64(e.value.Size())

	for _, tag := range e.meta.Tags {
		if keys := t.tagIndex[tag]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(t.tagIndex, tag)
			}
		}
	}
	for _, dep := range e.deps {
		if dependents := t.depIndex[dep]; dependents != nil {
			delete(dependents, e.key)
			if len(dependents) == 0 {
				delete(t.depIndex, dep)
			}
		}
	}
}
