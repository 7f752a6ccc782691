package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/storecache/storecache/pkg/observability"
)

// storedEntry is the wire form of one shared-tier entry: the stored value
// bytes plus metadata and the dependency keys declared at write time.
type storedEntry struct {
	Data []byte    `json:"data"`
	Meta *Metadata `json:"meta"`
	Deps []string  `json:"deps,omitempty"`
}

// SharedTier implements the Tier contract against a shared, network
// accessible Redis store. Every remote call runs under a circuit breaker
// and an exponential backoff retry policy; exhausted retries fail closed
// (get reports a miss, set reports false) and are logged, never raised.
//
// TTL enforcement for entries in this tier is delegated to Redis per-key
// expiry. Writes pipeline the entry payload, tag memberships and
// dependency-set updates into a single round trip.
type SharedTier struct {
	cfg      SharedTierConfig
	client   *redis.Client
	breaker  *gobreaker.CircuitBreaker
	fallback *fallbackStore
	ttl      ttlPolicy
	logger   observability.Logger
	metrics  observability.MetricsClient

	hits     atomic.Int64
	misses   atomic.Int64
	errCount atomic.Int64
}

// NewSharedTier connects to the shared store. When the store cannot be
// reached and fallback mode is enabled, the tier substitutes an in-process
// degraded store so the rest of the system keeps functioning.
func NewSharedTier(cfg SharedTierConfig, logger observability.Logger, metrics observability.MetricsClient) (*SharedTier, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	t := &SharedTier{
		cfg:     cfg,
		logger:  logger.WithPrefix("cache.shared"),
		metrics: metrics,
		ttl: ttlPolicy{
			baseTTL:         cfg.DefaultTTL,
			jitterFactor:    cfg.JitterFactor,
			typeMultipliers: cfg.TypeMultipliers,
		},
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared-cache",
		MaxRequests: 5,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A missing key is a normal outcome, not a backend failure
			return err == nil || errors.Is(err, redis.Nil)
		},
	})

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !cfg.FallbackMode {
			return nil, fmt.Errorf("shared store unreachable: %w", err)
		}
		t.logger.Warn("shared store unreachable, running degraded in-process fallback", map[string]interface{}{
			"addr":  cfg.Addr,
			"error": err.Error(),
		})
		fb, err := newFallbackStore(cfg.FallbackMaxEntries)
		if err != nil {
			return nil, err
		}
		t.fallback = fb
		return t, nil
	}

	t.client = client
	t.logger.Info("shared cache tier connected", map[string]interface{}{
		"addr": cfg.Addr,
		"db":   cfg.DB,
	})
	return t, nil
}

// Name implements Tier.
func (t *SharedTier) Name() string {
	return t.cfg.Name
}

// Degraded reports whether the tier is running on its in-process fallback.
func (t *SharedTier) Degraded() bool {
	return t.fallback != nil
}

// Get implements Tier.
func (t *SharedTier) Get(ctx context.Context, key string) (interface{}, bool) {
	value, _, ok := t.GetEntry(ctx, key)
	return value, ok
}

// GetEntry implements Tier.
func (t *SharedTier) GetEntry(ctx context.Context, key string) (interface{}, *SetOptions, bool) {
	if t.fallback != nil {
		value, opts, ok := t.fallback.getEntry(key)
		t.count(ok)
		return value, opts, ok
	}

	var payload []byte
	err := t.execute(ctx, "get", func(ctx context.Context) error {
		data, err := t.client.Get(ctx, t.entryKey(key)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = data
		return nil
	})
	if err != nil {
		t.count(false)
		return nil, nil, false
	}

	var ent storedEntry
	if err := json.Unmarshal(payload, &ent); err != nil || ent.Meta == nil {
		// Stored form is undecodable; degrade to the raw bytes rather
		// than surfacing an error
		t.count(true)
		return NewStoredValue(payload, AlgorithmNone, len(payload)).Decode(), nil, true
	}

	now := time.Now()
	ent.Meta.Touch(now)
	go t.refreshMetadata(key, &ent)

	originalSize := int(float64(ent.Meta.Size) * ent.Meta.CompressionRatio)
	t.count(true)
	return NewStoredValue(ent.Data, ent.Meta.Algorithm, originalSize).Decode(),
		entryOptions(ent.Meta, ent.Deps, now), true
}

// Set implements Tier. The entry payload, tag memberships, data-type
// membership and dependency-set updates go out as one pipelined round
// trip. That is not transactional: a crash mid-pipeline can leave partial
// state behind.
func (t *SharedTier) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) bool {
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
	if t.cfg.MaxValueBytes > 0 && int64(v.Size()) > t.cfg.MaxValueBytes {
		return false
	}

	ttl := t.ttl.compute(key, opts.TTL, opts.DataType, v.Size(), 0)
	meta := NewMetadata(key, v, ttl, opts.DataType, opts.Tags)

	if t.fallback != nil {
		return t.fallback.set(key, v, meta, opts.Dependencies)
	}

	payload, err := json.Marshal(storedEntry{Data: v.Bytes(), Meta: meta, Deps: opts.Dependencies})
	if err != nil {
		return false
	}

	err = t.execute(ctx, "set", func(ctx context.Context) error {
		pipe := t.client.Pipeline()
		pipe.Set(ctx, t.entryKey(key), payload, ttl)
		for _, tag := range opts.Tags {
			pipe.SAdd(ctx, t.tagKey(tag), key)
		}
		if opts.DataType != "" {
			pipe.SAdd(ctx, t.typeKey(opts.DataType), key)
		}
		for _, dep := range opts.Dependencies {
			pipe.SAdd(ctx, t.depKey(dep), key)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	return err == nil
}

// Invalidate implements Tier.
func (t *SharedTier) Invalidate(ctx context.Context, key string) bool {
	if t.fallback != nil {
		return t.fallback.invalidate(key)
	}
	return t.invalidateRecursive(ctx, key, make(map[string]struct{}))
}

func (t *SharedTier) invalidateRecursive(ctx context.Context, key string, seen map[string]struct{}) bool {
	if _, done := seen[key]; done {
		return false
	}
	seen[key] = struct{}{}

	dependents := t.setMembers(ctx, t.depKey(key))
	existed := t.removeKey(ctx, key)

	err := t.execute(ctx, "invalidate", func(ctx context.Context) error {
		return t.client.Del(ctx, t.depKey(key)).Err()
	})
	_ = err

	for _, dep := range dependents {
		t.invalidateRecursive(ctx, dep, seen)
	}
	return existed
}

// InvalidateByTags implements Tier.
func (t *SharedTier) InvalidateByTags(ctx context.Context, tags []string) int {
	if t.fallback != nil {
		return t.fallback.invalidateByTags(tags)
	}

	victims := make(map[string]struct{})
	for _, tag := range tags {
		for _, key := range t.setMembers(ctx, t.tagKey(tag)) {
			victims[key] = struct{}{}
		}
	}

	removed := 0
	for key := range victims {
		if t.removeKey(ctx, key) {
			removed++
		}
	}

	for _, tag := range tags {
		tag := tag
		_ = t.execute(ctx, "invalidate_tags", func(ctx context.Context) error {
			return t.client.Del(ctx, t.tagKey(tag)).Err()
		})
	}
	return removed
}

// InvalidateByPattern implements Tier. The substring is matched against
// entry keys via a SCAN over the tier's namespace.
func (t *SharedTier) InvalidateByPattern(ctx context.Context, substring string) int {
	if t.fallback != nil {
		return t.fallback.invalidateByPattern(substring)
	}

	var keys []string
	err := t.execute(ctx, "invalidate_pattern", func(ctx context.Context) error {
		keys = keys[:0]
		prefix := t.cfg.Namespace + ":entry:"
		iter := t.client.Scan(ctx, 0, prefix+"*"+globEscape(substring)+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val()[len(prefix):])
		}
		return iter.Err()
	})
	if err != nil {
		return 0
	}

	removed := 0
	for _, key := range keys {
		if t.removeKey(ctx, key) {
			removed++
		}
	}
	return removed
}

// InvalidateByDataType implements Tier.
func (t *SharedTier) InvalidateByDataType(ctx context.Context, dataType string) int {
	if t.fallback != nil {
		return t.fallback.invalidateByDataType(dataType)
	}

	removed := 0
	for _, key := range t.setMembers(ctx, t.typeKey(dataType)) {
		if t.removeKey(ctx, key) {
			removed++
		}
	}
	_ = t.execute(ctx, "invalidate_type", func(ctx context.Context) error {
		return t.client.Del(ctx, t.typeKey(dataType)).Err()
	})
	return removed
}

// Stats implements Tier. Per-entry aggregates are not computed against the
// remote store; there the snapshot covers tier-level counters and entry
// count. In degraded mode the fallback store fills them.
func (t *SharedTier) Stats(ctx context.Context) TierStats {
	stats := TierStats{
		Name:     t.cfg.Name,
		Hits:     t.hits.Load(),
		Misses:   t.misses.Load(),
		Errors:   t.errCount.Load(),
		Degraded: t.fallback != nil,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	if t.fallback != nil {
		t.fallback.fillStats(&stats)
		return stats
	}

	_ = t.execute(ctx, "stats", func(ctx context.Context) error {
		iter := t.client.Scan(ctx, 0, t.cfg.Namespace+":entry:*", 100).Iterator()
		count := 0
		for iter.Next(ctx) {
			count++
		}
		stats.Entries = count
		return iter.Err()
	})
	return stats
}

// Health reports whether the shared store is reachable.
func (t *SharedTier) Health(ctx context.Context) error {
	if t.fallback != nil {
		return ErrStorageUnavailable
	}
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.client.Ping(ctx).Err()
	})
	return err
}

// Close implements Tier.
func (t *SharedTier) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// removeKey deletes one entry and scrubs its tag, type and dependency-set
// memberships. It does not follow dependents.
func (t *SharedTier) removeKey(ctx context.Context, key string) bool {
	ent, ok := t.fetchEntry(ctx, key)

	existed := false
	err := t.execute(ctx, "remove", func(ctx context.Context) error {
		pipe := t.client.Pipeline()
		delCmd := pipe.Del(ctx, t.entryKey(key))
		if ok && ent.Meta != nil {
			for _, tag := range ent.Meta.Tags {
				pipe.SRem(ctx, t.tagKey(tag), key)
			}
			if ent.Meta.DataType != "" {
				pipe.SRem(ctx, t.typeKey(ent.Meta.DataType), key)
			}
			for _, dep := range ent.Deps {
				pipe.SRem(ctx, t.depKey(dep), key)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		existed = delCmd.Val() > 0
		return nil
	})
	return err == nil && existed
}

func (t *SharedTier) fetchEntry(ctx context.Context, key string) (*storedEntry, bool) {
	var payload []byte
	err := t.execute(ctx, "fetch", func(ctx context.Context) error {
		data, err := t.client.Get(ctx, t.entryKey(key)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = data
		return nil
	})
	if err != nil {
		return nil, false
	}

	var ent storedEntry
	if err := json.Unmarshal(payload, &ent); err != nil {
		return nil, false
	}
	return &ent, true
}

func (t *SharedTier) setMembers(ctx context.Context, setKey string) []string {
	var members []string
	err := t.execute(ctx, "smembers", func(ctx context.Context) error {
		result, err := t.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return err
		}
		members = result
		return nil
	})
	if err != nil {
		return nil
	}
	return members
}

// refreshMetadata writes back touched access metadata, best effort,
// preserving the entry's remaining native TTL. The write runs detached
// from the caller's context: an in-flight remote call is never cancelled
// by the caller going away. SetXX writes only while the key is still
// live, so a refresh racing expiry or invalidation cannot recreate it.
func (t *SharedTier) refreshMetadata(key string, ent *storedEntry) {
	payload, err := json.Marshal(ent)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()

	_ = t.execute(ctx, "refresh", func(ctx context.Context) error {
		return t.client.SetXX(ctx, t.entryKey(key), payload, redis.KeepTTL).Err()
	})
}

// execute runs a remote operation under the circuit breaker and the retry
// policy: on failure, retry up to the configured count with exponentially
// increasing backoff. Exhausted retries surface here and are logged; the
// calling operation fails closed.
func (t *SharedTier) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = t.cfg.RetryBackoff
		bo.RandomizationFactor = 0
		bo.Multiplier = 2.0
		bo.MaxElapsedTime = 0

		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.cfg.MaxRetries)), ctx)
		return nil, backoff.Retry(func() error { return fn(ctx) }, policy)
	})

	if err != nil && !errors.Is(err, redis.Nil) {
		t.errCount.Add(1)
		t.metrics.IncrementCounterWithLabels("cache.errors", 1, map[string]string{
			"tier": t.cfg.Name,
			"op":   op,
		})
		t.logger.Warn("shared cache operation failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	return err
}

func (t *SharedTier) count(hit bool) {
	if hit {
		t.hits.Add(1)
		t.metrics.IncrementCounterWithLabels("cache.hits", 1, map[string]string{"tier": t.cfg.Name})
		return
	}
	t.misses.Add(1)
	t.metrics.IncrementCounterWithLabels("cache.misses", 1, map[string]string{"tier": t.cfg.Name})
}

func (t *SharedTier) entryKey(key string) string {
	return t.cfg.Namespace + ":entry:" + key
}

func (t *SharedTier) tagKey(tag string) string {
	return t.cfg.Namespace + ":tag:" + tag
}

func (t *SharedTier) typeKey(dataType string) string {
	return t.cfg.Namespace + ":type:" + dataType
}

func (t *SharedTier) depKey(key string) string {
	return t.cfg.Namespace + ":dep:" + key
}

// globEscape neutralizes MATCH metacharacters so a substring with *, ?,
// [ or \ in it is matched literally.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
