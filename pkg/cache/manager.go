package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/storecache/storecache/pkg/observability"
)

// InvalidationSelector describes a bulk invalidation. Any combination of
// fields may be set; each non-empty selector is applied to every tier.
type InvalidationSelector struct {
	Tags     []string
	Pattern  string
	DataType string
}

// Manager composes an ordered list of tiers, fastest first. It owns the
// get/set/invalidate fan-out, promotion on hit, write routing, key
// generation and aggregated statistics.
//
// A Manager is constructed explicitly and passed to consumers; there is no
// ambient global instance. Concurrent Set calls to one key are unordered
// beyond last-write-wins at each tier, and a concurrent Set and Invalidate
// on the same key race arbitrarily.
type Manager struct {
	cfg     ManagerConfig
	tiers   []Tier
	logger  observability.Logger
	metrics observability.MetricsClient

	// Manager-local one-hop dependency map. It mirrors the tiers' own
	// dependency indices but is maintained independently, with no
	// reconciliation between the two.
	depMu sync.Mutex
	deps  map[string]map[string]struct{}

	alwaysShared map[string]struct{}
	misses       atomic.Int64
}

// NewManager creates a manager over the given tiers, ordered fastest
// first. At least one tier is required.
func NewManager(cfg ManagerConfig, logger observability.Logger, metrics observability.MetricsClient, tiers ...Tier) (*Manager, error) {
	if len(tiers) == 0 {
		return nil, ErrInvalidConfig
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	alwaysShared := make(map[string]struct{}, len(cfg.AlwaysSharedTypes))
	for _, dt := range cfg.AlwaysSharedTypes {
		alwaysShared[dt] = struct{}{}
	}

	return &Manager{
		cfg:          cfg,
		tiers:        tiers,
		logger:       logger.WithPrefix("cache.manager"),
		metrics:      metrics,
		deps:         make(map[string]map[string]struct{}),
		alwaysShared: alwaysShared,
	}, nil
}

// Get probes the tiers fastest-first. A hit in a slower tier is promoted
// into every faster tier before it is returned, carrying the entry's own
// tags, data type, dependencies and remaining TTL so the promoted copy
// answers to the same invalidation selectors as the original.
func (m *Manager) Get(ctx context.Context, key string) (interface{}, bool) {
	for i, tier := range m.tiers {
		value, opts, ok := tier.GetEntry(ctx, key)
		if !ok {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			m.tiers[j].Set(ctx, key, value, opts)
		}
		return value, true
	}

	m.misses.Add(1)
	m.metrics.IncrementCounter("cache.manager.misses", 1)
	return nil, false
}

// Set always writes the fastest tier and additionally writes the slower
// tiers when the payload is large enough or its data type is in the
// always-shared list. A faster-tier-only success still counts as success.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) bool {
	// Work on a copy; the caller's options are never mutated
	var local SetOptions
	if opts != nil {
		local = *opts
	}
	opts = &local

	size := estimatePayloadSize(value)
	if opts.Algorithm == AlgorithmNone {
		opts.Algorithm = m.algorithmFor(size)
	}

	ok := m.tiers[0].Set(ctx, key, value, opts)

	if len(m.tiers) > 1 && m.routeToSlowerTiers(size, opts.DataType) {
		for _, tier := range m.tiers[1:] {
			tier.Set(ctx, key, value, opts)
		}
	}

	if len(opts.Dependencies) > 0 {
		m.depMu.Lock()
		for _, dep := range opts.Dependencies {
			if m.deps[dep] == nil {
				m.deps[dep] = make(map[string]struct{})
			}
			m.deps[dep][key] = struct{}{}
		}
		m.depMu.Unlock()
	}

	return ok
}

// InvalidateKey removes a single key from every tier.
func (m *Manager) InvalidateKey(ctx context.Context, key string) bool {
	removed := false
	for _, tier := range m.tiers {
		if tier.Invalidate(ctx, key) {
			removed = true
		}
	}

	m.depMu.Lock()
	delete(m.deps, key)
	for _, dependents := range m.deps {
		delete(dependents, key)
	}
	m.depMu.Unlock()

	return removed
}

// Invalidate fans the selector out to every tier concurrently and returns
// the aggregate count of removed entries.
func (m *Manager) Invalidate(ctx context.Context, sel InvalidationSelector) int {
	var total atomic.Int64
	var wg sync.WaitGroup

	for _, tier := range m.tiers {
		wg.Add(1)
		go func(tier Tier) {
			defer wg.Done()
			if len(sel.Tags) > 0 {
				total.Add(int64(tier.InvalidateByTags(ctx, sel.Tags)))
			}
			if sel.Pattern != "" {
				total.Add(int64(tier.InvalidateByPattern(ctx, sel.Pattern)))
			}
			if sel.DataType != "" {
				total.Add(int64(tier.InvalidateByDataType(ctx, sel.DataType)))
			}
		}(tier)
	}
	wg.Wait()

	return int(total.Load())
}

// InvalidateDependencies invalidates the primary key and then, one hop
// only, every key registered as depending on it in the manager-local map.
func (m *Manager) InvalidateDependencies(ctx context.Context, primary string) int {
	m.depMu.Lock()
	dependents := make([]string, 0, len(m.deps[primary]))
	for dep := range m.deps[primary] {
		dependents = append(dependents, dep)
	}
	delete(m.deps, primary)
	m.depMu.Unlock()

	removed := 0
	if m.InvalidateKey(ctx, primary) {
		removed++
	}
	for _, dep := range dependents {
		if m.InvalidateKey(ctx, dep) {
			removed++
		}
	}
	return removed
}

// GenerateKey builds the stable namespaced cache key for a request
// signature and its parameters.
func (m *Manager) GenerateKey(signature string, params map[string]interface{}) string {
	key, err := generateKey(m.cfg.Namespace, signature, params)
	if err != nil {
		// Unhashable params degrade to the raw signature
		return m.cfg.Namespace + ":" + signature
	}
	return key
}

// Warm promotes the given keys into the faster tiers by reading them
// through the normal get path. It returns the number of keys found.
func (m *Manager) Warm(ctx context.Context, keys []string) int {
	warmed := 0
	for _, key := range keys {
		if _, ok := m.Get(ctx, key); ok {
			warmed++
		}
	}
	m.logger.Info("cache warmup complete", map[string]interface{}{
		"total":  len(keys),
		"warmed": warmed,
	})
	return warmed
}

// Stats aggregates per-tier snapshots with manager-level counters.
func (m *Manager) Stats(ctx context.Context) ManagerStats {
	stats := ManagerStats{
		Tiers:  make([]TierStats, 0, len(m.tiers)),
		Misses: m.misses.Load(),
	}
	for _, tier := range m.tiers {
		stats.Tiers = append(stats.Tiers, tier.Stats(ctx))
	}

	m.depMu.Lock()
	stats.DependencyKeys = len(m.deps)
	for _, dependents := range m.deps {
		stats.DependencyEdges += len(dependents)
	}
	m.depMu.Unlock()

	return stats
}

// Close closes every tier, returning the first error encountered.
func (m *Manager) Close() error {
	var firstErr error
	for _, tier := range m.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) routeToSlowerTiers(size int, dataType string) bool {
	if size >= m.cfg.SharedThresholdBytes {
		return true
	}
	_, always := m.alwaysShared[dataType]
	return always
}

// algorithmFor picks the compression algorithm by payload size: large
// payloads take the faster algorithm, small ones the higher-ratio one.
func (m *Manager) algorithmFor(size int) Algorithm {
	if size >= m.cfg.LargePayloadBytes {
		return AlgorithmZstd
	}
	return AlgorithmGzip
}

func estimatePayloadSize(value interface{}) int {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return len(data)
}
