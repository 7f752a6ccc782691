package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fallbackEntry is one entry in the degraded in-process store.
type fallbackEntry struct {
	value *Value
	meta  *Metadata
	deps  []string
}

// fallbackStore is the in-process substitute the shared tier runs on when
// the shared store is unreachable at construction time. It keeps the same
// tag, type and dependency semantics in degraded form, bounded by entry
// count with plain LRU eviction.
type fallbackStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *fallbackEntry]
	tags    map[string]map[string]struct{}
	types   map[string]map[string]struct{}
	deps    map[string]map[string]struct{}
}

func newFallbackStore(maxEntries int) (*fallbackStore, error) {
	s := &fallbackStore{
		tags:  make(map[string]map[string]struct{}),
		types: make(map[string]map[string]struct{}),
		deps:  make(map[string]map[string]struct{}),
	}

	// The eviction callback fires inside Add/Remove while s.mu is held;
	// it must touch the index maps directly without re-locking.
	entries, err := lru.NewWithEvict(maxEntries, func(key string, e *fallbackEntry) {
		s.unindex(key, e)
	})
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

func (s *fallbackStore) get(key string) (interface{}, bool) {
	value, _, ok := s.getEntry(key)
	return value, ok
}

func (s *fallbackStore) getEntry(key string) (interface{}, *SetOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(key)
	if !ok {
		return nil, nil, false
	}
	now := time.Now()
	if e.meta.IsExpired(now) {
		s.entries.Remove(key)
		return nil, nil, false
	}
	e.meta.Touch(now)
	return e.value.Decode(), entryOptions(e.meta, e.deps, now), true
}

func (s *fallbackStore) set(key string, v *Value, meta *Metadata, deps []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries.Peek(key); ok {
		s.unindex(key, old)
	}

	e := &fallbackEntry{value: v, meta: meta, deps: deps}
	s.entries.Add(key, e)

	for _, tag := range meta.Tags {
		if s.tags[tag] == nil {
			s.tags[tag] = make(map[string]struct{})
		}
		s.tags[tag][key] = struct{}{}
	}
	if meta.DataType != "" {
		if s.types[meta.DataType] == nil {
			s.types[meta.DataType] = make(map[string]struct{})
		}
		s.types[meta.DataType][key] = struct{}{}
	}
	for _, dep := range deps {
		if s.deps[dep] == nil {
			s.deps[dep] = make(map[string]struct{})
		}
		s.deps[dep][key] = struct{}{}
	}
	return true
}

func (s *fallbackStore) invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(key, make(map[string]struct{}))
}

func (s *fallbackStore) invalidateLocked(key string, seen map[string]struct{}) bool {
	if _, done := seen[key]; done {
		return false
	}
	seen[key] = struct{}{}

	dependents := make([]string, 0, len(s.deps[key]))
	for dep := range s.deps[key] {
		dependents = append(dependents, dep)
	}
	delete(s.deps, key)

	existed := s.entries.Remove(key)
	for _, dep := range dependents {
		s.invalidateLocked(dep, seen)
	}
	return existed
}

func (s *fallbackStore) invalidateByTags(tags []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range s.tags[tag] {
			victims[key] = struct{}{}
		}
	}
	for key := range victims {
		s.entries.Remove(key)
	}
	return len(victims)
}

func (s *fallbackStore) invalidateByPattern(substring string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.entries.Keys() {
		if strings.Contains(key, substring) {
			if s.entries.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

func (s *fallbackStore) invalidateByDataType(dataType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.types[dataType] {
		if s.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

func (s *fallbackStore) fillStats(stats *TierStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.Entries = s.entries.Len()
	stats.DataTypes = make(map[string]DataTypeStats)

	type typeAccum struct {
		count int
		size  int64
		ttl   time.Duration
	}
	byType := make(map[string]*typeAccum)
	ratioSum := 0.0
	access := make([]KeyAccess, 0, s.entries.Len())

	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		stats.SizeBytes += int64(e.value.Size())
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

	if stats.Entries > 0 {
		stats.AvgCompressionRatio = ratioSum / float64(stats.Entries)
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
	if len(access) > DefaultTopKeys {
		access = access[:DefaultTopKeys]
	}
	stats.TopKeys = access

	for _, dependents := range s.deps {
		stats.Dependencies += len(dependents)
	}
}

// unindex scrubs one entry from the tag, type and dependency indices.
// Callers hold s.mu; the LRU eviction callback lands here too.
func (s *fallbackStore) unindex(key string, e *fallbackEntry) {
	for _, tag := range e.meta.Tags {
		if keys := s.tags[tag]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.tags, tag)
			}
		}
	}
	if e.meta.DataType != "" {
		if keys := s.types[e.meta.DataType]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.types, e.meta.DataType)
			}
		}
	}
	for _, dep := range e.deps {
		if dependents := s.deps[dep]; dependents != nil {
			delete(dependents, key)
			if len(dependents) == 0 {
				delete(s.deps, dep)
			}
		}
	}
}
