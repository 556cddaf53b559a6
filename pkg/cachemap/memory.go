package cachemap

import (
	"strings"
	"sync"
	"time"

	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemeta"
)

// Memory is the simple in-memory CacheMap backend (spec.md §4.2): native maps, no size
// accounting, single-process ownership. Grounded on the teacher's L1Cache (cache-manager/
// cache.go) RWMutex-guarded map, generalized from a flat string-value cache to the
// hierarchical item cache's keyed-item + query-result + metadata contract.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]storedItem
	queries  map[string]QueryResult
	provider *cachemeta.MapProvider
}

func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]storedItem),
		queries:  make(map[string]QueryResult),
		provider: cachemeta.NewMapProvider(cachemeta.Limits{}),
	}
}

func (m *Memory) Get(k cachekey.Key) (interface{}, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	norm := cachekey.Normalize(k)
	item, ok := m.items[norm]
	if !ok {
		return nil, false, nil
	}
	// Verification guard: a hash collision between two logically different keys must not
	// surface the wrong item (spec.md §4.2).
	if !cachekey.Equal(item.OriginalKey, k) {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (m *Memory) Set(k cachekey.Key, v interface{}, estimatedSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	norm := cachekey.Normalize(k)
	m.items[norm] = storedItem{OriginalKey: k, Value: v}
	return nil
}

func (m *Memory) GetByNormalizedKey(norm string) (interface{}, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[norm]
	if !ok {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (m *Memory) Delete(k string) error {
	m.mu.Lock()
	delete(m.items, k)
	m.mu.Unlock()
	return m.provider.DeleteMetadata(k)
}

func (m *Memory) IncludesKey(k cachekey.Key) (bool, error) {
	_, ok, err := m.Get(k)
	return ok, err
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) Values() ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals := make([]interface{}, 0, len(m.items))
	for _, it := range m.items {
		vals = append(vals, it.Value)
	}
	return vals, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]storedItem)
	m.queries = make(map[string]QueryResult)
	return m.provider.ClearMetadata()
}

func (m *Memory) AllIn(loc []cachekey.LocPart) ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []interface{}
	for _, it := range m.items {
		if cachekey.LocPrefixMatch(it.OriginalKey.Loc, loc) {
			out = append(out, it.Value)
		}
	}
	return out, nil
}

func (m *Memory) InvalidateItemKeys(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) InvalidateLocation(loc []cachekey.LocPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if cachekey.LocPrefixMatch(it.OriginalKey.Loc, loc) {
			delete(m.items, k)
		}
	}
	m.queries = make(map[string]QueryResult)
	return nil
}

func (m *Memory) SetQueryResult(hash string, itemKeys []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires *time.Time
	if ttl > 0 {
		e := time.Now().Add(ttl)
		expires = &e
	}
	m.queries[hash] = QueryResult{ItemKeys: itemKeys, ExpiresAt: expires}
	return nil
}

func (m *Memory) GetQueryResult(hash string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qr, ok := m.queries[hash]
	if !ok {
		return nil, false, nil
	}
	if qr.ExpiresAt != nil && time.Now().After(*qr.ExpiresAt) {
		delete(m.queries, hash)
		return nil, false, nil
	}
	return qr.ItemKeys, true, nil
}

func (m *Memory) HasQueryResult(hash string) (bool, error) {
	_, ok, err := m.GetQueryResult(hash)
	return ok, err
}

func (m *Memory) DeleteQueryResult(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queries, hash)
	return nil
}

func (m *Memory) ClearQueryResults() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = make(map[string]QueryResult)
	return nil
}

func (m *Memory) Clone() CacheMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := NewMemory()
	for k, v := range m.items {
		clone.items[k] = v
	}
	for k, v := range m.queries {
		clone.queries[k] = v
	}
	return clone
}

func (m *Memory) Info() Info {
	return Info{ImplementationType: "memory/memory", SupportsTTL: true, SupportsEviction: false}
}

// cachemeta.Provider delegation.
func (m *Memory) GetMetadata(key string) (cachemeta.Metadata, bool, error) {
	return m.provider.GetMetadata(key)
}
func (m *Memory) SetMetadata(key string, meta cachemeta.Metadata) error {
	return m.provider.SetMetadata(key, meta)
}
func (m *Memory) DeleteMetadata(key string) error { return m.provider.DeleteMetadata(key) }
func (m *Memory) GetAllMetadata() (map[string]cachemeta.Metadata, error) {
	return m.provider.GetAllMetadata()
}
func (m *Memory) ClearMetadata() error             { return m.provider.ClearMetadata() }
func (m *Memory) GetCurrentSize() (cachemeta.Size, error) { return m.provider.GetCurrentSize() }
func (m *Memory) GetSizeLimits() (cachemeta.Limits, error) { return m.provider.GetSizeLimits() }

// EnhancedMemory is Memory plus byte-size accounting and an optional maxItems/maxSizeBytes
// limit (spec.md §4.2's "enhanced variant additionally carries size accounting"). Eviction
// itself is still driven externally by an eviction.Manager; EnhancedMemory only makes
// GetCurrentSize/GetSizeLimits meaningful for that manager to act on.
type EnhancedMemory struct {
	*Memory
}

func NewEnhancedMemory(limits cachemeta.Limits) *EnhancedMemory {
	mem := NewMemory()
	mem.provider.SetLimits(limits)
	return &EnhancedMemory{Memory: mem}
}

func (m *EnhancedMemory) Set(k cachekey.Key, v interface{}, estimatedSize int64) error {
	if err := m.Memory.Set(k, v, estimatedSize); err != nil {
		return err
	}
	norm := cachekey.Normalize(k)
	meta, ok, err := m.provider.GetMetadata(norm)
	if err != nil {
		return err
	}
	if !ok {
		meta = cachemeta.Metadata{Key: norm, AddedAt: time.Now()}
	}
	meta.EstimatedSize = estimatedSize
	return m.provider.SetMetadata(norm, meta)
}

func (m *EnhancedMemory) Clone() CacheMap {
	limits, _ := m.provider.GetSizeLimits()
	clone := NewEnhancedMemory(limits)
	m.mu.RLock()
	for k, v := range m.items {
		clone.items[k] = v
	}
	for k, v := range m.queries {
		clone.queries[k] = v
	}
	m.mu.RUnlock()
	return clone
}

func (m *EnhancedMemory) Info() Info {
	return Info{ImplementationType: "memory/enhancedMemory", SupportsTTL: true, SupportsEviction: true}
}

// matchesKeyPrefix reports whether a normalized key string begins with prefix; used by
// the webStorage-based backends (Session/Local), which namespace keys, to scan their own entries.
func matchesKeyPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
