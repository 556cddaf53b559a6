// Package cachemap implements the CacheMap abstract contract (spec.md §4.2): the storage
// layer every cache operation ultimately reads and writes through, plus its concrete backends
// (in-memory, session-scoped, local/bbolt-backed, indexed/sqlite-backed).
package cachemap

import (
	"time"

	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemeta"
)

// Info describes a CacheMap's capabilities (spec.md §4.2's getCacheInfo()).
type Info struct {
	ImplementationType string
	SupportsTTL        bool
	SupportsEviction   bool
	DefaultTTL         time.Duration
	EvictionPolicy     string
}

// QueryResult is the stored form of a memoized query/find result: the ordered item keys it
// resolved to, and an optional expiry (spec.md §4.2's setQueryResult/getQueryResult).
type QueryResult struct {
	ItemKeys  []string
	ExpiresAt *time.Time
}

// CacheMap is the storage contract every backend implements (spec.md §4.2). It embeds
// cachemeta.Provider directly since metadata bookkeeping is part of the same contract, and
// implements eviction.Remover via Delete so an eviction.Manager can operate against any
// CacheMap without an adapter.
type CacheMap interface {
	cachemeta.Provider

	Get(k cachekey.Key) (interface{}, bool, error)
	Set(k cachekey.Key, v interface{}, estimatedSize int64) error
	Delete(k string) error // accepts a normalized key, per eviction.Remover
	IncludesKey(k cachekey.Key) (bool, error)
	// GetByNormalizedKey resolves an item by its already-normalized key string, used by
	// pkg/cacheops to re-hydrate the item keys recorded in a memoized QueryResult without
	// reconstructing the original cachekey.Key.
	GetByNormalizedKey(norm string) (interface{}, bool, error)
	Keys() ([]string, error)
	Values() ([]interface{}, error)
	Clear() error
	AllIn(loc []cachekey.LocPart) ([]interface{}, error)

	InvalidateItemKeys(keys []string) error
	InvalidateLocation(loc []cachekey.LocPart) error

	SetQueryResult(hash string, itemKeys []string, ttl time.Duration) error
	GetQueryResult(hash string) ([]string, bool, error)
	HasQueryResult(hash string) (bool, error)
	DeleteQueryResult(hash string) error
	ClearQueryResults() error

	Clone() CacheMap
	Info() Info
}

// storedItem is the in-process record wrapping a cached value with the original key it was
// stored under, so Get can detect normalization collisions (spec.md §4.2's "any collision...
// resolves to null") by comparing the original key rather than trusting the hash alone.
type storedItem struct {
	OriginalKey cachekey.Key
	Value       interface{}
}
