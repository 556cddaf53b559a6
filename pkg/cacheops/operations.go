package cacheops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.app/pkg/cacheerr"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemeta"
	"encore.app/pkg/itemapi"
	"encore.app/pkg/telemetry"
)

// apiOptions translates the context's configured retry knobs into the adapter-level Options
// spec.md §6 says are "applied to API calls by the adapter".
func apiOptions(c *Context) itemapi.Options {
	return itemapi.Options{
		MaxRetries: c.Options.MaxRetries,
		RetryDelay: int(c.Options.RetryDelay / time.Millisecond),
	}
}

func estimateSize(item itemapi.Item) int64 {
	data, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// keyFromItem reconstructs the cachekey.Key an item carries under its own "key" field, per the
// glossary's "Item... carrying its own key". The field round-trips through cachekey.Key's own
// json tags (kt/pk/loc).
func keyFromItem(c *Context, item itemapi.Item) (cachekey.Key, error) {
	raw, ok := item["key"]
	if !ok {
		return cachekey.Key{}, fmt.Errorf("cacheops: item missing \"key\" field")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return cachekey.Key{}, err
	}
	var k cachekey.Key
	if err := json.Unmarshal(data, &k); err != nil {
		return cachekey.Key{}, err
	}
	if k.Kind == "" {
		k.Kind = c.PKType
	}
	return k, nil
}

// touchOnAdd stamps/creates metadata for norm after it has just been written, and runs the
// eviction manager's OnItemAdded hook (which may itself trigger eviction of other keys).
func touchOnAdd(c *Context, norm string, size int64) {
	now := time.Now()
	meta, ok, _ := c.CacheMap.GetMetadata(norm)
	if !ok {
		meta = cachemeta.Metadata{Key: norm}
	}
	if c.TTLManager != nil {
		c.TTLManager.OnItemAdded(&meta, now)
	} else {
		if meta.AddedAt.IsZero() {
			meta.AddedAt = now
		}
		meta.LastAccessedAt = now
	}
	meta.EstimatedSize = size
	_ = c.CacheMap.SetMetadata(norm, meta)
	if c.EvictionManager != nil {
		if err := c.EvictionManager.OnItemAdded(norm, size); err != nil && c.StatsManager != nil {
			c.StatsManager.IncStorageErrors()
		}
	}
}

// touchOnAccess stamps metadata for a cache hit and runs the eviction manager's access hook.
func touchOnAccess(c *Context, norm string) {
	now := time.Now()
	meta, ok, _ := c.CacheMap.GetMetadata(norm)
	if !ok {
		return
	}
	if c.TTLManager != nil {
		c.TTLManager.OnItemAccessed(&meta, now)
	} else {
		meta.LastAccessedAt = now
		meta.AccessCount++
	}
	_ = c.CacheMap.SetMetadata(norm, meta)
	if c.EvictionManager != nil {
		_ = c.EvictionManager.OnItemAccessed(norm)
	}
}

// setItem writes item into the cache under key, bumping metadata, eviction bookkeeping and
// the setOps counter. Returns the underlying CacheMap error unwrapped so callers can classify
// it (e.g. StorageFull) themselves.
func setItem(c *Context, key cachekey.Key, item itemapi.Item) error {
	norm := cachekey.Normalize(key)
	size := estimateSize(item)
	if err := c.CacheMap.Set(key, item, size); err != nil {
		return err
	}
	touchOnAdd(c, norm, size)
	if c.StatsManager != nil {
		c.StatsManager.IncSetOps()
	}
	return nil
}

// invalidateQueries drops every memoized query result, per spec.md §4.9's "invalidate every
// query result scoped to locations (or any ancestor) because membership may have changed" —
// this port invalidates the whole query subcache rather than tracking per-location scoping,
// matching the same broad-invalidation simplification pkg/cachemap's InvalidateLocation
// already makes.
func invalidateQueries(c *Context) {
	_ = c.CacheMap.ClearQueryResults()
	if c.EventEmitter != nil {
		c.EventEmitter.EmitQueryInvalidated("*")
	}
}

func validateKey(c *Context, key cachekey.Key) error {
	if err := key.Validate(); err != nil {
		return cacheerr.New(cacheerr.InvalidKey, err)
	}
	if key.Kind != c.PKType {
		return cacheerr.New(cacheerr.InvalidKey, fmt.Errorf("key kind %q does not match context pkType %q", key.Kind, c.PKType))
	}
	return nil
}

// fetchFromAPI runs a single-key API fetch through the coalescer, populating the cache on a
// hit (unless bypassCache) and classifying failures per spec.md §4.9's failure semantics.
func fetchFromAPI(goCtx context.Context, c *Context, key cachekey.Key) (itemapi.Item, bool, error) {
	norm := cachekey.Normalize(key)
	type apiResult struct {
		item  itemapi.Item
		found bool
	}
	raw, err := c.Coalescer.Do(norm, func() (interface{}, error) {
		item, found, err := c.API.Get(goCtx, key)
		if err != nil {
			return nil, err
		}
		return apiResult{item: item, found: found}, nil
	})
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, false, cacheerr.New(cacheerr.ApiFailure, err)
	}
	res := raw.(apiResult)
	if !res.found {
		return nil, false, nil
	}
	if !c.Options.BypassCache {
		if err := setItem(c, key, res.item); err != nil {
			if c.StatsManager != nil {
				c.StatsManager.IncStorageErrors()
			}
			return nil, false, cacheerr.New(cacheerr.StorageFull, err)
		}
	}
	if c.EventEmitter != nil {
		c.EventEmitter.EmitItemRetrieved(norm, telemetry.SourceAPI)
	}
	return res.item, true, nil
}

// get implements both Get and Retrieve; refreshed reports whether the item came from the API
// rather than the cache (spec.md §4.9's retrieve()).
func get(goCtx context.Context, c *Context, key cachekey.Key) (item itemapi.Item, found bool, refreshed bool, err error) {
	if err := validateKey(c, key); err != nil {
		return nil, false, false, err
	}
	if c.StatsManager != nil {
		c.StatsManager.IncRequests()
	}

	if c.Options.BypassCache {
		item, found, err = fetchFromAPI(goCtx, c, key)
		return item, found, true, err
	}

	norm := cachekey.Normalize(key)
	if v, ok, gerr := c.CacheMap.Get(key); gerr == nil && ok {
		meta, _, _ := c.CacheMap.GetMetadata(norm)
		if c.TTLManager == nil || c.TTLManager.ValidateItem(key.Kind, meta, time.Now()) {
			touchOnAccess(c, norm)
			if c.StatsManager != nil {
				c.StatsManager.IncHits()
			}
			if c.EventEmitter != nil {
				c.EventEmitter.EmitItemRetrieved(norm, telemetry.SourceCache)
			}
			cached, _ := v.(itemapi.Item)
			return cached, true, false, nil
		}
		_ = c.CacheMap.Delete(norm)
	}
	if c.StatsManager != nil {
		c.StatsManager.IncMisses()
	}
	item, found, err = fetchFromAPI(goCtx, c, key)
	return item, found, true, err
}

// Get implements spec.md §4.9's get(key).
func Get(goCtx context.Context, c *Context, key cachekey.Key) (itemapi.Item, bool, error) {
	item, found, _, err := get(goCtx, c, key)
	return item, found, err
}

// Retrieve implements spec.md §4.9's retrieve(key): like Get, but also reports whether the
// returned item was refreshed from the API rather than served purely from cache.
func Retrieve(goCtx context.Context, c *Context, key cachekey.Key) (item itemapi.Item, found bool, refreshed bool, err error) {
	return get(goCtx, c, key)
}

// Refresh unconditionally re-fetches key from the API and re-caches the result, bypassing the
// usual TTL freshness check — it exists for refresh-ahead prefetch (the warming package),
// which proactively beats a near-expiry item to its own TTL rather than waiting for a caller
// to observe a stale entry.
func Refresh(goCtx context.Context, c *Context, key cachekey.Key) (itemapi.Item, error) {
	if err := validateKey(c, key); err != nil {
		return nil, err
	}
	item, found, err := fetchFromAPI(goCtx, c, key)
	if err != nil || !found {
		return nil, err
	}
	return item, nil
}

// resolveFresh resolves a memoized query's item keys against the cache, returning ok=false the
// moment any key is missing or stale — the whole query result is discarded on a single stale
// member, per spec.md §4.9's "all referenced item keys resolve to fresh items" condition.
func resolveFresh(c *Context, itemKeys []string) ([]itemapi.Item, bool) {
	items := make([]itemapi.Item, 0, len(itemKeys))
	now := time.Now()
	for _, norm := range itemKeys {
		v, ok, err := c.CacheMap.GetByNormalizedKey(norm)
		if err != nil || !ok {
			return nil, false
		}
		meta, ok, _ := c.CacheMap.GetMetadata(norm)
		if !ok {
			return nil, false
		}
		if c.TTLManager != nil && !c.TTLManager.ValidateItem(c.PKType, meta, now) {
			return nil, false
		}
		item, ok := v.(itemapi.Item)
		if !ok {
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

// queryAndCache is the shared memoization flow behind All/One/Find (spec.md §4.9): consult the
// query subcache, fall back to fetch on a miss or stale hit, cache every returned item, and
// memoize the resolved item keys under hash.
func queryAndCache(c *Context, hash string, fetch func() ([]itemapi.Item, error)) ([]itemapi.Item, error) {
	if !c.Options.BypassCache {
		if itemKeys, ok, err := c.CacheMap.GetQueryResult(hash); err == nil && ok {
			if items, fresh := resolveFresh(c, itemKeys); fresh {
				if c.EventEmitter != nil {
					c.EventEmitter.EmitQueryExecuted(hash)
				}
				return items, nil
			}
		}
	}

	items, err := fetch()
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, cacheerr.New(cacheerr.ApiFailure, err)
	}

	if c.Options.BypassCache {
		return items, nil
	}

	itemKeys := make([]string, 0, len(items))
	for _, item := range items {
		key, kerr := keyFromItem(c, item)
		if kerr != nil {
			continue
		}
		if serr := setItem(c, key, item); serr != nil {
			if c.StatsManager != nil {
				c.StatsManager.IncStorageErrors()
			}
			return nil, cacheerr.New(cacheerr.StorageFull, serr)
		}
		itemKeys = append(itemKeys, cachekey.Normalize(key))
	}
	var queryTTL time.Duration
	if c.TTLManager != nil {
		queryTTL = c.TTLManager.QueryResultTTL()
	}
	if err := c.CacheMap.SetQueryResult(hash, itemKeys, queryTTL); err != nil && c.StatsManager != nil {
		c.StatsManager.IncStorageErrors()
	}
	if c.EventEmitter != nil {
		c.EventEmitter.EmitQueryExecuted(hash)
	}
	return items, nil
}

// All implements spec.md §4.9's all(query, locations).
func All(goCtx context.Context, c *Context, query itemapi.Query, loc []cachekey.LocPart) ([]itemapi.Item, error) {
	hash := cachekey.HashQuery(query, loc)
	return queryAndCache(c, hash, func() ([]itemapi.Item, error) {
		return c.API.All(goCtx, query, apiOptions(c), loc)
	})
}

// One implements spec.md §4.9's one(query, locations): same memoization logic with a 0/1
// result.
func One(goCtx context.Context, c *Context, query itemapi.Query, loc []cachekey.LocPart) (itemapi.Item, bool, error) {
	hash := cachekey.HashQuery(query, loc)
	items, err := queryAndCache(c, hash, func() ([]itemapi.Item, error) {
		item, found, ferr := c.API.One(goCtx, query, apiOptions(c), loc)
		if ferr != nil {
			return nil, ferr
		}
		if !found {
			return nil, nil
		}
		return []itemapi.Item{item}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	return items[0], true, nil
}

// Find implements spec.md §4.9's find(finder, finderParams, locations).
func Find(goCtx context.Context, c *Context, finder string, params map[string]interface{}, loc []cachekey.LocPart) ([]itemapi.Item, error) {
	hash := cachekey.HashFind(finder, params, loc)
	return queryAndCache(c, hash, func() ([]itemapi.Item, error) {
		return c.API.Find(goCtx, finder, params, apiOptions(c), loc)
	})
}

// Create implements spec.md §4.9's create(v, locations).
func Create(goCtx context.Context, c *Context, partial itemapi.Item, loc []cachekey.LocPart) (itemapi.Item, error) {
	item, err := c.API.Create(goCtx, partial, apiOptions(c), loc)
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, cacheerr.New(cacheerr.ApiFailure, err)
	}
	key, kerr := keyFromItem(c, item)
	if kerr != nil {
		return item, nil
	}
	if serr := setItem(c, key, item); serr != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncStorageErrors()
		}
		return item, cacheerr.New(cacheerr.StorageFull, serr)
	}
	invalidateQueries(c)
	if c.EventEmitter != nil {
		c.EventEmitter.EmitItemSet(cachekey.Normalize(key))
	}
	return item, nil
}

// Update implements spec.md §4.9's update(key, v).
func Update(goCtx context.Context, c *Context, key cachekey.Key, partial itemapi.Item) (itemapi.Item, error) {
	if err := validateKey(c, key); err != nil {
		return nil, err
	}
	item, err := c.API.Update(goCtx, key, partial, apiOptions(c))
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, cacheerr.New(cacheerr.ApiFailure, err)
	}
	if serr := setItem(c, key, item); serr != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncStorageErrors()
		}
		return item, cacheerr.New(cacheerr.StorageFull, serr)
	}
	invalidateQueries(c)
	if c.EventEmitter != nil {
		c.EventEmitter.EmitItemSet(cachekey.Normalize(key))
	}
	return item, nil
}

// Remove implements spec.md §4.9's remove(key).
func Remove(goCtx context.Context, c *Context, key cachekey.Key) error {
	if err := validateKey(c, key); err != nil {
		return err
	}
	if err := c.API.Remove(goCtx, key, apiOptions(c)); err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return cacheerr.New(cacheerr.ApiFailure, err)
	}
	norm := cachekey.Normalize(key)
	_ = c.CacheMap.Delete(norm)
	if c.EvictionManager != nil {
		_ = c.EvictionManager.OnItemRemoved(norm)
	}
	if c.StatsManager != nil {
		c.StatsManager.IncDeleteOps()
	}
	invalidateQueries(c)
	if c.EventEmitter != nil {
		c.EventEmitter.EmitItemDeleted(norm)
	}
	return nil
}

// Action implements spec.md §4.9's action(key, name, body): the returned item is an
// authoritative refresh.
func Action(goCtx context.Context, c *Context, key cachekey.Key, name string, body itemapi.Item) (itemapi.Item, error) {
	if err := validateKey(c, key); err != nil {
		return nil, err
	}
	item, err := c.API.Action(goCtx, key, name, body, apiOptions(c))
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, cacheerr.New(cacheerr.ApiFailure, err)
	}
	if serr := setItem(c, key, item); serr != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncStorageErrors()
		}
		return item, cacheerr.New(cacheerr.StorageFull, serr)
	}
	invalidateQueries(c)
	if c.EventEmitter != nil {
		c.EventEmitter.EmitItemSet(cachekey.Normalize(key))
	}
	return item, nil
}

// AllAction implements spec.md §4.9's allAction(name, body, locations): bulk variant, every
// returned item is set and all query results in the location are invalidated.
func AllAction(goCtx context.Context, c *Context, name string, body itemapi.Item, loc []cachekey.LocPart) ([]itemapi.Item, error) {
	items, err := c.API.AllAction(goCtx, name, body, apiOptions(c), loc)
	if err != nil {
		if c.StatsManager != nil {
			c.StatsManager.IncAPIErrors()
		}
		return nil, cacheerr.New(cacheerr.ApiFailure, err)
	}
	for _, item := range items {
		key, kerr := keyFromItem(c, item)
		if kerr != nil {
			continue
		}
		if serr := setItem(c, key, item); serr != nil && c.StatsManager != nil {
			c.StatsManager.IncStorageErrors()
		}
	}
	invalidateQueries(c)
	return items, nil
}

// Reset implements spec.md §4.9's reset(): validates options, constructs a fresh empty
// CacheMap via the context's factory, and discards the existing one.
func Reset(c *Context) error {
	if err := c.Options.Validate(); err != nil {
		return cacheerr.New(cacheerr.ConfigInvalid, err)
	}
	if c.NewCacheMap == nil {
		return fmt.Errorf("cacheops: reset requires a CacheMapFactory")
	}
	fresh, err := c.NewCacheMap()
	if err != nil {
		return err
	}
	c.CacheMap = fresh
	if c.EventEmitter != nil {
		c.EventEmitter.EmitCacheReset()
	}
	return nil
}
