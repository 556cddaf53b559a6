package cacheops

import (
	"context"
	"errors"
	"testing"
	"time"

	"encore.app/pkg/cacheconfig"
	"encore.app/pkg/cacheerr"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemap"
	"encore.app/pkg/cachettl"
	"encore.app/pkg/coalesce"
	"encore.app/pkg/eviction"
	"encore.app/pkg/itemapi"
	"encore.app/pkg/telemetry"
)

func newTestContext(t *testing.T, ttl time.Duration) (*Context, *itemapi.MockAPI) {
	t.Helper()
	api := itemapi.NewMockAPI()
	cm := cachemap.NewMemory()
	stats := &telemetry.Stats{}
	events := telemetry.NewEmitter()
	mgr := eviction.NewManager(eviction.NewFIFO(), cm, cm, stats, events)
	return &Context{
		API:             api,
		CacheMap:        cm,
		PKType:          "user",
		Options:         cacheconfig.DefaultOptions(),
		TTLManager:      cachettl.NewManager(cachettl.Config{DefaultTTL: ttl}),
		EvictionManager: mgr,
		StatsManager:    stats,
		EventEmitter:    events,
		Coalescer:       coalesce.New(),
		NewCacheMap:     func() (cachemap.CacheMap, error) { return cachemap.NewMemory(), nil },
	}, api
}

func itemWithKey(key cachekey.Key, fields map[string]interface{}) itemapi.Item {
	out := itemapi.Item{"key": map[string]interface{}{"kt": key.Kind, "pk": key.PK}}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func TestGetMissFetchesFromAPIAndCaches(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, map[string]interface{}{"name": "ada"}))

	item, found, err := Get(context.Background(), c, key)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if item["name"] != "ada" {
		t.Fatalf("unexpected item: %#v", item)
	}
	if api.GetCalls != 1 {
		t.Fatalf("expected 1 API call, got %d", api.GetCalls)
	}

	// second Get should be served from cache, no further API call.
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if api.GetCalls != 1 {
		t.Fatalf("expected cache hit to avoid a second API call, got %d calls", api.GetCalls)
	}

	snap := c.StatsManager.GetStats()
	if snap.Misses != 1 || snap.Hits != 1 || snap.Requests != 2 {
		t.Fatalf("unexpected stats: %#v", snap)
	}
}

func TestGetReturnsNilOnAPIMiss(t *testing.T) {
	c, _ := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "404")
	item, found, err := Get(context.Background(), c, key)
	if err != nil || found || item != nil {
		t.Fatalf("expected clean miss, got item=%#v found=%v err=%v", item, found, err)
	}
}

func TestGetRejectsInvalidKey(t *testing.T) {
	c, _ := newTestContext(t, time.Hour)
	_, _, err := Get(context.Background(), c, cachekey.Key{})
	if !cacheerr.Is(err, cacheerr.InvalidKey) {
		t.Fatalf("expected InvalidKey, got %v", err)
	}
}

func TestGetRejectsWrongPKType(t *testing.T) {
	c, _ := newTestContext(t, time.Hour)
	_, _, err := Get(context.Background(), c, cachekey.Pri("org", "1"))
	if !cacheerr.Is(err, cacheerr.InvalidKey) {
		t.Fatalf("expected InvalidKey for pkType mismatch, got %v", err)
	}
}

func TestGetTreatsStaleEntryAsMiss(t *testing.T) {
	c, api := newTestContext(t, time.Millisecond)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, map[string]interface{}{"v": 1}))

	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if api.GetCalls != 2 {
		t.Fatalf("expected expiry to force a second API call, got %d", api.GetCalls)
	}
}

func TestRetrieveReportsRefreshedFlag(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, nil))

	_, found, refreshed, err := Retrieve(context.Background(), c, key)
	if err != nil || !found || !refreshed {
		t.Fatalf("first retrieve should be refreshed: found=%v refreshed=%v err=%v", found, refreshed, err)
	}
	_, found, refreshed, err = Retrieve(context.Background(), c, key)
	if err != nil || !found || refreshed {
		t.Fatalf("second retrieve should be cache-served: found=%v refreshed=%v err=%v", found, refreshed, err)
	}
}

func TestAllMemoizesQueryResult(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, nil))

	items, err := All(context.Background(), c, "anything", nil)
	if err != nil || len(items) != 1 {
		t.Fatalf("All: items=%v err=%v", items, err)
	}
	if _, err := All(context.Background(), c, "anything", nil); err != nil {
		t.Fatalf("All (memoized): %v", err)
	}
	if api.AllCalls != 1 {
		t.Fatalf("expected memoized second call to avoid a second API.All, got %d calls", api.AllCalls)
	}
}

func TestCreateInvalidatesQueryResults(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	seedKey := cachekey.Pri("user", "1")
	api.Seed(seedKey, itemWithKey(seedKey, nil))
	if _, err := All(context.Background(), c, "q", nil); err != nil {
		t.Fatalf("All: %v", err)
	}
	if ok, _ := c.CacheMap.HasQueryResult(cachekey.HashQuery("q", nil)); !ok {
		t.Fatalf("expected query result memoized before Create")
	}

	newKey := cachekey.Pri("user", "2")
	if _, err := Create(context.Background(), c, itemWithKey(newKey, map[string]interface{}{"name": "grace"}), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, _ := c.CacheMap.HasQueryResult(cachekey.HashQuery("q", nil)); ok {
		t.Fatalf("expected Create to invalidate memoized query results")
	}
	if v, ok, _ := c.CacheMap.Get(newKey); !ok || v.(itemapi.Item)["name"] != "grace" {
		t.Fatalf("expected created item to be cached")
	}
}

func TestRemoveDeletesFromCacheAndInvalidatesQueries(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, nil))
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := Remove(context.Background(), c, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := c.CacheMap.Get(key); ok {
		t.Fatalf("expected item removed from cache")
	}
}

func TestUpdateRefreshesCachedItem(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, map[string]interface{}{"name": "ada"}))
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	updated, err := Update(context.Background(), c, key, itemapi.Item{"name": "ada lovelace"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated["name"] != "ada lovelace" {
		t.Fatalf("unexpected updated item: %#v", updated)
	}
	v, ok, _ := c.CacheMap.Get(key)
	if !ok || v.(itemapi.Item)["name"] != "ada lovelace" {
		t.Fatalf("expected cache to reflect update")
	}
}

func TestAPIFailurePropagatesWithoutCacheMutation(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.GetErr = errors.New("origin down")

	_, found, err := Get(context.Background(), c, key)
	if found {
		t.Fatalf("expected no item on API failure")
	}
	if !cacheerr.Is(err, cacheerr.ApiFailure) {
		t.Fatalf("expected ApiFailure, got %v", err)
	}
	if _, ok, _ := c.CacheMap.Get(key); ok {
		t.Fatalf("expected no cache mutation on API failure")
	}
	if c.StatsManager.GetStats().APIErrors != 1 {
		t.Fatalf("expected APIErrors counter bumped")
	}
}

func TestResetDiscardsExistingCache(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, nil))
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	old := c.CacheMap
	if err := Reset(c); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.CacheMap == old {
		t.Fatalf("expected Reset to install a fresh CacheMap")
	}
	if _, ok, _ := c.CacheMap.Get(key); ok {
		t.Fatalf("expected fresh CacheMap to be empty")
	}
}

func TestBypassCacheSkipsStorageOnReads(t *testing.T) {
	c, api := newTestContext(t, time.Hour)
	c.Options.BypassCache = true
	key := cachekey.Pri("user", "1")
	api.Seed(key, itemWithKey(key, nil))

	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok, _ := c.CacheMap.Get(key); ok {
		t.Fatalf("expected bypassCache to skip populating the cache")
	}
	if _, _, err := Get(context.Background(), c, key); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if api.GetCalls != 2 {
		t.Fatalf("expected every bypassCache read to call the API, got %d calls", api.GetCalls)
	}
}
