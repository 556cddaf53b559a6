package aggregator

import (
	"context"
	"testing"
	"time"

	"encore.app/pkg/cacheconfig"
	"encore.app/pkg/cacheerr"
	"encore.app/pkg/cacheops"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemap"
	"encore.app/pkg/cachettl"
	"encore.app/pkg/coalesce"
	"encore.app/pkg/eviction"
	"encore.app/pkg/itemapi"
	"encore.app/pkg/telemetry"
)

func newSiblingContext(pkType string) (*cacheops.Context, *itemapi.MockAPI) {
	api := itemapi.NewMockAPI()
	cm := cachemap.NewMemory()
	stats := &telemetry.Stats{}
	events := telemetry.NewEmitter()
	mgr := eviction.NewManager(eviction.NewFIFO(), cm, cm, stats, events)
	return &cacheops.Context{
		API:             api,
		CacheMap:        cm,
		PKType:          pkType,
		Options:         cacheconfig.DefaultOptions(),
		TTLManager:      cachettl.NewManager(cachettl.Config{DefaultTTL: time.Hour}),
		EvictionManager: mgr,
		StatsManager:    stats,
		EventEmitter:    events,
		Coalescer:       coalesce.New(),
		NewCacheMap:     func() (cachemap.CacheMap, error) { return cachemap.NewMemory(), nil },
	}, api
}

func rawKey(k cachekey.Key) map[string]interface{} {
	return map[string]interface{}{"kt": k.Kind, "pk": k.PK}
}

func itemWithKey(key cachekey.Key, fields map[string]interface{}) itemapi.Item {
	out := itemapi.Item{"key": rawKey(key)}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func TestGetPopulatesConfiguredRef(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	author, authorAPI := newSiblingContext("user")

	authorKey := cachekey.Pri("user", "7")
	authorAPI.Seed(authorKey, itemWithKey(authorKey, map[string]interface{}{"name": "ada"}))

	orderKey := cachekey.Pri("order", "1")
	baseAPI.Seed(orderKey, itemWithKey(orderKey, map[string]interface{}{
		"refs": map[string]interface{}{"author": rawKey(authorKey)},
	}))

	agg := New(base, []RefConfig{{Name: "author", Sibling: author}}, nil)
	item, found, err := agg.Get(context.Background(), orderKey)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	aggs, ok := item["aggs"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected aggs populated, got %#v", item)
	}
	authorAgg, ok := aggs["author"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected author agg, got %#v", aggs)
	}
	resolved, ok := authorAgg["item"].(itemapi.Item)
	if !ok || resolved["name"] != "ada" {
		t.Fatalf("unexpected resolved author: %#v", authorAgg)
	}
}

func TestGetRaisesMissingRefWhenAbsentAndRequired(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	author, _ := newSiblingContext("user")

	orderKey := cachekey.Pri("order", "1")
	baseAPI.Seed(orderKey, itemWithKey(orderKey, nil))

	agg := New(base, []RefConfig{{Name: "author", Sibling: author}}, nil)
	_, _, err := agg.Get(context.Background(), orderKey)
	if !cacheerr.Is(err, cacheerr.MissingRef) {
		t.Fatalf("expected MissingRef, got %v", err)
	}
}

func TestGetToleratesAbsentOptionalRef(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	author, _ := newSiblingContext("user")

	orderKey := cachekey.Pri("order", "1")
	baseAPI.Seed(orderKey, itemWithKey(orderKey, nil))

	agg := New(base, []RefConfig{{Name: "author", Sibling: author, Optional: true}}, nil)
	item, found, err := agg.Get(context.Background(), orderKey)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if _, ok := item["aggs"]; ok {
		t.Fatalf("expected no aggs for an absent optional ref, got %#v", item)
	}
}

func TestGetRaisesMissingRefWhenSiblingLacksItem(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	author, _ := newSiblingContext("user")

	missingAuthor := cachekey.Pri("user", "404")
	orderKey := cachekey.Pri("order", "1")
	baseAPI.Seed(orderKey, itemWithKey(orderKey, map[string]interface{}{
		"refs": map[string]interface{}{"author": rawKey(missingAuthor)},
	}))

	agg := New(base, []RefConfig{{Name: "author", Sibling: author}}, nil)
	_, _, err := agg.Get(context.Background(), orderKey)
	if !cacheerr.Is(err, cacheerr.MissingRef) {
		t.Fatalf("expected MissingRef for unresolved sibling lookup, got %v", err)
	}
}

func TestGetPopulatesEventAggField(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	actor, actorAPI := newSiblingContext("user")

	actorKey := cachekey.Pri("user", "9")
	actorAPI.Seed(actorKey, itemWithKey(actorKey, map[string]interface{}{"name": "grace"}))

	orderKey := cachekey.Pri("order", "1")
	baseAPI.Seed(orderKey, itemWithKey(orderKey, map[string]interface{}{
		"events": map[string]interface{}{
			"shipped": map[string]interface{}{"by": rawKey(actorKey)},
		},
	}))

	agg := New(base, nil, []EventConfig{{Name: "shipped", Sibling: actor}})
	item, found, err := agg.Get(context.Background(), orderKey)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	events := item["events"].(map[string]interface{})
	shipped := events["shipped"].(map[string]interface{})
	resolved, ok := shipped["agg"].(itemapi.Item)
	if !ok || resolved["name"] != "grace" {
		t.Fatalf("unexpected shipped.agg: %#v", shipped)
	}
}

func TestAllPopulatesEveryItemConcurrently(t *testing.T) {
	base, baseAPI := newSiblingContext("order")
	author, authorAPI := newSiblingContext("user")

	authorKey := cachekey.Pri("user", "1")
	authorAPI.Seed(authorKey, itemWithKey(authorKey, map[string]interface{}{"name": "ada"}))

	for i := 0; i < 3; i++ {
		k := cachekey.Pri("order", string(rune('a'+i)))
		baseAPI.Seed(k, itemWithKey(k, map[string]interface{}{
			"refs": map[string]interface{}{"author": rawKey(authorKey)},
		}))
	}

	agg := New(base, []RefConfig{{Name: "author", Sibling: author}}, nil)
	items, err := agg.All(context.Background(), "q", nil)
	if err != nil || len(items) != 3 {
		t.Fatalf("All: items=%v err=%v", items, err)
	}
	for _, it := range items {
		aggs, ok := it["aggs"].(map[string]interface{})
		if !ok {
			t.Fatalf("expected every item populated, got %#v", it)
		}
		if _, ok := aggs["author"]; !ok {
			t.Fatalf("expected author agg on %#v", it)
		}
	}
}
