// Package aggregator implements spec.md §4.10: a wrapper over a base cache context that
// populates each returned item's referenced items and events from sibling caches.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"encore.app/pkg/cacheerr"
	"encore.app/pkg/cacheops"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/itemapi"
)

// decodeKey round-trips a ref/event "by" value (a JSON-ish map as produced by an API adapter)
// into a cachekey.Key, mirroring cacheops.keyFromItem's key-reconstruction convention.
func decodeKey(raw interface{}) (cachekey.Key, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return cachekey.Key{}, err
	}
	var k cachekey.Key
	if err := json.Unmarshal(data, &k); err != nil {
		return cachekey.Key{}, err
	}
	return k, nil
}

// RefConfig describes one "refs" slot: item.refs[Name] holds a key this slot resolves via
// Sibling.Retrieve, attached to item.aggs[Name] = {key, item}.
type RefConfig struct {
	Name     string
	Sibling  *cacheops.Context
	Optional bool
}

// EventConfig describes one "events" slot: item.events[Name] holds an event object whose "by"
// field is a key resolved via Sibling.Retrieve, attached back onto the event as "agg".
type EventConfig struct {
	Name     string
	Sibling  *cacheops.Context
	Optional bool
}

// Aggregator wraps a base cache context, populating every item it returns per spec.md §4.10.
// Populations happen concurrently across items but sequentially per item across named slots,
// because later slots may depend on earlier ones via sibling caches (e.g. an event's "by" key
// resolved by one slot may be read by the key-extraction of a later slot).
type Aggregator struct {
	Base   *cacheops.Context
	Refs   []RefConfig
	Events []EventConfig
}

func New(base *cacheops.Context, refs []RefConfig, events []EventConfig) *Aggregator {
	return &Aggregator{Base: base, Refs: refs, Events: events}
}

// Get retrieves a single item through the base context and populates it.
func (a *Aggregator) Get(ctx context.Context, key cachekey.Key) (itemapi.Item, bool, error) {
	item, found, err := cacheops.Get(ctx, a.Base, key)
	if err != nil || !found {
		return nil, found, err
	}
	if err := a.populate(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// All retrieves a query's results through the base context and populates every item.
func (a *Aggregator) All(ctx context.Context, query itemapi.Query, loc []cachekey.LocPart) ([]itemapi.Item, error) {
	items, err := cacheops.All(ctx, a.Base, query, loc)
	if err != nil {
		return nil, err
	}
	return items, a.populateAll(ctx, items)
}

// One retrieves a single matching item through the base context and populates it.
func (a *Aggregator) One(ctx context.Context, query itemapi.Query, loc []cachekey.LocPart) (itemapi.Item, bool, error) {
	item, found, err := cacheops.One(ctx, a.Base, query, loc)
	if err != nil || !found {
		return nil, found, err
	}
	if err := a.populate(ctx, item); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Find retrieves a named finder's results through the base context and populates every item.
func (a *Aggregator) Find(ctx context.Context, name string, params map[string]interface{}, loc []cachekey.LocPart) ([]itemapi.Item, error) {
	items, err := cacheops.Find(ctx, a.Base, name, params, loc)
	if err != nil {
		return nil, err
	}
	return items, a.populateAll(ctx, items)
}

// populateAll populates every item in items concurrently, one goroutine per item; each
// item's own slots still resolve sequentially within populate.
func (a *Aggregator) populateAll(ctx context.Context, items []itemapi.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		it := it
		g.Go(func() error { return a.populate(gctx, it) })
	}
	return g.Wait()
}

// populate resolves every configured ref and event slot onto item, in the order the
// Aggregator was configured with — slots are sequential per item because a later slot's
// key-extraction may depend on a sibling lookup an earlier slot performed.
func (a *Aggregator) populate(ctx context.Context, item itemapi.Item) error {
	for _, ref := range a.Refs {
		if err := a.populateRef(ctx, item, ref); err != nil {
			return err
		}
	}
	for _, ev := range a.Events {
		if err := a.populateEvent(ctx, item, ev); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) populateRef(ctx context.Context, item itemapi.Item, ref RefConfig) error {
	refs, _ := item["refs"].(map[string]interface{})
	raw, ok := refs[ref.Name]
	if !ok {
		if ref.Optional {
			return nil
		}
		return cacheerr.New(cacheerr.MissingRef, fmt.Errorf("aggregator: missing ref %q", ref.Name))
	}
	key, err := decodeKey(raw)
	if err != nil {
		return cacheerr.New(cacheerr.MissingRef, err)
	}
	resolved, found, _, err := cacheops.Retrieve(ctx, ref.Sibling, key)
	if err != nil {
		return cacheerr.New(cacheerr.ApiFailure, err)
	}
	if !found {
		if ref.Optional {
			return nil
		}
		return cacheerr.New(cacheerr.MissingRef, fmt.Errorf("aggregator: ref %q not found", ref.Name))
	}
	aggs, _ := item["aggs"].(map[string]interface{})
	if aggs == nil {
		aggs = make(map[string]interface{})
	}
	aggs[ref.Name] = map[string]interface{}{"key": raw, "item": resolved}
	item["aggs"] = aggs
	return nil
}

func (a *Aggregator) populateEvent(ctx context.Context, item itemapi.Item, ev EventConfig) error {
	events, _ := item["events"].(map[string]interface{})
	raw, ok := events[ev.Name]
	if !ok {
		if ev.Optional {
			return nil
		}
		return cacheerr.New(cacheerr.MissingEvent, fmt.Errorf("aggregator: missing event %q", ev.Name))
	}
	evMap, ok := raw.(map[string]interface{})
	if !ok {
		return cacheerr.New(cacheerr.MissingEvent, fmt.Errorf("aggregator: event %q malformed", ev.Name))
	}
	by, ok := evMap["by"]
	if !ok {
		if ev.Optional {
			return nil
		}
		return cacheerr.New(cacheerr.MissingEvent, fmt.Errorf("aggregator: event %q missing by key", ev.Name))
	}
	key, err := decodeKey(by)
	if err != nil {
		return cacheerr.New(cacheerr.MissingEvent, err)
	}
	resolved, found, _, err := cacheops.Retrieve(ctx, ev.Sibling, key)
	if err != nil {
		return cacheerr.New(cacheerr.ApiFailure, err)
	}
	if !found {
		if ev.Optional {
			return nil
		}
		return cacheerr.New(cacheerr.MissingEvent, fmt.Errorf("aggregator: event %q's by-key not found", ev.Name))
	}
	evMap["agg"] = resolved
	events[ev.Name] = evMap
	item["events"] = events
	return nil
}
