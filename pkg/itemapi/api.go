// Package itemapi defines the external API adapter boundary the cache operations layer
// consumes (spec.md §6). Implementing a concrete adapter against a real remote service is out
// of scope for this module; callers supply their own API implementation (e.g. an HTTP client,
// an Encore client-to-client call, or a test double).
package itemapi

import (
	"context"

	"encore.app/pkg/cachekey"
)

// Options carries adapter-level call tuning that the core does not interpret itself
// (spec.md §6's `maxRetries`/`retryDelay`, applied by the adapter, not the core).
type Options struct {
	MaxRetries int
	RetryDelay int // milliseconds
}

// Query is an opaque, adapter-defined predicate for All/One, serialized via
// cachekey.HashQuery for query-result memoization.
type Query = interface{}

// Item is the adapter's wire representation of one entity. Kept as a raw JSON-ish map here;
// callers type-assert or re-marshal into their own domain types at the boundary.
type Item = map[string]interface{}

// API is the external API adapter contract the cache core requires for each entity type
// (spec.md §6).
type API interface {
	Get(ctx context.Context, key cachekey.Key) (Item, bool, error)
	All(ctx context.Context, query Query, opts Options, loc []cachekey.LocPart) ([]Item, error)
	One(ctx context.Context, query Query, opts Options, loc []cachekey.LocPart) (Item, bool, error)
	Find(ctx context.Context, name string, params map[string]interface{}, opts Options, loc []cachekey.LocPart) ([]Item, error)
	Create(ctx context.Context, partial Item, opts Options, loc []cachekey.LocPart) (Item, error)
	Update(ctx context.Context, key cachekey.Key, partial Item, opts Options) (Item, error)
	Remove(ctx context.Context, key cachekey.Key, opts Options) error
	Action(ctx context.Context, key cachekey.Key, name string, body Item, opts Options) (Item, error)
	AllAction(ctx context.Context, name string, body Item, opts Options, loc []cachekey.LocPart) ([]Item, error)
}
