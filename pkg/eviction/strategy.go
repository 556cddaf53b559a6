// Package eviction implements the pluggable eviction strategies (spec.md §4.5) that decide
// which keys to drop from a CacheMap under size pressure, plus the Eviction Manager (§4.6)
// that wires a strategy to a cachemeta.Provider and the cache map's size accounting.
//
// Strategies never touch items directly — they operate purely on cachemeta.Metadata, per the
// "no strategy holds references into the items" invariant.
package eviction

import "encore.app/pkg/cachemeta"

// Context carries the size pressure a selectForEviction call is responding to.
type Context struct {
	CurrentSize  cachemeta.Size
	Limits       cachemeta.Limits
	NewItemSize  int64 // 0 when not applicable (e.g. a plain removal trigger)
}

// Strategy is the common eviction-policy contract (spec.md §4.5).
type Strategy interface {
	// SelectForEviction returns the keys that should be dropped to satisfy limits under ctx.
	// Returns zero keys if no limit is exceeded. Never returns a key absent from provider.
	SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error)
	OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error
	OnItemAccessed(key string, provider cachemeta.Provider) error
	OnItemRemoved(key string, provider cachemeta.Provider) error
	Name() string
}

// neededCount computes how many victims the manager must ask a strategy for, given a
// CurrentSize already reflecting any pending insertion (spec.md §4.5 "how many to evict":
// the manager evaluates this once the new item's presence is accounted for in CurrentSize).
func neededCount(ctx Context) int {
	if ctx.Limits.MaxItems == nil {
		return 0
	}
	over := ctx.CurrentSize.ItemCount - *ctx.Limits.MaxItems
	if over < 0 {
		return 0
	}
	return over
}

// overBudget reports whether ctx's item count has reached the item limit, or its byte size
// (plus a pending new item) exceeds the byte limit.
func overBudget(ctx Context) bool {
	if ctx.Limits.MaxItems != nil && ctx.CurrentSize.ItemCount >= *ctx.Limits.MaxItems {
		return true
	}
	if ctx.Limits.MaxSizeBytes != nil {
		projected := ctx.CurrentSize.SizeBytes + ctx.NewItemSize
		if projected > *ctx.Limits.MaxSizeBytes {
			return true
		}
	}
	return false
}
