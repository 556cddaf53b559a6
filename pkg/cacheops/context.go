// Package cacheops implements the cache operations layer of spec.md §4.9: get, retrieve, all,
// one, find, create, update, remove, action, allAction and reset, wired through the TTL
// manager, eviction manager, request coalescer, stats manager and event emitter.
package cacheops

import (
	"encore.app/pkg/cacheconfig"
	"encore.app/pkg/cachemap"
	"encore.app/pkg/cachettl"
	"encore.app/pkg/coalesce"
	"encore.app/pkg/eviction"
	"encore.app/pkg/itemapi"
	"encore.app/pkg/telemetry"
)

// CacheMapFactory rebuilds a fresh CacheMap for a Context's own coordinate and options, used
// by Reset (spec.md §4.9's "construct a fresh empty CacheMap using the coordinate and options
// via the cache-map factory").
type CacheMapFactory func() (cachemap.CacheMap, error)

// Context is the CacheContext of spec.md §4.9: `{api, cacheMap, pkType, coordinate, options,
// ttlManager, evictionManager, statsManager, eventEmitter, coalescer}`. Unlike the original's
// immutable-context-returning operations, Go operations here mutate Context.CacheMap in place
// (Reset) and return just the operation's own result — there is no reason to thread a copy of
// the context through every call when the language already gives mutation a clear owner.
type Context struct {
	API      itemapi.API
	CacheMap cachemap.CacheMap
	PKType   string // the Kind tag every key passed to this context's operations must carry
	Coordinate string // opaque location/hierarchy binding this context is scoped to, for diagnostics and reset()
	Options  cacheconfig.Options

	TTLManager      *cachettl.Manager
	EvictionManager *eviction.Manager
	StatsManager    *telemetry.Stats
	EventEmitter    *telemetry.Emitter
	Coalescer       *coalesce.Coalescer

	NewCacheMap CacheMapFactory
}
