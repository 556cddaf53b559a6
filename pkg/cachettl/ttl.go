// Package cachettl implements the TTL Manager (spec.md §4.3): freshness validation against a
// default TTL, optional per-kind overrides, and a separate TTL for memoized query results.
package cachettl

import (
	"time"

	"encore.app/pkg/cachemeta"
)

// Config mirrors spec.md §4.3's `{ defaultTtl?, perTypeTtl?, queryResultTtl? }`. A zero or
// absent DefaultTTL disables freshness rejection entirely: no read is ever rejected on
// freshness grounds when TTL is disabled.
type Config struct {
	DefaultTTL     time.Duration
	PerKindTTL     map[string]time.Duration
	QueryResultTTL time.Duration
}

// Manager is the TTL Manager described in spec.md §4.3.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// IsEnabled reports whether any freshness checking is active.
func (m *Manager) IsEnabled() bool {
	return m.cfg.DefaultTTL > 0 || len(m.cfg.PerKindTTL) > 0
}

// DefaultTTL returns the configured default TTL.
func (m *Manager) DefaultTTL() time.Duration {
	return m.cfg.DefaultTTL
}

// QueryResultTTL returns the TTL applied to memoized query results, falling back to the
// default TTL when no dedicated value is configured.
func (m *Manager) QueryResultTTL() time.Duration {
	if m.cfg.QueryResultTTL > 0 {
		return m.cfg.QueryResultTTL
	}
	return m.cfg.DefaultTTL
}

// ttlFor resolves the effective TTL for a kind: a per-kind override if present, else the
// default. Zero means "no expiry" for that kind.
func (m *Manager) ttlFor(kind string) time.Duration {
	if ttl, ok := m.cfg.PerKindTTL[kind]; ok {
		return ttl
	}
	return m.cfg.DefaultTTL
}

// ValidateItem reports whether an item is still fresh: true iff now - addedAt < ttl, or
// always true when TTL is disabled for that kind (spec.md §4.3).
func (m *Manager) ValidateItem(kind string, meta cachemeta.Metadata, now time.Time) bool {
	ttl := m.ttlFor(kind)
	if ttl <= 0 {
		return true
	}
	return now.Sub(meta.AddedAt) < ttl
}

// OnItemAdded stamps addedAt/lastAccessedAt on first insertion (spec.md §4.3's onItemAdded
// lifecycle hook). Callers that already stamp timestamps via cachemeta.Touch need not call
// this separately; it exists for CacheMap backends that bypass the eviction strategy's own
// onItemAdded (e.g. when TTL is the only active policy).
func (m *Manager) OnItemAdded(meta *cachemeta.Metadata, now time.Time) {
	if meta.AddedAt.IsZero() {
		meta.AddedAt = now
	}
	meta.LastAccessedAt = now
}

// OnItemAccessed stamps lastAccessedAt and bumps the access counter (spec.md §4.3's
// onItemAccessed lifecycle hook).
func (m *Manager) OnItemAccessed(meta *cachemeta.Metadata, now time.Time) {
	meta.LastAccessedAt = now
	meta.AccessCount++
}
