package eviction

import "encore.app/pkg/cachemeta"

// Remover is the subset of CacheMap the manager needs to apply victim selections: deleting
// the chosen keys' stored items (metadata deletion is the strategy's own responsibility via
// OnItemRemoved). Satisfied by cachemap.CacheMap.
type Remover interface {
	Delete(key string) error
}

// Stats receives eviction accounting; satisfied by telemetry.Stats.
type Stats interface {
	IncEvictions(n int)
	IncStorageErrors()
}

// Events receives item_evicted notifications; satisfied by telemetry.Emitter.
type Events interface {
	EmitItemEvicted(key string)
}

// Manager composes one Strategy and one cachemeta.Provider with a CacheMap's current
// size/limits (spec.md §4.6). It is the only caller permitted to trigger strategy victim
// selection during normal operation.
type Manager struct {
	strategy Strategy
	provider cachemeta.Provider
	remover  Remover
	stats    Stats
	events   Events
}

func NewManager(strategy Strategy, provider cachemeta.Provider, remover Remover, stats Stats, events Events) *Manager {
	return &Manager{strategy: strategy, provider: provider, remover: remover, stats: stats, events: events}
}

// OnItemAdded runs the strategy's bookkeeping hook, then selects and applies victims against
// the new current size (including newItemSize, since the item has already been stored by the
// time the manager is invoked in the operations layer's write path).
func (m *Manager) OnItemAdded(key string, estimatedSize int64) error {
	if err := m.strategy.OnItemAdded(key, estimatedSize, m.provider); err != nil {
		return err
	}
	return m.evictIfNeeded(0)
}

// OnItemAccessed forwards an access notification to the strategy.
func (m *Manager) OnItemAccessed(key string) error {
	return m.strategy.OnItemAccessed(key, m.provider)
}

// OnItemRemoved forwards a removal notification to the strategy (it may move the key into a
// ghost set) and deletes its metadata.
func (m *Manager) OnItemRemoved(key string) error {
	return m.strategy.OnItemRemoved(key, m.provider)
}

// evictIfNeeded asks the strategy for victims under the CacheMap's current size/limits and
// applies them: delete each victim's item, run the strategy's removal hook, bump stats, and
// emit item_evicted per key (spec.md §4.6). A victim whose delete fails is counted as a
// storage error and excluded from the eviction count and the removal hook/event, rather than
// silently dropped (spec.md §7).
func (m *Manager) evictIfNeeded(newItemSize int64) error {
	size, err := m.provider.GetCurrentSize()
	if err != nil {
		return err
	}
	limits, err := m.provider.GetSizeLimits()
	if err != nil {
		return err
	}
	victims, err := m.strategy.SelectForEviction(m.provider, Context{
		CurrentSize: size,
		Limits:      limits,
		NewItemSize: newItemSize,
	})
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	evicted := 0
	for _, key := range victims {
		if err := m.remover.Delete(key); err != nil {
			if m.stats != nil {
				m.stats.IncStorageErrors()
			}
			continue
		}
		evicted++
		_ = m.strategy.OnItemRemoved(key, m.provider)
		if m.events != nil {
			m.events.EmitItemEvicted(key)
		}
	}
	if m.stats != nil && evicted > 0 {
		m.stats.IncEvictions(evicted)
	}
	return nil
}

// SelectVictims exposes a pre-insertion dry-run: given a prospective newItemSize, which keys
// would the strategy evict to make room. It only reports the keys; nothing is evicted.
func (m *Manager) SelectVictims(newItemSize int64) ([]string, error) {
	size, err := m.provider.GetCurrentSize()
	if err != nil {
		return nil, err
	}
	limits, err := m.provider.GetSizeLimits()
	if err != nil {
		return nil, err
	}
	return m.strategy.SelectForEviction(m.provider, Context{
		CurrentSize: size,
		Limits:      limits,
		NewItemSize: newItemSize,
	})
}
