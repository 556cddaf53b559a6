package eviction

import "encore.app/pkg/cachemeta"

// LRU orders victims by lastAccessedAt ascending (spec.md §4.5).
type LRU struct{}

func NewLRU() *LRU { return &LRU{} }

func (s *LRU) Name() string { return "lru" }

func (s *LRU) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	if !overBudget(ctx) {
		return nil, nil
	}
	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(all, func(a, b cachemeta.Metadata) bool {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	})
	return takeForBudget(keys, all, ctx), nil
}

func (s *LRU) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	return initMetadata(key, estimatedSize, provider)
}

func (s *LRU) OnItemAccessed(key string, provider cachemeta.Provider) error {
	return cachemeta.Touch(provider, key, nowFunc())
}

func (s *LRU) OnItemRemoved(key string, provider cachemeta.Provider) error {
	return provider.DeleteMetadata(key)
}
