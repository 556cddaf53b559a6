package eviction

import "encore.app/pkg/cachemeta"

// MRU orders victims by lastAccessedAt descending (spec.md §4.5).
type MRU struct{}

func NewMRU() *MRU { return &MRU{} }

func (s *MRU) Name() string { return "mru" }

func (s *MRU) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	if !overBudget(ctx) {
		return nil, nil
	}
	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(all, func(a, b cachemeta.Metadata) bool {
		return a.LastAccessedAt.After(b.LastAccessedAt)
	})
	return takeForBudget(keys, all, ctx), nil
}

func (s *MRU) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	return initMetadata(key, estimatedSize, provider)
}

func (s *MRU) OnItemAccessed(key string, provider cachemeta.Provider) error {
	return cachemeta.Touch(provider, key, nowFunc())
}

func (s *MRU) OnItemRemoved(key string, provider cachemeta.Provider) error {
	return provider.DeleteMetadata(key)
}
