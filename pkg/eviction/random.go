package eviction

import (
	"math/rand"

	"encore.app/pkg/cachemeta"
)

// Random picks victims uniformly without replacement from the keyset (spec.md §4.5).
type Random struct {
	rng *rand.Rand
}

func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (s *Random) Name() string { return "random" }

func (s *Random) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	if !overBudget(ctx) {
		return nil, nil
	}
	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	s.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return takeForBudget(keys, all, ctx), nil
}

func (s *Random) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	return initMetadata(key, estimatedSize, provider)
}

func (s *Random) OnItemAccessed(key string, provider cachemeta.Provider) error {
	return touchAccessOnly(key, provider)
}

func (s *Random) OnItemRemoved(key string, provider cachemeta.Provider) error {
	return provider.DeleteMetadata(key)
}
