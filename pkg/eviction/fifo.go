package eviction

import (
	"sort"
	"time"

	"encore.app/pkg/cachemeta"
)

// FIFO orders victims by addedAt ascending, ignoring access (spec.md §4.5).
type FIFO struct{}

func NewFIFO() *FIFO { return &FIFO{} }

func (s *FIFO) Name() string { return "fifo" }

func (s *FIFO) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	if !overBudget(ctx) {
		return nil, nil
	}
	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(all, func(a, b cachemeta.Metadata) bool {
		return a.AddedAt.Before(b.AddedAt)
	})
	return takeForBudget(keys, all, ctx), nil
}

func (s *FIFO) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	return initMetadata(key, estimatedSize, provider)
}

func (s *FIFO) OnItemAccessed(key string, provider cachemeta.Provider) error {
	return touchAccessOnly(key, provider)
}

func (s *FIFO) OnItemRemoved(key string, provider cachemeta.Provider) error {
	return provider.DeleteMetadata(key)
}

// sortedKeys returns all metadata keys ordered by less, a strict weak ordering over Metadata.
func sortedKeys(all map[string]cachemeta.Metadata, less func(a, b cachemeta.Metadata) bool) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return less(all[keys[i]], all[keys[j]])
	})
	return keys
}

// takeForBudget walks ordered candidate keys, picking at least neededCount(ctx) of them, and
// continuing (when byte-bounded) until freeing them would satisfy MaxSizeBytes, clamped to the
// total candidate count. This implements spec.md §4.5's "how many to evict" rule uniformly for
// the order-based strategies (FIFO/LRU/MRU/Random/simple-LFU).
func takeForBudget(ordered []string, all map[string]cachemeta.Metadata, ctx Context) []string {
	min := neededCount(ctx)
	if min == 0 && ctx.Limits.MaxSizeBytes == nil {
		return nil
	}
	if min > len(ordered) {
		min = len(ordered)
	}

	var victims []string
	freed := int64(0)
	projected := ctx.CurrentSize.SizeBytes + ctx.NewItemSize

	for _, k := range ordered {
		needMore := len(victims) < min
		overSize := ctx.Limits.MaxSizeBytes != nil && projected-freed > *ctx.Limits.MaxSizeBytes
		if !needMore && !overSize {
			break
		}
		victims = append(victims, k)
		freed += all[k].EstimatedSize
	}
	return victims
}

func initMetadata(key string, estimatedSize int64, provider cachemeta.Provider) error {
	now := time.Now()
	m, ok, err := provider.GetMetadata(key)
	if err != nil {
		return err
	}
	if !ok {
		m = cachemeta.Metadata{Key: key, AddedAt: now, LastAccessedAt: now}
	}
	m.EstimatedSize = estimatedSize
	return provider.SetMetadata(key, m)
}

func touchAccessOnly(key string, provider cachemeta.Provider) error {
	m, ok, err := provider.GetMetadata(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.AccessCount++
	return provider.SetMetadata(key, m)
}
