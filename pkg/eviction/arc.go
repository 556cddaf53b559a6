package eviction

import (
	"sort"
	"sync"

	"encore.app/pkg/cachemeta"
)

// ARCConfig tunes the Adaptive Replacement Cache strategy (spec.md §4.5).
type ARCConfig struct {
	RecentThreshold  uint64  // accessCount <= this classifies an item as "recent"; default 1
	MaxGhostSize     int
	LearningRate     float64 // amount targetRecentSize shifts per ghost hit
	FrequencyWeighted bool   // weight "frequent" partition ordering by accessCount, not pure LRU
}

// ARC implements the Adaptive Replacement Cache strategy: items are partitioned into "recent"
// and "frequent", with two ghost sets biasing an adaptive targetRecentSize (spec.md §4.5). Per
// the spec's resolved open question, only ghost-set membership *at the moment of access*
// shifts the target, and consumed ghost entries are removed rather than left to linger.
type ARC struct {
	mu               sync.Mutex
	cfg              ARCConfig
	recentGhosts     map[string]struct{}
	frequentGhosts   map[string]struct{}
	recentGhostOrder []string
	frequentGhostOrder []string
	targetRecentSize float64
}

func NewARC(cfg ARCConfig) *ARC {
	if cfg.RecentThreshold == 0 {
		cfg.RecentThreshold = 1
	}
	if cfg.MaxGhostSize <= 0 {
		cfg.MaxGhostSize = 128
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 1
	}
	return &ARC{
		cfg:            cfg,
		recentGhosts:   make(map[string]struct{}),
		frequentGhosts: make(map[string]struct{}),
	}
}

func (s *ARC) Name() string { return "arc" }

func (s *ARC) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !overBudget(ctx) {
		return nil, nil
	}
	min := neededCount(ctx)
	if min == 0 && ctx.Limits.MaxSizeBytes == nil {
		return nil, nil
	}

	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}

	var recent, frequent []string
	for k, m := range all {
		if m.AccessCount <= s.cfg.RecentThreshold {
			recent = append(recent, k)
		} else {
			frequent = append(frequent, k)
		}
	}

	target := int(s.targetRecentSize)
	pickFrom := recent
	partition := "recent"
	if len(recent) <= target {
		pickFrom = frequent
		partition = "frequent"
	}
	s.orderPartition(pickFrom, all, partition)

	victims := takeForBudget(pickFrom, all, Context{
		CurrentSize: ctx.CurrentSize,
		Limits:      ctx.Limits,
		NewItemSize: ctx.NewItemSize,
	})
	if len(victims) < min && len(victims) < len(pickFrom) {
		victims = pickFrom[:min]
	}
	return victims, nil
}

// orderPartition sorts candidates in place: LRU within the partition, or a frequency-weighted
// score when FrequencyWeighted is set — "recent" weights recency more, "frequent" balances
// recency and frequency (spec.md §4.5).
func (s *ARC) orderPartition(keys []string, all map[string]cachemeta.Metadata, partition string) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := all[keys[i]], all[keys[j]]
		if !s.cfg.FrequencyWeighted {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		var sa, sb float64
		if partition == "recent" {
			sa, sb = float64(a.LastAccessedAt.Unix()), float64(b.LastAccessedAt.Unix())
		} else {
			sa = float64(a.LastAccessedAt.Unix()) + float64(a.AccessCount)
			sb = float64(b.LastAccessedAt.Unix()) + float64(b.AccessCount)
		}
		return sa < sb
	})
}

func (s *ARC) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := initMetadata(key, estimatedSize, provider); err != nil {
		return err
	}

	if _, ok := s.recentGhosts[key]; ok {
		s.adjustTarget(1)
		s.removeRecentGhost(key)
	} else if _, ok := s.frequentGhosts[key]; ok {
		s.adjustTarget(-1)
		s.removeFrequentGhost(key)
	}
	return nil
}

func (s *ARC) OnItemAccessed(key string, provider cachemeta.Provider) error {
	return cachemeta.Touch(provider, key, nowFunc())
}

func (s *ARC) OnItemRemoved(key string, provider cachemeta.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok, err := provider.GetMetadata(key)
	if err == nil && ok {
		if m.AccessCount <= s.cfg.RecentThreshold {
			s.addRecentGhost(key)
		} else {
			s.addFrequentGhost(key)
		}
	}
	return provider.DeleteMetadata(key)
}

func (s *ARC) adjustTarget(sign float64) {
	s.targetRecentSize += sign * s.cfg.LearningRate
	if s.targetRecentSize < 0 {
		s.targetRecentSize = 0
	}
	if s.targetRecentSize > float64(s.cfg.MaxGhostSize) {
		s.targetRecentSize = float64(s.cfg.MaxGhostSize)
	}
}

func (s *ARC) addRecentGhost(key string) {
	s.recentGhosts[key] = struct{}{}
	s.recentGhostOrder = append(s.recentGhostOrder, key)
	for len(s.recentGhostOrder) > s.cfg.MaxGhostSize {
		oldest := s.recentGhostOrder[0]
		s.recentGhostOrder = s.recentGhostOrder[1:]
		delete(s.recentGhosts, oldest)
	}
}

func (s *ARC) addFrequentGhost(key string) {
	s.frequentGhosts[key] = struct{}{}
	s.frequentGhostOrder = append(s.frequentGhostOrder, key)
	for len(s.frequentGhostOrder) > s.cfg.MaxGhostSize {
		oldest := s.frequentGhostOrder[0]
		s.frequentGhostOrder = s.frequentGhostOrder[1:]
		delete(s.frequentGhosts, oldest)
	}
}

func (s *ARC) removeRecentGhost(key string) {
	delete(s.recentGhosts, key)
	s.recentGhostOrder = removeString(s.recentGhostOrder, key)
}

func (s *ARC) removeFrequentGhost(key string) {
	delete(s.frequentGhosts, key)
	s.frequentGhostOrder = removeString(s.frequentGhostOrder, key)
}

func removeString(slice []string, v string) []string {
	for i, s := range slice {
		if s == v {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}
