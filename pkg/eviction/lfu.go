package eviction

import (
	"sort"
	"time"

	"encore.app/pkg/cachemeta"
)

// LFUConfig selects LFU's optional modes (spec.md §4.5). Zero value is simple mode.
type LFUConfig struct {
	Sketched bool
	Width    uint32 // sketch width, power of two preferred
	Depth    uint32 // sketch depth (hash rows)

	Decayed      bool
	DecayFactor  float64
	DecayInterval time.Duration
	MinThreshold float64
}

// LFU implements least-frequently-used eviction with optional Count-Min sketching and/or
// decay, per spec.md §4.5. Simple mode (the default) scores by raw accessCount with an
// older-lastAccessedAt tiebreak; sketched mode estimates frequency via a countMinSketch
// instead of trusting per-item accessCount directly; decayed mode recomputes a decaying
// frequencyScore on every access and performs periodic bulk decay during selection.
type LFU struct {
	cfg        LFUConfig
	sketch     *countMinSketch
	lastDecay  time.Time
}

func NewLFU(cfg LFUConfig) *LFU {
	l := &LFU{cfg: cfg, lastDecay: time.Now()}
	if cfg.Sketched {
		l.sketch = newCountMinSketch(cfg.Width, cfg.Depth)
	}
	return l
}

func (s *LFU) Name() string { return "lfu" }

func (s *LFU) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
	if s.cfg.Decayed && s.cfg.DecayInterval > 0 && time.Since(s.lastDecay) >= s.cfg.DecayInterval {
		if err := s.bulkDecay(provider); err != nil {
			return nil, err
		}
	}
	if !overBudget(ctx) {
		return nil, nil
	}
	all, err := provider.GetAllMetadata()
	if err != nil {
		return nil, err
	}

	score := func(m cachemeta.Metadata) float64 {
		switch {
		case s.cfg.Sketched:
			return float64(s.sketch.Estimate(m.Key))
		case s.cfg.Decayed:
			return m.FrequencyScore
		default:
			return float64(m.AccessCount)
		}
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := all[keys[i]], all[keys[j]]
		sa, sb := score(a), score(b)
		if sa != sb {
			return sa < sb
		}
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	})
	return takeForBudget(keys, all, ctx), nil
}

func (s *LFU) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	if err := initMetadata(key, estimatedSize, provider); err != nil {
		return err
	}
	if s.cfg.Decayed {
		m, _, err := provider.GetMetadata(key)
		if err != nil {
			return err
		}
		m.FrequencyScore = 1
		m.LastFrequencyUpdate = time.Now()
		return provider.SetMetadata(key, m)
	}
	return nil
}

func (s *LFU) OnItemAccessed(key string, provider cachemeta.Provider) error {
	if s.cfg.Sketched {
		s.sketch.Add(key)
	}
	m, ok, err := provider.GetMetadata(key)
	if err != nil {
		return err
	}
	if !ok {
		m = cachemeta.Metadata{Key: key}
	}
	now := time.Now()
	m.AccessCount++
	m.LastAccessedAt = now
	if s.cfg.Decayed {
		m.FrequencyScore = decayedScore(m, now, s.cfg) + 1
		m.LastFrequencyUpdate = now
	}
	return provider.SetMetadata(key, m)
}

func (s *LFU) OnItemRemoved(key string, provider cachemeta.Provider) error {
	return provider.DeleteMetadata(key)
}

// decayedScore applies spec.md §4.5's decay formula:
// frequencyScore = max(minThreshold, previousScore*(1 - Δt*decayFactor/decayInterval))
func decayedScore(m cachemeta.Metadata, now time.Time, cfg LFUConfig) float64 {
	if cfg.DecayInterval <= 0 || m.LastFrequencyUpdate.IsZero() {
		return m.FrequencyScore
	}
	dt := now.Sub(m.LastFrequencyUpdate).Seconds()
	interval := cfg.DecayInterval.Seconds()
	decayed := m.FrequencyScore * (1 - dt*cfg.DecayFactor/interval)
	if decayed < cfg.MinThreshold {
		decayed = cfg.MinThreshold
	}
	return decayed
}

// bulkDecay applies the periodic decay pass across every tracked key, mirroring the decay
// into the sketch when sketched mode is also enabled (spec.md §4.5).
func (s *LFU) bulkDecay(provider cachemeta.Provider) error {
	now := time.Now()
	all, err := provider.GetAllMetadata()
	if err != nil {
		return err
	}
	for key, m := range all {
		m.FrequencyScore = decayedScore(m, now, s.cfg)
		m.LastFrequencyUpdate = now
		if err := provider.SetMetadata(key, m); err != nil {
			return err
		}
	}
	if s.sketch != nil {
		s.sketch.Decay()
	}
	s.lastDecay = now
	return nil
}
