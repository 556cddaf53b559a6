package warming

import (
	"context"
	"sort"
	"sync"
	"time"

	"encore.app/pkg/cachekey"
)

// Predictor predicts which cache keys are likely to be accessed in the near future.
// This interface allows plugging in different prediction algorithms, from simple
// heuristics to ML-based models.
type Predictor interface {
	PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]cachekey.Key, error)
}

// DefaultPredictor implements a lightweight heuristic-based predictor.
// Uses recent access patterns and growth rates to predict future hot keys.
//
// Algorithm:
// 1. Track access counts and timestamps for each key
// 2. Calculate access frequency (accesses per hour)
// 3. Calculate growth rate (recent vs historical frequency)
// 4. Score = frequency * (1 + growth_rate)
// 5. Return top N keys by score
//
// Trade-offs:
// - Less effective for sudden traffic spikes or new content
type DefaultPredictor struct {
	mu          sync.RWMutex
	accessLog   map[string]*AccessHistory
	windowSize  time.Duration
	decayFactor float64
}

// AccessHistory tracks access patterns for a single key.
type AccessHistory struct {
	Key            cachekey.Key
	TotalAccesses  int64
	RecentAccesses int64
	FirstSeen      time.Time
	LastAccessed   time.Time
	AccessTimes    []time.Time
}

// NewDefaultPredictor creates a new default predictor.
func NewDefaultPredictor() *DefaultPredictor {
	return &DefaultPredictor{
		accessLog:   make(map[string]*AccessHistory),
		windowSize:  1 * time.Hour,
		decayFactor: 0.9,
	}
}

// RecordAccess records an access to a key for prediction.
// This should be called on every cache hit/miss; no service in this module calls it, so the
// predictor only sees the accesses its own caller records.
func (p *DefaultPredictor) RecordAccess(key cachekey.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	norm := cachekey.Normalize(key)

	history, exists := p.accessLog[norm]
	if !exists {
		history = &AccessHistory{
			Key:         key,
			FirstSeen:   now,
			AccessTimes: make([]time.Time, 0, 100),
		}
		p.accessLog[norm] = history
	}

	history.TotalAccesses++
	history.RecentAccesses++
	history.LastAccessed = now

	// Keep limited history (last 100 accesses)
	history.AccessTimes = append(history.AccessTimes, now)
	if len(history.AccessTimes) > 100 {
		history.AccessTimes = history.AccessTimes[1:]
	}
}

// PredictHotKeys predicts the top N keys likely to be accessed in the next window.
// Complexity: O(n log n) where n = total tracked keys
func (p *DefaultPredictor) PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]cachekey.Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-window)

	type keyScore struct {
		key   cachekey.Key
		score float64
	}

	scores := make([]keyScore, 0, len(p.accessLog))

	for _, history := range p.accessLog {
		score := p.calculateScore(history, now, cutoff)
		if score > 0 {
			scores = append(scores, keyScore{key: history.Key, score: score})
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	if limit > 0 && limit < len(scores) {
		scores = scores[:limit]
	}

	hotKeys := make([]cachekey.Key, len(scores))
	for i, ks := range scores {
		hotKeys[i] = ks.key
	}

	return hotKeys, nil
}

// calculateScore computes a prediction score for a key.
// Higher score = more likely to be accessed soon.
func (p *DefaultPredictor) calculateScore(history *AccessHistory, now, cutoff time.Time) float64 {
	if history.TotalAccesses == 0 {
		return 0
	}

	timeSinceFirst := now.Sub(history.FirstSeen).Hours()
	if timeSinceFirst == 0 {
		timeSinceFirst = 1
	}
	frequency := float64(history.TotalAccesses) / timeSinceFirst

	recentCount := 0
	for _, accessTime := range history.AccessTimes {
		if accessTime.After(cutoff) {
			recentCount++
		}
	}

	recentFrequency := float64(recentCount)
	growthRate := 0.0
	if frequency > 0 {
		growthRate = (recentFrequency - frequency) / frequency
	}

	timeSinceLast := now.Sub(history.LastAccessed).Minutes()
	recencyBonus := 1.0
	if timeSinceLast < 5 {
		recencyBonus = 2.0
	} else if timeSinceLast < 30 {
		recencyBonus = 1.5
	}

	return frequency * (1.0 + growthRate) * recencyBonus
}

// Cleanup removes old access history to prevent unbounded memory growth.
// Should be called periodically (e.g., daily).
func (p *DefaultPredictor) Cleanup(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-maxAge)
	removed := 0

	for norm, history := range p.accessLog {
		if history.LastAccessed.Before(cutoff) {
			delete(p.accessLog, norm)
			removed++
		}
	}

	return removed
}

// GetStats returns statistics about the predictor's state.
func (p *DefaultPredictor) GetStats() PredictorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	totalAccesses := int64(0)
	for _, history := range p.accessLog {
		totalAccesses += history.TotalAccesses
	}

	return PredictorStats{
		TrackedKeys:   len(p.accessLog),
		TotalAccesses: totalAccesses,
	}
}

type PredictorStats struct {
	TrackedKeys   int   `json:"tracked_keys"`
	TotalAccesses int64 `json:"total_accesses"`
}

// MetadataPredictor is the refresh-ahead predictor: instead of its own access log, it scans a
// live CacheMap's metadata for items nearing TTL expiry, so the warming service can beat the
// TTL to the punch rather than let a caller observe a miss. Access counts only order items.
type MetadataPredictor struct {
	Source    MetadataSource
	TTL       time.Duration // the cache context's configured default item TTL
	NearRatio float64       // fraction of TTL remaining below which an item counts as near-expiry (e.g. 0.1)
}

// MetadataSource is the minimal surface MetadataPredictor needs: per-item metadata plus the
// means to recover the original cachekey.Key an entry was stored under (an item carries its
// own "key" field per pkg/cacheops's convention).
type MetadataSource interface {
	GetAllMetadata() (map[string]time.Time, map[string]uint64, error) // norm -> lastAccessedAt, norm -> accessCount
	KeyForNorm(norm string) (cachekey.Key, bool)
}

func NewMetadataPredictor(source MetadataSource, ttl time.Duration, nearRatio float64) *MetadataPredictor {
	if nearRatio <= 0 {
		nearRatio = 0.1
	}
	return &MetadataPredictor{Source: source, TTL: ttl, NearRatio: nearRatio}
}

// PredictHotKeys returns keys near TTL expiry (remaining time, measured from the last access,
// within NearRatio of the configured TTL), nearest expiry first, ties by higher access count.
// Items further from expiry are not returned, however often they are accessed.
func (p *MetadataPredictor) PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]cachekey.Key, error) {
	lastAccessed, accessCounts, err := p.Source.GetAllMetadata()
	if err != nil {
		return nil, err
	}

	type candidate struct {
		norm       string
		remaining  time.Duration
		accessCnt  uint64
	}
	now := time.Now()
	candidates := make([]candidate, 0, len(lastAccessed))
	for norm, last := range lastAccessed {
		if p.TTL <= 0 {
			continue
		}
		remaining := p.TTL - now.Sub(last)
		if remaining > time.Duration(float64(p.TTL)*p.NearRatio) {
			continue
		}
		candidates = append(candidates, candidate{norm: norm, remaining: remaining, accessCnt: accessCounts[norm]})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].remaining != candidates[j].remaining {
			return candidates[i].remaining < candidates[j].remaining
		}
		return candidates[i].accessCnt > candidates[j].accessCnt
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	keys := make([]cachekey.Key, 0, len(candidates))
	for _, c := range candidates {
		if key, ok := p.Source.KeyForNorm(c.norm); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
