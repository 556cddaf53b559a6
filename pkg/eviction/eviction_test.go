package eviction

import (
	"errors"
	"testing"
	"time"

	"encore.app/pkg/cachemeta"
)

var errDeleteFailed = errors.New("delete failed")

func limitItems(n int) cachemeta.Limits {
	return cachemeta.Limits{MaxItems: &n}
}

func ctxFor(provider cachemeta.Provider, limits cachemeta.Limits) Context {
	size, _ := provider.GetCurrentSize()
	return Context{CurrentSize: size, Limits: limits}
}

func TestFIFOEvictsOldestFirst(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(3))
	strat := NewFIFO()

	base := time.Now()
	for i, k := range []string{"A", "B", "C"} {
		_ = p.SetMetadata(k, cachemeta.Metadata{Key: k, AddedAt: base.Add(time.Duration(i) * time.Second)})
	}
	_ = p.SetMetadata("D", cachemeta.Metadata{Key: "D", AddedAt: base.Add(3 * time.Second)})

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(3)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	if len(victims) != 1 || victims[0] != "A" {
		t.Fatalf("expected [A] (oldest), got %v", victims)
	}
}

// TestLRUWorkedExample matches spec.md's worked example 3: maxItems=3,
// set(A); set(B); set(C); get(A); set(D) => cache contains {A,C,D}, B evicted.
func TestLRUWorkedExample(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(3))
	strat := NewLRU()

	base := time.Now().Add(-time.Minute)
	_ = p.SetMetadata("A", cachemeta.Metadata{Key: "A", AddedAt: base, LastAccessedAt: base})
	_ = p.SetMetadata("B", cachemeta.Metadata{Key: "B", AddedAt: base.Add(time.Second), LastAccessedAt: base.Add(time.Second)})
	_ = p.SetMetadata("C", cachemeta.Metadata{Key: "C", AddedAt: base.Add(2 * time.Second), LastAccessedAt: base.Add(2 * time.Second)})

	// get(A) refreshes A's lastAccessedAt to be the most recent.
	_ = strat.OnItemAccessed("A", p)

	// set(D) pushes the item count to 4, over the limit of 3.
	_ = p.SetMetadata("D", cachemeta.Metadata{Key: "D", AddedAt: base.Add(4 * time.Second), LastAccessedAt: base.Add(4 * time.Second)})

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(3)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	if len(victims) != 1 || victims[0] != "B" {
		t.Fatalf("expected [B] evicted, got %v", victims)
	}
}

func TestLFUSimpleModeScoresByAccessCount(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(2))
	strat := NewLFU(LFUConfig{})

	base := time.Now()
	_ = p.SetMetadata("A", cachemeta.Metadata{Key: "A", AccessCount: 5, LastAccessedAt: base})
	_ = p.SetMetadata("B", cachemeta.Metadata{Key: "B", AccessCount: 1, LastAccessedAt: base})
	_ = p.SetMetadata("C", cachemeta.Metadata{Key: "C", AccessCount: 10, LastAccessedAt: base})

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(2)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	if len(victims) != 1 || victims[0] != "B" {
		t.Fatalf("expected least-frequent B evicted, got %v", victims)
	}
}

func TestLFUSketchedModeEstimatesFrequency(t *testing.T) {
	p := cachemeta.NewMapProvider(cachemeta.Limits{})
	strat := NewLFU(LFUConfig{Sketched: true, Width: 16, Depth: 4})

	_ = strat.OnItemAdded("hot", 0, p)
	_ = strat.OnItemAdded("cold", 0, p)
	for i := 0; i < 5; i++ {
		_ = strat.OnItemAccessed("hot", p)
	}
	_ = strat.OnItemAccessed("cold", p)

	if strat.sketch.Estimate("hot") <= strat.sketch.Estimate("cold") {
		t.Fatalf("expected hot key to have higher sketch estimate than cold key")
	}
}

func TestCountMinSketchPowerOfTwoIndexing(t *testing.T) {
	s := newCountMinSketch(16, 3)
	if !s.pow2 || s.mask != 15 {
		t.Fatalf("expected bitmask indexing for power-of-two width")
	}
	s.Add("key")
	if s.Estimate("key") != 1 {
		t.Fatalf("expected estimate 1 after one add, got %d", s.Estimate("key"))
	}
	s.Add("key")
	if s.Estimate("key") != 2 {
		t.Fatalf("expected estimate 2 after two adds, got %d", s.Estimate("key"))
	}
}

func TestCountMinSketchDecayHalves(t *testing.T) {
	s := newCountMinSketch(8, 2)
	for i := 0; i < 4; i++ {
		s.Add("key")
	}
	s.Decay()
	if got := s.Estimate("key"); got != 2 {
		t.Fatalf("expected estimate 2 after decay, got %d", got)
	}
}

func TestMRUEvictsMostRecentlyAccessed(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(2))
	strat := NewMRU()

	base := time.Now()
	_ = p.SetMetadata("A", cachemeta.Metadata{Key: "A", LastAccessedAt: base})
	_ = p.SetMetadata("B", cachemeta.Metadata{Key: "B", LastAccessedAt: base.Add(2 * time.Second)})
	_ = p.SetMetadata("C", cachemeta.Metadata{Key: "C", LastAccessedAt: base.Add(time.Second)})

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(2)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	if len(victims) != 1 || victims[0] != "B" {
		t.Fatalf("expected most-recently-accessed B evicted, got %v", victims)
	}
}

func TestRandomEvictsFromOverBudgetKeyset(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(2))
	strat := NewRandom()

	for _, k := range []string{"A", "B", "C"} {
		_ = p.SetMetadata(k, cachemeta.Metadata{Key: k})
	}

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(2)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	if len(victims) != 1 {
		t.Fatalf("expected 1 victim chosen to return to budget, got %v", victims)
	}
	seen := map[string]bool{"A": true, "B": true, "C": true}
	if !seen[victims[0]] {
		t.Fatalf("expected victim to be one of A/B/C, got %q", victims[0])
	}

	under, err := strat.SelectForEviction(p, ctxFor(p, limitItems(10)))
	if err != nil {
		t.Fatalf("SelectForEviction under budget: %v", err)
	}
	if len(under) != 0 {
		t.Fatalf("expected no victims when under budget, got %v", under)
	}
}

func TestLFUDecayedModeAppliesDecayFormula(t *testing.T) {
	p := cachemeta.NewMapProvider(cachemeta.Limits{})
	cfg := LFUConfig{Decayed: true, DecayFactor: 1, DecayInterval: time.Minute, MinThreshold: 0}
	strat := NewLFU(cfg)

	_ = strat.OnItemAdded("A", 0, p)
	m, _, _ := p.GetMetadata("A")
	if m.FrequencyScore != 1 {
		t.Fatalf("expected freshly-added key to start at frequencyScore 1, got %v", m.FrequencyScore)
	}

	// Age LastFrequencyUpdate by half the decay interval and re-access; the decay formula
	// should knock the score down before the access bump is applied.
	m.LastFrequencyUpdate = time.Now().Add(-30 * time.Second)
	_ = p.SetMetadata("A", m)
	_ = strat.OnItemAccessed("A", p)

	after, _, _ := p.GetMetadata("A")
	if after.FrequencyScore >= m.FrequencyScore+1 {
		t.Fatalf("expected decay to reduce the pre-access score, got %v (was %v)", after.FrequencyScore, m.FrequencyScore)
	}
}

func TestLFUDecayedModeClampsToMinThreshold(t *testing.T) {
	m := cachemeta.Metadata{FrequencyScore: 10, LastFrequencyUpdate: time.Now().Add(-time.Hour)}
	cfg := LFUConfig{Decayed: true, DecayFactor: 1, DecayInterval: time.Minute, MinThreshold: 2}

	got := decayedScore(m, time.Now(), cfg)
	if got != cfg.MinThreshold {
		t.Fatalf("expected score clamped to minThreshold %v, got %v", cfg.MinThreshold, got)
	}
}

// TestTwoQueuePromotion matches spec.md's worked example 4: maxCacheSize=4,
// add(X); add(Y); access(Y); add(Z); add(W); add(V) forces eviction, X evicted before Y.
func TestTwoQueuePromotion(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(4))
	strat := NewTwoQueue(TwoQueueConfig{PromotionThreshold: time.Hour, GhostCapacity: 8})

	_ = strat.OnItemAdded("X", 0, p)
	_ = strat.OnItemAdded("Y", 0, p)
	_ = strat.OnItemAccessed("Y", p) // promotes Y into the frequent queue
	_ = strat.OnItemAdded("Z", 0, p)
	_ = strat.OnItemAdded("W", 0, p)
	_ = strat.OnItemAdded("V", 0, p)

	victims, err := strat.SelectForEviction(p, ctxFor(p, limitItems(4)))
	if err != nil {
		t.Fatalf("SelectForEviction: %v", err)
	}
	foundX, foundY := false, false
	for _, v := range victims {
		if v == "X" {
			foundX = true
		}
		if v == "Y" {
			foundY = true
		}
	}
	if !foundX {
		t.Fatalf("expected X among victims, got %v", victims)
	}
	if foundY {
		t.Fatalf("expected Y (promoted) to survive, got %v", victims)
	}
}

func TestARCGhostHitAdjustsTarget(t *testing.T) {
	p := cachemeta.NewMapProvider(cachemeta.Limits{})
	strat := NewARC(ARCConfig{LearningRate: 2, MaxGhostSize: 10})

	_ = strat.OnItemRemoved("k", p) // no metadata present, no-op beyond DeleteMetadata
	_ = p.SetMetadata("k", cachemeta.Metadata{Key: "k", AccessCount: 1})
	_ = strat.OnItemRemoved("k", p) // now moves into recentGhosts

	before := strat.targetRecentSize
	_ = strat.OnItemAdded("k", 0, p) // ghost hit on re-add
	if strat.targetRecentSize <= before {
		t.Fatalf("expected targetRecentSize to increase on recent-ghost hit, before=%v after=%v", before, strat.targetRecentSize)
	}
	if _, stillGhost := strat.recentGhosts["k"]; stillGhost {
		t.Fatalf("expected consumed ghost entry to be removed")
	}
}

func TestManagerEvictsAndCountsStats(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(1))
	strat := NewFIFO()
	rem := &fakeRemover{}
	stats := &fakeStats{}
	events := &fakeEvents{}
	mgr := NewManager(strat, p, rem, stats, events)

	if err := mgr.OnItemAdded("A", 10); err != nil {
		t.Fatalf("OnItemAdded A: %v", err)
	}
	if err := mgr.OnItemAdded("B", 10); err != nil {
		t.Fatalf("OnItemAdded B: %v", err)
	}

	if stats.evictions != 1 {
		t.Fatalf("expected 1 eviction counted, got %d", stats.evictions)
	}
	if len(rem.deleted) != 1 || rem.deleted[0] != "A" {
		t.Fatalf("expected A deleted, got %v", rem.deleted)
	}
	if len(events.evicted) != 1 || events.evicted[0] != "A" {
		t.Fatalf("expected item_evicted(A), got %v", events.evicted)
	}
}

func TestManagerCountsStorageErrorOnFailedDelete(t *testing.T) {
	p := cachemeta.NewMapProvider(limitItems(1))
	strat := NewFIFO()
	rem := &fakeRemover{failOn: map[string]bool{"A": true}}
	stats := &fakeStats{}
	events := &fakeEvents{}
	mgr := NewManager(strat, p, rem, stats, events)

	if err := mgr.OnItemAdded("A", 10); err != nil {
		t.Fatalf("OnItemAdded A: %v", err)
	}
	if err := mgr.OnItemAdded("B", 10); err != nil {
		t.Fatalf("OnItemAdded B: %v", err)
	}

	if stats.storageErrors != 1 {
		t.Fatalf("expected 1 storage error counted, got %d", stats.storageErrors)
	}
	if stats.evictions != 0 {
		t.Fatalf("expected 0 evictions counted when the only victim's delete failed, got %d", stats.evictions)
	}
	if len(events.evicted) != 0 {
		t.Fatalf("expected no item_evicted event for a victim whose delete failed, got %v", events.evicted)
	}
}

type fakeRemover struct {
	deleted []string
	failOn  map[string]bool
}

func (f *fakeRemover) Delete(key string) error {
	if f.failOn[key] {
		return errDeleteFailed
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeStats struct {
	evictions     int
	storageErrors int
}

func (f *fakeStats) IncEvictions(n int) { f.evictions += n }
func (f *fakeStats) IncStorageErrors()  { f.storageErrors++ }

type fakeEvents struct{ evicted []string }

func (f *fakeEvents) EmitItemEvicted(key string) { f.evicted = append(f.evicted, key) }
