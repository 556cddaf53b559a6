package eviction

import (
	"container/list"
	"sync"
	"time"

	"encore.app/pkg/cachemeta"
)

// TwoQueueConfig tunes 2Q's promotion and recency/frequency balance (spec.md §4.5).
type TwoQueueConfig struct {
	PromotionThreshold time.Duration // re-touch within this window promotes recent->frequent
	GhostCapacity      int
	RecentRatio        float64 // target fraction of maxItems reserved for the recent (T1) queue
	FrequencyWeighted  bool    // weight T2 ordering by frequency instead of pure LRU
	Decayed            bool
	DecayFactor        float64
	DecayInterval      time.Duration
}

// TwoQueue implements the 2Q eviction strategy: two ordered queues, recent (T1, FIFO-ish) and
// frequent (T2, LRU), plus a ghost queue of recently evicted keys that biases re-admission
// straight into T2 (spec.md §4.5).
type TwoQueue struct {
	mu    sync.Mutex
	cfg   TwoQueueConfig
	t1    *list.List // recent, front = newest
	t2    *list.List // frequent, front = most-recently-used
	ghost *list.List // evicted keys, front = most-recently-evicted
	elems map[string]*list.Element
	ghostSet map[string]*list.Element
	lastTouch map[string]time.Time
}

func NewTwoQueue(cfg TwoQueueConfig) *TwoQueue {
	if cfg.GhostCapacity <= 0 {
		cfg.GhostCapacity = 128
	}
	if cfg.RecentRatio <= 0 {
		cfg.RecentRatio = 0.25
	}
	return &TwoQueue{
		cfg:       cfg,
		t1:        list.New(),
		t2:        list.New(),
		ghost:     list.New(),
		elems:     make(map[string]*list.Element),
		ghostSet:  make(map[string]*list.Element),
		lastTouch: make(map[string]time.Time),
	}
}

func (s *TwoQueue) Name() string { return "2q" }

func (s *TwoQueue) SelectForEviction(provider cachemeta.Provider, ctx Context) ([]string, error) {
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

	targetRecentSize := 0
	if ctx.Limits.MaxItems != nil {
		targetRecentSize = int(float64(*ctx.Limits.MaxItems) * s.cfg.RecentRatio)
	}

	var victims []string
	freed := int64(0)
	projected := ctx.CurrentSize.SizeBytes + ctx.NewItemSize
	needMore := func() bool {
		if len(victims) < min {
			return true
		}
		return ctx.Limits.MaxSizeBytes != nil && projected-freed > *ctx.Limits.MaxSizeBytes
	}

	// Evict from T1 first unless it's within its target size, per spec.md §4.5.
	t1Overage := s.t1.Len() - targetRecentSize
	for e := s.t1.Back(); e != nil && needMore() && t1Overage > 0; {
		key := e.Value.(string)
		prev := e.Prev()
		victims = append(victims, key)
		freed += all[key].EstimatedSize
		t1Overage--
		e = prev
	}
	for e := s.t2.Back(); e != nil && needMore(); {
		key := e.Value.(string)
		prev := e.Prev()
		victims = append(victims, key)
		freed += all[key].EstimatedSize
		e = prev
	}
	return victims, nil
}

func (s *TwoQueue) OnItemAdded(key string, estimatedSize int64, provider cachemeta.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := initMetadata(key, estimatedSize, provider); err != nil {
		return err
	}

	if _, wasGhost := s.ghostSet[key]; wasGhost {
		s.removeFromGhost(key)
		s.elems[key] = s.t2.PushFront(key)
		return s.setQueue(key, "frequent", provider)
	}
	s.elems[key] = s.t1.PushFront(key)
	s.lastTouch[key] = time.Now()
	return s.setQueue(key, "recent", provider)
}

func (s *TwoQueue) OnItemAccessed(key string, provider cachemeta.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := cachemeta.Touch(provider, key, now); err != nil {
		return err
	}

	el, ok := s.elems[key]
	if !ok {
		return nil
	}
	m, _, err := provider.GetMetadata(key)
	if err != nil {
		return err
	}
	if m.Queue == "frequent" {
		s.t2.MoveToFront(el)
		return nil
	}

	last, seen := s.lastTouch[key]
	promote := !seen || s.cfg.PromotionThreshold <= 0 || now.Sub(last) <= s.cfg.PromotionThreshold
	s.lastTouch[key] = now
	if promote {
		s.t1.Remove(el)
		s.elems[key] = s.t2.PushFront(key)
		return s.setQueue(key, "frequent", provider)
	}
	s.t1.MoveToFront(el)
	return nil
}

func (s *TwoQueue) OnItemRemoved(key string, provider cachemeta.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.elems[key]; ok {
		m, _, _ := provider.GetMetadata(key)
		if m.Queue == "frequent" {
			s.t2.Remove(el)
		} else {
			s.t1.Remove(el)
		}
		delete(s.elems, key)
		delete(s.lastTouch, key)
		s.addGhost(key)
	}
	return provider.DeleteMetadata(key)
}

func (s *TwoQueue) setQueue(key, queue string, provider cachemeta.Provider) error {
	m, ok, err := provider.GetMetadata(key)
	if err != nil {
		return err
	}
	if !ok {
		m = cachemeta.Metadata{Key: key}
	}
	m.Queue = queue
	return provider.SetMetadata(key, m)
}

func (s *TwoQueue) addGhost(key string) {
	s.ghostSet[key] = s.ghost.PushFront(key)
	for s.ghost.Len() > s.cfg.GhostCapacity {
		back := s.ghost.Back()
		s.ghost.Remove(back)
		delete(s.ghostSet, back.Value.(string))
	}
}

func (s *TwoQueue) removeFromGhost(key string) {
	if el, ok := s.ghostSet[key]; ok {
		s.ghost.Remove(el)
		delete(s.ghostSet, key)
	}
}
