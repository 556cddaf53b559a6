// Package cachemanager exposes pkg/cacheops as an Encore service: one registered
// *cacheops.Context per entity kind, fronted by a thin HTTP surface, plus Pub/Sub
// coordination so a write on one instance invalidates the others.
//
// Design Choices:
// - Storage, TTL, eviction, coalescing and stats all live in pkg/cacheops/pkg/cachemap; this
//   service is deliberately thin, a dispatcher from (kind, key) to the right *cacheops.Context.
// - Multiple entity kinds share one process by registering one context per kind — mirrors how
//   a real deployment would wire one context per top-level resource type.
// - Pub/Sub coordination ensures eventual consistency across distributed instances, same shape
//   as the teacher's L1/L2 design, now carrying cachekey.Key instead of opaque byte blobs.
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/monitoring"
	"encore.app/pkg/cacheops"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/itemapi"
)

func publishCacheMetric(ctx context.Context, op string, key cachekey.Key, hit bool, latency time.Duration) {
	_, _ = monitoring.CacheMetricsTopic.Publish(ctx, &monitoring.CacheMetricEvent{
		Operation: op,
		Key:       cachekey.Normalize(key),
		Hit:       hit,
		Latency:   float64(latency.Microseconds()) / 1000.0,
		Timestamp: time.Now(),
		Instance:  "cache-manager",
	})
}

// Service dispatches requests to the per-kind cache context registered for them.
//encore:service
type Service struct {
	mu       sync.RWMutex
	contexts map[string]*cacheops.Context
	metrics  *Metrics
}

// Metrics tracks cache performance counters across all registered contexts.
type Metrics struct {
	Hits    atomic.Int64
	Misses  atomic.Int64
	Writes  atomic.Int64
	Deletes atomic.Int64
	Errors  atomic.Int64
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	once.Do(func() {
		svc = &Service{
			contexts: make(map[string]*cacheops.Context),
			metrics:  &Metrics{},
		}
	})
	return svc, nil
}

// RegisterContext wires the cache context responsible for one entity kind. Called during
// service startup for every entity type this deployment caches.
func (s *Service) RegisterContext(kind string, c *cacheops.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[kind] = c
}

func (s *Service) contextFor(kind string) (*cacheops.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[kind]
	if !ok {
		return nil, fmt.Errorf("no cache context registered for kind %q", kind)
	}
	return c, nil
}

// Request and response types for API endpoints.

type GetRequest struct {
	Key cachekey.Key `json:"key"`
}

type GetResponse struct {
	Item  itemapi.Item `json:"item,omitempty"`
	Found bool         `json:"found"`
}

type CreateRequest struct {
	Kind    string             `json:"kind"`
	Partial itemapi.Item       `json:"partial"`
	Loc     []cachekey.LocPart `json:"loc,omitempty"`
}

type CreateResponse struct {
	Item itemapi.Item `json:"item"`
}

type UpdateRequest struct {
	Key     cachekey.Key `json:"key"`
	Partial itemapi.Item `json:"partial"`
}

type UpdateResponse struct {
	Item itemapi.Item `json:"item"`
}

type RemoveRequest struct {
	Key cachekey.Key `json:"key"`
}

type RemoveResponse struct {
	Success bool `json:"success"`
}

type InvalidateRequest struct {
	Kind string             `json:"kind"`
	Keys []cachekey.Key     `json:"keys,omitempty"`
	Loc  []cachekey.LocPart `json:"loc,omitempty"`
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

type MetricsResponse struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Writes  int64   `json:"writes"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
}

// Get retrieves an item through the cache context registered for its kind.
//encore:api public method=POST path=/api/cache/get
func Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Get(ctx, req)
}

func (s *Service) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	start := time.Now()
	c, err := s.contextFor(req.Key.Kind)
	if err != nil {
		return nil, err
	}
	item, found, refreshed, err := cacheops.Retrieve(ctx, c, req.Key)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}
	hit := found && !refreshed
	if hit {
		s.metrics.Hits.Add(1)
	} else {
		s.metrics.Misses.Add(1)
	}
	publishCacheMetric(ctx, "get", req.Key, hit, time.Since(start))
	return &GetResponse{Item: item, Found: found}, nil
}

// Create creates a new item through the registered context for its kind.
//encore:api public method=POST path=/api/cache/create
func Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Create(ctx, req)
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	c, err := s.contextFor(req.Kind)
	if err != nil {
		return nil, err
	}
	item, err := cacheops.Create(ctx, c, req.Partial, req.Loc)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}
	s.metrics.Writes.Add(1)
	return &CreateResponse{Item: item}, nil
}

// Update updates an existing item and re-caches the authoritative result.
//encore:api public method=POST path=/api/cache/update
func Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Update(ctx, req)
}

func (s *Service) Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	start := time.Now()
	c, err := s.contextFor(req.Key.Kind)
	if err != nil {
		return nil, err
	}
	item, err := cacheops.Update(ctx, c, req.Key, req.Partial)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}
	s.metrics.Writes.Add(1)
	publishCacheMetric(ctx, "set", req.Key, true, time.Since(start))
	return &UpdateResponse{Item: item}, nil
}

// Remove deletes an item from both the origin API and the cache, then publishes an
// invalidation event for other instances.
//encore:api public method=POST path=/api/cache/remove
func Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Remove(ctx, req)
}

func (s *Service) Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error) {
	start := time.Now()
	c, err := s.contextFor(req.Key.Kind)
	if err != nil {
		return nil, err
	}
	if err := cacheops.Remove(ctx, c, req.Key); err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}
	s.metrics.Deletes.Add(1)
	publishCacheMetric(ctx, "delete", req.Key, true, time.Since(start))
	_ = s.PublishInvalidation(ctx, []cachekey.Key{req.Key}, nil)
	return &RemoveResponse{Success: true}, nil
}

// Invalidate drops keys or an entire location subtree from a kind's cache without touching
// the origin API — used when another service signals that its own write already happened.
//encore:api public method=POST path=/api/cache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	c, err := s.contextFor(req.Kind)
	if err != nil {
		return nil, err
	}

	count := 0
	if len(req.Keys) > 0 {
		norms := make([]string, 0, len(req.Keys))
		for _, k := range req.Keys {
			norms = append(norms, cachekey.Normalize(k))
		}
		if err := c.CacheMap.InvalidateItemKeys(norms); err != nil {
			s.metrics.Errors.Add(1)
			return nil, err
		}
		count += len(norms)
	}
	if len(req.Loc) > 0 {
		if err := c.CacheMap.InvalidateLocation(req.Loc); err != nil {
			s.metrics.Errors.Add(1)
			return nil, err
		}
		count++
	}
	_ = c.CacheMap.ClearQueryResults()
	s.metrics.Deletes.Add(int64(count))

	if count > 0 {
		_ = s.PublishInvalidation(ctx, req.Keys, req.Loc)
	}

	return &InvalidateResponse{Invalidated: count, Success: true}, nil
}

// GetMetrics returns current cache performance metrics across all registered contexts.
//encore:api public method=GET path=/api/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits := s.metrics.Hits.Load()
	misses := s.metrics.Misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &MetricsResponse{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
		Writes:  s.metrics.Writes.Load(),
		Deletes: s.metrics.Deletes.Load(),
		Errors:  s.metrics.Errors.Load(),
	}, nil
}
