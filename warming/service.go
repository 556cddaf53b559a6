// Package warming provides refresh-ahead cache prefetching to prevent cold misses and TTL
// cliff-edges: items nearing their configured TTL are re-fetched from the origin API and
// re-cached before a caller ever observes them as stale.
//
// Design Philosophy:
// - Prevent thundering herd by warming cache before expiration or predicted access spikes
// - Multiple warming strategies for different use cases (scheduled, predictive, priority-based)
// - Rate limiting and backpressure to protect the origin API
// - Worker pool for concurrent warming with deduplication
// - Observable via metrics and structured logging
//
// Performance Characteristics:
// - Worker pool processes N tasks concurrently (configurable ConcurrentWarmers)
// - Rate limiter ensures origin protection (configurable MaxOriginRPS)
// - Deduplication prevents redundant warming of same key
//
// Trade-offs:
// - In-memory job queue for simplicity (TODO: persistent queue for durability)
// - Synchronous origin fetch (TODO: async batching for higher throughput)
package warming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/pkg/cacheops"
	"encore.app/pkg/cachekey"
)

// decodeRawKey converts an item's raw "key" field (already-decoded JSON) back into a
// cachekey.Key, mirroring pkg/cacheops's own keyFromItem convention.
func decodeRawKey(raw interface{}) (cachekey.Key, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return cachekey.Key{}, err
	}
	var k cachekey.Key
	if err := json.Unmarshal(data, &k); err != nil {
		return cachekey.Key{}, err
	}
	return k, nil
}

//encore:service
type Service struct {
	config        Config
	strategies    map[string]Strategy
	predictor     Predictor
	cacheCtx      *cacheops.Context
	scheduler     *Scheduler
	workerPool    *WorkerPool
	metrics       *Metrics
	rateLimiter   *rate.Limiter
	deduper       singleflight.Group
	emergencyStop atomic.Bool
	mu            sync.RWMutex
}

// Config holds runtime configuration for the warming service.
type Config struct {
	MaxOriginRPS       int           `json:"max_origin_rps"`      // Max requests per second to origin
	MaxBatchSize       int           `json:"max_batch_size"`      // Max keys per warming batch
	ConcurrentWarmers  int           `json:"concurrent_warmers"`  // Number of concurrent worker goroutines
	DefaultTTL         time.Duration `json:"default_ttl"`         // Default cache TTL
	OriginTimeout      time.Duration `json:"origin_timeout"`      // Timeout for origin requests
	RetryAttempts      int           `json:"retry_attempts"`      // Number of retry attempts on failure
	BackoffBase        time.Duration `json:"backoff_base"`        // Base duration for exponential backoff
	EmergencyThreshold time.Duration `json:"emergency_threshold"` // Origin latency threshold for emergency stop
	DefaultStrategy    string        `json:"default_strategy"`    // Default warming strategy
	NearExpiryRatio    float64       `json:"near_expiry_ratio"`   // Fraction of TTL remaining that counts as near-expiry
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:       100,
		MaxBatchSize:       50,
		ConcurrentWarmers:  10,
		DefaultTTL:         1 * time.Hour,
		OriginTimeout:      5 * time.Second,
		RetryAttempts:      3,
		BackoffBase:        100 * time.Millisecond,
		EmergencyThreshold: 2 * time.Second,
		DefaultStrategy:    "priority",
		NearExpiryRatio:    0.1,
	}
}

// Metrics tracks warming service performance.
type Metrics struct {
	JobsTotal      atomic.Int64
	SuccessTotal   atomic.Int64
	FailureTotal   atomic.Int64
	OriginRequests atomic.Int64
	CacheWrites    atomic.Int64
	RateLimitHits  atomic.Int64
	EmergencyStops atomic.Int64
	TotalDuration  atomic.Int64 // Cumulative milliseconds
}

// cacheMapMetadataSource adapts a cacheops.Context's CacheMap into the MetadataSource the
// refresh-ahead predictor scans, reconstructing each entry's original cachekey.Key from the
// item's own "key" field (the same convention pkg/cacheops's keyFromItem relies on).
type cacheMapMetadataSource struct {
	ctx *cacheops.Context
}

func (s *cacheMapMetadataSource) GetAllMetadata() (map[string]time.Time, map[string]uint64, error) {
	all, err := s.ctx.CacheMap.GetAllMetadata()
	if err != nil {
		return nil, nil, err
	}
	lastAccessed := make(map[string]time.Time, len(all))
	accessCounts := make(map[string]uint64, len(all))
	for norm, meta := range all {
		lastAccessed[norm] = meta.LastAccessedAt
		accessCounts[norm] = meta.AccessCount
	}
	return lastAccessed, accessCounts, nil
}

func (s *cacheMapMetadataSource) KeyForNorm(norm string) (cachekey.Key, bool) {
	v, ok, err := s.ctx.CacheMap.GetByNormalizedKey(norm)
	if err != nil || !ok {
		return cachekey.Key{}, false
	}
	item, ok := v.(map[string]interface{})
	if !ok {
		return cachekey.Key{}, false
	}
	raw, ok := item["key"]
	if !ok {
		return cachekey.Key{}, false
	}
	key, err := decodeRawKey(raw)
	if err != nil {
		return cachekey.Key{}, false
	}
	return key, true
}

// Request and response types

type WarmKeyRequest struct {
	Keys     []cachekey.Key `json:"keys"`               // Keys to warm
	Priority int            `json:"priority,omitempty"` // Priority level (0-100)
	Strategy string         `json:"strategy,omitempty"` // Optional strategy override
}

type WarmKeyResponse struct {
	Success       bool           `json:"success"`
	Queued        int            `json:"queued"` // Number of tasks queued
	Keys          []cachekey.Key `json:"keys"`
	JobID         string         `json:"job_id"`
	EstimatedTime int            `json:"estimated_time_ms"`
}

type WarmLocationRequest struct {
	Loc      []cachekey.LocPart `json:"loc"`                // Location prefix to match
	Limit    int                `json:"limit,omitempty"`    // Max keys to warm
	Priority int                `json:"priority,omitempty"` // Priority level
	Strategy string             `json:"strategy,omitempty"` // Optional strategy override
	Keys     []cachekey.Key     `json:"keys,omitempty"`     // Optional: explicit keys under loc
}

type WarmLocationResponse struct {
	Success       bool           `json:"success"`
	Queued        int            `json:"queued"`
	MatchedKeys   []cachekey.Key `json:"matched_keys,omitempty"`
	JobID         string         `json:"job_id"`
	EstimatedTime int            `json:"estimated_time_ms"`
}

type StatusResponse struct {
	ActiveJobs    int             `json:"active_jobs"`
	QueuedTasks   int             `json:"queued_tasks"`
	WorkerStatus  []WorkerStatus  `json:"worker_status"`
	EmergencyStop bool            `json:"emergency_stop"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

type WorkerStatus struct {
	ID         int        `json:"id"`
	State      string     `json:"state"` // "idle", "busy", "stopped"
	CurrentKey string     `json:"current_key,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

type MetricsSnapshot struct {
	JobsTotal      int64   `json:"jobs_total"`
	SuccessTotal   int64   `json:"success_total"`
	FailureTotal   int64   `json:"failure_total"`
	SuccessRate    float64 `json:"success_rate"`
	OriginRequests int64   `json:"origin_requests"`
	CacheWrites    int64   `json:"cache_writes"`
	RateLimitHits  int64   `json:"rate_limit_hits"`
	EmergencyStops int64   `json:"emergency_stops"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

type UpdateConfigRequest struct {
	MaxOriginRPS      *int   `json:"max_origin_rps,omitempty"`
	MaxBatchSize      *int   `json:"max_batch_size,omitempty"`
	ConcurrentWarmers *int   `json:"concurrent_warmers,omitempty"`
	DefaultStrategy   string `json:"default_strategy,omitempty"`
}

// Global service instance
var svc *Service

// initService initializes the warming service with default configuration. The cache context
// it warms against is injected later via SetCacheContext (Encore wiring, or test setup).
func initService() (*Service, error) {
	config := DefaultConfig()

	strategies := map[string]Strategy{
		"selective": NewSelectiveHotKeysStrategy(),
		"breadth":   NewBreadthFirstStrategy(),
		"priority":  NewPriorityBasedStrategy(),
	}

	s := &Service{
		config:      config,
		strategies:  strategies,
		predictor:   NewDefaultPredictor(),
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxOriginRPS), config.MaxOriginRPS),
	}

	s.workerPool = NewWorkerPool(s, config.ConcurrentWarmers)
	s.scheduler = NewScheduler(s)

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize warming service: %v", err))
	}
}

// SetCacheContext wires the cache context this service warms against, and switches the
// predictor from the access-log heuristic to a metadata-driven near-expiry scan once a
// context (and therefore real TTL/metadata) is available.
func (s *Service) SetCacheContext(c *cacheops.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheCtx = c
	ttl := c.Options.TTL
	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}
	s.predictor = NewMetadataPredictor(&cacheMapMetadataSource{ctx: c}, ttl, s.config.NearExpiryRatio)
}

// WarmKey warms specific cache keys immediately.
//encore:api public method=POST path=/warm/key
func WarmKey(ctx context.Context, req *WarmKeyRequest) (*WarmKeyResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.WarmKey(ctx, req)
}

func (s *Service) WarmKey(ctx context.Context, req *WarmKeyRequest) (*WarmKeyResponse, error) {
	if len(req.Keys) == 0 {
		return nil, errors.New("keys cannot be empty")
	}

	if s.emergencyStop.Load() {
		return nil, errors.New("warming service in emergency stop mode")
	}

	priority := req.Priority
	if priority == 0 {
		priority = 50 // Medium priority
	}

	tasks := make([]WarmTask, 0, len(req.Keys))
	for _, key := range req.Keys {
		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: 50, // Default estimate
			TTL:           s.config.DefaultTTL,
			Strategy:      req.Strategy,
		})
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)

	s.metrics.JobsTotal.Add(int64(queued))
	estimatedTime := (queued * 50) / s.config.ConcurrentWarmers

	return &WarmKeyResponse{
		Success:       true,
		Queued:        queued,
		Keys:          req.Keys,
		JobID:         jobID,
		EstimatedTime: estimatedTime,
	}, nil
}

// WarmLocation warms cache keys scoped under a location prefix.
//encore:api public method=POST path=/warm/location
func WarmLocation(ctx context.Context, req *WarmLocationRequest) (*WarmLocationResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.WarmLocation(ctx, req)
}

func (s *Service) WarmLocation(ctx context.Context, req *WarmLocationRequest) (*WarmLocationResponse, error) {
	if s.emergencyStop.Load() {
		return nil, errors.New("warming service in emergency stop mode")
	}

	var keysToWarm []cachekey.Key
	if len(req.Keys) > 0 {
		keysToWarm = req.Keys
	} else {
		predicted, err := s.predictor.PredictHotKeys(ctx, 1*time.Hour, 100)
		if err != nil {
			return nil, fmt.Errorf("prediction failed: %w", err)
		}
		keysToWarm = filterByLocation(predicted, req.Loc)
	}

	if req.Limit > 0 && len(keysToWarm) > req.Limit {
		keysToWarm = keysToWarm[:req.Limit]
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = s.config.DefaultStrategy
	}

	strategy, exists := s.strategies[strategyName]
	if !exists {
		return nil, fmt.Errorf("unknown strategy: %s", strategyName)
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{
		Keys:     keysToWarm,
		Priority: req.Priority,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy planning failed: %w", err)
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)

	s.metrics.JobsTotal.Add(int64(queued))
	estimatedTime := (queued * 50) / s.config.ConcurrentWarmers

	return &WarmLocationResponse{
		Success:       true,
		Queued:        queued,
		MatchedKeys:   keysToWarm,
		JobID:         jobID,
		EstimatedTime: estimatedTime,
	}, nil
}

// GetStatus returns current warming service status and metrics.
//encore:api public method=GET path=/warm/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	workerStatus := s.workerPool.GetWorkerStatus()

	jobs := s.metrics.JobsTotal.Load()
	success := s.metrics.SuccessTotal.Load()
	successRate := 0.0
	if jobs > 0 {
		successRate = float64(success) / float64(jobs)
	}

	avgDuration := 0.0
	if success > 0 {
		avgDuration = float64(s.metrics.TotalDuration.Load()) / float64(success)
	}

	return &StatusResponse{
		ActiveJobs:    s.workerPool.ActiveCount(),
		QueuedTasks:   s.workerPool.QueueSize(),
		WorkerStatus:  workerStatus,
		EmergencyStop: s.emergencyStop.Load(),
		Metrics: MetricsSnapshot{
			JobsTotal:      jobs,
			SuccessTotal:   success,
			FailureTotal:   s.metrics.FailureTotal.Load(),
			SuccessRate:    successRate,
			OriginRequests: s.metrics.OriginRequests.Load(),
			CacheWrites:    s.metrics.CacheWrites.Load(),
			RateLimitHits:  s.metrics.RateLimitHits.Load(),
			EmergencyStops: s.metrics.EmergencyStops.Load(),
			AvgDurationMs:  avgDuration,
		},
	}, nil
}

// TriggerPredictive manually triggers a predictive/refresh-ahead warming run.
//encore:api public method=POST path=/warm/trigger-predictive
func TriggerPredictive(ctx context.Context) (*WarmKeyResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.TriggerPredictive(ctx)
}

func (s *Service) TriggerPredictive(ctx context.Context) (*WarmKeyResponse, error) {
	if s.emergencyStop.Load() {
		return nil, errors.New("warming service in emergency stop mode")
	}

	hotKeys, err := s.predictor.PredictHotKeys(ctx, 1*time.Hour, 100)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	if len(hotKeys) == 0 {
		return &WarmKeyResponse{
			Success: true,
			Queued:  0,
			Keys:    []cachekey.Key{},
		}, nil
	}

	strategy := s.strategies["priority"]
	tasks, err := strategy.Plan(ctx, PlanOptions{
		Keys:     hotKeys,
		Priority: 80, // High priority for predicted keys
	})
	if err != nil {
		return nil, fmt.Errorf("strategy planning failed: %w", err)
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)

	s.metrics.JobsTotal.Add(int64(queued))

	return &WarmKeyResponse{
		Success:       true,
		Queued:        queued,
		Keys:          hotKeys,
		JobID:         jobID,
		EstimatedTime: (queued * 50) / s.config.ConcurrentWarmers,
	}, nil
}

// GetConfig returns current service configuration.
//encore:api public method=GET path=/warm/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetConfig(ctx)
}

func (s *Service) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &ConfigResponse{Config: s.config}, nil
}

// UpdateConfig updates service configuration at runtime.
//encore:api public method=POST path=/warm/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.UpdateConfig(ctx, req)
}

func (s *Service) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.MaxOriginRPS != nil {
		s.config.MaxOriginRPS = *req.MaxOriginRPS
		s.rateLimiter = rate.NewLimiter(rate.Limit(*req.MaxOriginRPS), *req.MaxOriginRPS)
	}

	if req.MaxBatchSize != nil {
		s.config.MaxBatchSize = *req.MaxBatchSize
	}

	if req.ConcurrentWarmers != nil {
		s.config.ConcurrentWarmers = *req.ConcurrentWarmers
		// Note: changing concurrent warmers requires worker pool restart
		// For simplicity, this is not implemented here (TODO: dynamic worker pool sizing)
	}

	if req.DefaultStrategy != "" {
		if _, exists := s.strategies[req.DefaultStrategy]; !exists {
			return nil, fmt.Errorf("unknown strategy: %s", req.DefaultStrategy)
		}
		s.config.DefaultStrategy = req.DefaultStrategy
	}

	return &ConfigResponse{Config: s.config}, nil
}

// Helper functions

// filterByLocation keeps only keys whose location chain falls under loc.
func filterByLocation(keys []cachekey.Key, loc []cachekey.LocPart) []cachekey.Key {
	if len(loc) == 0 {
		return keys
	}
	filtered := make([]cachekey.Key, 0, len(keys))
	for _, k := range keys {
		if cachekey.LocPrefixMatch(k.Loc, loc) {
			filtered = append(filtered, k)
		}
	}
	return filtered
}

// generateJobID creates a unique job identifier.
func generateJobID() string {
	return fmt.Sprintf("warm-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}

// ExecuteWarmTask performs the actual warming operation for a single task.
// This is called by workers and includes deduplication, rate limiting, and error handling.
func (s *Service) ExecuteWarmTask(ctx context.Context, task WarmTask) error {
	startTime := time.Now()

	if s.emergencyStop.Load() {
		return errors.New("emergency stop active")
	}

	norm := cachekey.Normalize(task.Key)
	_, err, _ := s.deduper.Do(norm, func() (interface{}, error) {
		return nil, s.executeWarmTaskInternal(ctx, task)
	})

	duration := time.Since(startTime)
	s.metrics.TotalDuration.Add(duration.Milliseconds())

	if err != nil {
		s.metrics.FailureTotal.Add(1)
		return err
	}

	s.metrics.SuccessTotal.Add(1)
	go s.publishWarmCompletion(norm, "success", duration, task.Strategy)

	return nil
}

// executeWarmTaskInternal performs the actual refresh-ahead fetch-and-cache.
func (s *Service) executeWarmTaskInternal(ctx context.Context, task WarmTask) error {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.RateLimitHits.Add(1)
		return fmt.Errorf("rate limit: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.config.OriginTimeout)
	defer cancel()

	s.mu.RLock()
	cacheCtx := s.cacheCtx
	s.mu.RUnlock()

	if cacheCtx == nil {
		return errors.New("cache context not configured")
	}

	start := time.Now()
	_, err := cacheops.Refresh(fetchCtx, cacheCtx, task.Key)
	if err != nil {
		return fmt.Errorf("origin refresh failed: %w", err)
	}
	s.metrics.OriginRequests.Add(1)

	if time.Since(start) > s.config.EmergencyThreshold {
		s.emergencyStop.Store(true)
		s.metrics.EmergencyStops.Add(1)
		return errors.New("emergency stop triggered due to high origin latency")
	}

	s.metrics.CacheWrites.Add(1)
	return nil
}

// publishWarmCompletion publishes a warming completion event to Pub/Sub.
func (s *Service) publishWarmCompletion(normalizedKey string, status string, duration time.Duration, strategy string) {
	event := &WarmCompletedEvent{
		Key:        normalizedKey,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Strategy:   strategy,
		Timestamp:  time.Now(),
	}

	_, _ = WarmCompletedTopic.Publish(context.Background(), event)
}

// WarmCompletedEvent represents a cache warming completion event.
type WarmCompletedEvent struct {
	Key        string    `json:"key"` // normalized key hash
	Status     string    `json:"status"` // "success", "failure"
	DurationMs int64     `json:"duration_ms"`
	Strategy   string    `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pub/Sub topics
var WarmCompletedTopic = pubsub.NewTopic[*WarmCompletedEvent](
	"cache-warm-completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Shutdown gracefully stops the warming service.
func (s *Service) Shutdown() {
	s.workerPool.Shutdown()
	s.scheduler.Stop()
}
