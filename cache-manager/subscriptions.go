package cachemanager

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"encore.app/invalidation"
	"encore.app/pkg/cachekey"
	"encore.app/pkg/cacheops"
)

// RefreshEvent represents a refresh-ahead command broadcast by the warming service.
type RefreshEvent struct {
	Kind      string       `json:"kind"`
	Key       cachekey.Key `json:"key"`
	Timestamp time.Time    `json:"timestamp"`
}

var CacheRefreshTopic = pubsub.NewTopic[*RefreshEvent](
	"cache-refresh",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to cache invalidation events from other instances, so a write on one instance
// invalidates every other instance's local cache.
var _ = pubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent processes invalidation events from other cache instances.
func HandleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	c, err := svc.contextFor(event.Kind)
	if err != nil {
		// No context registered for this kind on this instance; nothing to invalidate.
		return nil
	}
	if len(event.MatchedKeys) > 0 {
		if err := c.CacheMap.InvalidateItemKeys(event.MatchedKeys); err != nil {
			return err
		}
		svc.metrics.Deletes.Add(int64(len(event.MatchedKeys)))
	}
	if len(event.Loc) > 0 {
		if err := c.CacheMap.InvalidateLocation(event.Loc); err != nil {
			return err
		}
		svc.metrics.Deletes.Add(1)
	}
	return c.CacheMap.ClearQueryResults()
}

// Subscribe to refresh-ahead events from the warming service.
var _ = pubsub.NewSubscription(
	CacheRefreshTopic,
	"cache-manager-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: HandleRefreshEvent,
	},
)

// HandleRefreshEvent processes a refresh-ahead event, re-running Get so the item is pulled
// fresh from origin and re-cached rather than trusting a value shipped over Pub/Sub.
func HandleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil {
		return nil
	}
	c, err := svc.contextFor(event.Kind)
	if err != nil {
		return nil
	}
	_, err = cacheops.Refresh(ctx, c, event.Key)
	return err
}

// PublishInvalidation publishes an invalidation event to all instances.
func (s *Service) PublishInvalidation(ctx context.Context, keys []cachekey.Key, loc []cachekey.LocPart) error {
	norms := make([]string, 0, len(keys))
	kind := ""
	for _, k := range keys {
		norms = append(norms, cachekey.Normalize(k))
		kind = k.Kind
	}
	event := &invalidation.InvalidationEvent{
		Kind:        kind,
		MatchedKeys: norms,
		Loc:         loc,
		TriggeredBy: "cache_manager",
		Timestamp:   time.Now(),
	}
	_, err := invalidation.CacheInvalidateTopic.Publish(ctx, event)
	return err
}

// PublishRefresh publishes a refresh-ahead event, letting the warming service proactively
// beat a near-expiry item to the origin without this service knowing about warming directly.
func (s *Service) PublishRefresh(ctx context.Context, key cachekey.Key) error {
	event := &RefreshEvent{
		Kind:      key.Kind,
		Key:       key,
		Timestamp: time.Now(),
	}
	_, err := CacheRefreshTopic.Publish(ctx, event)
	return err
}
