package telemetry

import (
	"sync"
	"time"
)

// EventType enumerates the cache lifecycle events emitted per spec.md §4.8.
type EventType string

const (
	EventItemRetrieved    EventType = "item_retrieved"
	EventItemSet          EventType = "item_set"
	EventItemDeleted      EventType = "item_deleted"
	EventItemEvicted      EventType = "item_evicted"
	EventQueryExecuted    EventType = "query_executed"
	EventQueryInvalidated EventType = "query_invalidated"
	EventCacheReset       EventType = "cache_reset"
)

// Source distinguishes whether a retrieved item came from the cache or the API.
type Source string

const (
	SourceCache Source = "cache"
	SourceAPI   Source = "api"
)

// Event is the typed object consumers receive (spec.md §4.8): `{type, source, key?, query?,
// at, detail?}`.
type Event struct {
	Type   EventType
	Source Source
	Key    string
	Query  string
	At     time.Time
	Detail map[string]interface{}
}

// Handler receives emitted events. Returned by Subscribe's unsubscribe function is the only
// way to stop receiving events — subscriptions are weak in the sense that the emitter holds
// no other lifecycle tie to the handler.
type Handler func(Event)

// Emitter is a minimal in-process pub/sub of Event, per spec.md §4.8's
// `subscribe(handler) → unsubscribe` contract.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]Handler)}
}

// Subscribe registers handler and returns a function that unsubscribes it. Handlers run
// synchronously on the emitting goroutine; the order among handlers is not defined.
func (e *Emitter) Subscribe(handler Handler) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Emit dispatches ev to every currently subscribed handler.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, h := range e.handlers {
		h(ev)
	}
}

func (e *Emitter) EmitItemRetrieved(key string, source Source) {
	e.Emit(Event{Type: EventItemRetrieved, Source: source, Key: key, At: time.Now()})
}

func (e *Emitter) EmitItemSet(key string) {
	e.Emit(Event{Type: EventItemSet, Key: key, At: time.Now()})
}

func (e *Emitter) EmitItemDeleted(key string) {
	e.Emit(Event{Type: EventItemDeleted, Key: key, At: time.Now()})
}

// EmitItemEvicted satisfies eviction.Events.
func (e *Emitter) EmitItemEvicted(key string) {
	e.Emit(Event{Type: EventItemEvicted, Key: key, At: time.Now()})
}

func (e *Emitter) EmitQueryExecuted(queryHash string) {
	e.Emit(Event{Type: EventQueryExecuted, Query: queryHash, At: time.Now()})
}

func (e *Emitter) EmitQueryInvalidated(queryHash string) {
	e.Emit(Event{Type: EventQueryInvalidated, Query: queryHash, At: time.Now()})
}

func (e *Emitter) EmitCacheReset() {
	e.Emit(Event{Type: EventCacheReset, At: time.Now()})
}
