// Package coalesce implements the Request Coalescer (spec.md §4.7): in-flight API fetches for
// the same normalized key share one result instead of each caller triggering its own fetch.
package coalesce

import "golang.org/x/sync/singleflight"

// Coalescer deduplicates concurrent calls keyed by normalized key. Every operation that
// performs a single-key API fetch goes through Do; failures are propagated to all pending
// waiters and do not poison subsequent calls, matching singleflight.Group's own semantics.
type Coalescer struct {
	group singleflight.Group
}

func New() *Coalescer {
	return &Coalescer{}
}

// Do runs factory for key if no call is already in flight for it, otherwise waits for and
// shares the in-flight call's result.
func (c *Coalescer) Do(key string, factory func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.group.Do(key, factory)
	return v, err
}

// Forget removes key from the in-flight table without waiting for a result, used when a
// caller needs to force the next call for key to run fresh (e.g. after an explicit reset).
func (c *Coalescer) Forget(key string) {
	c.group.Forget(key)
}
