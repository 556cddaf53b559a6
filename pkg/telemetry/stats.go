// Package telemetry implements the Stats Manager and Event Emitter (spec.md §4.8): atomic
// cache-operation counters and a typed pub/sub of cache lifecycle events.
package telemetry

import "sync/atomic"

// Stats holds the counters enumerated in spec.md §4.8. All fields are updated with atomic
// instructions so a Stats value can be shared across concurrent cache operations without a
// guarding mutex, matching the teacher's cache-manager/service.go Metrics struct.
type Stats struct {
	Requests      atomic.Int64
	Hits          atomic.Int64
	Misses        atomic.Int64
	Evictions     atomic.Int64
	APIErrors     atomic.Int64
	StorageErrors atomic.Int64
	SetOps        atomic.Int64
	DeleteOps     atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of Stats suitable for serialization/export.
type Snapshot struct {
	Requests      int64
	Hits          int64
	Misses        int64
	Evictions     int64
	APIErrors     int64
	StorageErrors int64
	SetOps        int64
	DeleteOps     int64
}

func (s *Stats) IncRequests()        { s.Requests.Add(1) }
func (s *Stats) IncHits()            { s.Hits.Add(1) }
func (s *Stats) IncMisses()          { s.Misses.Add(1) }
func (s *Stats) IncEvictions(n int)  { s.Evictions.Add(int64(n)) }
func (s *Stats) IncAPIErrors()       { s.APIErrors.Add(1) }
func (s *Stats) IncStorageErrors()   { s.StorageErrors.Add(1) }
func (s *Stats) IncSetOps()          { s.SetOps.Add(1) }
func (s *Stats) IncDeleteOps()       { s.DeleteOps.Add(1) }

// GetStats returns a consistent-enough snapshot of all counters (spec.md §4.8's getStats()).
func (s *Stats) GetStats() Snapshot {
	return Snapshot{
		Requests:      s.Requests.Load(),
		Hits:          s.Hits.Load(),
		Misses:        s.Misses.Load(),
		Evictions:     s.Evictions.Load(),
		APIErrors:     s.APIErrors.Load(),
		StorageErrors: s.StorageErrors.Load(),
		SetOps:        s.SetOps.Load(),
		DeleteOps:     s.DeleteOps.Load(),
	}
}
