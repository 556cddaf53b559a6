package cachemap

import (
	"strings"
	"sync"

	"encore.app/pkg/cachemeta"
)

// memKV is an in-memory kvStore, giving Session the same persistence *format* as Local
// without surviving process restarts — the Go-native analogue of a browser tab's
// sessionStorage (spec.md §4.2), scoped to the CacheMap's own lifetime.
type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (k *memKV) get(key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	return v, ok, nil
}

func (k *memKV) set(key string, val []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = val
	return nil
}

func (k *memKV) del(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *memKV) keysWithPrefix(prefix string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []string
	for key := range k.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (k *memKV) clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data = make(map[string][]byte)
	return nil
}

// Session is the session-storage CacheMap backend (spec.md §4.2).
type Session struct {
	*webStorage
}

// NewSession creates a session-scoped backend namespaced under keyPrefix.
func NewSession(keyPrefix string, limits cachemeta.Limits) *Session {
	return &Session{webStorage: newWebStorage(newMemKV(), keyPrefix, "browser/sessionStorage", limits)}
}

func (s *Session) Clone() CacheMap {
	limits, _ := s.provider.GetSizeLimits()
	clone := NewSession(s.keyPrefix, limits)
	kv := s.kv.(*memKV)
	kv.mu.RLock()
	for k, v := range kv.data {
		_ = clone.kv.set(k, v)
	}
	kv.mu.RUnlock()
	return clone
}

var _ CacheMap = (*Session)(nil)
var _ kvStore = (*memKV)(nil)
