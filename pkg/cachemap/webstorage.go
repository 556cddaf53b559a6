package cachemap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemeta"
)

// kvStore is the minimal byte-oriented storage primitive webStorage backends run on top of.
// Session implements it over an in-memory map; Local implements it over a bbolt bucket. This
// mirrors spec.md §4.2's session-storage/local-storage backends sharing one persistence
// format while differing only in the underlying medium.
type kvStore interface {
	get(key string) ([]byte, bool, error)
	set(key string, val []byte) error
	del(key string) error
	keysWithPrefix(prefix string) ([]string, error)
	clear() error
}

const (
	prefixItem  = ""
	prefixQuery = "query:"
	prefixMeta  = "metadata:"
)

// webEntry is the persisted form of one item, per spec.md §6's
// `{originalKey, value, timestamp, originalVerificationHash}`.
type webEntry struct {
	OriginalKey cachekey.Key    `json:"originalKey"`
	Value       json.RawMessage `json:"value"`
	Timestamp   time.Time       `json:"timestamp"`
	VerifyHash  string          `json:"originalVerificationHash"`
}

// webQueryResult is the persisted form of a memoized query, tolerating the legacy bare-array
// format on read per spec.md §6.
type webQueryResult struct {
	ItemKeys  []string   `json:"itemKeys"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// webStorage implements CacheMap over a kvStore, following spec.md §4.2's session/local
// storage contract: prefixed keys, a safe-stringify-equivalent JSON value encoding, a
// secondary verification hash guarding against normalization collisions, and a
// cleanup-oldest-25%-then-retry-once quota policy.
type webStorage struct {
	kv                 kvStore
	keyPrefix          string
	implementationType string
	provider           *cachemeta.MapProvider
}

func newWebStorage(kv kvStore, keyPrefix, implementationType string, limits cachemeta.Limits) *webStorage {
	return &webStorage{kv: kv, keyPrefix: keyPrefix, implementationType: implementationType, provider: cachemeta.NewMapProvider(limits)}
}

func (w *webStorage) itemKey(norm string) string  { return w.keyPrefix + ":" + norm }
func (w *webStorage) queryKey(hash string) string { return w.keyPrefix + ":" + prefixQuery + hash }
func (w *webStorage) metaKey(norm string) string  { return w.keyPrefix + ":" + prefixMeta + norm }

// verificationHash guards against two logically-different keys normalizing to the same
// string (spec.md §4.2's collision-detection requirement).
func verificationHash(k cachekey.Key) string {
	sum := sha256.Sum256([]byte(k.Kind + "|" + fmt.Sprintf("%v", k.PK) + "|" + fmt.Sprintf("%v", k.Loc)))
	return hex.EncodeToString(sum[:8])
}

func (w *webStorage) Get(k cachekey.Key) (interface{}, bool, error) {
	norm := cachekey.Normalize(k)
	raw, ok, err := w.kv.get(w.itemKey(norm))
	if err != nil || !ok {
		return nil, false, err
	}
	var entry webEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, err
	}
	if entry.VerifyHash != verificationHash(k) || !cachekey.Equal(entry.OriginalKey, k) {
		return nil, false, nil
	}
	var v interface{}
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (w *webStorage) Set(k cachekey.Key, v interface{}, estimatedSize int64) error {
	norm := cachekey.Normalize(k)
	valBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	entry := webEntry{OriginalKey: k, Value: valBytes, Timestamp: time.Now(), VerifyHash: verificationHash(k)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := w.kv.set(w.itemKey(norm), raw); err != nil {
		if err := w.cleanupOldestQuarter(); err != nil {
			return err
		}
		if err := w.kv.set(w.itemKey(norm), raw); err != nil {
			return ErrStorageFull
		}
	}
	meta, ok, err := w.provider.GetMetadata(norm)
	if err != nil {
		return err
	}
	if !ok {
		meta = cachemeta.Metadata{Key: norm, AddedAt: time.Now()}
	}
	meta.EstimatedSize = estimatedSize
	return w.provider.SetMetadata(norm, meta)
}

// cleanupOldestQuarter evicts the oldest 25% of regular entries by addedAt, per spec.md
// §4.2's quota-recovery policy ("A secondary verification hash guards... storage attempts a
// cleanup of the oldest 25% of regular cache entries and retries once").
func (w *webStorage) cleanupOldestQuarter() error {
	all, err := w.provider.GetAllMetadata()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return all[keys[i]].AddedAt.Before(all[keys[j]].AddedAt)
	})
	n := len(keys) / 4
	if n == 0 {
		n = 1
	}
	for _, k := range keys[:n] {
		_ = w.kv.del(w.itemKey(k))
		_ = w.provider.DeleteMetadata(k)
	}
	return nil
}

func (w *webStorage) GetByNormalizedKey(norm string) (interface{}, bool, error) {
	raw, ok, err := w.kv.get(w.itemKey(norm))
	if err != nil || !ok {
		return nil, false, err
	}
	var entry webEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, err
	}
	var v interface{}
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (w *webStorage) Delete(k string) error {
	_ = w.provider.DeleteMetadata(k)
	return w.kv.del(w.itemKey(k))
}

func (w *webStorage) IncludesKey(k cachekey.Key) (bool, error) {
	_, ok, err := w.Get(k)
	return ok, err
}

func (w *webStorage) Keys() ([]string, error) {
	keys, err := w.kv.keysWithPrefix(w.keyPrefix + ":")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if isRegularItemKey(k, w.keyPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func isRegularItemKey(key, keyPrefix string) bool {
	rest := key[len(keyPrefix)+1:]
	return !matchesKeyPrefix(rest, prefixQuery) && !matchesKeyPrefix(rest, prefixMeta)
}

func (w *webStorage) Values() ([]interface{}, error) {
	keys, err := w.Keys()
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, key := range keys {
		raw, ok, err := w.kv.get(key)
		if err != nil || !ok {
			continue
		}
		var entry webEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(entry.Value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (w *webStorage) Clear() error {
	if err := w.kv.clear(); err != nil {
		return err
	}
	return w.provider.ClearMetadata()
}

func (w *webStorage) AllIn(loc []cachekey.LocPart) ([]interface{}, error) {
	keys, err := w.Keys()
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, key := range keys {
		raw, ok, err := w.kv.get(key)
		if err != nil || !ok {
			continue
		}
		var entry webEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if !cachekey.LocPrefixMatch(entry.OriginalKey.Loc, loc) {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(entry.Value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (w *webStorage) InvalidateItemKeys(keys []string) error {
	for _, k := range keys {
		if err := w.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (w *webStorage) InvalidateLocation(loc []cachekey.LocPart) error {
	keys, err := w.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, ok, err := w.kv.get(key)
		if err != nil || !ok {
			continue
		}
		var entry webEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if cachekey.LocPrefixMatch(entry.OriginalKey.Loc, loc) {
			norm := cachekey.Normalize(entry.OriginalKey)
			_ = w.Delete(norm)
		}
	}
	return w.ClearQueryResults()
}

func (w *webStorage) SetQueryResult(hash string, itemKeys []string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		e := time.Now().Add(ttl)
		expires = &e
	}
	raw, err := json.Marshal(webQueryResult{ItemKeys: itemKeys, ExpiresAt: expires})
	if err != nil {
		return err
	}
	return w.kv.set(w.queryKey(hash), raw)
}

func (w *webStorage) GetQueryResult(hash string) ([]string, bool, error) {
	raw, ok, err := w.kv.get(w.queryKey(hash))
	if err != nil || !ok {
		return nil, false, err
	}
	qr, err := decodeQueryResult(raw)
	if err != nil {
		return nil, false, err
	}
	if qr.ExpiresAt != nil && time.Now().After(*qr.ExpiresAt) {
		_ = w.kv.del(w.queryKey(hash))
		return nil, false, nil
	}
	return qr.ItemKeys, true, nil
}

// decodeQueryResult tolerates both the modern `{itemKeys, expiresAt?}` object and the legacy
// bare `itemKeys[]` array format on read (spec.md §6).
func decodeQueryResult(raw []byte) (webQueryResult, error) {
	var qr webQueryResult
	if err := json.Unmarshal(raw, &qr); err == nil && qr.ItemKeys != nil {
		return qr, nil
	}
	var bare []string
	if err := json.Unmarshal(raw, &bare); err != nil {
		return webQueryResult{}, err
	}
	return webQueryResult{ItemKeys: bare}, nil
}

func (w *webStorage) HasQueryResult(hash string) (bool, error) {
	_, ok, err := w.GetQueryResult(hash)
	return ok, err
}

func (w *webStorage) DeleteQueryResult(hash string) error {
	return w.kv.del(w.queryKey(hash))
}

func (w *webStorage) ClearQueryResults() error {
	keys, err := w.kv.keysWithPrefix(w.keyPrefix + ":" + prefixQuery)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.kv.del(k); err != nil {
			return err
		}
	}
	return nil
}

func (w *webStorage) Info() Info {
	return Info{ImplementationType: w.implementationType, SupportsTTL: true, SupportsEviction: true}
}

func (w *webStorage) GetMetadata(key string) (cachemeta.Metadata, bool, error) {
	return w.provider.GetMetadata(key)
}
func (w *webStorage) SetMetadata(key string, meta cachemeta.Metadata) error {
	return w.provider.SetMetadata(key, meta)
}
func (w *webStorage) DeleteMetadata(key string) error { return w.provider.DeleteMetadata(key) }
func (w *webStorage) GetAllMetadata() (map[string]cachemeta.Metadata, error) {
	return w.provider.GetAllMetadata()
}
func (w *webStorage) ClearMetadata() error                 { return w.provider.ClearMetadata() }
func (w *webStorage) GetCurrentSize() (cachemeta.Size, error)  { return w.provider.GetCurrentSize() }
func (w *webStorage) GetSizeLimits() (cachemeta.Limits, error) { return w.provider.GetSizeLimits() }
