package cachemap

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"encore.app/pkg/cachekey"
	"encore.app/pkg/cachemeta"
)

// schemaVersion is the current Indexed store schema generation; bump and add a migration
// step here when the on-disk row shape changes (spec.md §4.2's "schema versioning drives
// future migrations").
const schemaVersion = 1

// Indexed is the async indexed-store CacheMap backend (spec.md §4.2): entries are
// `{originalKey, value, metadata?, version}` indexed by normalizedHash, query results under a
// `query:<hash>` prefix. Backed by an embedded SQLite database (one per
// `{dbName, version, storeName}` triple, reused for the CacheMap's lifetime) rather than a
// browser's IndexedDB, per the task's "keep HOW, replace WHAT" instruction — the
// lazily-opened, versioned-schema, itemKey-indexed contract is preserved.
type Indexed struct {
	db        *sql.DB
	storeName string
	provider  *cachemeta.MapProvider
}

// NewIndexed lazily opens (creating if absent) a SQLite database at path, grounded on the
// teacher's invalidation/audit.go ensureSchema pattern (CREATE TABLE IF NOT EXISTS on first
// use rather than a separate migration step).
func NewIndexed(path, storeName string, limits cachemeta.Limits) (*Indexed, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ErrStorageUnavailable
	}
	idx := &Indexed{db: db, storeName: storeName, provider: cachemeta.NewMapProvider(limits)}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Indexed) ensureSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + idx.storeName + ` (
			norm_key TEXT PRIMARY KEY,
			original_key TEXT NOT NULL,
			value TEXT NOT NULL,
			version INTEGER NOT NULL,
			added_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ` + idx.storeName + `_queries (
			query_hash TEXT PRIMARY KEY,
			item_keys TEXT NOT NULL,
			expires_at TIMESTAMP
		);
	`)
	return err
}

func (idx *Indexed) Get(k cachekey.Key) (interface{}, bool, error) {
	norm := cachekey.Normalize(k)
	var originalKeyJSON, valueJSON string
	var version int
	err := idx.db.QueryRow(
		`SELECT original_key, value, version FROM `+idx.storeName+` WHERE norm_key = ?`, norm,
	).Scan(&originalKeyJSON, &valueJSON, &version)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var orig cachekey.Key
	if err := json.Unmarshal([]byte(originalKeyJSON), &orig); err != nil {
		return nil, false, err
	}
	if !cachekey.Equal(orig, k) {
		return nil, false, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (idx *Indexed) Set(k cachekey.Key, v interface{}, estimatedSize int64) error {
	norm := cachekey.Normalize(k)
	origJSON, err := json.Marshal(k)
	if err != nil {
		return err
	}
	valJSON, err := json.Marshal(v)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = idx.db.Exec(
		`INSERT INTO `+idx.storeName+` (norm_key, original_key, value, version, added_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(norm_key) DO UPDATE SET original_key=excluded.original_key, value=excluded.value, version=excluded.version`,
		norm, string(origJSON), string(valJSON), schemaVersion, now,
	)
	if err != nil {
		return ErrStorageFull
	}
	meta, ok, err := idx.provider.GetMetadata(norm)
	if err != nil {
		return err
	}
	if !ok {
		meta = cachemeta.Metadata{Key: norm, AddedAt: now}
	}
	meta.EstimatedSize = estimatedSize
	return idx.provider.SetMetadata(norm, meta)
}

func (idx *Indexed) GetByNormalizedKey(norm string) (interface{}, bool, error) {
	var valueJSON string
	err := idx.db.QueryRow(`SELECT value FROM `+idx.storeName+` WHERE norm_key = ?`, norm).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v interface{}
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (idx *Indexed) Delete(k string) error {
	_ = idx.provider.DeleteMetadata(k)
	_, err := idx.db.Exec(`DELETE FROM `+idx.storeName+` WHERE norm_key = ?`, k)
	return err
}

func (idx *Indexed) IncludesKey(k cachekey.Key) (bool, error) {
	_, ok, err := idx.Get(k)
	return ok, err
}

func (idx *Indexed) Keys() ([]string, error) {
	rows, err := idx.db.Query(`SELECT norm_key FROM ` + idx.storeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (idx *Indexed) Values() ([]interface{}, error) {
	rows, err := idx.db.Query(`SELECT value FROM ` + idx.storeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []interface{}
	for rows.Next() {
		var valJSON string
		if err := rows.Scan(&valJSON); err != nil {
			return nil, err
		}
		var v interface{}
		if err := json.Unmarshal([]byte(valJSON), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

func (idx *Indexed) Clear() error {
	if _, err := idx.db.Exec(`DELETE FROM ` + idx.storeName); err != nil {
		return err
	}
	if _, err := idx.db.Exec(`DELETE FROM ` + idx.storeName + `_queries`); err != nil {
		return err
	}
	return idx.provider.ClearMetadata()
}

func (idx *Indexed) AllIn(loc []cachekey.LocPart) ([]interface{}, error) {
	rows, err := idx.db.Query(`SELECT original_key, value FROM ` + idx.storeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []interface{}
	for rows.Next() {
		var origJSON, valJSON string
		if err := rows.Scan(&origJSON, &valJSON); err != nil {
			return nil, err
		}
		var orig cachekey.Key
		if err := json.Unmarshal([]byte(origJSON), &orig); err != nil {
			continue
		}
		if !cachekey.LocPrefixMatch(orig.Loc, loc) {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(valJSON), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, rows.Err()
}

func (idx *Indexed) InvalidateItemKeys(keys []string) error {
	for _, k := range keys {
		if err := idx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Indexed) InvalidateLocation(loc []cachekey.LocPart) error {
	rows, err := idx.db.Query(`SELECT norm_key, original_key FROM ` + idx.storeName)
	if err != nil {
		return err
	}
	var toDelete []string
	for rows.Next() {
		var norm, origJSON string
		if err := rows.Scan(&norm, &origJSON); err != nil {
			rows.Close()
			return err
		}
		var orig cachekey.Key
		if err := json.Unmarshal([]byte(origJSON), &orig); err != nil {
			continue
		}
		if cachekey.LocPrefixMatch(orig.Loc, loc) {
			toDelete = append(toDelete, norm)
		}
	}
	rows.Close()
	for _, norm := range toDelete {
		if err := idx.Delete(norm); err != nil {
			return err
		}
	}
	return idx.ClearQueryResults()
}

func (idx *Indexed) SetQueryResult(hash string, itemKeys []string, ttl time.Duration) error {
	keysJSON, err := json.Marshal(itemKeys)
	if err != nil {
		return err
	}
	var expires *time.Time
	if ttl > 0 {
		e := time.Now().Add(ttl)
		expires = &e
	}
	_, err = idx.db.Exec(
		`INSERT INTO `+idx.storeName+`_queries (query_hash, item_keys, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(query_hash) DO UPDATE SET item_keys=excluded.item_keys, expires_at=excluded.expires_at`,
		hash, string(keysJSON), expires,
	)
	return err
}

func (idx *Indexed) GetQueryResult(hash string) ([]string, bool, error) {
	var keysJSON string
	var expiresAt sql.NullTime
	err := idx.db.QueryRow(
		`SELECT item_keys, expires_at FROM `+idx.storeName+`_queries WHERE query_hash = ?`, hash,
	).Scan(&keysJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = idx.db.Exec(`DELETE FROM `+idx.storeName+`_queries WHERE query_hash = ?`, hash)
		return nil, false, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(keysJSON), &keys); err != nil {
		return nil, false, err
	}
	return keys, true, nil
}

func (idx *Indexed) HasQueryResult(hash string) (bool, error) {
	_, ok, err := idx.GetQueryResult(hash)
	return ok, err
}

func (idx *Indexed) DeleteQueryResult(hash string) error {
	_, err := idx.db.Exec(`DELETE FROM `+idx.storeName+`_queries WHERE query_hash = ?`, hash)
	return err
}

func (idx *Indexed) ClearQueryResults() error {
	_, err := idx.db.Exec(`DELETE FROM ` + idx.storeName + `_queries`)
	return err
}

func (idx *Indexed) Clone() CacheMap {
	// A SQLite-backed store's clone is a view over the same backing file, mirroring Local's
	// persistent-store clone semantics (spec.md §4.2).
	limits, _ := idx.provider.GetSizeLimits()
	return &Indexed{db: idx.db, storeName: idx.storeName, provider: cachemeta.NewMapProvider(limits)}
}

func (idx *Indexed) Info() Info {
	return Info{ImplementationType: "indexed/sqlite", SupportsTTL: true, SupportsEviction: true}
}

func (idx *Indexed) Close() error {
	return idx.db.Close()
}

func (idx *Indexed) GetMetadata(key string) (cachemeta.Metadata, bool, error) {
	return idx.provider.GetMetadata(key)
}
func (idx *Indexed) SetMetadata(key string, meta cachemeta.Metadata) error {
	return idx.provider.SetMetadata(key, meta)
}
func (idx *Indexed) DeleteMetadata(key string) error { return idx.provider.DeleteMetadata(key) }
func (idx *Indexed) GetAllMetadata() (map[string]cachemeta.Metadata, error) {
	return idx.provider.GetAllMetadata()
}
func (idx *Indexed) ClearMetadata() error                     { return idx.provider.ClearMetadata() }
func (idx *Indexed) GetCurrentSize() (cachemeta.Size, error)   { return idx.provider.GetCurrentSize() }
func (idx *Indexed) GetSizeLimits() (cachemeta.Limits, error)  { return idx.provider.GetSizeLimits() }

var _ CacheMap = (*Indexed)(nil)
