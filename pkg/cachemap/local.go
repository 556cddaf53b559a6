package cachemap

import (
	"strings"

	bolt "go.etcd.io/bbolt"

	"encore.app/pkg/cachemeta"
)

var bucketName = []byte("cache")

// boltKV is a bbolt-backed kvStore, giving Local the persistence guarantee spec.md §4.2
// ascribes to browser localStorage: entries survive beyond the CacheMap's own lifetime
// (here, beyond the process), re-architected onto an embedded on-disk store per the task's
// "keep HOW, replace WHAT" instruction rather than a browser API Go has no access to.
type boltKV struct {
	db *bolt.DB
}

func newBoltKV(path string) (*boltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ErrStorageUnavailable
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltKV{db: db}, nil
}

func (k *boltKV) get(key string) ([]byte, bool, error) {
	var val []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, val != nil, err
}

func (k *boltKV) set(key string, val []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), val)
	})
}

func (k *boltKV) del(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

func (k *boltKV) keysWithPrefix(prefix string) ([]string, error) {
	var out []string
	err := k.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		bprefix := []byte(prefix)
		for key, _ := c.Seek(bprefix); key != nil && strings.HasPrefix(string(key), prefix); key, _ = c.Next() {
			out = append(out, string(key))
		}
		return nil
	})
	return out, err
}

func (k *boltKV) clear() error {
	return k.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
}

func (k *boltKV) Close() error {
	return k.db.Close()
}

// Local is the local-storage CacheMap backend (spec.md §4.2), persisted to an embedded bbolt
// database file rather than an in-process map.
type Local struct {
	*webStorage
	kv *boltKV
}

// NewLocal opens (creating if absent) a bbolt database at path for local-storage semantics.
func NewLocal(path, keyPrefix string, limits cachemeta.Limits) (*Local, error) {
	kv, err := newBoltKV(path)
	if err != nil {
		return nil, err
	}
	return &Local{webStorage: newWebStorage(kv, keyPrefix, "browser/localStorage", limits), kv: kv}, nil
}

// Close releases the underlying database file. Callers should Close a Local backend when
// done with it, per spec.md §5's "connection is held for the lifetime of the CacheMap".
func (l *Local) Close() error {
	return l.kv.Close()
}

func (l *Local) Clone() CacheMap {
	// A bbolt-backed store's clone is a view over the same backing file, per spec.md §4.2's
	// "for persistent stores a view over the same backing storage is acceptable".
	limits, _ := l.provider.GetSizeLimits()
	return &Local{webStorage: newWebStorage(l.kv, l.keyPrefix, "browser/localStorage", limits), kv: l.kv}
}

var _ CacheMap = (*Local)(nil)
var _ kvStore = (*boltKV)(nil)
