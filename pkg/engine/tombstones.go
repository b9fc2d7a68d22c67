package engine

import (
	"fmt"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var bucketTombstones = []byte("tombstones")

// Tombstones record deleted keys. The hot row is removed physically,
// but archived segments are immutable history: the cold read-through
// consults these markers so a deleted key stays deleted even while its
// old segment is still in object storage.

// PutTombstone marks key as deleted.
func (e *Engine) PutTombstone(key []byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketTombstones)
		if err != nil {
			return err
		}
		return b.Put(key, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("%w: put tombstone: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// ClearTombstone removes the deletion marker, on a later put of the
// same key.
func (e *Engine) ClearTombstone(key []byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: clear tombstone: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// HasTombstone reports whether key was deleted.
func (e *Engine) HasTombstone(key []byte) (bool, error) {
	var found bool
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		if b == nil {
			return nil
		}
		found = b.Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: has tombstone: %v", errdefs.ErrStorage, err)
	}
	return found, nil
}

// Tombstones returns every deleted key, for snapshot export.
func (e *Engine) Tombstones() ([]string, error) {
	var keys []string
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", errdefs.ErrStorage, err)
	}
	return keys, nil
}

// ReplaceTombstones atomically swaps the full marker set, on snapshot
// install.
func (e *Engine) ReplaceTombstones(keys []string) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketTombstones); b != nil {
			if err := tx.DeleteBucket(bucketTombstones); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketTombstones)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replace tombstones: %v", errdefs.ErrStorage, err)
	}
	return nil
}
