// Package engine implements the durable ordered key/value store backing
// the state machine. One bbolt database per process with the key/value
// pairs in one bucket (tombstones and meta counters live in buckets of
// their own), atomic batch writes.
package engine

import (
	"fmt"
	"path/filepath"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// BatchOp is one mutation inside an atomic batch.
type BatchOp struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// Engine is a bbolt-backed ordered key->bytes store.
type Engine struct {
	db *bolt.DB
}

// Open opens (or creates) the engine database under dataDir.
func Open(dataDir string) (*Engine, error) {
	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errdefs.ErrStorage, dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTombstones)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating bucket: %v", errdefs.ErrStorage, err)
	}

	return &Engine{db: db}, nil
}

// Close closes the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Put stores value under key.
func (e *Engine) Put(key, value []byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: put: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// Get returns the value for key, or nil if absent.
func (e *Engine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get(key)
		if data != nil {
			value = make([]byte, len(data))
			copy(value, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", errdefs.ErrStorage, err)
	}
	return value, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (e *Engine) Delete(key []byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// ApplyBatch applies all operations in one write transaction.
func (e *Engine) ApplyBatch(ops []BatchOp) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: batch: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// Flush forces an fsync of the database file.
func (e *Engine) Flush() error {
	if err := e.db.Sync(); err != nil {
		return fmt.Errorf("%w: flush: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// Snapshot returns a full copy of the store. bbolt cursors iterate in
// key order, so ranging the result sorted by key matches disk order.
func (e *Engine) Snapshot() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			out[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", errdefs.ErrStorage, err)
	}
	return out, nil
}

// Replace atomically swaps the entire store contents for the given map.
// Used when installing a consensus snapshot.
func (e *Engine) Replace(entries map[string][]byte) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}
		for k, v := range entries {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replace: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// Len returns the number of keys in the store.
func (e *Engine) Len() (int, error) {
	var n int
	err := e.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKV).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: stats: %v", errdefs.ErrStorage, err)
	}
	return n, nil
}
