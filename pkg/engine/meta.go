package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	keyLastApplied = []byte("last_applied")
	keySegmentSeq  = []byte("segment_seq")
)

// SaveSegmentSeq persists the segment allocation counter so ids stay
// unique across restarts.
func (e *Engine) SaveSegmentSeq(seq uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return b.Put(keySegmentSeq, buf[:])
	})
	if err != nil {
		return fmt.Errorf("%w: save segment seq: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// LoadSegmentSeq returns the persisted segment allocation counter,
// zero when none.
func (e *Engine) LoadSegmentSeq() (uint64, error) {
	var seq uint64
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		if v := b.Get(keySegmentSeq); len(v) == 8 {
			seq = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: load segment seq: %v", errdefs.ErrStorage, err)
	}
	return seq, nil
}

// SetLastApplied records the (index, term) of the last log entry applied
// to this store. Written after each apply so restarts can skip replayed
// entries.
func (e *Engine) SetLastApplied(index, term uint64) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], index)
	binary.LittleEndian.PutUint64(buf[8:16], term)

	err := e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return b.Put(keyLastApplied, buf[:])
	})
	if err != nil {
		return fmt.Errorf("%w: set last applied: %v", errdefs.ErrStorage, err)
	}
	return nil
}

// LastApplied returns the persisted (index, term), zeroes when none.
func (e *Engine) LastApplied() (index, term uint64, err error) {
	verr := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		v := b.Get(keyLastApplied)
		if len(v) == 16 {
			index = binary.LittleEndian.Uint64(v[0:8])
			term = binary.LittleEndian.Uint64(v[8:16])
		}
		return nil
	})
	if verr != nil {
		return 0, 0, fmt.Errorf("%w: last applied: %v", errdefs.ErrStorage, verr)
	}
	return index, term, nil
}
