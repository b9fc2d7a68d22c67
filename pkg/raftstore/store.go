// Package raftstore persists the raft log in bbolt. It implements
// raft.LogStore plus the purge/truncate discipline the ledger needs:
// entries at or below the last snapshot may be purged, entries above the
// committed index may be truncated, and range reads must be dense.
package raftstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLogs = []byte("logs")
	bucketMeta = []byte("meta")

	keyLastPurged = []byte("last_purged")
)

// LogState describes the persisted extent of the log.
type LogState struct {
	LastPurgedIndex uint64
	LastIndex       uint64
	LastTerm        uint64
}

// Store is a bbolt-backed raft.LogStore.
type Store struct {
	mu   sync.RWMutex
	db   *bolt.DB
	path string

	firstIdx uint64
	lastIdx  uint64
}

var _ raft.LogStore = (*Store)(nil)

// New opens (or creates) the log store at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening raft log %s: %v", errdefs.ErrStorage, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating raft log buckets: %v", errdefs.ErrStorage, err)
	}

	s := &Store{db: db, path: path}
	if err := s.loadIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndexes() error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		if k, _ := c.First(); k != nil {
			s.firstIdx = binary.BigEndian.Uint64(k)
		}
		if k, _ := c.Last(); k != nil {
			s.lastIdx = binary.BigEndian.Uint64(k)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func idxKey(idx uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], idx)
	return b[:]
}

// FirstIndex returns the first index written, 0 for an empty log.
func (s *Store) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIdx, nil
}

// LastIndex returns the last index written, 0 for an empty log.
func (s *Store) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIdx, nil
}

// GetLog retrieves the entry at idx into out.
func (s *Store) GetLog(idx uint64, out *raft.Log) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLogs).Get(idxKey(idx))
		if data == nil {
			return raft.ErrLogNotFound
		}
		return types.DecodeCBOR(data, out)
	})
	if err == raft.ErrLogNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: get log %d: %v", errdefs.ErrStorage, idx, err)
	}
	return nil
}

// StoreLog stores a single entry.
func (s *Store) StoreLog(entry *raft.Log) error {
	return s.StoreLogs([]*raft.Log{entry})
}

// StoreLogs appends a batch of entries in one transaction. The batch
// must extend the log by contiguous indices.
func (s *Store) StoreLogs(entries []*raft.Log) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := entries[0].Index
	for _, e := range entries[1:] {
		prev++
		if e.Index != prev {
			return fmt.Errorf("%w: non-contiguous batch at index %d", errdefs.ErrInconsistentLog, e.Index)
		}
	}
	// The batch may overwrite an uncommitted suffix but must not leave
	// a gap past the current tail.
	if s.lastIdx != 0 && entries[0].Index > s.lastIdx+1 {
		return fmt.Errorf("%w: append at %d leaves gap after %d", errdefs.ErrInconsistentLog, entries[0].Index, s.lastIdx)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		for _, e := range entries {
			data, err := types.EncodeCBOR(e)
			if err != nil {
				return err
			}
			if err := b.Put(idxKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: store logs: %v", errdefs.ErrStorage, err)
	}

	if s.firstIdx == 0 {
		s.firstIdx = entries[0].Index
	}
	if last := entries[len(entries)-1].Index; last > s.lastIdx {
		s.lastIdx = last
	}
	return nil
}

// ReadRange returns the dense entries in [start, end). A gap anywhere in
// the range is an InconsistentLog error.
func (s *Store) ReadRange(start, end uint64) ([]*raft.Log, error) {
	out := make([]*raft.Log, 0, end-start)
	for idx := start; idx < end; idx++ {
		entry := new(raft.Log)
		if err := s.GetLog(idx, entry); err != nil {
			if err == raft.ErrLogNotFound {
				return nil, fmt.Errorf("%w: missing index %d in [%d,%d)", errdefs.ErrInconsistentLog, idx, start, end)
			}
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeleteRange removes entries in [min, max]. raft calls this both for
// head compaction after snapshots and for conflicting-suffix removal.
func (s *Store) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRangeLocked(min, max)
}

func (s *Store) deleteRangeLocked(min, max uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		for k, _ := c.Seek(idxKey(min)); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > max {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		if min <= s.firstIdx {
			return tx.Bucket(bucketMeta).Put(keyLastPurged, idxKey(max))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete range [%d,%d]: %v", errdefs.ErrStorage, min, max, err)
	}

	if min <= s.firstIdx {
		s.firstIdx = max + 1
		if s.firstIdx > s.lastIdx {
			s.firstIdx, s.lastIdx = 0, 0
		}
	}
	if max >= s.lastIdx && min > s.firstIdx {
		s.lastIdx = min - 1
	}
	return nil
}

// Truncate removes entries with index >= idx. Only the uncommitted
// suffix may be truncated; the caller passes its committed index.
func (s *Store) Truncate(idx, committed uint64) error {
	if idx <= committed {
		return fmt.Errorf("%w: truncate at %d would remove committed entries (committed=%d)", errdefs.ErrNotAllowed, idx, committed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.lastIdx {
		return nil
	}
	return s.deleteRangeLocked(idx, s.lastIdx)
}

// Purge removes entries with index <= idx. The caller passes the last
// snapshot's last-included index; purging past it is refused.
func (s *Store) Purge(idx, snapshotIndex uint64) error {
	if idx > snapshotIndex {
		return fmt.Errorf("%w: purge to %d exceeds snapshot index %d", errdefs.ErrNotAllowed, idx, snapshotIndex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstIdx == 0 || idx < s.firstIdx {
		return nil
	}
	return s.deleteRangeLocked(s.firstIdx, idx)
}

// State reports the persisted extent of the log.
func (s *Store) State() (LogState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := LogState{LastIndex: s.lastIdx}
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyLastPurged); v != nil {
			st.LastPurgedIndex = binary.BigEndian.Uint64(v)
		}
		if s.lastIdx != 0 {
			var entry raft.Log
			data := tx.Bucket(bucketLogs).Get(idxKey(s.lastIdx))
			if data == nil {
				return fmt.Errorf("tail index %d missing", s.lastIdx)
			}
			if err := types.DecodeCBOR(data, &entry); err != nil {
				return err
			}
			st.LastTerm = entry.Term
		}
		return nil
	})
	if err != nil {
		return LogState{}, fmt.Errorf("%w: log state: %v", errdefs.ErrStorage, err)
	}
	return st, nil
}

// HasState reports whether any log entries were ever persisted.
func (s *Store) HasState() (bool, error) {
	st, err := s.State()
	if err != nil {
		return false, err
	}
	return st.LastIndex != 0 || st.LastPurgedIndex != 0, nil
}
