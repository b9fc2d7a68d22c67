// Package segment buffers committed mutations into size-bounded,
// immutable segments that feed the archival tier.
package segment

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// entryOverhead approximates the per-entry framing cost counted against
// the rotation threshold.
const entryOverhead = 8

// SeqStore persists the segment allocation counter across restarts.
// Implemented by the local engine.
type SeqStore interface {
	LoadSegmentSeq() (uint64, error)
	SaveSegmentSeq(seq uint64) error
}

// Manager holds one active segment and the list of sealed segments not
// yet dropped locally. Reads look in the active segment first, then the
// flushed list newest to oldest, guaranteeing read-your-writes locally.
type Manager struct {
	mu        sync.RWMutex
	nodeID    uint64
	threshold int64
	nextSeq   uint64
	active    *types.Segment
	flushed   []*types.Segment // oldest first
	seqStore  SeqStore
	logger    zerolog.Logger
}

// NewManager creates a manager rotating segments at threshold bytes.
// Segment ids are node-unique: the node id occupies the high 32 bits.
func NewManager(nodeID uint64, threshold int64) *Manager {
	m := &Manager{
		nodeID:    nodeID,
		threshold: threshold,
		logger:    log.WithComponent("segment"),
	}
	return m
}

// UseSeqStore restores the allocation counter from the store and
// persists it on every allocation, keeping segment ids unique across
// restarts. Call before the first write.
func (m *Manager) UseSeqStore(store SeqStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, err := store.LoadSegmentSeq()
	if err != nil {
		return err
	}
	if seq > m.nextSeq {
		m.nextSeq = seq
	}
	m.seqStore = store
	return nil
}

func (m *Manager) allocID() uint64 {
	m.nextSeq++
	if m.seqStore != nil {
		if err := m.seqStore.SaveSegmentSeq(m.nextSeq); err != nil {
			m.logger.Error().Err(err).Msg("persisting segment counter")
		}
	}
	return m.nodeID<<32 | m.nextSeq
}

// ensureActive lazily begins a segment on first write after rotation.
func (m *Manager) ensureActive() {
	if m.active == nil {
		m.active = &types.Segment{
			ID:          m.allocID(),
			CreatedTsMs: types.NowMs(),
			Entries:     make(map[string][]byte),
			State:       types.SegmentActive,
		}
		m.logger.Debug().Uint64("segment_id", m.active.ID).Msg("started segment")
	}
}

// Record adds a mutation to the active segment, rotating if the byte
// size crosses the threshold.
func (m *Manager) Record(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureActive()
	prev, existed := m.active.Entries[string(key)]
	if existed {
		m.active.ByteSize -= int64(len(prev))
	} else {
		m.active.ByteSize += int64(len(key)) + entryOverhead
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.active.Entries[string(key)] = v
	m.active.ByteSize += int64(len(value))

	if m.active.ByteSize >= m.threshold {
		m.sealLocked()
	}
}

// Get looks up key in the active segment first, then flushed segments
// newest to oldest.
func (m *Manager) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active != nil {
		if v, ok := m.active.Entries[string(key)]; ok {
			return v, true
		}
	}
	for i := len(m.flushed) - 1; i >= 0; i-- {
		if v, ok := m.flushed[i].Entries[string(key)]; ok {
			return v, true
		}
	}
	return nil, false
}

func (m *Manager) sealLocked() *types.Segment {
	if m.active == nil || len(m.active.Entries) == 0 {
		return nil
	}
	sealed := m.active
	sealed.State = types.SegmentSealed
	m.flushed = append(m.flushed, sealed)
	m.active = nil
	m.logger.Info().
		Uint64("segment_id", sealed.ID).
		Int64("bytes", sealed.ByteSize).
		Int("entries", len(sealed.Entries)).
		Msg("sealed segment")
	return sealed
}

// SealNow seals the active segment regardless of size. Returns nil when
// the active segment is empty.
func (m *Manager) SealNow() *types.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealLocked()
}

// Rotate seals the active segment and immediately begins a fresh one.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealLocked()
	m.ensureActive()
}

// Flushed returns a snapshot of the sealed segments, oldest first.
func (m *Manager) Flushed() []*types.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Segment, len(m.flushed))
	copy(out, m.flushed)
	return out
}

// FindKey returns the newest sealed segment containing key.
func (m *Manager) FindKey(key []byte) (*types.Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.flushed) - 1; i >= 0; i-- {
		if _, ok := m.flushed[i].Entries[string(key)]; ok {
			return m.flushed[i], true
		}
	}
	return nil, false
}

// SealedOlderThan returns sealed segments created at or before cutoffMs.
func (m *Manager) SealedOlderThan(cutoffMs int64) []*types.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Segment
	for _, s := range m.flushed {
		if s.CreatedTsMs <= cutoffMs {
			out = append(out, s)
		}
	}
	return out
}

// DropFlushed removes a sealed segment from the local list, after its
// manifest entry has committed. Returns false if the id is unknown.
func (m *Manager) DropFlushed(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.flushed {
		if s.ID == id {
			m.flushed = append(m.flushed[:i], m.flushed[i+1:]...)
			s.State = types.SegmentLocalDropped
			return true
		}
	}
	return false
}

// Restore re-inserts a sealed segment into the local list.
func (m *Manager) Restore(s *types.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = types.SegmentSealed
	for i, f := range m.flushed {
		if f.ID == s.ID {
			m.flushed[i] = s
			return
		}
	}
	m.flushed = append(m.flushed, s)
}

// ActiveSize returns the byte size of the active segment.
func (m *Manager) ActiveSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return 0
	}
	return m.active.ByteSize
}
