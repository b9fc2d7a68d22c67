// Package manifest maintains the consensus-replicated catalog of
// archived segments. The replicated state is mutated only from the state
// machine apply path; leader-side mutations go through the consensus
// proposer so every node converges on the same catalog.
package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// Proposer submits a command through consensus and returns once it is
// committed and applied. Implemented by the consensus node.
type Proposer interface {
	Apply(ctx context.Context, cmd types.Command) (types.ApplyResult, error)
}

// State is the replicated manifest. Only the state machine writes it.
type State struct {
	mu       sync.RWMutex
	manifest types.Manifest
}

// NewState returns an empty manifest state at version 0.
func NewState() *State {
	return &State{}
}

// ApplyAdd upserts an entry. Re-applying an identical entry is a no-op
// so replaying the log after restart does not inflate the version.
func (s *State) ApplyAdd(entry types.ManifestEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.manifest.Entries {
		if e.SegmentID == entry.SegmentID {
			if e == entry {
				return
			}
			s.manifest.Entries[i] = entry
			s.bumpLocked()
			return
		}
	}
	s.manifest.Entries = append(s.manifest.Entries, entry)
	sort.Slice(s.manifest.Entries, func(i, j int) bool {
		return s.manifest.Entries[i].SegmentID < s.manifest.Entries[j].SegmentID
	})
	s.bumpLocked()
}

// ApplyRemove deletes the entry for segmentID if present.
func (s *State) ApplyRemove(segmentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.manifest.Entries {
		if e.SegmentID == segmentID {
			s.manifest.Entries = append(s.manifest.Entries[:i], s.manifest.Entries[i+1:]...)
			s.bumpLocked()
			return
		}
	}
}

func (s *State) bumpLocked() {
	s.manifest.Version++
	s.manifest.CreatedTs = types.NowMs()
}

// Replace swaps the whole manifest, used on snapshot install.
func (s *State) Replace(m types.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
}

// Latest returns a copy of the current manifest.
func (s *State) Latest() *types.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.Clone()
}

// Manager exposes manifest reads and leader-side proposals.
type Manager struct {
	state    *State
	proposer Proposer
	logger   zerolog.Logger
}

// NewManager wires the replicated state with the consensus proposer.
func NewManager(state *State, proposer Proposer) *Manager {
	return &Manager{
		state:    state,
		proposer: proposer,
		logger:   log.WithComponent("manifest"),
	}
}

// Latest returns a copy of the current manifest.
func (m *Manager) Latest() *types.Manifest { return m.state.Latest() }

// Version returns the current manifest version.
func (m *Manager) Version() uint64 { return m.state.Latest().Version }

// Segments returns all entries ordered by segment id.
func (m *Manager) Segments() []types.ManifestEntry { return m.state.Latest().Entries }

// Segment returns the entry for the given id.
func (m *Manager) Segment(id uint64) (types.ManifestEntry, bool) {
	return m.state.Latest().Entry(id)
}

// AddSegment proposes a manifest entry through consensus and returns
// once it is committed and applied on this node.
func (m *Manager) AddSegment(ctx context.Context, entry types.ManifestEntry) error {
	res, err := m.proposer.Apply(ctx, types.Command{Op: types.OpManifestAdd, Entry: &entry})
	if err != nil {
		return fmt.Errorf("proposing manifest add for segment %d: %w", entry.SegmentID, err)
	}
	if res.Err != nil {
		return res.Err
	}
	m.logger.Info().Uint64("segment_id", entry.SegmentID).Msg("manifest entry committed")
	return nil
}

// RemoveSegment proposes removal of a manifest entry through consensus.
func (m *Manager) RemoveSegment(ctx context.Context, segmentID uint64) error {
	res, err := m.proposer.Apply(ctx, types.Command{Op: types.OpManifestRemove, SegmentID: segmentID})
	if err != nil {
		return fmt.Errorf("proposing manifest remove for segment %d: %w", segmentID, err)
	}
	return res.Err
}

// SyncWith reconciles the local manifest with a remote one: the strictly
// higher version wins outright; equal versions merge entry-by-entry. The
// result replaces local state directly (sync is a repair path used
// outside the replicated write flow).
func (m *Manager) SyncWith(remote *types.Manifest) *types.Manifest {
	local := m.state.Latest()
	var merged *types.Manifest
	switch {
	case remote.Version > local.Version:
		merged = remote.Clone()
	case remote.Version < local.Version:
		merged = local
	default:
		merged = MergeManifests(local, remote)
	}
	m.state.Replace(*merged)
	return merged
}

// MergeManifests merges two manifests of equal precedence: per-entry
// conflicts resolve to the newer timestamp and the result carries
// version = max(a,b)+1.
func MergeManifests(a, b *types.Manifest) *types.Manifest {
	byID := make(map[uint64]types.ManifestEntry)
	for _, e := range a.Entries {
		byID[e.SegmentID] = e
	}
	for _, e := range b.Entries {
		if cur, ok := byID[e.SegmentID]; !ok || e.Timestamp > cur.Timestamp {
			byID[e.SegmentID] = e
		}
	}

	out := &types.Manifest{CreatedTs: types.NowMs()}
	if a.Version >= b.Version {
		out.Version = a.Version + 1
	} else {
		out.Version = b.Version + 1
	}
	for _, e := range byID {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].SegmentID < out.Entries[j].SegmentID
	})
	return out
}

// ComputeDiff reports segment ids added, removed or modified between two
// manifest versions.
func ComputeDiff(old, new_ *types.Manifest) types.ManifestDiff {
	oldByID := make(map[uint64]types.ManifestEntry)
	for _, e := range old.Entries {
		oldByID[e.SegmentID] = e
	}

	var diff types.ManifestDiff
	seen := make(map[uint64]bool)
	for _, e := range new_.Entries {
		seen[e.SegmentID] = true
		prev, ok := oldByID[e.SegmentID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, e.SegmentID)
		case prev != e:
			diff.Modified = append(diff.Modified, e.SegmentID)
		}
	}
	for _, e := range old.Entries {
		if !seen[e.SegmentID] {
			diff.Removed = append(diff.Removed, e.SegmentID)
		}
	}
	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i] < diff.Added[j] })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i] < diff.Removed[j] })
	sort.Slice(diff.Modified, func(i, j int) bool { return diff.Modified[i] < diff.Modified[j] })
	return diff
}
