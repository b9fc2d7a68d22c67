package consensus

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/engine"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// FSM applies committed log entries to the local engine, the segment
// buffer and the replicated manifest, in strict index order.
type FSM struct {
	mu       sync.RWMutex
	engine   *engine.Engine
	segments *segment.Manager
	manifest *manifest.State

	lastIndex uint64
	lastTerm  uint64

	// onApply is invoked with the affected key after every applied
	// mutation, on leaders and followers alike. The API layer hooks
	// cache invalidation here.
	onApply func(key []byte)

	logger zerolog.Logger
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM builds the state machine. The persisted last-applied marker is
// loaded so that log replay after restart skips entries the engine
// already holds.
func NewFSM(eng *engine.Engine, segments *segment.Manager, manifestState *manifest.State) (*FSM, error) {
	idx, term, err := eng.LastApplied()
	if err != nil {
		return nil, err
	}
	return &FSM{
		engine:    eng,
		segments:  segments,
		manifest:  manifestState,
		lastIndex: idx,
		lastTerm:  term,
		logger:    log.WithComponent("fsm"),
	}, nil
}

// SetOnApply registers the post-apply hook. Must be called before the
// raft node starts applying.
func (f *FSM) SetOnApply(fn func(key []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onApply = fn
}

// AppliedState returns the (index, term) of the last applied entry.
func (f *FSM) AppliedState() (index, term uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastIndex, f.lastTerm
}

// Get reads a key from local committed state.
func (f *FSM) Get(key []byte) ([]byte, error) {
	return f.engine.Get(key)
}

// Deleted reports whether key carries a delete tombstone.
func (f *FSM) Deleted(key []byte) (bool, error) {
	return f.engine.HasTombstone(key)
}

// Apply applies one committed entry. Re-applying an index at or below
// the persisted last-applied marker is a no-op.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.Index <= f.lastIndex {
		return types.ApplyResult{Op: types.OpNoop}
	}

	var cmd types.Command
	if err := types.DecodeCBOR(entry.Data, &cmd); err != nil {
		return types.ApplyResult{Err: fmt.Errorf("decoding command at index %d: %w", entry.Index, err)}
	}

	res := f.applyCommand(&cmd)
	f.lastIndex, f.lastTerm = entry.Index, entry.Term
	if err := f.engine.SetLastApplied(entry.Index, entry.Term); err != nil {
		f.logger.Error().Err(err).Uint64("index", entry.Index).Msg("persisting applied marker")
	}
	if res.Err == nil && f.onApply != nil && len(cmd.Key) > 0 {
		f.onApply(cmd.Key)
	}
	return res
}

func (f *FSM) applyCommand(cmd *types.Command) types.ApplyResult {
	switch cmd.Op {
	case types.OpPut:
		if err := f.engine.Put(cmd.Key, cmd.Value); err != nil {
			return types.ApplyResult{Op: cmd.Op, Err: err}
		}
		// a re-put revives a previously deleted key
		if err := f.engine.ClearTombstone(cmd.Key); err != nil {
			return types.ApplyResult{Op: cmd.Op, Err: err}
		}
		f.segments.Record(cmd.Key, cmd.Value)
		return types.ApplyResult{Op: cmd.Op}

	case types.OpDelete:
		if err := f.engine.Delete(cmd.Key); err != nil {
			return types.ApplyResult{Op: cmd.Op, Err: err}
		}
		// archived segments are immutable; the tombstone keeps the key
		// deleted for the cold read-through path
		if err := f.engine.PutTombstone(cmd.Key); err != nil {
			return types.ApplyResult{Op: cmd.Op, Err: err}
		}
		return types.ApplyResult{Op: cmd.Op}

	case types.OpManifestAdd:
		if cmd.Entry == nil {
			return types.ApplyResult{Op: cmd.Op, Err: fmt.Errorf("manifest add without entry")}
		}
		f.manifest.ApplyAdd(*cmd.Entry)
		return types.ApplyResult{Op: cmd.Op}

	case types.OpManifestRemove:
		f.manifest.ApplyRemove(cmd.SegmentID)
		return types.ApplyResult{Op: cmd.Op}

	case types.OpNoop:
		return types.ApplyResult{Op: cmd.Op}

	default:
		return types.ApplyResult{Op: cmd.Op, Err: fmt.Errorf("unknown command %q", cmd.Op)}
	}
}

// fsmSnapshot is the serialized point-in-time state handed to raft.
type fsmSnapshot struct {
	data []byte
}

// snapshotBody is the CBOR layout of a state machine snapshot.
type snapshotBody struct {
	LastIndex  uint64            `cbor:"1,keyasint"`
	LastTerm   uint64            `cbor:"2,keyasint"`
	Entries    map[string][]byte `cbor:"3,keyasint"`
	Manifest   types.Manifest    `cbor:"4,keyasint"`
	Tombstones []string          `cbor:"5,keyasint,omitempty"`
}

// Snapshot exports the full engine contents plus the manifest.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.engine.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("exporting engine state: %w", err)
	}
	tombstones, err := f.engine.Tombstones()
	if err != nil {
		return nil, fmt.Errorf("exporting tombstones: %w", err)
	}
	body := snapshotBody{
		LastIndex:  f.lastIndex,
		LastTerm:   f.lastTerm,
		Entries:    entries,
		Manifest:   *f.manifest.Latest(),
		Tombstones: tombstones,
	}
	data, err := types.EncodeCBOR(&body)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore atomically replaces state from a snapshot and advances the
// applied marker to the snapshot's last included entry.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var body snapshotBody
	if err := types.DecodeCBOR(data, &body); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.engine.Replace(body.Entries); err != nil {
		return fmt.Errorf("installing snapshot state: %w", err)
	}
	if err := f.engine.ReplaceTombstones(body.Tombstones); err != nil {
		return fmt.Errorf("installing snapshot tombstones: %w", err)
	}
	f.manifest.Replace(body.Manifest)
	f.lastIndex, f.lastTerm = body.LastIndex, body.LastTerm
	if err := f.engine.SetLastApplied(body.LastIndex, body.LastTerm); err != nil {
		return err
	}
	f.logger.Info().Uint64("last_index", body.LastIndex).Msg("snapshot installed")
	return nil
}

// Persist writes the snapshot to the sink, cancelling it on failure.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if _, err := sink.Write(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
