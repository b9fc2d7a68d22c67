package consensus

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/hyra-network/scribe-ledger/pkg/engine"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// memSink is an in-memory raft.SnapshotSink.
type memSink struct{ buf bytes.Buffer }

func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memSink) Close() error                { return nil }
func (m *memSink) ID() string                  { return "mem" }
func (m *memSink) Cancel() error               { return nil }

func newTestFSM(t *testing.T) (*FSM, *engine.Engine, *segment.Manager, *manifest.State) {
	t.Helper()
	eng, err := engine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	segments := segment.NewManager(1, 1<<20)
	state := manifest.NewState()
	fsm, err := NewFSM(eng, segments, state)
	require.NoError(t, err)
	return fsm, eng, segments, state
}

func logEntry(t *testing.T, index, term uint64, cmd types.Command) *raft.Log {
	t.Helper()
	data, err := types.EncodeCBOR(&cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: term, Type: raft.LogCommand, Data: data}
}

func TestApplyPutDeleteFeedsSegments(t *testing.T) {
	fsm, eng, segments, _ := newTestFSM(t)

	res := fsm.Apply(logEntry(t, 1, 1, types.Command{Op: types.OpPut, Key: []byte("k"), Value: []byte("v")}))
	require.NoError(t, res.(types.ApplyResult).Err)

	value, err := eng.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	// puts land in the active segment too
	got, ok := segments.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	res = fsm.Apply(logEntry(t, 2, 1, types.Command{Op: types.OpDelete, Key: []byte("k")}))
	require.NoError(t, res.(types.ApplyResult).Err)

	value, err = eng.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, value)

	// delete leaves a tombstone; a later put revives the key
	deleted, err := fsm.Deleted([]byte("k"))
	require.NoError(t, err)
	require.True(t, deleted)

	res = fsm.Apply(logEntry(t, 3, 1, types.Command{Op: types.OpPut, Key: []byte("k"), Value: []byte("v2")}))
	require.NoError(t, res.(types.ApplyResult).Err)
	deleted, err = fsm.Deleted([]byte("k"))
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestApplyIdempotentReplay(t *testing.T) {
	fsm, eng, _, _ := newTestFSM(t)

	entry := logEntry(t, 1, 1, types.Command{Op: types.OpPut, Key: []byte("k"), Value: []byte("v1")})
	fsm.Apply(entry)

	// replaying the same index with different content must be a no-op
	replay := logEntry(t, 1, 1, types.Command{Op: types.OpPut, Key: []byte("k"), Value: []byte("poison")})
	res := fsm.Apply(replay)
	require.Equal(t, types.OpNoop, res.(types.ApplyResult).Op)

	value, err := eng.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	idx, term := fsm.AppliedState()
	require.Equal(t, uint64(1), idx)
	require.Equal(t, uint64(1), term)
}

func TestApplyManifestCommands(t *testing.T) {
	fsm, _, _, state := newTestFSM(t)

	entry := types.ManifestEntry{SegmentID: 7, Timestamp: 100, Size: 10}
	res := fsm.Apply(logEntry(t, 1, 1, types.Command{Op: types.OpManifestAdd, Entry: &entry}))
	require.NoError(t, res.(types.ApplyResult).Err)
	require.Equal(t, uint64(1), state.Latest().Version)

	res = fsm.Apply(logEntry(t, 2, 1, types.Command{Op: types.OpManifestRemove, SegmentID: 7}))
	require.NoError(t, res.(types.ApplyResult).Err)
	require.Empty(t, state.Latest().Entries)
}

func TestApplyUnknownCommand(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t)

	res := fsm.Apply(logEntry(t, 1, 1, types.Command{Op: "mystery"}))
	require.Error(t, res.(types.ApplyResult).Err)
}

func TestOnApplyHook(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t)

	var invalidated []string
	fsm.SetOnApply(func(key []byte) {
		invalidated = append(invalidated, string(key))
	})

	fsm.Apply(logEntry(t, 1, 1, types.Command{Op: types.OpPut, Key: []byte("a"), Value: []byte("1")}))
	fsm.Apply(logEntry(t, 2, 1, types.Command{Op: types.OpDelete, Key: []byte("a")}))
	require.Equal(t, []string{"a", "a"}, invalidated)
}

func TestSnapshotRestore(t *testing.T) {
	fsm, _, _, state := newTestFSM(t)

	fsm.Apply(logEntry(t, 1, 1, types.Command{Op: types.OpPut, Key: []byte("k1"), Value: []byte("v1")}))
	fsm.Apply(logEntry(t, 2, 1, types.Command{Op: types.OpPut, Key: []byte("k2"), Value: []byte("v2")}))
	fsm.Apply(logEntry(t, 3, 1, types.Command{
		Op:    types.OpManifestAdd,
		Entry: &types.ManifestEntry{SegmentID: 5, Timestamp: 50, Size: 2},
	}))
	fsm.Apply(logEntry(t, 4, 1, types.Command{Op: types.OpDelete, Key: []byte("k2")}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	// restore into a fresh state machine
	fsm2, eng2, _, state2 := newTestFSM(t)
	require.NoError(t, fsm2.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	value, err := eng2.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	// tombstones survive snapshot install
	deleted, err := fsm2.Deleted([]byte("k2"))
	require.NoError(t, err)
	require.True(t, deleted)

	idx, term := fsm2.AppliedState()
	require.Equal(t, uint64(4), idx)
	require.Equal(t, uint64(1), term)

	require.Equal(t, state.Latest().Version, state2.Latest().Version)
	_, ok := state2.Latest().Entry(5)
	require.True(t, ok)
}
