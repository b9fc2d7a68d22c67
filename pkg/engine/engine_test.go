package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestPutGetDelete(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.Put([]byte("alice"), []byte("A")))

	got, err := eng.Get([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("A"), got)

	got, err = eng.Get([]byte("missing"))
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, eng.Delete([]byte("alice")))
	got, err = eng.Get([]byte("alice"))
	require.NoError(t, err)
	require.Nil(t, got)

	// deleting an absent key is a no-op
	require.NoError(t, eng.Delete([]byte("alice")))
}

func TestApplyBatchAtomic(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.Put([]byte("drop"), []byte("me")))
	ops := []BatchOp{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Delete: true, Key: []byte("drop")},
	}
	require.NoError(t, eng.ApplyBatch(ops))

	got, err := eng.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	got, err = eng.Get([]byte("drop"))
	require.NoError(t, err)
	require.Nil(t, got)

	n, err := eng.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSnapshotAndReplace(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, eng.Put([]byte("k2"), []byte("v2")))

	snap, err := eng.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, []byte("v1"), snap["k1"])

	require.NoError(t, eng.Replace(map[string][]byte{"k3": []byte("v3")}))

	got, err := eng.Get([]byte("k1"))
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = eng.Get([]byte("k3"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), got)
}

func TestTombstones(t *testing.T) {
	eng := newTestEngine(t)

	found, err := eng.HasTombstone([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, eng.PutTombstone([]byte("k")))
	found, err = eng.HasTombstone([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	keys, err := eng.Tombstones()
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, keys)

	require.NoError(t, eng.ClearTombstone([]byte("k")))
	found, err = eng.HasTombstone([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, eng.ReplaceTombstones([]string{"a", "b"}))
	keys, err = eng.Tombstones()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, eng.ReplaceTombstones(nil))
	keys, err = eng.Tombstones()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, eng.Put([]byte("alice"), []byte("A")))
	require.NoError(t, eng.SetLastApplied(7, 2))
	require.NoError(t, eng.Flush())
	require.NoError(t, eng.Close())

	eng, err = Open(dir)
	require.NoError(t, err)
	defer eng.Close()

	got, err := eng.Get([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("A"), got)

	idx, term, err := eng.LastApplied()
	require.NoError(t, err)
	require.Equal(t, uint64(7), idx)
	require.Equal(t, uint64(2), term)
}
