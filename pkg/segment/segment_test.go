package segment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyra-network/scribe-ledger/pkg/types"
)

func TestReadYourWrites(t *testing.T) {
	m := NewManager(1, 1<<20)

	m.Record([]byte("k"), []byte("v1"))
	got, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got)

	m.Record([]byte("k"), []byte("v2"))
	got, ok = m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestRotationOnThreshold(t *testing.T) {
	m := NewManager(1, 64)

	m.Record([]byte("a"), make([]byte, 100))
	require.Len(t, m.Flushed(), 1)
	require.Equal(t, int64(0), m.ActiveSize())

	sealed := m.Flushed()[0]
	require.Equal(t, types.SegmentSealed, sealed.State)

	// sealed data stays readable through the manager
	got, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Len(t, got, 100)
}

func TestSegmentIDsNodeUnique(t *testing.T) {
	m1 := NewManager(1, 32)
	m2 := NewManager(2, 32)

	m1.Record([]byte("a"), make([]byte, 64))
	m2.Record([]byte("a"), make([]byte, 64))

	id1 := m1.Flushed()[0].ID
	id2 := m2.Flushed()[0].ID
	require.NotEqual(t, id1, id2)
	require.Equal(t, uint64(1), id1>>32)
	require.Equal(t, uint64(2), id2>>32)
}

func TestSealNowAndDrop(t *testing.T) {
	m := NewManager(1, 1<<20)

	require.Nil(t, m.SealNow())

	m.Record([]byte("k"), []byte("v"))
	sealed := m.SealNow()
	require.NotNil(t, sealed)
	require.Len(t, m.Flushed(), 1)

	require.True(t, m.DropFlushed(sealed.ID))
	require.False(t, m.DropFlushed(sealed.ID))
	require.Empty(t, m.Flushed())

	_, ok := m.Get([]byte("k"))
	require.False(t, ok)

	m.Restore(sealed)
	got, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestFindKeyNewestFirst(t *testing.T) {
	m := NewManager(1, 1<<20)

	m.Record([]byte("k"), []byte("old"))
	first := m.SealNow()

	m.Record([]byte("k"), []byte("new"))
	second := m.SealNow()
	require.NotEqual(t, first.ID, second.ID)

	seg, ok := m.FindKey([]byte("k"))
	require.True(t, ok)
	require.Equal(t, second.ID, seg.ID)
	require.Equal(t, []byte("new"), seg.Entries["k"])
}

func TestCodecRoundTrip(t *testing.T) {
	seg := &types.Segment{
		ID:          42,
		CreatedTsMs: 1234567890,
		Entries:     make(map[string][]byte),
	}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		seg.Entries[k] = []byte(fmt.Sprintf("value-%03d", i))
		seg.ByteSize += int64(len(k) + len(seg.Entries[k]))
	}

	data := Encode(seg)
	require.Equal(t, data, Encode(seg), "encoding must be deterministic")

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, seg.ID, decoded.ID)
	require.Equal(t, seg.CreatedTsMs, decoded.CreatedTsMs)
	require.Equal(t, seg.Entries, decoded.Entries)

	require.Equal(t, Root(seg), Root(decoded))
}

func TestDecodeTruncated(t *testing.T) {
	seg := &types.Segment{ID: 1, Entries: map[string][]byte{"k": []byte("v")}}
	data := Encode(seg)

	_, err := Decode(data[:10])
	require.Error(t, err)
	_, err = Decode(data[:len(data)-1])
	require.Error(t, err)
}

type memSeq struct{ seq uint64 }

func (m *memSeq) LoadSegmentSeq() (uint64, error) { return m.seq, nil }
func (m *memSeq) SaveSegmentSeq(s uint64) error   { m.seq = s; return nil }

func TestSeqStoreKeepsIDsUniqueAcrossRestarts(t *testing.T) {
	store := &memSeq{}

	m := NewManager(1, 1<<20)
	require.NoError(t, m.UseSeqStore(store))
	m.Record([]byte("a"), []byte("1"))
	first := m.SealNow()

	// a fresh manager over the same store must not reuse ids
	m2 := NewManager(1, 1<<20)
	require.NoError(t, m2.UseSeqStore(store))
	m2.Record([]byte("b"), []byte("2"))
	second := m2.SealNow()

	require.NotEqual(t, first.ID, second.ID)
	require.Greater(t, second.ID, first.ID)
}

func TestSealedOlderThan(t *testing.T) {
	m := NewManager(1, 1<<20)
	m.Record([]byte("k"), []byte("v"))
	sealed := m.SealNow()

	require.Empty(t, m.SealedOlderThan(sealed.CreatedTsMs-1))
	require.Len(t, m.SealedOlderThan(sealed.CreatedTsMs), 1)
}
