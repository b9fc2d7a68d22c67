package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/hyra-network/scribe-ledger/pkg/archival"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/engine"
	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/merkle"
	"github.com/hyra-network/scribe-ledger/pkg/s3"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

type testStack struct {
	api      *API
	segments *segment.Manager
	node     *consensus.Node
	manifest *manifest.Manager
	archival *archival.Engine
}

// memStore is an in-memory ObjectStore standing in for the S3 backend.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) PutObject(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	m.objects[key] = cp
	return nil
}

func (m *memStore) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return body, nil
}

func (m *memStore) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) ListObjects(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var _ s3.ObjectStore = (*memStore)(nil)

// newTestStack boots a single-voter node with the API façade on top.
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	dir := t.TempDir()
	eng, err := engine.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	segments := segment.NewManager(1, 1<<20)
	state := manifest.NewState()
	fsm, err := consensus.NewFSM(eng, segments, state)
	require.NoError(t, err)

	ports := dynaport.Get(1)
	node, err := consensus.NewNode(consensus.Options{
		NodeID:              1,
		RaftAddr:            fmt.Sprintf("127.0.0.1:%d", ports[0]),
		DataDir:             dir,
		HeartbeatInterval:   50 * time.Millisecond,
		ElectionTimeoutMax:  200 * time.Millisecond,
		DefaultApplyTimeout: 5 * time.Second,
	}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	require.NoError(t, node.Open(true))
	_, err = node.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	man := manifest.NewManager(state, node)
	arch, err := archival.New(archival.Policy{
		Compress:         true,
		CompressionLevel: 6,
	}, newMemStore(), segments, man, nil, node.IsLeader, 16)
	require.NoError(t, err)

	a, err := New(node, fsm, segments, man, arch, Options{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		MaxBatchSize: 8,
		CacheSize:    16,
	})
	require.NoError(t, err)

	return &testStack{api: a, segments: segments, node: node, manifest: man, archival: arch}
}

func TestPutGetBothConsistencies(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.api.Put(ctx, []byte("alice"), []byte("A")))

	got, err := s.api.Get(ctx, []byte("alice"), types.Linearizable)
	require.NoError(t, err)
	require.Equal(t, []byte("A"), got)

	got, err = s.api.Get(ctx, []byte("alice"), types.Stale)
	require.NoError(t, err)
	require.Equal(t, []byte("A"), got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStack(t)

	_, err := s.api.Get(context.Background(), []byte("ghost"), types.Stale)
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = s.api.Get(context.Background(), []byte("ghost"), types.Linearizable)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMutationsInvalidateCache(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.api.Put(ctx, []byte("k"), []byte("v1")))

	got, err := s.api.Get(ctx, []byte("k"), types.Stale)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// overwrite: the cached v1 must not survive
	require.NoError(t, s.api.Put(ctx, []byte("k"), []byte("v2")))
	got, err = s.api.Get(ctx, []byte("k"), types.Stale)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.api.Delete(ctx, []byte("k")))
	_, err = s.api.Get(ctx, []byte("k"), types.Stale)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestBatchBounds(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	kvs := make([]KV, 9)
	for i := range kvs {
		kvs[i] = KV{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v")}
	}
	err := s.api.BatchPut(ctx, kvs)
	require.ErrorIs(t, err, errdefs.ErrNotAllowed)

	require.NoError(t, s.api.BatchPut(ctx, kvs[:8]))

	keys := [][]byte{[]byte("k0"), []byte("k1"), []byte("missing")}
	got, err := s.api.BatchGet(ctx, keys, types.Stale)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestColdReadThrough(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	// a segment archived elsewhere in the cluster: present in the
	// manifest and object storage, absent from this node's engine
	seg := &types.Segment{
		ID:          9<<32 | 1,
		CreatedTsMs: types.NowMs(),
		Entries:     map[string][]byte{"cold-key": []byte("cold-value")},
		State:       types.SegmentSealed,
	}
	_, err := s.archival.ArchiveSegment(ctx, seg)
	require.NoError(t, err)
	require.NoError(t, s.manifest.AddSegment(ctx, types.ManifestEntry{
		SegmentID:  seg.ID,
		Timestamp:  types.NowMs(),
		MerkleRoot: segment.Root(seg),
		Size:       seg.ByteSize,
	}))

	got, err := s.api.Get(ctx, []byte("cold-key"), types.Stale)
	require.NoError(t, err)
	require.Equal(t, []byte("cold-value"), got)
}

func TestDeletedKeyStaysDeletedAfterArchival(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.api.Put(ctx, []byte("ledger-key"), []byte("v1")))
	sealed := s.segments.SealNow()
	require.NotNil(t, sealed)

	_, err := s.archival.ArchiveSegment(ctx, sealed)
	require.NoError(t, err)
	require.NoError(t, s.manifest.AddSegment(ctx, types.ManifestEntry{
		SegmentID:  sealed.ID,
		Timestamp:  types.NowMs(),
		MerkleRoot: segment.Root(sealed),
		Size:       sealed.ByteSize,
	}))
	require.True(t, s.segments.DropFlushed(sealed.ID))

	// deleting the key must not let the archived copy resurrect it
	require.NoError(t, s.api.Delete(ctx, []byte("ledger-key")))
	_, err = s.api.Get(ctx, []byte("ledger-key"), types.Stale)
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	// a later put revives the key over the tombstone
	require.NoError(t, s.api.Put(ctx, []byte("ledger-key"), []byte("v2")))
	got, err := s.api.Get(ctx, []byte("ledger-key"), types.Stale)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestProofOverSealedSegment(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.api.Put(ctx, []byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i))))
	}
	sealed := s.segments.SealNow()
	require.NotNil(t, sealed)

	proof, err := s.api.Proof(ctx, []byte("key-3"))
	require.NoError(t, err)
	require.Equal(t, sealed.ID, proof.SegmentID)
	require.Equal(t, segment.Root(sealed), proof.MerkleRoot)
	require.True(t, merkle.Verify(proof.Proof, proof.MerkleRoot))

	_, err = s.api.Proof(ctx, []byte("never-written"))
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}
