// Package api is the distributed read/write façade: it routes writes
// through consensus, enforces read consistency and maintains the hot
// key cache.
package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/archival"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/merkle"
	"github.com/hyra-network/scribe-ledger/pkg/metrics"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// Options tunes the API façade.
type Options struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	MaxBatchSize int
	CacheSize    int
}

// KV is one entry of a batch write.
type KV struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// ProofResponse carries a Merkle inclusion proof for a key within a
// sealed segment.
type ProofResponse struct {
	SegmentID  uint64        `json:"segment_id"`
	MerkleRoot [32]byte      `json:"merkle_root"`
	Proof      *merkle.Proof `json:"proof"`
}

// API is the distributed key/value surface.
type API struct {
	cons     *consensus.Node
	segments *segment.Manager
	manifest *manifest.Manager
	archival *archival.Engine
	cache    *lru.Cache[string, []byte]
	opts     Options
	logger   zerolog.Logger
}

// New wires the façade and hooks cache invalidation into the state
// machine so follower-applied mutations evict too.
func New(cons *consensus.Node, fsm *consensus.FSM, segments *segment.Manager, man *manifest.Manager, arch *archival.Engine, opts Options) (*API, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 128
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	a := &API{
		cons:     cons,
		segments: segments,
		manifest: man,
		archival: arch,
		cache:    cache,
		opts:     opts,
		logger:   log.WithComponent("api"),
	}
	fsm.SetOnApply(func(key []byte) {
		a.cache.Remove(string(key))
	})
	return a, nil
}

func (a *API) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.WriteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.WriteTimeout)
}

func (a *API) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.ReadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.ReadTimeout)
}

// Put commits a key/value write through consensus.
func (a *API) Put(ctx context.Context, key, value []byte) error {
	ctx, cancel := a.writeCtx(ctx)
	defer cancel()

	res, err := a.cons.Apply(ctx, types.Command{Op: types.OpPut, Key: key, Value: value})
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("put", "error").Inc()
		return err
	}
	if res.Err != nil {
		metrics.APIRequestsTotal.WithLabelValues("put", "error").Inc()
		return res.Err
	}
	metrics.APIRequestsTotal.WithLabelValues("put", "ok").Inc()
	a.cache.Remove(string(key))
	return nil
}

// Delete commits a key removal through consensus.
func (a *API) Delete(ctx context.Context, key []byte) error {
	ctx, cancel := a.writeCtx(ctx)
	defer cancel()

	res, err := a.cons.Apply(ctx, types.Command{Op: types.OpDelete, Key: key})
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	if res.Err != nil {
		metrics.APIRequestsTotal.WithLabelValues("delete", "error").Inc()
		return res.Err
	}
	metrics.APIRequestsTotal.WithLabelValues("delete", "ok").Inc()
	a.cache.Remove(string(key))
	return nil
}

// Get reads a key at the requested consistency. Missing keys return
// ErrNotFound.
func (a *API) Get(ctx context.Context, key []byte, consistency types.Consistency) ([]byte, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()

	if consistency == types.Linearizable {
		value, err := a.cons.LinearizableGet(ctx, key)
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, fmt.Errorf("%w: key %q", errdefs.ErrNotFound, key)
		}
		// leadership was verified; safe to warm the cache
		a.cache.Add(string(key), value)
		return value, nil
	}

	if value, ok := a.cache.Get(string(key)); ok {
		metrics.CacheHitsTotal.Inc()
		return value, nil
	}
	metrics.CacheMissesTotal.Inc()
	value, err := a.cons.StaleGet(key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value, err = a.lookupCold(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	if value == nil {
		return nil, fmt.Errorf("%w: key %q", errdefs.ErrNotFound, key)
	}
	a.cache.Add(string(key), value)
	return value, nil
}

// lookupCold searches archived segments through the manifest, newest
// first, fetching bodies back from object storage on demand. Deleted
// keys are never resurrected: archived segments are immutable, so the
// engine's tombstone outranks whatever the cold tier still holds.
func (a *API) lookupCold(ctx context.Context, key []byte) ([]byte, error) {
	if a.archival == nil || a.manifest == nil {
		return nil, nil
	}
	deleted, err := a.cons.Tombstoned(key)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	entries := a.manifest.Segments()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	for _, entry := range entries {
		seg, err := a.archival.RetrieveSegment(ctx, entry.SegmentID)
		if err != nil {
			return nil, err
		}
		if v, ok := seg.Entries[string(key)]; ok {
			return v, nil
		}
	}
	return nil, nil
}

// BatchPut commits a bounded batch of writes, one consensus entry per
// key, stopping on the first failure.
func (a *API) BatchPut(ctx context.Context, kvs []KV) error {
	if len(kvs) > a.opts.MaxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds max %d", errdefs.ErrNotAllowed, len(kvs), a.opts.MaxBatchSize)
	}
	for _, kv := range kvs {
		if err := a.Put(ctx, kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

// BatchGet reads a bounded batch of keys; absent keys are omitted.
func (a *API) BatchGet(ctx context.Context, keys [][]byte, consistency types.Consistency) ([]KV, error) {
	if len(keys) > a.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds max %d", errdefs.ErrNotAllowed, len(keys), a.opts.MaxBatchSize)
	}
	out := make([]KV, 0, len(keys))
	for _, key := range keys {
		value, err := a.Get(ctx, key, consistency)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, KV{Key: key, Value: value})
	}
	return out, nil
}

// Proof builds a Merkle inclusion proof from the newest sealed segment
// containing the key, falling back to archived segments through the
// manifest.
func (a *API) Proof(ctx context.Context, key []byte) (*ProofResponse, error) {
	seg, ok := a.segments.FindKey(key)
	if !ok {
		var err error
		seg, err = a.findArchived(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	tree := merkle.Build(segment.Pairs(seg))
	proof, err := tree.Prove(key, seg.Entries[string(key)])
	if err != nil {
		return nil, err
	}
	return &ProofResponse{
		SegmentID:  seg.ID,
		MerkleRoot: tree.Root(),
		Proof:      proof,
	}, nil
}

func (a *API) findArchived(ctx context.Context, key []byte) (*types.Segment, error) {
	if a.archival == nil || a.manifest == nil {
		return nil, fmt.Errorf("%w: key %q in sealed segments", errdefs.ErrNotFound, key)
	}
	entries := a.manifest.Segments()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	for _, entry := range entries {
		seg, err := a.archival.RetrieveSegment(ctx, entry.SegmentID)
		if err != nil {
			return nil, err
		}
		if _, ok := seg.Entries[string(key)]; ok {
			return seg, nil
		}
	}
	return nil, fmt.Errorf("%w: key %q in sealed segments", errdefs.ErrNotFound, key)
}

// CacheLen reports the number of cached hot keys.
func (a *API) CacheLen() int {
	return a.cache.Len()
}

