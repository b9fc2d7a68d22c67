package archival

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/events"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/metrics"
	"github.com/hyra-network/scribe-ledger/pkg/s3"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Policy controls the tiering behavior.
type Policy struct {
	AgeThreshold     time.Duration
	Compress         bool
	CompressionLevel int
	AutoArchival     bool
	CheckInterval    time.Duration
}

// Engine owns the tiering policy and the read-through caches.
type Engine struct {
	policy   Policy
	store    s3.ObjectStore
	segments *segment.Manager
	manifest *manifest.Manager
	broker   *events.Broker

	// isLeader gates manifest proposals and local drops to the node
	// that can commit them.
	isLeader func() bool

	segCache  *lru.Cache[uint64, *types.Segment]
	metaCache *lru.Cache[uint64, *types.SegmentMeta]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// New builds the engine. cacheSize bounds both LRU caches.
func New(policy Policy, store s3.ObjectStore, segments *segment.Manager, man *manifest.Manager, broker *events.Broker, isLeader func() bool, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	segCache, err := lru.New[uint64, *types.Segment](cacheSize)
	if err != nil {
		return nil, err
	}
	metaCache, err := lru.New[uint64, *types.SegmentMeta](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		policy:    policy,
		store:     store,
		segments:  segments,
		manifest:  man,
		broker:    broker,
		isLeader:  isLeader,
		segCache:  segCache,
		metaCache: metaCache,
		logger:    log.WithComponent("archival"),
	}, nil
}

func (e *Engine) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, e.policy.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ArchiveSegment serializes, optionally compresses and uploads a sealed
// segment plus its metadata object. The segment stays locally resident;
// dropping it is the auto-archival loop's decision after the manifest
// entry commits.
func (e *Engine) ArchiveSegment(ctx context.Context, seg *types.Segment) (*types.SegmentMeta, error) {
	body := segment.Encode(seg)
	meta := &types.SegmentMeta{
		SegmentID:    seg.ID,
		OriginalSize: int64(len(body)),
		CreatedTs:    seg.CreatedTsMs,
		EntryCount:   len(seg.Entries),
	}

	upload := body
	if e.policy.Compress && e.policy.CompressionLevel > 0 {
		compressed, err := e.compress(body)
		if err != nil {
			return nil, fmt.Errorf("compressing segment %d: %w", seg.ID, err)
		}
		upload = compressed
	}
	meta.CompressedSize = int64(len(upload))

	seg.State = types.SegmentArchiving
	if err := e.store.PutObject(ctx, s3.SegmentKey(seg.ID), upload); err != nil {
		seg.State = types.SegmentSealed
		return nil, fmt.Errorf("uploading segment %d: %w", seg.ID, err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		seg.State = types.SegmentSealed
		return nil, fmt.Errorf("encoding metadata for segment %d: %w", seg.ID, err)
	}
	if err := e.store.PutObject(ctx, s3.MetaKey(seg.ID), metaJSON); err != nil {
		seg.State = types.SegmentSealed
		return nil, fmt.Errorf("uploading metadata for segment %d: %w", seg.ID, err)
	}

	seg.State = types.SegmentArchived
	metrics.SegmentsArchivedTotal.Inc()
	e.metaCache.Add(seg.ID, meta)
	e.segCache.Add(seg.ID, seg)
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventSegmentArchived,
			Message: "segment archived",
			Metadata: map[string]string{
				"segment_id":      strconv.FormatUint(seg.ID, 10),
				"original_size":   strconv.FormatInt(meta.OriginalSize, 10),
				"compressed_size": strconv.FormatInt(meta.CompressedSize, 10),
			},
		})
	}
	e.logger.Info().
		Uint64("segment_id", seg.ID).
		Int64("original", meta.OriginalSize).
		Int64("compressed", meta.CompressedSize).
		Msg("segment archived")
	return meta, nil
}

// Metadata returns the metadata for an archived segment, from cache or
// object storage. Missing segments return ErrNotFound.
func (e *Engine) Metadata(ctx context.Context, id uint64) (*types.SegmentMeta, error) {
	if meta, ok := e.metaCache.Get(id); ok {
		return meta, nil
	}
	data, err := e.store.GetObject(ctx, s3.MetaKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: segment %d metadata", errdefs.ErrNotFound, id)
	}
	meta := new(types.SegmentMeta)
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("decoding metadata for segment %d: %w", id, err)
	}
	e.metaCache.Add(id, meta)
	return meta, nil
}

// RetrieveSegment fetches an archived segment, consulting the segment
// cache first, and caches the decoded result.
func (e *Engine) RetrieveSegment(ctx context.Context, id uint64) (*types.Segment, error) {
	if seg, ok := e.segCache.Get(id); ok {
		return seg, nil
	}

	if _, err := e.Metadata(ctx, id); err != nil {
		return nil, err
	}
	data, err := e.store.GetObject(ctx, s3.SegmentKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: segment %d body", errdefs.ErrNotFound, id)
	}
	if bytes.HasPrefix(data, gzipMagic) {
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decompressing segment %d: %w", id, err)
		}
	}
	seg, err := segment.Decode(data)
	if err != nil {
		return nil, err
	}
	seg.State = types.SegmentArchived
	e.segCache.Add(id, seg)
	return seg, nil
}

// DeleteArchived removes the body and metadata objects and invalidates
// both caches.
func (e *Engine) DeleteArchived(ctx context.Context, id uint64) error {
	if err := e.store.DeleteObject(ctx, s3.SegmentKey(id)); err != nil {
		return err
	}
	if err := e.store.DeleteObject(ctx, s3.MetaKey(id)); err != nil {
		return err
	}
	e.segCache.Remove(id)
	e.metaCache.Remove(id)
	return nil
}

// ListArchived returns the metadata of every archived segment.
func (e *Engine) ListArchived(ctx context.Context) ([]*types.SegmentMeta, error) {
	keys, err := e.store.ListObjects(ctx, "segments/")
	if err != nil {
		return nil, err
	}
	var metas []*types.SegmentMeta
	for _, key := range keys {
		if len(key) < 10 || key[len(key)-10:] != ".meta.json" {
			continue
		}
		data, err := e.store.GetObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		meta := new(types.SegmentMeta)
		if err := json.Unmarshal(data, meta); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Start launches the auto-archival loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.policy.AutoArchival || e.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(loopCtx, e.done)
}

// Stop cancels the auto-archival loop and waits for it to exit.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := e.policy.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.archiveAged(ctx)
		}
	}
}

// archiveAged archives every sealed segment older than the age
// threshold, then proposes its manifest entry and drops the local copy.
// Only the leader runs the cycle: followers hold their sealed segments
// until they lead or until the leader's manifest covers them.
func (e *Engine) archiveAged(ctx context.Context) {
	if e.isLeader != nil && !e.isLeader() {
		return
	}
	cutoff := types.NowMs() - e.policy.AgeThreshold.Milliseconds()
	for _, seg := range e.segments.SealedOlderThan(cutoff) {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.ArchiveSegment(ctx, seg); err != nil {
			// The segment stays sealed and locally resident; the next
			// cycle retries.
			e.logger.Error().Err(err).Uint64("segment_id", seg.ID).Msg("archival failed")
			continue
		}

		entry := types.ManifestEntry{
			SegmentID:  seg.ID,
			Timestamp:  types.NowMs(),
			MerkleRoot: segment.Root(seg),
			Size:       seg.ByteSize,
		}
		if err := e.manifest.AddSegment(ctx, entry); err != nil {
			// The archived body remains in object storage; the local
			// copy is kept until a manifest entry commits.
			e.logger.Error().Err(err).Uint64("segment_id", seg.ID).Msg("manifest proposal failed")
			continue
		}

		if e.segments.DropFlushed(seg.ID) && e.broker != nil {
			e.broker.Publish(&events.Event{
				Type:     events.EventSegmentDropped,
				Message:  "local copy dropped after manifest commit",
				Metadata: map[string]string{"segment_id": strconv.FormatUint(seg.ID, 10)},
			})
		}
	}
}
