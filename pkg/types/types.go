package types

import (
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Consistency selects how a read is served.
type Consistency string

const (
	// Linearizable reads are served by a verified leader and ordered
	// after every write that completed before the read began.
	Linearizable Consistency = "linearizable"
	// Stale reads are served from local committed state without
	// leadership verification.
	Stale Consistency = "stale"
)

// Command op codes carried in the raft log.
const (
	OpPut            = "put"
	OpDelete         = "delete"
	OpManifestAdd    = "manifest_add"
	OpManifestRemove = "manifest_remove"
	OpNoop           = "noop"
)

// Command is a state change operation in the raft log. All cross-node
// state uses deterministic CBOR so replicas encode identically.
type Command struct {
	Op        string         `cbor:"1,keyasint"`
	Key       []byte         `cbor:"2,keyasint,omitempty"`
	Value     []byte         `cbor:"3,keyasint,omitempty"`
	Entry     *ManifestEntry `cbor:"4,keyasint,omitempty"`
	SegmentID uint64         `cbor:"5,keyasint,omitempty"`
}

// ApplyResult is the per-entry response returned from the state machine.
type ApplyResult struct {
	Op  string
	Err error
}

// SegmentState tracks a segment through the tiering lifecycle.
type SegmentState string

const (
	SegmentActive       SegmentState = "active"
	SegmentSealed       SegmentState = "sealed"
	SegmentArchiving    SegmentState = "archiving"
	SegmentArchived     SegmentState = "archived"
	SegmentLocalDropped SegmentState = "local_dropped"
	SegmentDeleted      SegmentState = "deleted"
)

// Segment is a size-bounded group of committed key/value mutations.
// Immutable once sealed.
type Segment struct {
	ID          uint64            `json:"segment_id"`
	CreatedTsMs int64             `json:"created_ts_ms"`
	Entries     map[string][]byte `json:"entries"`
	ByteSize    int64             `json:"byte_size"`
	State       SegmentState      `json:"state"`
}

// SortedKeys returns the segment's keys in lexicographic order. Every
// deterministic view of a segment (serialization, Merkle tree) starts here.
func (s *Segment) SortedKeys() []string {
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SegmentMeta mirrors the metadata object stored next to an archived
// segment body.
type SegmentMeta struct {
	SegmentID      uint64 `json:"segment_id"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	CreatedTs      int64  `json:"created_ts"`
	EntryCount     int    `json:"entry_count"`
}

// ManifestEntry records one archived segment in the manifest.
type ManifestEntry struct {
	SegmentID  uint64   `json:"segment_id" cbor:"1,keyasint"`
	Timestamp  int64    `json:"timestamp" cbor:"2,keyasint"`
	MerkleRoot [32]byte `json:"merkle_root" cbor:"3,keyasint"`
	Size       int64    `json:"size" cbor:"4,keyasint"`
}

// Manifest is the consensus-replicated catalog of archived segments,
// ordered by segment id. Version strictly increases with each accepted
// update.
type Manifest struct {
	Version   uint64          `json:"version" cbor:"1,keyasint"`
	CreatedTs int64           `json:"created_ts" cbor:"2,keyasint"`
	Entries   []ManifestEntry `json:"entries" cbor:"3,keyasint"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{Version: m.Version, CreatedTs: m.CreatedTs}
	out.Entries = append(out.Entries, m.Entries...)
	return out
}

// Entry returns the entry for the given segment id, if present.
func (m *Manifest) Entry(segmentID uint64) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.SegmentID == segmentID {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// ManifestDiff reports the difference between two manifest versions.
type ManifestDiff struct {
	Added    []uint64 `json:"added"`
	Removed  []uint64 `json:"removed"`
	Modified []uint64 `json:"modified"`
}

// PeerState tracks a cluster member through the discovery lifecycle.
type PeerState string

const (
	PeerJoining   PeerState = "joining"
	PeerActive    PeerState = "active"
	PeerSuspected PeerState = "suspected"
	PeerLeaving   PeerState = "leaving"
	PeerDown      PeerState = "down"
)

// Peer is a cluster node record maintained by the discovery service.
type Peer struct {
	ID              uint64    `json:"id"`
	Name            string    `json:"name"`
	RaftAddr        string    `json:"raft_addr"`
	ClientAddr      string    `json:"client_addr"`
	State           PeerState `json:"state"`
	LastHeartbeatMs int64     `json:"last_heartbeat_ms"`
}

// NowMs returns the current wall clock in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical options pin map ordering and float encoding so every
	// replica produces byte-identical command and snapshot payloads.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeCBOR serializes v with the canonical encoding shared by all nodes.
func EncodeCBOR(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeCBOR deserializes canonical CBOR produced by EncodeCBOR.
func DecodeCBOR(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
