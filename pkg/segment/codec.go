package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/merkle"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// Segment body wire layout, little-endian, entries sorted by key:
//
//	u64 segment_id | i64 created_ts_ms | u64 entry_count
//	repeated: u32 key_len | key | u32 value_len | value
//
// The layout is fixed: Merkle roots recorded in the manifest are computed
// over the same sorted pair order, so any two nodes serializing the same
// sealed segment produce identical bytes.

// Encode serializes a segment deterministically.
func Encode(s *types.Segment) []byte {
	size := 24
	keys := s.SortedKeys()
	for _, k := range keys {
		size += 8 + len(k) + len(s.Entries[k])
	}

	buf := make([]byte, 0, size)
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], s.ID)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], uint64(s.CreatedTsMs))
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], uint64(len(keys)))
	buf = append(buf, scratch[:]...)

	for _, k := range keys {
		v := s.Entries[k]
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(k)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, k...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(v)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, v...)
	}
	return buf
}

// Decode deserializes a segment body produced by Encode. The returned
// segment is marked sealed.
func Decode(data []byte) (*types.Segment, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("%w: segment body truncated", errdefs.ErrStorage)
	}
	s := &types.Segment{
		ID:          binary.LittleEndian.Uint64(data[0:8]),
		CreatedTsMs: int64(binary.LittleEndian.Uint64(data[8:16])),
		Entries:     make(map[string][]byte),
		State:       types.SegmentSealed,
	}
	count := binary.LittleEndian.Uint64(data[16:24])

	off := 24
	for i := uint64(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("%w: segment body truncated at entry %d", errdefs.ErrStorage, i)
		}
		klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+klen+4 > len(data) {
			return nil, fmt.Errorf("%w: segment body truncated at entry %d", errdefs.ErrStorage, i)
		}
		key := string(data[off : off+klen])
		off += klen
		vlen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+vlen > len(data) {
			return nil, fmt.Errorf("%w: segment body truncated at entry %d", errdefs.ErrStorage, i)
		}
		value := make([]byte, vlen)
		copy(value, data[off:off+vlen])
		off += vlen

		s.Entries[key] = value
		s.ByteSize += int64(klen + vlen)
	}
	return s, nil
}

// Pairs returns the segment entries as sorted Merkle leaves.
func Pairs(s *types.Segment) []merkle.Pair {
	keys := s.SortedKeys()
	pairs := make([]merkle.Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, merkle.Pair{Key: []byte(k), Value: s.Entries[k]})
	}
	return pairs
}

// Root computes the Merkle root of the segment body.
func Root(s *types.Segment) [32]byte {
	return merkle.Build(Pairs(s)).Root()
}
