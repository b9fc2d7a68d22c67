// Package merkle builds the deterministic binary hash tree used to
// fingerprint sealed segments. Leaves are SHA-256 over the
// length-prefixed key/value pair; internal nodes hash the concatenated
// children; an odd node at any level is paired with itself.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
)

// Pair is one key/value leaf. Callers must present pairs sorted by key.
type Pair struct {
	Key   []byte
	Value []byte
}

// Proof is an inclusion proof for one key/value pair. Siblings are
// ordered leaf-to-root; Left marks siblings that sit to the left of the
// running hash.
type Proof struct {
	Key      []byte   `json:"key"`
	Value    []byte   `json:"value"`
	Siblings [][]byte `json:"siblings"`
	Left     []bool   `json:"left"`
}

// Tree is a fully built Merkle tree. Level 0 holds the leaves.
type Tree struct {
	levels [][][]byte
	keys   [][]byte
}

func leafHash(key, value []byte) []byte {
	var buf [8]byte
	h := sha256.New()
	binary.LittleEndian.PutUint64(buf[:], uint64(len(key)))
	h.Write(buf[:])
	h.Write(key)
	binary.LittleEndian.PutUint64(buf[:], uint64(len(value)))
	h.Write(buf[:])
	h.Write(value)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Build constructs the tree over the given pairs. Pairs must already be
// sorted by key; an empty input yields a tree whose root is the hash of
// nothing, so callers should treat empty segments separately.
func Build(pairs []Pair) *Tree {
	t := &Tree{}
	leaves := make([][]byte, 0, len(pairs))
	for _, p := range pairs {
		leaves = append(leaves, leafHash(p.Key, p.Value))
		t.keys = append(t.keys, p.Key)
	}
	if len(leaves) == 0 {
		leaves = [][]byte{sha256.New().Sum(nil)}
	}
	t.levels = append(t.levels, leaves)

	for len(t.levels[len(t.levels)-1]) > 1 {
		prev := t.levels[len(t.levels)-1]
		next := make([][]byte, 0, (len(prev)+1)/2)
		for i := 0; i < len(prev); i += 2 {
			if i+1 < len(prev) {
				next = append(next, nodeHash(prev[i], prev[i+1]))
			} else {
				next = append(next, nodeHash(prev[i], prev[i]))
			}
		}
		t.levels = append(t.levels, next)
	}
	return t
}

// Root returns the 32-byte tree root.
func (t *Tree) Root() [32]byte {
	var root [32]byte
	top := t.levels[len(t.levels)-1]
	copy(root[:], top[0])
	return root
}

// Prove returns the inclusion proof for key.
func (t *Tree) Prove(key, value []byte) (*Proof, error) {
	idx := -1
	for i, k := range t.keys {
		if bytes.Equal(k, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: key not in tree", errdefs.ErrNotFound)
	}

	proof := &Proof{Key: key, Value: value}
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		nodes := t.levels[lvl]
		var sibling []byte
		var left bool
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				sibling = nodes[idx+1]
			} else {
				// odd level end: the node is paired with itself
				sibling = nodes[idx]
			}
			left = false
		} else {
			sibling = nodes[idx-1]
			left = true
		}
		proof.Siblings = append(proof.Siblings, sibling)
		proof.Left = append(proof.Left, left)
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the leaf from the proof's pair, folds in the
// siblings and compares against root.
func Verify(p *Proof, root [32]byte) bool {
	if p == nil || len(p.Siblings) != len(p.Left) {
		return false
	}
	h := leafHash(p.Key, p.Value)
	for i, sib := range p.Siblings {
		if p.Left[i] {
			h = nodeHash(sib, h)
		} else {
			h = nodeHash(h, sib)
		}
	}
	return bytes.Equal(h, root[:])
}
