package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func pairs(n int) []Pair {
	out := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Pair{
			Key:   []byte(fmt.Sprintf("key-%03d", i)),
			Value: []byte(fmt.Sprintf("value-%03d", i)),
		})
	}
	return out
}

func TestRootDeterministic(t *testing.T) {
	a := Build(pairs(10)).Root()
	b := Build(pairs(10)).Root()
	require.Equal(t, a, b)

	c := Build(pairs(11)).Root()
	require.NotEqual(t, a, c)
}

func TestProofVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8, 100} {
		ps := pairs(n)
		tree := Build(ps)
		root := tree.Root()
		for _, p := range ps {
			proof, err := tree.Prove(p.Key, p.Value)
			require.NoError(t, err, "n=%d key=%s", n, p.Key)
			require.True(t, Verify(proof, root), "n=%d key=%s", n, p.Key)
		}
	}
}

func TestProofRejectsTampering(t *testing.T) {
	ps := pairs(8)
	tree := Build(ps)
	root := tree.Root()

	proof, err := tree.Prove(ps[3].Key, ps[3].Value)
	require.NoError(t, err)

	proof.Value = []byte("forged")
	require.False(t, Verify(proof, root))

	proof, err = tree.Prove(ps[3].Key, ps[3].Value)
	require.NoError(t, err)
	var wrongRoot [32]byte
	require.False(t, Verify(proof, wrongRoot))
}

func TestProveUnknownKey(t *testing.T) {
	tree := Build(pairs(4))
	_, err := tree.Prove([]byte("nope"), nil)
	require.Error(t, err)
}

func TestVerifyNilProof(t *testing.T) {
	var root [32]byte
	require.False(t, Verify(nil, root))
}
