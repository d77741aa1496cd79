package merkletree

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Quant-Finance-HQ/vector/channel"
)

func transferWithHash(h common.Hash) channel.Transfer {
	return channel.Transfer{InitialStateHash: h}
}

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func TestGenerate_EmptySetIsZeroRoot(t *testing.T) {
	tree := Generate(nil)
	require.Equal(t, channel.ZeroHash, tree.Root())
}

func TestGenerate_OrderIndependent(t *testing.T) {
	transfers := []channel.Transfer{
		transferWithHash(hashOf(1)),
		transferWithHash(hashOf(2)),
		transferWithHash(hashOf(3)),
	}
	a := Generate(transfers)

	reversed := []channel.Transfer{transfers[2], transfers[1], transfers[0]}
	b := Generate(reversed)

	require.Equal(t, a.Root(), b.Root())
	require.NotEqual(t, channel.ZeroHash, a.Root())
}

func TestProof_VerifiesAgainstRoot(t *testing.T) {
	transfers := []channel.Transfer{
		transferWithHash(hashOf(1)),
		transferWithHash(hashOf(2)),
		transferWithHash(hashOf(3)),
		transferWithHash(hashOf(4)),
	}
	tree := Generate(transfers)
	root := tree.Root()

	for _, tr := range transfers {
		proof := tree.Proof(tr.InitialStateHash)
		require.True(t, VerifyProof(tr.InitialStateHash, proof, root))
	}
}

func TestProof_OddCountDuplicatesLastLeaf(t *testing.T) {
	transfers := []channel.Transfer{
		transferWithHash(hashOf(1)),
		transferWithHash(hashOf(2)),
		transferWithHash(hashOf(3)),
	}
	tree := Generate(transfers)
	root := tree.Root()

	proof := tree.Proof(hashOf(3))
	require.True(t, VerifyProof(hashOf(3), proof, root))
}

func TestGenerate_SingleLeafRootEqualsItsOwnHashPair(t *testing.T) {
	tr := transferWithHash(hashOf(9))
	tree := Generate([]channel.Transfer{tr})
	require.Equal(t, hashPair(tr.InitialStateHash, tr.InitialStateHash), tree.Root())
}
