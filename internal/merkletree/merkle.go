// Package merkletree computes the Merkle commitment over a channel's
// active transfer set (spec §4.2). It is pure: no I/O, no suspension
// points, deterministic in the leaf set regardless of insertion order.
package merkletree

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
)

// Tree is the generated Merkle tree: one slice of node hashes per level,
// level 0 being the sorted leaves and the last level holding the root.
type Tree struct {
	Levels [][]common.Hash
}

// Root returns the tree's root, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	if len(t.Levels) == 0 {
		return channel.ZeroHash
	}
	top := t.Levels[len(t.Levels)-1]
	if len(top) == 0 {
		return channel.ZeroHash
	}
	return top[0]
}

// Proof is the sibling path from a leaf to the root, innermost first.
type Proof []common.Hash

// Generate builds the tree over the initialStateHash of every transfer
// in transfers. Leaves are sorted lexicographically first so the result
// does not depend on the order transfers were created in (spec §4.2's
// order-independence invariant). An empty set yields a Tree with no
// levels and a ZeroHash root; a single leaf is paired with itself, so
// its root is hashPair(leaf, leaf).
func Generate(transfers []channel.Transfer) *Tree {
	if len(transfers) == 0 {
		return &Tree{}
	}

	leaves := make([]common.Hash, len(transfers))
	for i, t := range transfers {
		leaves[i] = t.InitialStateHash
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Bytes(), leaves[j].Bytes()) < 0
	})

	levels := [][]common.Hash{leaves}
	cur := leaves
	for len(cur) > 1 || len(levels) == 1 {
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			left := cur[i]
			right := left
			if i+1 < len(cur) {
				right = cur[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		cur = next
	}

	return &Tree{Levels: levels}
}

// Proof returns the sibling path for leaf (a transfer's
// InitialStateHash, matching what Generate hashed in), or nil if it is
// not a leaf of the tree.
func (t *Tree) Proof(leaf common.Hash) Proof {
	if len(t.Levels) == 0 {
		return nil
	}
	idx := indexOf(t.Levels[0], leaf)
	if idx < 0 {
		return nil
	}

	var proof Proof
	for level := 0; level < len(t.Levels)-1; level++ {
		cur := t.Levels[level]
		siblingIdx := idx ^ 1
		if siblingIdx >= len(cur) {
			siblingIdx = idx // odd tail duplicates itself
		}
		proof = append(proof, cur[siblingIdx])
		idx /= 2
	}
	return proof
}

// VerifyProof recomputes the root from leaf and proof and reports
// whether it matches root.
func VerifyProof(leaf common.Hash, proof Proof, root common.Hash) bool {
	cur := leaf
	for _, sibling := range proof {
		cur = hashPair(cur, sibling)
	}
	return cur == root
}

func indexOf(hashes []common.Hash, h common.Hash) int {
	for i, x := range hashes {
		if x == h {
			return i
		}
	}
	return -1
}

// hashPair orders its inputs so hashPair(a,b) == hashPair(b,a); the
// sorted-leaf input already makes this unnecessary at the leaf level,
// but keeping it symmetric at every level means two trees built from
// the same leaf set always agree even if a level were ever built out of
// order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}
