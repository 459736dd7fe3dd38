// Package merkle builds and verifies the Merkle proofs used to
// cryptographically validate escrow delivery-receipt integrity proofs
// (C7). Adapted directly from the teacher's merkle.BuildMerkleTree
// (core/pkg/merkle/tree.go), carrying over its domain-separated
// leaf/node hash prefixes but retargeted at capsule-hash leaves instead
// of the teacher's evidence bundle leaves.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafPrefix = "yachaq:escrow:leaf:v1"
	nodePrefix = "yachaq:escrow:node:v1"
)

func hashLeaf(data []byte) string {
	sum := sha256.Sum256(append([]byte(leafPrefix), data...))
	return hex.EncodeToString(sum[:])
}

func hashNode(left, right string) string {
	sum := sha256.Sum256([]byte(nodePrefix + left + right))
	return hex.EncodeToString(sum[:])
}

// Tree is a binary Merkle tree over a fixed set of leaves, computed
// bottom-up with the last node duplicated at each odd level (standard
// Merkle padding).
type Tree struct {
	Root   string
	levels [][]string
}

// Build constructs a tree over the given leaf data blobs. An empty leaf
// set produces an empty root.
func Build(leaves [][]byte) *Tree {
	if len(leaves) == 0 {
		return &Tree{Root: ""}
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashLeaf(leaf)
	}

	levels := [][]string{level}
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashNode(level[i], level[i+1]))
			} else {
				next = append(next, hashNode(level[i], level[i])) // duplicate last odd node
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{Root: level[0], levels: levels}
}

// Proof is an inclusion proof: the sibling hash at each level and
// whether that sibling sits on the left.
type Proof struct {
	Siblings []string
	IsLeft   []bool
}

// ProofFor returns the inclusion proof for the leaf at index, or false
// if the index is out of range.
func (t *Tree) ProofFor(index int) (Proof, bool) {
	if len(t.levels) == 0 || index < 0 || index >= len(t.levels[0]) {
		return Proof{}, false
	}

	var proof Proof
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		isRightChild := idx%2 == 1
		var siblingIdx int
		if isRightChild {
			siblingIdx = idx - 1
		} else {
			siblingIdx = idx + 1
			if siblingIdx >= len(level) {
				siblingIdx = idx // duplicated last node
			}
		}
		proof.Siblings = append(proof.Siblings, level[siblingIdx])
		proof.IsLeft = append(proof.IsLeft, isRightChild)
		idx /= 2
	}
	return proof, true
}

// Verify recomputes the root from a leaf and its proof and reports
// whether it matches the expected root.
func Verify(leaf []byte, proof Proof, expectedRoot string) bool {
	current := hashLeaf(leaf)
	for i, sibling := range proof.Siblings {
		if proof.IsLeft[i] {
			current = hashNode(sibling, current)
		} else {
			current = hashNode(current, sibling)
		}
	}
	return current == expectedRoot
}

// VerifyIntegrityProof checks a delivery receipt's integrity proof: the
// Merkle root and signature must be non-empty, and recomputing the root
// from the supplied leaf and proof path must reproduce the claimed
// root. This is the concrete check SPEC_FULL.md §4.7 specifies in place
// of the source's structural-only validation (spec.md §9 open question).
func VerifyIntegrityProof(capsuleHash []byte, proof Proof, claimedRoot, signature string) (bool, error) {
	if claimedRoot == "" {
		return false, fmt.Errorf("merkle: integrity proof missing merkle root")
	}
	if signature == "" {
		return false, fmt.Errorf("merkle: integrity proof missing signature")
	}
	return Verify(capsuleHash, proof, claimedRoot), nil
}
