package merkle_test

import (
	"testing"

	"github.com/somatechlat/yachaq-coordinator/pkg/merkle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndVerifyProofForEachLeaf(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	tree := merkle.Build(leaves)
	require.NotEmpty(t, tree.Root)

	for i, leaf := range leaves {
		proof, ok := tree.ProofFor(i)
		require.True(t, ok)
		assert.True(t, merkle.Verify(leaf, proof, tree.Root), "leaf %d should verify", i)
	}
}

func TestVerifyRejectsWrongLeaf(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b")}
	tree := merkle.Build(leaves)
	proof, ok := tree.ProofFor(0)
	require.True(t, ok)

	assert.False(t, merkle.Verify([]byte("tampered"), proof, tree.Root))
}

func TestVerifyIntegrityProofRequiresNonEmptyFields(t *testing.T) {
	_, err := merkle.VerifyIntegrityProof([]byte("x"), merkle.Proof{}, "", "sig")
	assert.Error(t, err)

	_, err = merkle.VerifyIntegrityProof([]byte("x"), merkle.Proof{}, "root", "")
	assert.Error(t, err)
}

func TestVerifyIntegrityProofRecomputesRoot(t *testing.T) {
	leaves := [][]byte{[]byte("capsule-a"), []byte("capsule-b"), []byte("capsule-c")}
	tree := merkle.Build(leaves)
	proof, ok := tree.ProofFor(1)
	require.True(t, ok)

	valid, err := merkle.VerifyIntegrityProof(leaves[1], proof, tree.Root, "sig")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = merkle.VerifyIntegrityProof(leaves[0], proof, tree.Root, "sig")
	require.NoError(t, err)
	assert.False(t, valid)
}
