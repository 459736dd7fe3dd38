package policystamp_test

import (
	"testing"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestSignThenVerify(t *testing.T) {
	signer, err := policystamp.NewSigner(testKey())
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamp := signer.Sign("req-1", policystamp.DecisionApproved, []string{"NO_RAW_EXPORT", "AGGREGATE_ONLY"}, "v1", ts)

	assert.True(t, signer.Verify(stamp))
	assert.Equal(t, []string{"AGGREGATE_ONLY", "NO_RAW_EXPORT"}, stamp.Safeguards, "safeguards must be sorted in the canonical form")
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	signer, err := policystamp.NewSigner(testKey())
	require.NoError(t, err)

	stamp := signer.Sign("req-1", policystamp.DecisionApproved, nil, "v1", time.Now())
	stamp.Decision = policystamp.DecisionRejected

	assert.False(t, signer.Verify(stamp))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signerA, err := policystamp.NewSigner(testKey())
	require.NoError(t, err)

	otherKey := make([]byte, 32)
	otherKey[0] = 0xFF
	signerB, err := policystamp.NewSigner(otherKey)
	require.NoError(t, err)

	stamp := signerA.Sign("req-1", policystamp.DecisionManualReview, []string{"MANUAL_REVIEW"}, "v1", time.Now())
	assert.False(t, signerB.Verify(stamp))
}

func TestSignIsDeterministicForSameInputs(t *testing.T) {
	signer, err := policystamp.NewSigner(testKey())
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := signer.Sign("req-1", policystamp.DecisionApproved, []string{"X", "A"}, "v1", ts)
	b := signer.Sign("req-1", policystamp.DecisionApproved, []string{"A", "X"}, "v1", ts)

	assert.Equal(t, a.Signature, b.Signature)
	assert.Equal(t, a.StampHash, b.StampHash)
}

func TestNewSignerRejectsWrongKeyLength(t *testing.T) {
	_, err := policystamp.NewSigner([]byte("too-short"))
	assert.Error(t, err)
}

func TestVerifyNeverPanicsOnMalformedStamp(t *testing.T) {
	signer, err := policystamp.NewSigner(testKey())
	require.NoError(t, err)

	malformed := policystamp.Stamp{}
	assert.NotPanics(t, func() {
		assert.False(t, signer.Verify(malformed))
	})
}
