// Package policystamp implements the Coordinator's deterministic
// MAC-based policy decision signer (C2). A stamp binds a policy decision
// (and its attached safeguards) to the request it was made for, in a way
// any holder of the signing key can verify without trusting whoever is
// showing it the stamp.
//
// Grounded on the teacher's governance.Keyring/crypto.Signer pattern
// (core/pkg/governance/keyring.go, core/pkg/crypto/signer.go), simplified
// from the teacher's Ed25519/HKDF tenant-key derivation to the flat,
// process-wide HMAC-SHA256 key spec.md §4.2 specifies.
package policystamp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Decision is the closed set of policy outcomes a stamp can carry.
type Decision string

const (
	DecisionApproved     Decision = "APPROVED"
	DecisionRejected     Decision = "REJECTED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// Stamp is the immutable, signed record of one policy decision.
type Stamp struct {
	RequestID     string    `json:"request_id"`
	Decision      Decision  `json:"decision"`
	Safeguards    []string  `json:"safeguards"`
	PolicyVersion string    `json:"policy_version"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     string    `json:"signature"`
	StampHash     string    `json:"stamp_hash"`
}

// Signer holds the process-wide MAC key and produces/verifies stamps.
// The key is read-only after construction and is never logged.
type Signer struct {
	key []byte
}

// NewSigner wraps a 32-byte HMAC-SHA256 key. Callers obtain the key from
// config.Config.PolicyStampKey.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("policystamp: key must be 32 bytes, got %d", len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &Signer{key: cp}, nil
}

// canonicalPayload renders the signed tuple per spec.md §7:
// request_id|decision|sorted_safeguards_joined_by_comma|policy_version|iso8601_timestamp
func canonicalPayload(requestID string, decision Decision, safeguards []string, policyVersion string, ts time.Time) string {
	sorted := append([]string(nil), safeguards...)
	sort.Strings(sorted)
	return strings.Join([]string{
		requestID,
		string(decision),
		strings.Join(sorted, ","),
		policyVersion,
		ts.UTC().Format(time.RFC3339Nano),
	}, "|")
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign produces a signed, immutable Stamp for a policy decision.
func (s *Signer) Sign(requestID string, decision Decision, safeguards []string, policyVersion string, ts time.Time) Stamp {
	sorted := append([]string(nil), safeguards...)
	sort.Strings(sorted)

	payload := canonicalPayload(requestID, decision, sorted, policyVersion, ts)
	signature := s.mac(payload)

	stampHashInput := payload + "|" + signature
	sum := sha256.Sum256([]byte(stampHashInput))

	return Stamp{
		RequestID:     requestID,
		Decision:      decision,
		Safeguards:    sorted,
		PolicyVersion: policyVersion,
		Timestamp:     ts.UTC(),
		Signature:     signature,
		StampHash:     hex.EncodeToString(sum[:]),
	}
}

// Verify recomputes the MAC over the stamp's fields and reports whether
// it matches the stamp's recorded signature and stamp hash. Verification
// is total: it never panics, and returns false rather than erroring on a
// malformed stamp so callers can treat "not verified" uniformly.
func (s *Signer) Verify(stamp Stamp) bool {
	payload := canonicalPayload(stamp.RequestID, stamp.Decision, stamp.Safeguards, stamp.PolicyVersion, stamp.Timestamp)
	wantSig := s.mac(payload)

	if !hmac.Equal([]byte(wantSig), []byte(stamp.Signature)) {
		return false
	}

	wantHashInput := payload + "|" + stamp.Signature
	sum := sha256.Sum256([]byte(wantHashInput))
	wantHash := hex.EncodeToString(sum[:])

	return hmac.Equal([]byte(wantHash), []byte(stamp.StampHash))
}
