// Package audit implements the Coordinator's append-only, hash-chained
// receipt log (C1). It is the primitive every other marketplace component
// writes through: policy decisions, raw-data rejections, escrow
// transitions and publications all land here as typed Receipts.
//
// Adapted from the teacher's store/ledger.PostgresLedger hash-chain
// pattern (previous-hash lookup + single-transaction insert) and
// crypto.FileAuditLog's canonical hashing, generalized from the teacher's
// free-form Obligation/AuditEvent payloads to the closed EventType
// vocabulary spec.md §6 requires.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed vocabulary of audit event types (spec.md §6).
type EventType string

const (
	EventRequestCreated         EventType = "REQUEST_CREATED"
	EventRequestScreened        EventType = "REQUEST_SCREENED"
	EventRequestMatched         EventType = "REQUEST_MATCHED"
	EventUnauthorizedFieldAccess EventType = "UNAUTHORIZED_FIELD_ACCESS_ATTEMPT"
	EventEscrowLocked           EventType = "ESCROW_LOCKED"
	EventEscrowReleased         EventType = "ESCROW_RELEASED"
	EventEscrowRefunded         EventType = "ESCROW_REFUNDED"
	EventCapsuleCreated         EventType = "CAPSULE_CREATED"
)

// ActorType distinguishes who performed the audited action.
type ActorType string

const (
	ActorRequester ActorType = "REQUESTER"
	ActorDS        ActorType = "DATA_SUPPLIER"
	ActorSystem    ActorType = "SYSTEM"
)

// Receipt is one entry in the hash chain.
type Receipt struct {
	Seq          int64     `json:"seq"`
	EventType    EventType `json:"event_type"`
	ActorID      string    `json:"actor_id"`
	ActorType    ActorType `json:"actor_type"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	DetailsHash  string    `json:"details_hash"`
	PrevHash     string    `json:"prev_hash"`
	ReceiptHash  string    `json:"receipt_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// GenesisHash is the previous-hash value of the first receipt in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonical renders the pipe-joined UTF-8 fields of a receipt (minus its
// sequence number, previous hash and own hash; the previous hash is
// prepended separately when hashing) in declaration order, per spec.md
// §6: "Each receipt is
// canonicalised as pipe-joined UTF-8 fields in declaration order for
// hashing."
func canonical(r Receipt) string {
	return strings.Join([]string{
		string(r.EventType),
		r.ActorID,
		string(r.ActorType),
		r.ResourceID,
		r.ResourceType,
		r.DetailsHash,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// computeReceiptHash computes receipt_hash = H(prev_hash || canonical(receipt)).
func computeReceiptHash(prevHash string, r Receipt) string {
	sum := sha256.Sum256([]byte(prevHash + canonical(r)))
	return hex.EncodeToString(sum[:])
}

// nowUTC is the wall clock used by storage backends that do not take an
// explicit clock (PostgresStore relies on the database round-trip already
// giving each receipt a distinct, monotonic-enough timestamp).
var nowUTC = func() time.Time { return time.Now().UTC() }

// HashDetails hashes an arbitrary details payload for DetailsHash. Callers
// pass in a stable string representation (e.g. a canonical JSON encoding)
// of whatever they want bound into the receipt without storing it raw.
func HashDetails(details string) string {
	sum := sha256.Sum256([]byte(details))
	return hex.EncodeToString(sum[:])
}

// Store is the storage interface every audit log backend implements.
type Store interface {
	// Append writes the next receipt in the chain and returns it with its
	// Seq, PrevHash and ReceiptHash populated. Storage I/O failures are
	// fatal to the calling transaction: the receipt must not be partially
	// visible (spec.md §4.1).
	Append(eventType EventType, actorID string, actorType ActorType, resourceID, resourceType, detailsHash string) (Receipt, error)

	// ByActor, ByResource, ByType return paginated scans, newest first.
	ByActor(actorID string, offset, limit int) ([]Receipt, error)
	ByResource(resourceID string, offset, limit int) ([]Receipt, error)
	ByType(eventType EventType, offset, limit int) ([]Receipt, error)

	// Export streams the full chain as canonical byte lines, in append
	// order, for external verification.
	Export() (string, error)

	// Verify walks the full chain and confirms every receipt's hash binds
	// correctly to its predecessor. It never mutates state.
	Verify() error

	// Len returns the number of receipts in the chain.
	Len() (int64, error)
}

// ExportLine renders one receipt as a canonical export line:
// receipt_hash|prev_hash|canonical(receipt)
func ExportLine(r Receipt) string {
	return fmt.Sprintf("%s|%s|%s", r.ReceiptHash, r.PrevHash, canonical(r))
}
