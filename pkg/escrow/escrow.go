// Package escrow implements the Escrow Orchestrator (C7): the
// per-contract financial hold lifecycle from signed contract through
// delivery receipt to release, refund or disputed partial resolution.
//
// Grounded on the teacher's finance.PostgresTracker (SELECT ... FOR
// UPDATE row locking for atomic budget consumption,
// core/pkg/finance/postgres_tracker.go), generalized from a single
// budget-consumption check to the hold's full linearized state machine,
// and wrapped in pkg/resiliency (itself grounded on the teacher's
// util/resiliency client) for the external Escrow Account calls.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/eventbus"
	"github.com/somatechlat/yachaq-coordinator/pkg/merkle"
	"github.com/somatechlat/yachaq-coordinator/pkg/money"
	"github.com/somatechlat/yachaq-coordinator/pkg/resiliency"
)

// HoldStatus is the EscrowHold's lifecycle state (spec.md §3).
type HoldStatus string

const (
	HoldPendingDelivery   HoldStatus = "PENDING_DELIVERY"
	HoldDeliveryReceived  HoldStatus = "DELIVERY_RECEIVED"
	HoldReleased          HoldStatus = "RELEASED"
	HoldPartiallyReleased HoldStatus = "PARTIALLY_RELEASED"
	HoldRefunded          HoldStatus = "REFUNDED"
	HoldDisputed          HoldStatus = "DISPUTED"
)

// ReceiptStatus is the DeliveryReceipt's verification state.
type ReceiptStatus string

const (
	ReceiptPendingVerification ReceiptStatus = "PENDING_VERIFICATION"
	ReceiptVerified            ReceiptStatus = "VERIFIED"
	ReceiptVerificationFailed  ReceiptStatus = "VERIFICATION_FAILED"
)

// DisputeStatus is the Dispute's state.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// Signatures carries the two signed acknowledgements a contract needs
// before a hold can be created.
type Signatures struct {
	DS              string
	Requester       string
	DSSignedAt      time.Time
	RequesterSignedAt time.Time
}

// Hold is the per-contract financial lock.
type Hold struct {
	ID                string
	ContractID        string
	RequestID         string
	RequesterID       string
	DSID              string
	Amount            money.Amount
	ReleasedAmount    money.Amount
	RefundedAmount    money.Amount
	ContractHashDigest string
	Signatures        Signatures
	Status            HoldStatus
	CreatedAt         time.Time
	DeliveryReceiptID string
	ReleasedAt        *time.Time
}

// DeliveryReceipt records a node's proof that a capsule was handed to
// the requester; the capsule itself never crosses the orchestrator.
type DeliveryReceipt struct {
	ID                string
	HoldID            string
	CapsuleHashDigest string
	TransferProof     string
	RequesterAck      bool
	SubmittedAt       time.Time
	Status            ReceiptStatus
}

// Dispute is an open disagreement over a hold's delivery.
type Dispute struct {
	ID             string
	HoldID         string
	InitiatorID    string
	Reason         string
	EvidenceHashes []string
	Status         DisputeStatus
	OpenedAt       time.Time
	Resolution     string
	ReleaseAmount  money.Amount
	RefundAmount   money.Amount
}

// Account is the external Escrow Account interface (out of process —
// the orchestrator never holds funds itself).
type Account interface {
	CheckFunded(ctx context.Context, requesterID string, amount money.Amount) (bool, error)
	Release(ctx context.Context, holdID, toAccountID string, amount money.Amount) error
	Refund(ctx context.Context, holdID, toAccountID string, amount money.Amount) error
}

var (
	errWrongState       = fmt.Errorf("escrow: precondition failed: wrong hold state")
	errMissingSignature = fmt.Errorf("escrow: both ds and requester signatures are required")
	errDisputeOpen      = fmt.Errorf("escrow: an open dispute already exists for this hold")
	errNoDisputeOpen    = fmt.Errorf("escrow: no open dispute for this hold")
	errOverRelease      = fmt.Errorf("escrow: release + refund exceeds hold amount")
)

// Orchestrator owns every hold, receipt and dispute and linearizes
// transitions per hold (spec.md §5: "create → submit_receipt → release,
// or the dispute branch").
type Orchestrator struct {
	mu sync.Mutex

	holds     map[string]*Hold
	receipts  map[string]*DeliveryReceipt
	disputes  map[string]*Dispute

	account  Account
	breaker  *resiliency.CircuitBreaker
	retry    resiliency.RetryPolicy
	audit    audit.Store
	bus      *eventbus.Bus
	clock    func() time.Time
}

// NewOrchestrator wires the external escrow account behind a circuit
// breaker/retry wrapper, the audit log every transition writes to, and
// the canonical event bus every transition emits to (sharing the
// originating request id as trace id, per spec.md §4.9).
func NewOrchestrator(account Account, auditStore audit.Store, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		holds:    make(map[string]*Hold),
		receipts: make(map[string]*DeliveryReceipt),
		disputes: make(map[string]*Dispute),
		account:  account,
		breaker:  resiliency.NewCircuitBreaker(5, 30*time.Second),
		retry:    resiliency.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
		audit:    auditStore,
		bus:      bus,
		clock:    time.Now,
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// emit records a canonical event for a hold transition, using the
// hold's originating request id as trace id so it correlates with the
// REQUEST_CREATED/REQUEST_SCREENED/REQUEST_MATCHED events from the same
// flow (spec.md §4.9's worked example).
func (o *Orchestrator) emit(traceID, resourceID, eventType, resourceType string) {
	o.bus.Emit(eventbus.EmitInput{
		TraceID:        traceID,
		EventType:      eventType,
		IdempotencyKey: resourceID + ":" + eventType,
		ActorType:      "SYSTEM",
		ResourceID:     resourceID,
		ResourceType:   resourceType,
	})
}

// CreateHoldInput is the input to CreateHold.
type CreateHoldInput struct {
	ContractID     string
	RequestID      string
	RequesterID    string
	DSID           string
	Amount         money.Amount
	ContractHash   string
	Signatures     Signatures
}

// CreateHold validates both signatures are present, confirms external
// funding, and persists the hold in PENDING_DELIVERY.
func (o *Orchestrator) CreateHold(ctx context.Context, in CreateHoldInput) (Hold, error) {
	if in.Signatures.DS == "" || in.Signatures.Requester == "" {
		return Hold{}, errMissingSignature
	}

	var funded bool
	err := resiliency.Call(ctx, o.breaker, o.retry, func(ctx context.Context) error {
		ok, err := o.account.CheckFunded(ctx, in.RequesterID, in.Amount)
		if err != nil {
			return err
		}
		funded = ok
		return nil
	})
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: check funded: %w", err)
	}
	if !funded {
		return Hold{}, fmt.Errorf("escrow: insufficient funds for requester %s", in.RequesterID)
	}

	hold := &Hold{
		ID:                 uuid.NewString(),
		ContractID:         in.ContractID,
		RequestID:          in.RequestID,
		RequesterID:        in.RequesterID,
		DSID:               in.DSID,
		Amount:             in.Amount,
		ContractHashDigest: digest(in.ContractHash),
		Signatures:         in.Signatures,
		Status:             HoldPendingDelivery,
		CreatedAt:          o.clock().UTC(),
	}

	o.mu.Lock()
	o.holds[hold.ID] = hold
	o.mu.Unlock()

	if _, err := o.audit.Append(audit.EventEscrowLocked, in.RequesterID, audit.ActorRequester, hold.ID, "escrow_hold", digest(hold.ContractHashDigest)); err != nil {
		return Hold{}, fmt.Errorf("escrow: write audit receipt: %w", err)
	}
	o.emit(hold.RequestID, hold.ID, "ESCROW_LOCKED", "escrow_hold")

	return *hold, nil
}

// SubmitDeliveryReceipt requires PENDING_DELIVERY, persists the receipt
// with a hashed capsule reference, and verifies the optional integrity
// proof via pkg/merkle.
func (o *Orchestrator) SubmitDeliveryReceipt(holdID, capsuleHash string, proof *merkle.Proof, claimedRoot, signature string) (DeliveryReceipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hold, ok := o.holds[holdID]
	if !ok {
		return DeliveryReceipt{}, fmt.Errorf("escrow: hold %s not found", holdID)
	}
	if hold.Status != HoldPendingDelivery {
		return DeliveryReceipt{}, errWrongState
	}

	receipt := &DeliveryReceipt{
		ID:                uuid.NewString(),
		HoldID:            holdID,
		CapsuleHashDigest: digest(capsuleHash),
		SubmittedAt:       o.clock().UTC(),
		Status:            ReceiptPendingVerification,
	}

	if proof != nil {
		ok, err := merkle.VerifyIntegrityProof([]byte(capsuleHash), *proof, claimedRoot, signature)
		if err != nil || !ok {
			receipt.Status = ReceiptVerificationFailed
		} else {
			receipt.Status = ReceiptVerified
		}
	}

	o.receipts[receipt.ID] = receipt
	hold.DeliveryReceiptID = receipt.ID
	hold.Status = HoldDeliveryReceived

	if _, err := o.audit.Append(audit.EventCapsuleCreated, hold.RequesterID, audit.ActorSystem, receipt.ID, "delivery_receipt", receipt.CapsuleHashDigest); err != nil {
		return DeliveryReceipt{}, fmt.Errorf("escrow: write audit receipt: %w", err)
	}
	o.emit(hold.RequestID, receipt.ID, "CAPSULE_CREATED", "delivery_receipt")

	return *receipt, nil
}

// hasOpenDispute reports whether a hold has a dispute in OPEN status.
// Caller must hold o.mu.
func (o *Orchestrator) hasOpenDispute(holdID string) bool {
	for _, d := range o.disputes {
		if d.HoldID == holdID && d.Status == DisputeOpen {
			return true
		}
	}
	return false
}

// ReleasePayment requires a delivery receipt, hold status
// DELIVERY_RECEIVED (whatever the receipt's verification status) and no
// open dispute.
func (o *Orchestrator) ReleasePayment(ctx context.Context, holdID string) (Hold, error) {
	o.mu.Lock()
	hold, ok := o.holds[holdID]
	if !ok {
		o.mu.Unlock()
		return Hold{}, fmt.Errorf("escrow: hold %s not found", holdID)
	}
	if hold.DeliveryReceiptID == "" || hold.Status != HoldDeliveryReceived {
		o.mu.Unlock()
		return Hold{}, errWrongState
	}
	if o.hasOpenDispute(holdID) {
		o.mu.Unlock()
		return Hold{}, errDisputeOpen
	}
	o.mu.Unlock()

	err := resiliency.Call(ctx, o.breaker, o.retry, func(ctx context.Context) error {
		return o.account.Release(ctx, holdID, hold.DSID, hold.Amount)
	})
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: release payment: %w", err)
	}

	o.mu.Lock()
	hold.ReleasedAmount = hold.Amount
	hold.Status = HoldReleased
	now := o.clock().UTC()
	hold.ReleasedAt = &now
	o.mu.Unlock()

	if _, err := o.audit.Append(audit.EventEscrowReleased, hold.RequesterID, audit.ActorSystem, holdID, "escrow_hold", digest(hold.Amount.String())); err != nil {
		return Hold{}, fmt.Errorf("escrow: write audit receipt: %w", err)
	}
	o.emit(hold.RequestID, holdID, "ESCROW_RELEASED", "escrow_hold")

	return *hold, nil
}

// OpenDispute requires the initiator to be a transaction party and at
// most one OPEN dispute per hold.
func (o *Orchestrator) OpenDispute(holdID, initiatorID, reason string, evidenceHashes []string) (Dispute, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hold, ok := o.holds[holdID]
	if !ok {
		return Dispute{}, fmt.Errorf("escrow: hold %s not found", holdID)
	}
	if initiatorID != hold.RequesterID && initiatorID != hold.DSID {
		return Dispute{}, fmt.Errorf("escrow: initiator must be a transaction party")
	}
	if o.hasOpenDispute(holdID) {
		return Dispute{}, errDisputeOpen
	}

	dispute := &Dispute{
		ID:             uuid.NewString(),
		HoldID:         holdID,
		InitiatorID:    initiatorID,
		Reason:         reason,
		EvidenceHashes: evidenceHashes,
		Status:         DisputeOpen,
		OpenedAt:       o.clock().UTC(),
	}
	o.disputes[dispute.ID] = dispute
	hold.Status = HoldDisputed

	return *dispute, nil
}

// ResolveDispute performs the release/refund split and updates the
// hold's terminal status per spec.md §4.7.
func (o *Orchestrator) ResolveDispute(ctx context.Context, disputeID, resolution string, releaseToDS, refundToRequester money.Amount) (Dispute, error) {
	o.mu.Lock()
	dispute, ok := o.disputes[disputeID]
	if !ok {
		o.mu.Unlock()
		return Dispute{}, fmt.Errorf("escrow: dispute %s not found", disputeID)
	}
	if dispute.Status != DisputeOpen {
		o.mu.Unlock()
		return Dispute{}, errNoDisputeOpen
	}
	hold := o.holds[dispute.HoldID]
	total := releaseToDS.Add(refundToRequester)
	if !total.LessThanOrEqual(hold.Amount) {
		o.mu.Unlock()
		return Dispute{}, errOverRelease
	}
	o.mu.Unlock()

	if releaseToDS.IsPositive() {
		if err := resiliency.Call(ctx, o.breaker, o.retry, func(ctx context.Context) error {
			return o.account.Release(ctx, hold.ID, hold.DSID, releaseToDS)
		}); err != nil {
			return Dispute{}, fmt.Errorf("escrow: dispute release: %w", err)
		}
	}
	if refundToRequester.IsPositive() {
		if err := resiliency.Call(ctx, o.breaker, o.retry, func(ctx context.Context) error {
			return o.account.Refund(ctx, hold.ID, hold.RequesterID, refundToRequester)
		}); err != nil {
			return Dispute{}, fmt.Errorf("escrow: dispute refund: %w", err)
		}
	}

	o.mu.Lock()
	hold.ReleasedAmount = releaseToDS
	hold.RefundedAmount = refundToRequester
	switch {
	case releaseToDS.Equal(hold.Amount):
		hold.Status = HoldReleased
	case refundToRequester.Equal(hold.Amount):
		hold.Status = HoldRefunded
	default:
		hold.Status = HoldPartiallyReleased
	}
	dispute.Status = DisputeResolved
	dispute.Resolution = resolution
	dispute.ReleaseAmount = releaseToDS
	dispute.RefundAmount = refundToRequester
	o.mu.Unlock()

	if releaseToDS.IsPositive() {
		if _, err := o.audit.Append(audit.EventEscrowReleased, hold.RequesterID, audit.ActorSystem, hold.ID, "escrow_hold", digest(releaseToDS.String())); err != nil {
			return Dispute{}, fmt.Errorf("escrow: write audit receipt: %w", err)
		}
		o.emit(hold.RequestID, hold.ID, "ESCROW_RELEASED", "escrow_hold")
	}
	if refundToRequester.IsPositive() {
		if _, err := o.audit.Append(audit.EventEscrowRefunded, hold.RequesterID, audit.ActorSystem, hold.ID, "escrow_hold", digest(refundToRequester.String())); err != nil {
			return Dispute{}, fmt.Errorf("escrow: write audit receipt: %w", err)
		}
		o.emit(hold.RequestID, hold.ID, "ESCROW_REFUNDED", "escrow_hold")
	}

	return *dispute, nil
}

// ProcessRefund performs a full refund; blocked if the hold is already
// RELEASED.
func (o *Orchestrator) ProcessRefund(ctx context.Context, holdID, reason string) (Hold, error) {
	o.mu.Lock()
	hold, ok := o.holds[holdID]
	if !ok {
		o.mu.Unlock()
		return Hold{}, fmt.Errorf("escrow: hold %s not found", holdID)
	}
	if hold.Status == HoldReleased {
		o.mu.Unlock()
		return Hold{}, errWrongState
	}
	o.mu.Unlock()

	if err := resiliency.Call(ctx, o.breaker, o.retry, func(ctx context.Context) error {
		return o.account.Refund(ctx, holdID, hold.RequesterID, hold.Amount)
	}); err != nil {
		return Hold{}, fmt.Errorf("escrow: refund: %w", err)
	}

	o.mu.Lock()
	hold.RefundedAmount = hold.Amount
	hold.Status = HoldRefunded
	o.mu.Unlock()

	if _, err := o.audit.Append(audit.EventEscrowRefunded, hold.RequesterID, audit.ActorSystem, holdID, "escrow_hold", digest(reason)); err != nil {
		return Hold{}, fmt.Errorf("escrow: write audit receipt: %w", err)
	}
	o.emit(hold.RequestID, holdID, "ESCROW_REFUNDED", "escrow_hold")

	return *hold, nil
}

// Get returns a hold by id.
func (o *Orchestrator) Get(holdID string) (Hold, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.holds[holdID]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}
