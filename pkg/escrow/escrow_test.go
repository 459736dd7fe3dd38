package escrow_test

import (
	"context"
	"testing"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/escrow"
	"github.com/somatechlat/yachaq-coordinator/pkg/eventbus"
	"github.com/somatechlat/yachaq-coordinator/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus() *eventbus.Bus {
	return eventbus.NewBus(func(ctx context.Context, e eventbus.Event) error { return nil }, 3, time.Hour)
}

type fakeAccount struct {
	funded   bool
	released []string
	refunded []string
}

func (f *fakeAccount) CheckFunded(ctx context.Context, requesterID string, amount money.Amount) (bool, error) {
	return f.funded, nil
}

func (f *fakeAccount) Release(ctx context.Context, holdID, toAccountID string, amount money.Amount) error {
	f.released = append(f.released, amount.String())
	return nil
}

func (f *fakeAccount) Refund(ctx context.Context, holdID, toAccountID string, amount money.Amount) error {
	f.refunded = append(f.refunded, amount.String())
	return nil
}

func amt(t *testing.T, s string) money.Amount {
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func TestHappyPathReleasesFullAmount(t *testing.T) {
	account := &fakeAccount{funded: true}
	auditStore := audit.NewMemoryStore()
	bus := newBus()
	orch := escrow.NewOrchestrator(account, auditStore, bus)

	hold, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		ContractID: "c1", RequestID: "req-1", RequesterID: "requester-1", DSID: "ds-1",
		Amount:       amt(t, "100.00"),
		ContractHash: "hash",
		Signatures:   escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	require.NoError(t, err)

	_, err = orch.SubmitDeliveryReceipt(hold.ID, "abc", nil, "", "")
	require.NoError(t, err)

	released, err := orch.ReleasePayment(context.Background(), hold.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldReleased, released.Status)
	assert.Equal(t, "100.00", released.ReleasedAmount.String())

	lockedReceipts, _ := auditStore.ByType(audit.EventEscrowLocked, 0, 10)
	capsuleReceipts, _ := auditStore.ByType(audit.EventCapsuleCreated, 0, 10)
	releasedReceipts, _ := auditStore.ByType(audit.EventEscrowReleased, 0, 10)
	assert.Len(t, lockedReceipts, 1)
	assert.Len(t, capsuleReceipts, 1)
	assert.Len(t, releasedReceipts, 1)

	events := bus.ByTraceID("req-1")
	require.Len(t, events, 3)
	assert.Equal(t, "ESCROW_LOCKED", events[0].EventType)
	assert.Equal(t, "CAPSULE_CREATED", events[1].EventType)
	assert.Equal(t, "ESCROW_RELEASED", events[2].EventType)
}

func TestCreateHoldRejectsMissingSignature(t *testing.T) {
	orch := escrow.NewOrchestrator(&fakeAccount{funded: true}, audit.NewMemoryStore(), newBus())
	_, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		Amount:     amt(t, "10.00"),
		Signatures: escrow.Signatures{DS: "sig-ds"},
	})
	assert.Error(t, err)
}

func TestCreateHoldRejectsInsufficientFunds(t *testing.T) {
	orch := escrow.NewOrchestrator(&fakeAccount{funded: false}, audit.NewMemoryStore(), newBus())
	_, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		Amount:     amt(t, "10.00"),
		Signatures: escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	assert.Error(t, err)
}

func TestReleaseWithoutReceiptFails(t *testing.T) {
	account := &fakeAccount{funded: true}
	orch := escrow.NewOrchestrator(account, audit.NewMemoryStore(), newBus())

	hold, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		Amount:     amt(t, "10.00"),
		Signatures: escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	require.NoError(t, err)

	_, err = orch.ReleasePayment(context.Background(), hold.ID)
	assert.Error(t, err)
}

func TestDisputePartialResolution(t *testing.T) {
	account := &fakeAccount{funded: true}
	bus := newBus()
	orch := escrow.NewOrchestrator(account, audit.NewMemoryStore(), bus)

	hold, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		RequestID: "req-1", RequesterID: "requester-1", DSID: "ds-1",
		Amount:     amt(t, "100.00"),
		Signatures: escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	require.NoError(t, err)

	_, err = orch.SubmitDeliveryReceipt(hold.ID, "abc", nil, "", "")
	require.NoError(t, err)

	dispute, err := orch.OpenDispute(hold.ID, "ds-1", "INCOMPLETE_DELIVERY", []string{"evidence-hash"})
	require.NoError(t, err)

	resolved, err := orch.ResolveDispute(context.Background(), dispute.ID, "partial delivery confirmed", amt(t, "70.00"), amt(t, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeResolved, resolved.Status)

	finalHold, ok := orch.Get(hold.ID)
	require.True(t, ok)
	assert.Equal(t, escrow.HoldPartiallyReleased, finalHold.Status)
	assert.True(t, finalHold.ReleasedAmount.Add(finalHold.RefundedAmount).LessThanOrEqual(finalHold.Amount))

	events := bus.ByTraceID("req-1")
	require.Len(t, events, 4)
	assert.Equal(t, "ESCROW_RELEASED", events[2].EventType)
	assert.Equal(t, "ESCROW_REFUNDED", events[3].EventType)
}

func TestOnlyOneOpenDisputePerHold(t *testing.T) {
	account := &fakeAccount{funded: true}
	orch := escrow.NewOrchestrator(account, audit.NewMemoryStore(), newBus())

	hold, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		RequesterID: "requester-1", DSID: "ds-1",
		Amount:     amt(t, "50.00"),
		Signatures: escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	require.NoError(t, err)

	_, err = orch.OpenDispute(hold.ID, "ds-1", "reason", nil)
	require.NoError(t, err)

	_, err = orch.OpenDispute(hold.ID, "requester-1", "reason2", nil)
	assert.Error(t, err)
}

func TestProcessRefundBlockedAfterRelease(t *testing.T) {
	account := &fakeAccount{funded: true}
	orch := escrow.NewOrchestrator(account, audit.NewMemoryStore(), newBus())

	hold, err := orch.CreateHold(context.Background(), escrow.CreateHoldInput{
		RequesterID: "requester-1", DSID: "ds-1",
		Amount:     amt(t, "20.00"),
		Signatures: escrow.Signatures{DS: "sig-ds", Requester: "sig-req"},
	})
	require.NoError(t, err)

	_, err = orch.SubmitDeliveryReceipt(hold.ID, "abc", nil, "", "")
	require.NoError(t, err)

	_, err = orch.ReleasePayment(context.Background(), hold.ID)
	require.NoError(t, err)

	_, err = orch.ProcessRefund(context.Background(), hold.ID, "too late")
	assert.Error(t, err)
}
