package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/eventbus"
	"github.com/somatechlat/yachaq-coordinator/pkg/lifecycle"
	"github.com/somatechlat/yachaq-coordinator/pkg/money"
	"github.com/somatechlat/yachaq-coordinator/pkg/policy"
	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
	"github.com/somatechlat/yachaq-coordinator/pkg/rendezvous"
	"github.com/somatechlat/yachaq-coordinator/pkg/reputation"
	"github.com/somatechlat/yachaq-coordinator/pkg/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) (*lifecycle.Coordinator, *reputation.Tracker, *eventbus.Bus) {
	auditStore := audit.NewMemoryStore()
	rep := reputation.NewTracker(0.01)
	reqStore := request.NewStore(auditStore, rep)

	key := make([]byte, 32)
	signer, err := policystamp.NewSigner(key)
	require.NoError(t, err)
	reviewer := policy.NewReviewer(signer, auditStore, "v1")

	publisher := rendezvous.NewInMemoryPublisher()
	bus := eventbus.NewBus(func(ctx context.Context, e eventbus.Event) error { return nil }, 3, time.Hour)
	return lifecycle.NewCoordinator(reqStore, rep, reviewer, publisher, bus, nil), rep, bus
}

func validInput() request.Input {
	price, _ := money.FromString("1.00")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return request.Input{
		RequesterID:   "req-1",
		Purpose:       "x",
		Scope:         map[string]any{"account_type": "premium"},
		Criteria:      map[string]any{"account_type": "premium"},
		UnitPrice:     price,
		Cap:           10,
		DurationStart: start,
		DurationEnd:   start.Add(24 * time.Hour),
	}
}

func TestSubmitTransitionsToScreening(t *testing.T) {
	coord, _, bus := newCoordinator(t)

	result, err := coord.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, request.OutcomeStored, result.Outcome)

	status, ok := coord.Status(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, request.StatusScreening, status)

	events := bus.ByTraceID(result.RequestID)
	require.Len(t, events, 1)
	assert.Equal(t, "REQUEST_CREATED", events[0].EventType)
}

func TestSubmitRateLimited(t *testing.T) {
	coord, _, _ := newCoordinator(t)

	for i := 0; i < 10; i++ {
		_, err := coord.Submit(context.Background(), validInput())
		require.NoError(t, err)
	}
	result, err := coord.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, request.Outcome("RATE_LIMITED"), result.Outcome)
}

func TestReviewApprovedTransitionsToActive(t *testing.T) {
	coord, _, bus := newCoordinator(t)

	submitResult, err := coord.Submit(context.Background(), validInput())
	require.NoError(t, err)

	_, _, err = coord.Review(submitResult.RequestID, policy.ScopeLookup{
		Scope:    map[string]any{"account_type": "premium"},
		Criteria: map[string]any{"account_type": "premium"},
		Purpose:  "market research",
	})
	require.NoError(t, err)

	status, ok := coord.Status(submitResult.RequestID)
	require.True(t, ok)
	assert.Equal(t, request.StatusActive, status)

	events := bus.ByTraceID(submitResult.RequestID)
	require.Len(t, events, 2)
	assert.Equal(t, "REQUEST_SCREENED", events[1].EventType)
}

func TestPublishRequiresActive(t *testing.T) {
	coord, _, bus := newCoordinator(t)

	submitResult, err := coord.Submit(context.Background(), validInput())
	require.NoError(t, err)

	_, err = coord.Publish(context.Background(), submitResult.RequestID, rendezvous.ModeBroadcast, rendezvous.PublicationPayload{RequestID: submitResult.RequestID})
	assert.Error(t, err, "request is still SCREENING, not ACTIVE")

	_, _, err = coord.Review(submitResult.RequestID, policy.ScopeLookup{Scope: map[string]any{"account_type": "x"}})
	require.NoError(t, err)

	reach, err := coord.Publish(context.Background(), submitResult.RequestID, rendezvous.ModeBroadcast, rendezvous.PublicationPayload{RequestID: submitResult.RequestID})
	require.NoError(t, err)

	events := bus.ByTraceID(submitResult.RequestID)
	require.Len(t, events, 3)
	assert.Equal(t, "REQUEST_MATCHED", events[2].EventType)
	assert.Equal(t, 0, reach)
}
