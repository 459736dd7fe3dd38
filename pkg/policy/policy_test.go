package policy_test

import (
	"testing"

	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/policy"
	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *policystamp.Signer {
	key := make([]byte, 32)
	signer, err := policystamp.NewSigner(key)
	require.NoError(t, err)
	return signer
}

func TestReviewRequestAppliesMinimumSafeguards(t *testing.T) {
	result := policy.ReviewRequest(policy.ScopeLookup{
		Scope:    map[string]any{"account_type": "premium"},
		Criteria: map[string]any{"account_type": "premium"},
		Purpose:  "market research",
	})
	assert.Contains(t, result.Safeguards, "K_ANONYMITY_50")
	assert.Contains(t, result.Safeguards, "TTL_72H")
	assert.Equal(t, policystamp.DecisionApproved, result.Decision)
}

func TestReviewRequestHealthAndLocationForcesCleanRoom(t *testing.T) {
	result := policy.ReviewRequest(policy.ScopeLookup{
		Scope: map[string]any{"domain.health": "x", "domain.location": "y"},
	})
	assert.Contains(t, result.Safeguards, "CLEAN_ROOM_ONLY")
	assert.Contains(t, result.Safeguards, "COARSE_GEO")
	found := false
	for _, code := range result.ReasonCodes {
		if code == "HEALTH_LOCATION_COMBINATION:domain.health+domain.location" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReviewRequestFinanceAndLocationRequiresSafeguard(t *testing.T) {
	result := policy.ReviewRequest(policy.ScopeLookup{
		Scope: map[string]any{"domain.finance": "x", "domain.location": "y"},
	})
	hasEither := false
	for _, sg := range result.Safeguards {
		if sg == "CLEAN_ROOM_ONLY" || sg == "AGGREGATE_ONLY" {
			hasEither = true
		}
	}
	assert.True(t, hasEither)
}

func TestReviewRequestMinorsTriggersManualReview(t *testing.T) {
	result := policy.ReviewRequest(policy.ScopeLookup{
		Purpose: "study of children's shopping habits",
	})
	assert.Equal(t, policystamp.DecisionManualReview, result.Decision)
	assert.Contains(t, result.ReasonCodes, "MINORS_INVOLVEMENT_DETECTED")
}

func TestReviewRequestTooManyCriteriaFlagged(t *testing.T) {
	criteria := map[string]any{
		"account_type": 1, "status": 1, "created_after": 1, "created_before": 1,
		"domain": 1, "time_bucket": 1, "geo_bucket": 1, "quality_tier": 1, "privacy_floor": 1,
	}
	result := policy.ReviewRequest(policy.ScopeLookup{Criteria: criteria})
	assert.Contains(t, result.ReasonCodes, "CRITERIA_TOO_SPECIFIC")
	assert.NotEmpty(t, result.RemediationHints)
}

func TestReviewRequestNonODXCriteriaFlagged(t *testing.T) {
	result := policy.ReviewRequest(policy.ScopeLookup{
		Criteria: map[string]any{"favorite_color": "blue"},
	})
	assert.Contains(t, result.ReasonCodes, "NON_ODX_CRITERIA")
	assert.Contains(t, result.RemediationHints[0], "ODX-allowed")
}

type fakeSetter struct {
	transitioned bool
	approved     bool
}

func (f *fakeSetter) TransitionFromScreening(requestID string, approved bool) error {
	f.transitioned = true
	f.approved = approved
	return nil
}

func TestAttachStampSignsAndWritesReceipt(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	reviewer := policy.NewReviewer(testSigner(t), auditStore, "v1")

	result := policy.ReviewRequest(policy.ScopeLookup{Scope: map[string]any{"account_type": "x"}})
	setter := &fakeSetter{}

	stamp, err := reviewer.AttachStamp("req-1", result, setter)
	require.NoError(t, err)
	assert.True(t, setter.transitioned)
	assert.True(t, setter.approved)
	assert.Equal(t, "req-1", stamp.RequestID)

	receipts, err := auditStore.ByType(audit.EventRequestScreened, 0, 10)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}
