package reputation_test

import (
	"testing"

	"github.com/somatechlat/yachaq-coordinator/pkg/reputation"
	"github.com/stretchr/testify/assert"
)

func TestCheckAllowsWithinCap(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	for i := 0; i < 10; i++ {
		result := tracker.Check("req-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i)
	}
	result := tracker.Check("req-1")
	assert.False(t, result.Allowed)
	assert.False(t, result.RetryAfter.IsZero())
}

func TestRateLimitMonotonicityWithReputation(t *testing.T) {
	lowRep := reputation.NewTracker(0.01)
	lowRep.RecordAbuseSignal("low", "x", "n1")
	lowRep.RecordAbuseSignal("low", "x", "n2")
	lowRep.RecordAbuseSignal("low", "x", "n3")
	lowRep.RecordAbuseSignal("low", "x", "n4")
	lowRep.RecordAbuseSignal("low", "x", "n5")

	highRep := reputation.NewTracker(0.01)
	for i := 0; i < 20; i++ {
		highRep.RecordSuccessfulRequest("high")
	}

	lowAllowed := countAllowed(lowRep, "low", 50)
	highAllowed := countAllowed(highRep, "high", 50)

	assert.LessOrEqual(t, lowAllowed, highAllowed)
}

func countAllowed(t *reputation.Tracker, requesterID string, attempts int) int {
	count := 0
	for i := 0; i < attempts; i++ {
		if t.Check(requesterID).Allowed {
			count++
		}
	}
	return count
}

func TestReputationScoreStaysWithinBounds(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	for i := 0; i < 50; i++ {
		tracker.NotifyTargetingAttempt("req-1")
	}
	score := tracker.Score("req-1")
	assert.GreaterOrEqual(t, score.Score, 0.0)
	assert.LessOrEqual(t, score.Score, 100.0)

	for i := 0; i < 50; i++ {
		tracker.RecordDisputeWon("req-2")
	}
	score2 := tracker.Score("req-2")
	assert.LessOrEqual(t, score2.Score, 100.0)
}

func TestHistoryCappedAt100(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	for i := 0; i < 150; i++ {
		tracker.RecordSuccessfulRequest("req-1")
	}
	score := tracker.Score("req-1")
	assert.LessOrEqual(t, len(score.History), 100)
}

func TestAbuseSignalPenalizesOnceAtThreshold(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	for i := 0; i < 4; i++ {
		tracker.RecordAbuseSignal("req-1", "spam", "node-"+string(rune('a'+i)))
	}
	beforeThreshold := tracker.Score("req-1").Score
	assert.Equal(t, 50.0, beforeThreshold)

	tracker.RecordAbuseSignal("req-1", "spam", "node-e")
	afterThreshold := tracker.Score("req-1").Score
	assert.Less(t, afterThreshold, beforeThreshold)

	// Repeat signal from an already-counted node must not penalize again.
	tracker.RecordAbuseSignal("req-1", "spam", "node-a")
	assert.Equal(t, afterThreshold, tracker.Score("req-1").Score)
}

func TestSybilFingerprintOpacityAndThreshold(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	fp := reputation.FingerprintInput{
		ScopeCategories:    []string{"location", "travel"},
		CohortSizeBucket:   "50",
		CompensationBucket: "100",
		DurationBucket:     "14",
		TimeOfDayBucket:    "evening",
	}

	var last reputation.SybilResult
	for i := 0; i < 6; i++ {
		last = tracker.RecordPattern(requesterID(i), fp)
	}

	assert.True(t, last.Suspicious)
	assert.GreaterOrEqual(t, last.MatchingRequesters, 5)
	assert.Len(t, last.Fingerprint, 64)
	assert.NotContains(t, last.Fingerprint, "travel")
	assert.NotContains(t, last.Fingerprint, "evening")
}

func requesterID(i int) string {
	return "requester-" + string(rune('a'+i))
}

func TestCheckStillAllowedAfterGC(t *testing.T) {
	tracker := reputation.NewTracker(0.01)
	tracker.Check("req-1")
	tracker.GC()

	result := tracker.Check("req-1")
	assert.True(t, result.Allowed)
}

func TestDecayMovesScoreTowardMidpoint(t *testing.T) {
	tracker := reputation.NewTracker(0.5)
	for i := 0; i < 10; i++ {
		tracker.RecordDisputeWon("req-1")
	}
	before := tracker.Score("req-1").Score
	assert.Greater(t, before, 50.0)

	tracker.DecayAll()
	after := tracker.Score("req-1").Score
	assert.Less(t, after, before)
	assert.Greater(t, after, 50.0)
}
