package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityUrgent, ParsePriority("urgent"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority("garbage"), "unknown maps to normal")
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusSettled, StatusDeadLetter, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TaskStatus{StatusPending, StatusMatching, StatusAssigned, StatusHalted, StatusBusted} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestSoftDecline(t *testing.T) {
	assert.True(t, (&Result{Success: false, Message: "cannot locate the file"}).SoftDecline())
	assert.False(t, (&Result{Success: false}).SoftDecline(), "silent failure is a hard failure")
	assert.False(t, (&Result{Success: true, Message: "done"}).SoftDecline())
	var nilResult *Result
	assert.False(t, nilResult.SoftDecline())
}

func TestEvaluatedBidOrdering(t *testing.T) {
	now := time.Now()
	mk := func(score float64, tier Tier, est int64, at time.Time, agent string) EvaluatedBid {
		return EvaluatedBid{
			Score: score,
			Bid:   Bid{AgentID: agent, Tier: tier, EstimatedTimeMs: est, SubmittedAt: at},
		}
	}

	// Score dominates everything else.
	assert.True(t, mk(0.9, TierCustom, 9000, now, "z").Less(mk(0.8, TierBuiltin, 100, now, "a")))
	// Equal score: tier rank breaks the tie.
	assert.True(t, mk(0.8, TierBuiltin, 5000, now, "z").Less(mk(0.8, TierCustom, 100, now, "a")))
	// Equal score and tier: faster estimate wins.
	assert.True(t, mk(0.8, TierCustom, 100, now, "z").Less(mk(0.8, TierCustom, 5000, now, "a")))
	// Then the earlier submission.
	assert.True(t, mk(0.8, TierCustom, 100, now, "z").Less(mk(0.8, TierCustom, 100, now.Add(time.Millisecond), "a")))
	// Finally the lexically smaller agent id, for determinism.
	assert.True(t, mk(0.8, TierCustom, 100, now, "a").Less(mk(0.8, TierCustom, 100, now, "b")))
}
