package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateAcceptsFirstHitRegardlessOfInterval(t *testing.T) {
	limits := Limits{MinHitInterval: 5 * time.Second, MaxTokensPerDay: 1000}
	d := Evaluate(limits, 0, true, 0)
	assert.True(t, d.Allowed())
}

func TestEvaluateRejectsTooFrequentHits(t *testing.T) {
	limits := Limits{MinHitInterval: 5 * time.Second}
	d := Evaluate(limits, 2*time.Second, false, 0)
	assert.False(t, d.Allowed())
	assert.Equal(t, RejectRate, d.Verdict)
	assert.InDelta(t, 3.0, d.RetryAfterSeconds, 0.001)
}

func TestEvaluateAcceptsWhenIntervalElapsed(t *testing.T) {
	limits := Limits{MinHitInterval: 5 * time.Second}
	d := Evaluate(limits, 10*time.Second, false, 0)
	assert.True(t, d.Allowed())
}

func TestEvaluateZeroIntervalMeansUnlimited(t *testing.T) {
	limits := Limits{MinHitInterval: 0}
	d := Evaluate(limits, 0, false, 0)
	assert.True(t, d.Allowed())
}

func TestEvaluateRejectsOverQuota(t *testing.T) {
	limits := Limits{MaxTokensPerDay: 100}
	d := Evaluate(limits, time.Hour, false, 100)
	assert.False(t, d.Allowed())
	assert.Equal(t, RejectQuota, d.Verdict)
}

func TestEvaluateZeroQuotaMeansUnlimited(t *testing.T) {
	limits := Limits{MaxTokensPerDay: 0}
	d := Evaluate(limits, time.Hour, false, 1_000_000_000)
	assert.True(t, d.Allowed())
}

func TestEvaluateRatePrecedesQuota(t *testing.T) {
	limits := Limits{MinHitInterval: 5 * time.Second, MaxTokensPerDay: 100}
	d := Evaluate(limits, time.Second, false, 1000)
	assert.Equal(t, RejectRate, d.Verdict)
}
