// Package admission decides whether a request should be forwarded upstream,
// given counters already fetched from the accounting store. It holds no
// state of its own so its rules can be tested without a database.
package admission

import "time"

// Limits are the per-user thresholds a Decision is evaluated against. A
// zero value for either field means that particular limit is disabled.
type Limits struct {
	MinHitInterval  time.Duration
	MaxTokensPerDay uint64
}

// Verdict is the outcome of an admission check.
type Verdict int

const (
	Accept Verdict = iota
	RejectRate
	RejectQuota
)

// Decision is the result of evaluating a request against Limits.
type Decision struct {
	Verdict           Verdict
	RetryAfterSeconds float64
}

// Allowed reports whether the request should be forwarded upstream.
func (d Decision) Allowed() bool {
	return d.Verdict == Accept
}

// Evaluate applies the rate and quota limits in order: rate first, quota
// second, matching the original implementation's check-before-forward
// sequencing. sinceLastHit and isFirstHit come from Store.RecordHit, which
// must be called (and therefore the hit counted) before Evaluate runs — a
// rejected request still counts as a hit.
func Evaluate(limits Limits, sinceLastHit time.Duration, isFirstHit bool, tokensUsedToday uint64) Decision {
	if !isFirstHit && limits.MinHitInterval > 0 && sinceLastHit < limits.MinHitInterval {
		retryAfter := (limits.MinHitInterval - sinceLastHit).Seconds()
		return Decision{Verdict: RejectRate, RetryAfterSeconds: retryAfter}
	}

	if limits.MaxTokensPerDay > 0 && tokensUsedToday >= limits.MaxTokensPerDay {
		return Decision{Verdict: RejectQuota}
	}

	return Decision{Verdict: Accept}
}
