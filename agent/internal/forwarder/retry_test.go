package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedRandPolicy(r float64) RetryPolicy {
	p := DefaultRetryPolicy()
	p.rand = func() float64 { return r }
	return p
}

func TestRetryPolicy_StopsAtMaxRetries(t *testing.T) {
	p := fixedRandPolicy(0)

	d := p.Decide(3, Outcome{Class: OutcomeServerError, StatusCode: 503})
	assert.False(t, d.Retry)

	d = p.Decide(2, Outcome{Class: OutcomeServerError, StatusCode: 503})
	assert.True(t, d.Retry)
}

func TestRetryPolicy_ZeroRetriesMeansSingleAttempt(t *testing.T) {
	p := fixedRandPolicy(0)
	p.MaxRetries = 0

	d := p.Decide(0, Outcome{Class: OutcomeConnectionError})
	assert.False(t, d.Retry)
}

func TestRetryPolicy_ClientErrorNotRetried(t *testing.T) {
	p := fixedRandPolicy(0)

	for _, code := range []int{400, 401, 403, 404, 422} {
		d := p.Decide(0, Outcome{Class: OutcomeClientError, StatusCode: code})
		assert.False(t, d.Retry, "status %d", code)
	}
}

func TestRetryPolicy_RetryableOutcomes(t *testing.T) {
	p := fixedRandPolicy(0)

	for _, outcome := range []Outcome{
		{Class: OutcomeServerError, StatusCode: 500},
		{Class: OutcomeServerError, StatusCode: 503},
		{Class: OutcomeRateLimited, StatusCode: 429},
		{Class: OutcomeConnectionError},
		{Class: OutcomeDNSError},
		{Class: OutcomeTimeout},
	} {
		d := p.Decide(0, outcome)
		assert.True(t, d.Retry, "outcome %s", outcome.Class)
	}
}

func TestRetryPolicy_ExponentialBackoff(t *testing.T) {
	p := fixedRandPolicy(0) // no jitter

	outcome := Outcome{Class: OutcomeServerError, StatusCode: 500}
	assert.Equal(t, 1*time.Second, p.Decide(0, outcome).Delay)
	assert.Equal(t, 2*time.Second, p.Decide(1, outcome).Delay)
	assert.Equal(t, 4*time.Second, p.Decide(2, outcome).Delay)
}

func TestRetryPolicy_JitterAddsUpToFactor(t *testing.T) {
	low := fixedRandPolicy(0)
	high := fixedRandPolicy(0.999999)

	outcome := Outcome{Class: OutcomeConnectionError}
	base := low.Decide(1, outcome).Delay
	jittered := high.Decide(1, outcome).Delay

	assert.Greater(t, jittered, base)
	assert.LessOrEqual(t, jittered, base+time.Duration(float64(base)*0.1)+time.Millisecond)
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := fixedRandPolicy(0)
	p.MaxRetries = 20

	d := p.Decide(10, Outcome{Class: OutcomeServerError, StatusCode: 502})
	assert.Equal(t, p.MaxDelay, d.Delay)
}

func TestRetryPolicy_RetryAfterHeaderWins(t *testing.T) {
	p := fixedRandPolicy(0)

	d := p.Decide(0, Outcome{
		Class:      OutcomeRateLimited,
		StatusCode: 429,
		RetryAfter: 30 * time.Second,
	})
	assert.True(t, d.Retry)
	assert.Equal(t, 30*time.Second, d.Delay)

	// A shorter header than the computed backoff is ignored.
	d = p.Decide(2, Outcome{
		Class:      OutcomeRateLimited,
		StatusCode: 429,
		RetryAfter: 1 * time.Second,
	})
	assert.Equal(t, 4*time.Second, d.Delay)
}
