package forwarder

import (
	"math/rand"
	"time"
)

// RetryPolicy decides, from an attempt index and a send outcome, whether
// to retry and after what delay. Exponential backoff defeats thundering
// herds; jitter desynchronises fleets; non-429 client errors are never
// retried so a malformed payload can't loop forever.
//
// The policy is pure: it holds no state across calls.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// rand returns a value in [0, 1); injectable for tests.
	rand func() float64
}

// DefaultRetryPolicy mirrors the agent's shipping defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.1,
	}
}

// Decision is the output of the policy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns the decision for the given 0-based attempt index and
// outcome.
func (p RetryPolicy) Decide(attempt int, outcome Outcome) Decision {
	if attempt >= p.MaxRetries {
		return Decision{}
	}
	if outcome.Class == OutcomeClientError {
		return Decision{}
	}
	if outcome.Class == OutcomeSuccess {
		return Decision{}
	}

	backoff := float64(p.BaseDelay) * float64(int64(1)<<uint(attempt))
	jitter := backoff * p.JitterFactor * p.randFloat()
	delay := time.Duration(backoff + jitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// A server-supplied Retry-After wins if it asks for more patience.
	if outcome.Class == OutcomeRateLimited && outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}

	return Decision{Retry: true, Delay: delay}
}

func (p RetryPolicy) randFloat() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}
