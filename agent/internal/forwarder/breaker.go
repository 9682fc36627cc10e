package forwarder

import (
	"time"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
)

// CircuitState is the breaker's gate position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// breaker is the circuit breaker guarding the transport. It is owned by
// the forwarder goroutine and is not safe for concurrent use; the
// forwarder snapshots its state for Stats.
//
// Closed trips to Open only when the failure streak includes at least
// one network-level failure: a pure run of 5xx keeps retrying on the
// flush cadence, but a dead or unresolvable endpoint stops burning
// sockets for the cooldown period. DNS failures keep their own streak
// that success alone resets, so a flapping resolver can't dodge the
// threshold by interleaving other outcomes.
type breaker struct {
	clock     clock.Clock
	threshold int
	cooldown  time.Duration

	state        CircuitState
	openUntil    time.Time
	failures     int // consecutive failures of any counted class
	dnsFailures  int // reset only by success
	sawConnClass bool
	lastSuccess  time.Time
	opens        int64
}

func newBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &breaker{
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
	}
}

// allow reports whether a send attempt may proceed. An expired Open
// window transitions to HalfOpen as a side effect.
func (b *breaker) allow() bool {
	if b.state != CircuitOpen {
		return true
	}
	if b.clock.Now().Before(b.openUntil) {
		return false
	}
	b.state = CircuitHalfOpen
	b.failures = 0
	return true
}

// recoveryAllowed reports whether disk recovery may run: staging data
// while the circuit is open would queue fresh items for certain failure.
func (b *breaker) recoveryAllowed() bool {
	return b.state != CircuitOpen
}

func (b *breaker) recordSuccess() {
	b.failures = 0
	b.dnsFailures = 0
	b.sawConnClass = false
	b.lastSuccess = b.clock.Now()
	b.state = CircuitClosed
}

// recordFailure counts one failed attempt. Rate-limit responses must
// not be passed here; they are backpressure, not failure.
func (b *breaker) recordFailure(outcome Outcome) {
	b.failures++
	if outcome.Class == OutcomeDNSError {
		b.dnsFailures++
	}
	if outcome.Class.connectionClass() {
		b.sawConnClass = true
	}

	switch {
	case b.state == CircuitHalfOpen:
		b.trip()
	case b.dnsFailures >= b.threshold:
		b.trip()
	case b.failures >= b.threshold && b.sawConnClass:
		b.trip()
	}
}

// forceOpen trips the breaker directly, e.g. after startup DNS probes.
func (b *breaker) forceOpen() {
	b.trip()
}

func (b *breaker) trip() {
	b.state = CircuitOpen
	b.openUntil = b.clock.Now().Add(b.cooldown)
	b.opens++
}
