// Package types defines the data model shared between the agent's
// collectors, buffer, and forwarder.
package types

import (
	"time"
)

// Kind identifies a telemetry stream. Streams share nothing except the
// buffer's spill directory and the forwarder's HTTP client pool.
type Kind string

const (
	KindMetrics  Kind = "metrics"
	KindLogs     Kind = "logs"
	KindTraces   Kind = "traces"
	KindTopology Kind = "topology"
)

// Kinds lists every stream kind the buffer partitions by.
var Kinds = []Kind{KindMetrics, KindLogs, KindTraces, KindTopology}

// FlushKinds is the fixed order the forwarder drains queues in. Topology
// is absent: it bypasses the buffer entirely.
var FlushKinds = []Kind{KindMetrics, KindLogs, KindTraces}

// Valid reports whether k is a known stream kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMetrics, KindLogs, KindTraces, KindTopology:
		return true
	}
	return false
}

// Payload is one opaque telemetry record. The agent never interprets it;
// collectors produce it and the remote contract defines its shape.
type Payload = map[string]any

// Item is a payload plus the bookkeeping the buffer needs. Items are
// immutable once produced; Attempts is bumped only when the forwarder
// hands a failed batch back.
type Item struct {
	Kind       Kind
	Payload    Payload
	EnqueuedAt time.Time
	Attempts   int
}

// MaxAttempts is the per-item delivery budget. An item whose attempt
// counter reaches this value is dropped instead of re-queued.
const MaxAttempts = 5

// Payloads extracts the payloads from a batch, preserving order.
func Payloads(items []Item) []Payload {
	out := make([]Payload, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	return out
}
