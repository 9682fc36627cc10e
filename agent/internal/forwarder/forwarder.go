// Package forwarder turns buffered telemetry into outbound requests.
//
// # Design
//
// A single drain loop wakes every flush interval and, when the circuit
// breaker allows, recovers a bounded number of spill files and flushes
// each stream kind in a fixed order (metrics, logs, traces). Failed
// batches go back to the head of their queue; batches rejected with a
// non-retryable client error are dropped so known-bad payloads can't
// saturate the retry budget.
//
// # Failover
//
// Each batch is offered to every enabled endpoint in configured order.
// Within one endpoint the retry policy governs attempts; exhaustion or a
// non-retryable outcome moves to the next endpoint.
package forwarder

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

const (
	// Spill files recovered per healthy iteration, and the larger burst
	// allowed on the first iteration after startup.
	defaultRecoverFiles = 5
	startupRecoverFiles = 10

	dnsProbeTimeout = 5 * time.Second
)

// Config for the forwarder.
type Config struct {
	Endpoints   []Endpoint
	TopologyURL string // dedicated topology ingest URL

	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration

	Retry RetryPolicy

	BreakerThreshold int
	BreakerCooldown  time.Duration

	Transport *Transport
	Logger    *slog.Logger
	Clock     clock.Clock

	// LookupHost is the DNS probe; injectable for tests.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// Forwarder owns the drain loop. Breaker state is shared between the
// loop goroutine and the out-of-band topology path, guarded by bmu.
type Forwarder struct {
	cfg       Config
	buf       *buffer.Buffer
	transport *Transport
	logger    *slog.Logger
	clock     clock.Clock

	bmu     sync.Mutex
	breaker *breaker

	firstIteration bool

	requestsMade   atomic.Int64
	requestsFailed atomic.Int64
	bytesSent      atomic.Int64
	itemsSent      atomic.Int64
	batchesDropped atomic.Int64

	circuitState atomic.String
	failureCount atomic.Int64
	dnsFailures  atomic.Int64
	circuitOpens atomic.Int64
}

// New creates a forwarder draining buf.
func New(cfg Config, buf *buffer.Buffer) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(TransportConfig{})
	}
	if cfg.LookupHost == nil {
		cfg.LookupHost = func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		}
	}

	f := &Forwarder{
		cfg:            cfg,
		buf:            buf,
		transport:      cfg.Transport,
		breaker:        newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.Clock),
		logger:         cfg.Logger.With("component", "forwarder"),
		clock:          cfg.Clock,
		firstIteration: true,
	}
	f.circuitState.Store(CircuitClosed.String())
	return f
}

// Run executes the drain loop until ctx is cancelled, then performs one
// final best-effort flush bounded by the shutdown timeout.
func (f *Forwarder) Run(ctx context.Context) error {
	f.probeDNS(ctx)

	ticker := f.clock.Ticker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalFlush()
			f.transport.Close()
			return ctx.Err()
		case <-ticker.C:
			f.iterate(ctx)
		}
	}
}

// probeDNS resolves the primary endpoint before the loop starts. Two
// failures open the circuit; the loop still runs and will re-probe via
// regular sends once the cooldown lapses.
func (f *Forwarder) probeDNS(ctx context.Context) {
	if len(f.cfg.Endpoints) == 0 {
		return
	}
	host := f.cfg.Endpoints[0].Host()
	if host == "" {
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, dnsProbeTimeout)
		_, err := f.cfg.LookupHost(probeCtx, host)
		cancel()
		if err == nil {
			return
		}
		f.dnsFailures.Inc()
		f.logger.Warn("startup DNS probe failed", "host", host, "attempt", attempt+1, "error", err)
	}

	f.logger.Warn("opening circuit after failed DNS probes", "host", host)
	f.bmu.Lock()
	f.breaker.forceOpen()
	f.syncBreakerStatsLocked()
	f.bmu.Unlock()
}

// breakerAllow gates one send attempt, handling the Open→HalfOpen
// transition when the cooldown has lapsed.
func (f *Forwarder) breakerAllow() bool {
	f.bmu.Lock()
	defer f.bmu.Unlock()
	ok := f.breaker.allow()
	f.syncBreakerStatsLocked()
	return ok
}

func (f *Forwarder) breakerRecoveryAllowed() bool {
	f.bmu.Lock()
	defer f.bmu.Unlock()
	return f.breaker.recoveryAllowed()
}

// iterate runs one pass of the drain loop.
func (f *Forwarder) iterate(ctx context.Context) {
	if !f.breakerAllow() {
		return
	}

	if f.breakerRecoveryAllowed() {
		n := defaultRecoverFiles
		if f.firstIteration {
			n = startupRecoverFiles
		}
		if recovered := f.buf.Recover(n); recovered > 0 {
			f.logger.Info("recovered items from disk, attempting to send", "items", recovered)
		}
	}
	f.firstIteration = false

	for _, kind := range types.FlushKinds {
		if ctx.Err() != nil {
			return
		}
		f.flushKind(ctx, kind)
	}
}

// flushKind drains one batch for kind and runs the send-with-retry
// protocol on it.
func (f *Forwarder) flushKind(ctx context.Context, kind types.Kind) {
	batch := f.buf.GetBatch(kind, f.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	ok, terminal := f.sendWithRetry(ctx, f.cfg.Endpoints, kind, types.Payloads(batch))
	if ok {
		return
	}
	if terminal {
		// Known-bad payloads; retransmitting them is harmful.
		f.batchesDropped.Inc()
		f.logger.Error("dropping batch rejected by remote", "kind", kind, "items", len(batch))
		return
	}
	f.buf.ReturnFailed(batch)
}

// sendWithRetry offers one batch to each enabled endpoint in order,
// retrying per the policy against the same endpoint before failing over.
// It returns (delivered, terminal): terminal means a non-retryable
// client rejection was the only way forward, so the batch must not be
// re-queued.
func (f *Forwarder) sendWithRetry(ctx context.Context, endpoints []Endpoint, kind types.Kind, payloads []types.Payload) (bool, bool) {
	sawClientError := false

	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}

		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				return false, false
			}

			outcome := f.transport.Send(ctx, ep, kind, payloads)
			f.requestsMade.Inc()
			f.recordOutcome(outcome)

			switch outcome.Class {
			case OutcomeSuccess:
				f.bytesSent.Add(int64(outcome.BytesSent))
				if kind != types.KindTopology {
					// items_sent counts buffered telemetry; topology
					// snapshots travel outside the buffer.
					f.itemsSent.Add(int64(outcome.Items))
				}
				f.logger.Debug("batch sent",
					"kind", kind,
					"items", outcome.Items,
					"bytes", outcome.BytesSent,
					"endpoint", ep.URL)
				return true, false
			case OutcomeClientError:
				sawClientError = true
				f.logger.Error("remote rejected batch",
					"kind", kind,
					"status", outcome.StatusCode,
					"endpoint", ep.URL,
					"body", outcome.BodyPrefix)
			default:
				f.logger.Warn("send attempt failed",
					"kind", kind,
					"outcome", outcome.Class.String(),
					"status", outcome.StatusCode,
					"endpoint", ep.URL,
					"attempt", attempt,
					"error", outcome.Err)
			}

			decision := f.cfg.Retry.Decide(attempt, outcome)
			if !decision.Retry {
				break // next endpoint
			}
			if !f.sleep(ctx, decision.Delay) {
				return false, false
			}
		}
	}

	f.requestsFailed.Inc()
	return false, sawClientError
}

// recordOutcome feeds the breaker. Rate limits are backpressure and
// client errors are the caller's fault; neither counts as a circuit
// failure.
func (f *Forwarder) recordOutcome(outcome Outcome) {
	f.bmu.Lock()
	defer f.bmu.Unlock()
	switch outcome.Class {
	case OutcomeSuccess:
		f.breaker.recordSuccess()
	case OutcomeRateLimited, OutcomeClientError:
		// not counted
	default:
		f.breaker.recordFailure(outcome)
		if outcome.Class == OutcomeDNSError {
			f.dnsFailures.Inc()
		}
	}
	f.syncBreakerStatsLocked()
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func (f *Forwarder) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := f.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finalFlush drains whatever it can in one pass per kind with no
// retries, bounded by the shutdown timeout.
func (f *Forwarder) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
	defer cancel()

	for _, kind := range types.FlushKinds {
		for ctx.Err() == nil {
			batch := f.buf.GetBatch(kind, f.cfg.BatchSize)
			if len(batch) == 0 {
				break
			}
			delivered := false
			for _, ep := range f.cfg.Endpoints {
				if !ep.Enabled {
					continue
				}
				outcome := f.transport.Send(ctx, ep, kind, types.Payloads(batch))
				f.requestsMade.Inc()
				if outcome.Class == OutcomeSuccess {
					f.bytesSent.Add(int64(outcome.BytesSent))
					f.itemsSent.Add(int64(outcome.Items))
					delivered = true
					break
				}
			}
			if !delivered {
				f.requestsFailed.Inc()
				f.buf.ReturnFailed(batch)
				break
			}
		}
	}
}

// SendTopology ships one topology snapshot through the dedicated send
// path, bypassing the per-kind queues. Topology is small, monolithic,
// and must not sit behind a metrics backlog.
func (f *Forwarder) SendTopology(ctx context.Context, snapshot types.Payload) bool {
	if !f.breakerAllow() {
		return false
	}

	ok, _ := f.sendWithRetry(ctx, f.topologyEndpoints(), types.KindTopology, []types.Payload{snapshot})
	return ok
}

// topologyEndpoints rewrites the endpoint list so the topology kind
// routes to the dedicated topology URL.
func (f *Forwarder) topologyEndpoints() []Endpoint {
	out := make([]Endpoint, len(f.cfg.Endpoints))
	for i, ep := range f.cfg.Endpoints {
		kindURLs := make(map[types.Kind]string, len(ep.KindURLs)+1)
		for k, v := range ep.KindURLs {
			kindURLs[k] = v
		}
		if f.cfg.TopologyURL != "" {
			kindURLs[types.KindTopology] = f.cfg.TopologyURL
		}
		ep.KindURLs = kindURLs
		out[i] = ep
	}
	return out
}

// syncBreakerStatsLocked mirrors breaker state into the atomic snapshot
// counters. Callers hold bmu.
func (f *Forwarder) syncBreakerStatsLocked() {
	f.circuitState.Store(f.breaker.state.String())
	f.failureCount.Store(int64(f.breaker.failures))
	f.circuitOpens.Store(f.breaker.opens)
}

// Stats is a snapshot of forwarder counters.
type Stats struct {
	RequestsMade   int64  `json:"requests_made"`
	RequestsFailed int64  `json:"requests_failed"`
	BytesSent      int64  `json:"bytes_sent"`
	ItemsSent      int64  `json:"items_sent"`
	BatchesDropped int64  `json:"batches_dropped"`
	CircuitState   string `json:"circuit_state"`
	CircuitOpens   int64  `json:"circuit_opens"`
	FailureCount   int64  `json:"failure_count"`
	DNSFailures    int64  `json:"dns_failures"`
}

func (f *Forwarder) Stats() Stats {
	return Stats{
		RequestsMade:   f.requestsMade.Load(),
		RequestsFailed: f.requestsFailed.Load(),
		BytesSent:      f.bytesSent.Load(),
		ItemsSent:      f.itemsSent.Load(),
		BatchesDropped: f.batchesDropped.Load(),
		CircuitState:   f.circuitState.Load(),
		CircuitOpens:   f.circuitOpens.Load(),
		FailureCount:   f.failureCount.Load(),
		DNSFailures:    f.dnsFailures.Load(),
	}
}
