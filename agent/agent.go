// Package agent wires the telemetry pipeline together and supervises it.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Build the buffer and its spill store
//  3. Build the forwarder (transport, retry, circuit breaker)
//  4. Start the discovery controller
//  5. Start producers (host, network, logs)
//  6. Run until shutdown signal
//  7. Stop producers first, then drain the forwarder
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/collectors"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/config"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/discovery"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/forwarder"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/producer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/spill"
)

// Agent owns the pipeline: producers feeding the buffer, the forwarder
// draining it, and the discovery controller on its own send path.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	identity clock.Identity

	buf       *buffer.Buffer
	fwd       *forwarder.Forwarder
	producers *producer.Group
	discovery *discovery.Controller

	stopOnce sync.Once
	stopped  chan struct{}
}

// Option overrides a dependency, used by tests.
type Option func(*options)

type options struct {
	clock     clock.Clock
	transport *forwarder.Transport
}

// WithClock injects a clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport injects a transport.
func WithTransport(t *forwarder.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New creates an agent from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	clk := o.clock
	if clk == nil {
		clk = clock.New()
	}

	identity := clock.NewIdentity(cfg.TenantID, cfg.GlobalTags)

	store := spill.New(spill.Config{
		Dir:              cfg.EffectiveSpillDir(),
		MaxBytes:         int64(cfg.MaxSpillSizeMB) * 1024 * 1024,
		DiskReserveRatio: 1 - cfg.MaxDiskRatio,
		Logger:           logger,
		Clock:            clk,
	})

	buf := buffer.New(buffer.Config{
		Capacity:      cfg.BufferSize,
		SpillFraction: cfg.FlushToDiskMemRatio,
		Store:         store,
		Logger:        logger,
		Clock:         clk,
	})

	transport := o.transport
	if transport == nil {
		transport = forwarder.NewTransport(forwarder.TransportConfig{
			TenantID: cfg.TenantID,
			RunID:    identity.RunID,
		})
	}

	endpoints := make([]forwarder.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, forwarder.Endpoint{
			URL:     ep.URL,
			APIKey:  ep.APIKey,
			Timeout: ep.Timeout.Std(),
			Enabled: ep.IsEnabled(),
		})
	}

	fwd := forwarder.New(forwarder.Config{
		Endpoints:       endpoints,
		TopologyURL:     cfg.TopologyURL,
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval.Std(),
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		Retry: forwarder.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			BaseDelay:    cfg.InitialRetryDelay.Std(),
			MaxDelay:     cfg.MaxRetryDelay.Std(),
			JitterFactor: cfg.JitterFactor,
		},
		BreakerThreshold: cfg.CircuitBreakerThreshold,
		BreakerCooldown:  cfg.CircuitBreakerTimeout.Std(),
		Transport:        transport,
		Logger:           logger,
		Clock:            clk,
	}, buf)

	var runners []*producer.Runner
	if cfg.CollectHostMetrics {
		c := collectors.NewHostCollector(buf, identity, clk, cfg.HostMetricsInterval.Std(), logger)
		runners = append(runners, producer.NewRunner(c.Descriptor(), logger, clk))
	}
	if cfg.CollectNetwork {
		c := collectors.NewNetworkCollector(buf, identity, clk, cfg.NetworkMetricsInterval.Std(), logger)
		runners = append(runners, producer.NewRunner(c.Descriptor(), logger, clk))
	}
	if cfg.CollectLogs {
		c := collectors.NewLogCollector(buf, identity, clk, cfg.LogCollectionInterval.Std(),
			cfg.LogPaths, cfg.LogLinesPerSec, logger)
		runners = append(runners, producer.NewRunner(c.Descriptor(), logger, clk))
	}

	disc := discovery.New(discovery.Config{
		DockerSocket: cfg.DockerSocket,
		Interval:     cfg.DiscoveryInterval.Std(),
		Sender:       fwd,
		Identity:     identity,
		Clock:        clk,
		Logger:       logger,
	})

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		identity:  identity,
		buf:       buf,
		fwd:       fwd,
		producers: producer.NewGroup(runners...),
		discovery: disc,
		stopped:   make(chan struct{}),
	}, nil
}

// Stop requests shutdown. Safe to call more than once; the drain and
// final flush happen exactly once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

// Buffer exposes the producer-facing API for external collectors.
func (a *Agent) Buffer() *buffer.Buffer { return a.buf }

// Run starts every task and blocks until ctx is cancelled, then shuts
// down in order: producers stop first so nothing new enters the buffer,
// then the forwarder drains within its shutdown deadline. Run returns
// nil on a clean signal-driven shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"host", a.identity.Hostname,
		"tenant", a.identity.TenantID,
		"endpoint", a.cfg.PrimaryURL())

	// Producers and discovery share a context cancelled ahead of the
	// forwarder's, so shutdown order is producers → drain → close.
	prodCtx, cancelProducers := context.WithCancel(context.Background())
	fwdCtx, cancelForwarder := context.WithCancel(context.Background())
	defer cancelProducers()
	defer cancelForwarder()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.discovery.Run(prodCtx)
	}()

	a.producers.Start(prodCtx)

	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		a.fwd.Run(fwdCtx)
	}()

	select {
	case <-ctx.Done():
	case <-a.stopped:
	}
	a.logger.Info("shutting down agent")

	cancelProducers()
	a.producers.Wait()
	wg.Wait()

	// The forwarder performs its bounded final flush on cancellation.
	cancelForwarder()
	<-fwdDone

	a.logStats()
	return nil
}

// Stats aggregates counters across the pipeline.
type Stats struct {
	Buffer    buffer.Stats              `json:"buffer"`
	Forwarder forwarder.Stats           `json:"forwarder"`
	Producers map[string]producer.Stats `json:"producers"`
}

func (a *Agent) Stats() Stats {
	return Stats{
		Buffer:    a.buf.Stats(),
		Forwarder: a.fwd.Stats(),
		Producers: a.producers.Stats(),
	}
}

func (a *Agent) logStats() {
	st := a.Stats()
	a.logger.Info("agent statistics",
		"total_added", st.Buffer.TotalAdded,
		"total_flushed", st.Buffer.TotalFlushed,
		"spill_count", st.Buffer.SpillCount,
		"drop_count", st.Buffer.DropCount,
		"items_sent", st.Forwarder.ItemsSent,
		"bytes_sent", st.Forwarder.BytesSent,
		"requests_failed", st.Forwarder.RequestsFailed,
		"circuit_state", st.Forwarder.CircuitState)
}
