// Package discovery assembles the host topology: processes, containers,
// and network connections.
//
// # Design
//
// Each cycle performs one full enumeration via the individual
// discoverers and pushes a single snapshot payload through the
// forwarder's dedicated topology path. Topology is small, monolithic,
// and must not queue behind metric backlogs, so it never touches the
// per-kind buffer.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// Sender is the out-of-band topology send path.
type Sender interface {
	SendTopology(ctx context.Context, snapshot types.Payload) bool
}

// Controller runs periodic discovery cycles.
type Controller struct {
	processes   *ProcessDiscovery
	containers  *ContainerDiscovery
	connections *ConnectionDiscovery
	sender      Sender
	identity    clock.Identity
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
}

// Config for the controller.
type Config struct {
	DockerSocket string
	Interval     time.Duration
	Sender       Sender
	Identity     clock.Identity
	Clock        clock.Clock
	Logger       *slog.Logger
}

// New creates a discovery controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	logger := cfg.Logger.With("component", "discovery")
	return &Controller{
		processes:   NewProcessDiscovery(logger),
		containers:  NewContainerDiscovery(cfg.DockerSocket, logger),
		connections: NewConnectionDiscovery(logger),
		sender:      cfg.Sender,
		identity:    cfg.Identity,
		clock:       cfg.Clock,
		logger:      logger,
		interval:    cfg.Interval,
	}
}

// Run performs one discovery cycle immediately, then one per interval,
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.cycle(ctx)

	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			c.cycle(ctx)
		}
	}
}

// cycle enumerates everything and ships one snapshot. Individual
// discoverer failures degrade to empty sections; a cycle never fails.
func (c *Controller) cycle(ctx context.Context) {
	start := c.clock.Now()

	snapshot := c.Snapshot(ctx)
	if c.sender == nil {
		return
	}
	if !c.sender.SendTopology(ctx, snapshot) {
		c.logger.Warn("topology snapshot not delivered")
		return
	}

	c.logger.Debug("topology snapshot sent",
		"elapsed", c.clock.Now().Sub(start))
}

// Snapshot assembles one topology payload.
func (c *Controller) Snapshot(ctx context.Context) types.Payload {
	processes := c.processes.Discover(ctx)
	containers := c.containers.Discover(ctx)
	connections := c.connections.Discover(ctx)

	c.logger.Info("discovery complete",
		"processes", len(processes),
		"containers", len(containers),
		"connections", len(connections))

	return types.Payload{
		"host":         c.identity.Hostname,
		"tenant_id":    c.identity.TenantID,
		"collected_at": c.clock.Now().UTC().Format(time.RFC3339Nano),
		"processes":    processes,
		"containers":   containers,
		"connections":  connections,
	}
}
