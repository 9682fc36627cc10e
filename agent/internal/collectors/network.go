package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/producer"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// NetworkCollector samples connection-level network state: counts of
// connections per TCP state, the total, and the number of listening
// sockets. Reading the
// connection table typically needs elevated privileges; the collector
// reports that as a denied cycle rather than an error.
type NetworkCollector struct {
	buf      *buffer.Buffer
	identity clock.Identity
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

// NewNetworkCollector creates the network collector.
func NewNetworkCollector(buf *buffer.Buffer, id clock.Identity, clk clock.Clock, interval time.Duration, logger *slog.Logger) *NetworkCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkCollector{
		buf:      buf,
		identity: id,
		clock:    clk,
		logger:   logger.With("collector", "network"),
		interval: interval,
	}
}

// Descriptor returns the producer descriptor for this collector.
func (c *NetworkCollector) Descriptor() producer.Descriptor {
	return producer.Descriptor{
		Name:     "network_metrics",
		Interval: c.interval,
		Collect:  c.Collect,
	}
}

// Collect tallies the connection table into metrics payloads.
func (c *NetworkCollector) Collect(ctx context.Context) error {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		if isPermissionErr(err) {
			return fmt.Errorf("%w: reading connection table: %v", producer.ErrDenied, err)
		}
		return fmt.Errorf("reading connection table: %w", err)
	}

	now := c.clock.Now().UTC()
	tags := c.identity.BaseTags()

	stateCounts := make(map[string]int)
	listening := 0
	for _, conn := range conns {
		if conn.Status == "" {
			continue
		}
		stateCounts[conn.Status]++
		if conn.Status == "LISTEN" {
			listening++
		}
	}

	metrics := make([]types.Payload, 0, len(stateCounts)+2)
	for state, count := range stateCounts {
		metrics = append(metrics, metric("network.connections.count", float64(count), now,
			withTag(tags, "state", strings.ToLower(state)), ""))
	}
	metrics = append(metrics,
		metric("network.connections.total", float64(len(conns)), now, tags, ""),
		metric("network.listening_ports.count", float64(listening), now, tags, ""),
	)

	c.buf.AddBatch(types.KindMetrics, metrics)
	return nil
}

// isPermissionErr spots permission-class failures from gopsutil, which
// surface either as os errors or as strings from /proc walks.
func isPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	if os.IsPermission(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}
