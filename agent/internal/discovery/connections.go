package discovery

import (
	"context"
	"fmt"
	"log/slog"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// maxConnections caps the sampled connection list; topology is a
// snapshot, not a flow log.
const maxConnections = 2000

// connectionsForDiscovery is the shared connection-table read, also used
// by process discovery for listening ports.
func connectionsForDiscovery(ctx context.Context) ([]gopsnet.ConnectionStat, error) {
	return gopsnet.ConnectionsWithContext(ctx, "inet")
}

// ConnectionDiscovery samples established connections to map service
// dependencies: which pid talks to which remote endpoint.
type ConnectionDiscovery struct {
	logger *slog.Logger
}

func NewConnectionDiscovery(logger *slog.Logger) *ConnectionDiscovery {
	return &ConnectionDiscovery{logger: logger}
}

// Discover returns one payload per established connection, bounded by
// maxConnections.
func (d *ConnectionDiscovery) Discover(ctx context.Context) []types.Payload {
	conns, err := connectionsForDiscovery(ctx)
	if err != nil {
		d.logger.Debug("connection enumeration failed", "error", err)
		return nil
	}

	var out []types.Payload
	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" {
			continue
		}
		out = append(out, types.Payload{
			"pid":         conn.Pid,
			"local_addr":  fmt.Sprintf("%s:%d", conn.Laddr.IP, conn.Laddr.Port),
			"remote_addr": fmt.Sprintf("%s:%d", conn.Raddr.IP, conn.Raddr.Port),
			"family":      conn.Family,
			"type":        conn.Type,
		})
		if len(out) >= maxConnections {
			break
		}
	}
	return out
}
