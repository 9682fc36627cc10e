package discovery

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// ProcessDiscovery enumerates running processes with enough metadata to
// identify services: name, cmdline, user, and listening ports.
type ProcessDiscovery struct {
	logger *slog.Logger
}

func NewProcessDiscovery(logger *slog.Logger) *ProcessDiscovery {
	return &ProcessDiscovery{logger: logger}
}

// Discover returns one payload per interesting process. Kernel threads
// and processes we can't read are skipped.
func (d *ProcessDiscovery) Discover(ctx context.Context) []types.Payload {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		d.logger.Debug("process enumeration failed", "error", err)
		return nil
	}

	listeners := listeningPorts(ctx)

	var out []types.Payload
	for _, p := range procs {
		if ctx.Err() != nil {
			break
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if isKernelThread(name, cmdline) {
			continue
		}
		username, _ := p.UsernameWithContext(ctx)
		createTime, _ := p.CreateTimeWithContext(ctx)

		payload := types.Payload{
			"pid":     p.Pid,
			"name":    name,
			"cmdline": cmdline,
			"user":    username,
			"started": createTime,
		}
		if ports := listeners[p.Pid]; len(ports) > 0 {
			payload["listening_ports"] = ports
		}
		out = append(out, payload)
	}
	return out
}

// listeningPorts maps pid to the local ports it listens on. Degrades to
// an empty map without the privileges to read the connection table.
func listeningPorts(ctx context.Context) map[int32][]uint32 {
	conns, err := connectionsForDiscovery(ctx)
	if err != nil {
		return nil
	}
	out := make(map[int32][]uint32)
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Pid == 0 {
			continue
		}
		out[conn.Pid] = append(out[conn.Pid], conn.Laddr.Port)
	}
	return out
}

// isKernelThread spots kernel workers: no cmdline, bracketed name.
func isKernelThread(name, cmdline string) bool {
	if cmdline != "" {
		return false
	}
	return strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]")
}
