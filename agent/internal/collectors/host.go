// Package collectors provides the built-in telemetry producers: host
// metrics, network metrics, and log tailing. Each exposes a producer
// descriptor; the heavy lifting of scheduling and failure isolation
// lives in the producer package.
package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/producer"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// HostCollector samples host-level metrics: CPU, memory, disk, network
// interfaces, load, and process count.
type HostCollector struct {
	buf      *buffer.Buffer
	identity clock.Identity
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

// NewHostCollector creates the host metrics collector.
func NewHostCollector(buf *buffer.Buffer, id clock.Identity, clk clock.Clock, interval time.Duration, logger *slog.Logger) *HostCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostCollector{
		buf:      buf,
		identity: id,
		clock:    clk,
		logger:   logger.With("collector", "host"),
		interval: interval,
	}
}

// Descriptor returns the producer descriptor for this collector.
func (c *HostCollector) Descriptor() producer.Descriptor {
	return producer.Descriptor{
		Name:     "host_metrics",
		Interval: c.interval,
		Collect:  c.Collect,
	}
}

// Collect gathers one sample set and buffers it.
func (c *HostCollector) Collect(ctx context.Context) error {
	now := c.clock.Now().UTC()
	tags := c.identity.BaseTags()

	var metrics []types.Payload
	metrics = append(metrics, c.cpuMetrics(ctx, now, tags)...)
	metrics = append(metrics, c.memoryMetrics(now, tags)...)
	metrics = append(metrics, c.diskMetrics(ctx, now, tags)...)
	metrics = append(metrics, c.interfaceMetrics(now, tags)...)
	metrics = append(metrics, c.systemMetrics(now, tags)...)

	if len(metrics) == 0 {
		return nil
	}
	c.buf.AddBatch(types.KindMetrics, metrics)
	return nil
}

func metric(name string, value float64, ts time.Time, tags map[string]string, unit string) types.Payload {
	p := types.Payload{
		"metric":    name,
		"value":     value,
		"timestamp": ts.Format(time.RFC3339Nano),
		"tags":      tags,
	}
	if unit != "" {
		p["unit"] = unit
	}
	return p
}

// withTag copies tags with one extra entry.
func withTag(tags map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for key, val := range tags {
		out[key] = val
	}
	out[k] = v
	return out
}

func (c *HostCollector) cpuMetrics(ctx context.Context, ts time.Time, tags map[string]string) []types.Payload {
	var out []types.Payload

	if totals, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(totals) > 0 {
		out = append(out, metric("system.cpu.usage", totals[0], ts, withTag(tags, "type", "total"), "percent"))
	}
	if perCPU, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		for i, v := range perCPU {
			out = append(out, metric("system.cpu.usage", v, ts, withTag(tags, "cpu", fmt.Sprintf("%d", i)), "percent"))
		}
	}
	return out
}

func (c *HostCollector) memoryMetrics(ts time.Time, tags map[string]string) []types.Payload {
	var out []types.Payload

	if vm, err := mem.VirtualMemory(); err == nil {
		out = append(out,
			metric("system.mem.used", float64(vm.Used), ts, tags, "bytes"),
			metric("system.mem.available", float64(vm.Available), ts, tags, "bytes"),
			metric("system.mem.usage", vm.UsedPercent, ts, tags, "percent"),
		)
	}
	if sw, err := mem.SwapMemory(); err == nil && sw.Total > 0 {
		out = append(out,
			metric("system.swap.used", float64(sw.Used), ts, tags, "bytes"),
			metric("system.swap.usage", sw.UsedPercent, ts, tags, "percent"),
		)
	}
	return out
}

func (c *HostCollector) diskMetrics(ctx context.Context, ts time.Time, tags map[string]string) []types.Payload {
	var out []types.Payload

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}
	for _, p := range parts {
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		mtags := withTag(tags, "mountpoint", p.Mountpoint)
		out = append(out,
			metric("system.disk.used", float64(u.Used), ts, mtags, "bytes"),
			metric("system.disk.free", float64(u.Free), ts, mtags, "bytes"),
			metric("system.disk.usage", u.UsedPercent, ts, mtags, "percent"),
		)
	}
	return out
}

func (c *HostCollector) interfaceMetrics(ts time.Time, tags map[string]string) []types.Payload {
	var out []types.Payload

	counters, err := gopsnet.IOCounters(true)
	if err != nil {
		return nil
	}
	for _, nic := range counters {
		ntags := withTag(tags, "interface", nic.Name)
		out = append(out,
			metric("system.net.bytes_sent_total", float64(nic.BytesSent), ts, ntags, "bytes"),
			metric("system.net.bytes_recv_total", float64(nic.BytesRecv), ts, ntags, "bytes"),
			metric("system.net.packets_sent_total", float64(nic.PacketsSent), ts, ntags, ""),
			metric("system.net.packets_recv_total", float64(nic.PacketsRecv), ts, ntags, ""),
			metric("system.net.err_in_total", float64(nic.Errin), ts, ntags, ""),
			metric("system.net.err_out_total", float64(nic.Errout), ts, ntags, ""),
		)
	}
	return out
}

func (c *HostCollector) systemMetrics(ts time.Time, tags map[string]string) []types.Payload {
	var out []types.Payload

	if avg, err := load.Avg(); err == nil {
		out = append(out,
			metric("system.load.average", avg.Load1, ts, withTag(tags, "period", "1m"), ""),
			metric("system.load.average", avg.Load5, ts, withTag(tags, "period", "5m"), ""),
			metric("system.load.average", avg.Load15, ts, withTag(tags, "period", "15m"), ""),
		)
	}
	if pids, err := process.Pids(); err == nil {
		out = append(out, metric("system.processes.count", float64(len(pids)), ts, tags, ""))
	}
	return out
}
