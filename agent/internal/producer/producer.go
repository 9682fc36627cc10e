// Package producer runs collection loops against the shared buffer.
//
// # Design
//
// Each producer is a plain descriptor: a name, an interval, and a
// collect function closing over the buffer and whatever collaborator
// state it needs. The runner executes the function on its cadence and
// isolates every failure mode: permission problems are expected on a
// deprivileged host and log at debug, anything else is counted and
// logged, and a panic is recovered. Nothing short of cancellation stops
// a producer.
package producer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
)

// ErrDenied marks a collection cycle that failed for lack of privileges
// (unreadable sockets, /proc, log directories). Collectors wrap it so
// the runner can keep these out of the error counters.
var ErrDenied = errors.New("collection denied by permissions")

// Descriptor describes one producer.
type Descriptor struct {
	Name     string
	Interval time.Duration

	// Collect performs one collection cycle, emitting items to the
	// buffer as a side effect. It must honour ctx cancellation.
	Collect func(ctx context.Context) error
}

// Runner executes one descriptor until cancelled.
type Runner struct {
	desc   Descriptor
	logger *slog.Logger
	clock  clock.Clock

	cycles  atomic.Int64
	errors  atomic.Int64
	denied  atomic.Int64
	lastRun atomic.Int64 // unix nanos
}

// NewRunner wraps a descriptor.
func NewRunner(desc Descriptor, logger *slog.Logger, clk clock.Clock) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		desc:   desc,
		logger: logger.With("producer", desc.Name),
		clock:  clk,
	}
}

// Name returns the descriptor name.
func (r *Runner) Name() string { return r.desc.Name }

// Run executes the collection loop: one cycle immediately, then one per
// interval, until ctx is cancelled. An interval that elapses during
// shutdown does not trigger a final partial cycle.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("starting producer", "interval", r.desc.Interval)

	ticker := r.clock.Ticker(r.desc.Interval)
	defer ticker.Stop()

	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping producer")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			r.cycle(ctx)
		}
	}
}

// cycle runs one collection, classifying and containing every failure.
func (r *Runner) cycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errors.Inc()
			r.logger.Error("producer panicked", "panic", rec)
		}
	}()

	r.lastRun.Store(r.clock.Now().UnixNano())
	err := r.desc.Collect(ctx)
	r.cycles.Inc()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrDenied) || errors.Is(err, os.ErrPermission):
		r.denied.Inc()
		r.logger.Debug("collection denied (expected without privileges)", "error", err)
	default:
		r.errors.Inc()
		r.logger.Error("collection failed", "error", err)
	}
}

// Stats reports runner counters.
type Stats struct {
	Cycles  int64     `json:"cycles"`
	Errors  int64     `json:"errors"`
	Denied  int64     `json:"denied"`
	LastRun time.Time `json:"last_run"`
}

func (r *Runner) Stats() Stats {
	var last time.Time
	if n := r.lastRun.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Stats{
		Cycles:  r.cycles.Load(),
		Errors:  r.errors.Load(),
		Denied:  r.denied.Load(),
		LastRun: last,
	}
}

// Group runs a set of runners and waits for them on shutdown.
type Group struct {
	runners []*Runner
	wg      sync.WaitGroup
}

// NewGroup creates a group over runners.
func NewGroup(runners ...*Runner) *Group {
	return &Group{runners: runners}
}

// Start launches every runner on its own goroutine.
func (g *Group) Start(ctx context.Context) {
	for _, r := range g.runners {
		g.wg.Add(1)
		go func(r *Runner) {
			defer g.wg.Done()
			r.Run(ctx)
		}(r)
	}
}

// Wait blocks until all runners have exited.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Stats returns per-producer counters keyed by name.
func (g *Group) Stats() map[string]Stats {
	out := make(map[string]Stats, len(g.runners))
	for _, r := range g.runners {
		out[r.Name()] = r.Stats()
	}
	return out
}
