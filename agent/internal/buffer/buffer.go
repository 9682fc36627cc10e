// Package buffer provides the in-memory multi-stream buffer with disk
// spillover.
//
// # Design
//
// One bounded FIFO queue per stream kind, all guarded by a single mutex.
// When a queue fills, a fraction of its oldest items is written to the
// spill store so the newest items stay hot in memory and dashboards keep
// seeing fresh data during backpressure. Spilled files are recovered in
// bounded chunks when the forwarder asks for them.
//
// # Ordering
//
// Within a kind, in-memory delivery preserves arrival order. Recovered
// items re-enter through the normal admission path and land at the tail,
// so the memory/disk boundary re-orders older and newer telemetry;
// per-item timestamps remain authoritative.
package buffer

import (
	"log/slog"
	"sync"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/spill"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

const (
	// DefaultCapacity is the per-kind queue capacity.
	DefaultCapacity = 10000

	// TopologyCapacity bounds the topology queue; topology snapshots are
	// whole-state and never usefully backlogged.
	TopologyCapacity = 1000

	// maxItemsPerSpill caps how many items one spill file may hold.
	maxItemsPerSpill = 1000
)

// Config for the buffer.
type Config struct {
	Capacity      int     // per-kind queue capacity (topology fixed)
	SpillFraction float64 // fraction of a full queue spilled per overflow
	Store         *spill.Store
	Logger        *slog.Logger
	Clock         clock.Clock
}

// Buffer is the multi-stream buffer. All public methods are safe for
// concurrent use; a single mutex serialises queue state.
type Buffer struct {
	mu       sync.Mutex
	queues   map[types.Kind][]types.Item
	caps     map[types.Kind]int
	spilling map[types.Kind]bool // spill in progress, guards the unlocked write

	spillFrac float64
	store     *spill.Store
	logger    *slog.Logger
	clock     clock.Clock

	recovering bool

	totalAdded   int64
	totalFlushed int64
	spillCount   int64
	dropCount    int64
}

// New creates a buffer.
func New(cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SpillFraction <= 0 || cfg.SpillFraction > 1 {
		cfg.SpillFraction = 0.5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	caps := make(map[types.Kind]int, len(types.Kinds))
	queues := make(map[types.Kind][]types.Item, len(types.Kinds))
	for _, k := range types.Kinds {
		c := cfg.Capacity
		if k == types.KindTopology {
			c = TopologyCapacity
		}
		caps[k] = c
		queues[k] = nil
	}

	return &Buffer{
		queues:    queues,
		caps:      caps,
		spilling:  make(map[types.Kind]bool, len(types.Kinds)),
		spillFrac: cfg.SpillFraction,
		store:     cfg.Store,
		logger:    cfg.Logger.With("component", "buffer"),
		clock:     cfg.Clock,
	}
}

// Add appends one payload to the queue for kind. If the queue is full it
// first spills a fraction of the oldest items to disk; if the spill
// fails the payload is dropped and Add returns false.
func (b *Buffer) Add(kind types.Kind, payload types.Payload) bool {
	if !kind.Valid() {
		b.logger.Warn("unknown stream kind", "kind", string(kind))
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queues[kind]) >= b.caps[kind] {
		if !b.spillLocked(kind) {
			b.dropCount++
			return false
		}
	}

	b.queues[kind] = append(b.queues[kind], types.Item{
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: b.clock.Now(),
	})
	b.totalAdded++
	return true
}

// AddBatch adds payloads in order and returns how many were accepted.
func (b *Buffer) AddBatch(kind types.Kind, payloads []types.Payload) int {
	added := 0
	for _, p := range payloads {
		if b.Add(kind, p) {
			added++
		}
	}
	return added
}

// GetBatch dequeues up to max items from the head of the kind's queue.
func (b *Buffer) GetBatch(kind types.Kind, max int) []types.Item {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[kind]
	if len(q) == 0 {
		return nil
	}
	n := max
	if n > len(q) {
		n = len(q)
	}

	batch := make([]types.Item, n)
	copy(batch, q[:n])
	b.queues[kind] = append(q[:0:0], q[n:]...)
	b.totalFlushed += int64(n)
	return batch
}

// ReturnFailed re-queues a failed batch at the head, preserving order and
// incrementing each item's attempt counter. Items that exhaust their
// attempt budget are dropped in place, as are tail items evicted if the
// queue refilled while the batch was in flight.
func (b *Buffer) ReturnFailed(items []types.Item) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]types.Item, 0, len(items))
	for _, it := range items {
		it.Attempts++
		if it.Attempts >= types.MaxAttempts {
			b.dropCount++
			continue
		}
		kept = append(kept, it)
	}

	// Returned items were already counted as flushed when dequeued; they
	// are either back in memory or dropped now, so undo that count to
	// keep total_added = total_flushed + dropped + resident.
	b.totalFlushed -= int64(len(items))

	if len(kept) == 0 {
		return
	}

	kind := kept[0].Kind
	q := append(kept, b.queues[kind]...)
	if over := len(q) - b.caps[kind]; over > 0 {
		b.dropCount += int64(over)
		q = q[:b.caps[kind]]
	}
	b.queues[kind] = q
}

// Recover reads up to maxFiles spill files back into memory through the
// normal admission path, newest file first. Recovery stops as soon as a
// queue refuses an item; the unconsumed files stay on disk. Returns the
// number of items re-admitted.
func (b *Buffer) Recover(maxFiles int) int {
	if b.store == nil {
		return 0
	}

	b.mu.Lock()
	if b.recovering {
		b.mu.Unlock()
		return 0
	}
	b.recovering = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.recovering = false
		b.mu.Unlock()
	}()

	recovered := 0
	files, err := b.store.Recover(maxFiles, func(kind types.Kind, payloads []types.Payload) bool {
		for i, p := range payloads {
			if !b.Add(kind, p) {
				b.logger.Warn("queue full, pausing disk recovery",
					"kind", kind,
					"recovered", recovered,
					"remaining_in_file", len(payloads)-i)
				return false
			}
			recovered++
		}
		return true
	})
	// Re-admission went through Add, which counted the items a second
	// time; they were already counted when first produced.
	if recovered > 0 {
		b.mu.Lock()
		b.totalAdded -= int64(recovered)
		b.mu.Unlock()
	}

	if err != nil {
		b.logger.Warn("disk recovery failed", "error", err)
		return recovered
	}
	if recovered > 0 {
		b.logger.Info("recovered spilled items", "items", recovered, "files", files)
	}
	return recovered
}

// spillLocked evicts the oldest spillFrac of the kind's queue (at least
// one item) to disk.
// Called with the mutex held; the compress-and-write runs unlocked with a
// per-kind in-progress flag standing in for the lock.
func (b *Buffer) spillLocked(kind types.Kind) bool {
	if b.store == nil {
		return false
	}
	if b.spilling[kind] {
		// Another goroutine is mid-spill for this kind; treat the queue
		// as full rather than stacking writes.
		return false
	}

	q := b.queues[kind]
	n := int(float64(len(q)) * b.spillFrac)
	if n > maxItemsPerSpill {
		n = maxItemsPerSpill
	}
	if n == 0 {
		n = 1
	}

	evicted := make([]types.Item, n)
	copy(evicted, q[:n])
	b.queues[kind] = append(q[:0:0], q[n:]...)
	b.spilling[kind] = true

	b.mu.Unlock()
	err := b.store.Write(kind, types.Payloads(evicted))
	b.mu.Lock()

	b.spilling[kind] = false
	if err != nil {
		// Put the evicted items back at the head; the caller will count
		// the incoming payload as dropped.
		b.logger.Warn("spill failed", "kind", kind, "error", err)
		b.queues[kind] = append(evicted, b.queues[kind]...)
		if over := len(b.queues[kind]) - b.caps[kind]; over > 0 {
			b.dropCount += int64(over)
			b.queues[kind] = b.queues[kind][:b.caps[kind]]
		}
		return false
	}

	b.spillCount++
	return len(b.queues[kind]) < b.caps[kind]
}

// Len returns the in-memory length of one queue.
func (b *Buffer) Len(kind types.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[kind])
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	TotalAdded   int64              `json:"total_added"`
	TotalFlushed int64              `json:"total_flushed"`
	SpillCount   int64              `json:"spill_count"`
	DropCount    int64              `json:"drop_count"`
	QueueSizes   map[types.Kind]int `json:"queue_sizes"`
	Spill        *spill.Stats       `json:"spill,omitempty"`
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	sizes := make(map[types.Kind]int, len(b.queues))
	for k, q := range b.queues {
		sizes[k] = len(q)
	}
	st := Stats{
		TotalAdded:   b.totalAdded,
		TotalFlushed: b.totalFlushed,
		SpillCount:   b.spillCount,
		DropCount:    b.dropCount,
		QueueSizes:   sizes,
	}
	b.mu.Unlock()

	if b.store != nil {
		ss := b.store.Stats()
		st.Spill = &ss
	}
	return st
}
