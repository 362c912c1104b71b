package collector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"go.uber.org/zap"
)

// ConnectionSource exposes transport-layer connection counters. Implemented
// by the transport; queried once per collection tick.
type ConnectionSource interface {
	Counts() (ConnectionCounts, error)
	// LatencySample returns one representative round-trip sample for this
	// tick (not per message).
	LatencySample() (time.Duration, error)
	Throughput() (Throughput, error)
	Errors() (ErrorCounts, error)
}

// ResourceSource exposes host resource gauges.
type ResourceSource interface {
	Resources() (Resources, error)
}

// FeatureSource exposes per-feature sub-metrics.
type FeatureSource interface {
	Features() (map[string]FeatureMetrics, error)
}

// Collector produces one Snapshot per tick from the injected sources and
// retains a bounded history plus a rolling latency sample buffer.
type Collector struct {
	conns ConnectionSource
	res   ResourceSource
	feats FeatureSource

	mu           sync.RWMutex
	snapshots    []*Snapshot // ring, oldest at head
	head         int
	count        int
	samples      []time.Duration // rolling latency samples, FIFO
	maxSnapshots int
	maxSamples   int

	inFlight atomic.Bool
}

// New creates a collector over the given sources. Any source may be nil; its
// fields stay zero-valued in every snapshot.
func New(cfg config.CollectionConfig, conns ConnectionSource, res ResourceSource, feats FeatureSource) *Collector {
	maxSnapshots := cfg.MaxSnapshots
	if maxSnapshots <= 0 {
		maxSnapshots = 1000
	}
	maxSamples := cfg.MaxLatencySamples
	if maxSamples <= 0 {
		maxSamples = 1000
	}

	return &Collector{
		conns:        conns,
		res:          res,
		feats:        feats,
		snapshots:    make([]*Snapshot, maxSnapshots),
		samples:      make([]time.Duration, 0, maxSamples),
		maxSnapshots: maxSnapshots,
		maxSamples:   maxSamples,
	}
}

// TryCollect runs one collection unless a previous one is still in flight,
// in which case the tick is skipped rather than queued.
func (c *Collector) TryCollect(ctx context.Context) (*Snapshot, bool) {
	if !c.inFlight.CompareAndSwap(false, true) {
		logging.Debug("collection still in flight, skipping tick")
		return nil, false
	}
	defer c.inFlight.Store(false)
	return c.Collect(ctx), true
}

// Collect queries every source, aggregates the rolling latency buffer and
// appends the snapshot to the history. A failing source is logged and leaves
// its fields zero-valued; it never blocks the other sources.
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Timestamp: time.Now(),
		Features:  make(map[string]FeatureMetrics),
	}

	if c.conns != nil {
		if counts, err := c.conns.Counts(); err != nil {
			logging.Warn("connection counts unavailable", zap.Error(err))
		} else {
			snap.Connections = counts
		}
		if tp, err := c.conns.Throughput(); err != nil {
			logging.Warn("throughput counters unavailable", zap.Error(err))
		} else {
			snap.Throughput = tp
		}
		if errs, err := c.conns.Errors(); err != nil {
			logging.Warn("error counters unavailable", zap.Error(err))
		} else {
			snap.Errors = errs
		}
		if sample, err := c.conns.LatencySample(); err != nil {
			logging.Warn("latency sample unavailable", zap.Error(err))
		} else if sample > 0 {
			c.pushSample(sample)
		}
	}

	if c.res != nil {
		if res, err := c.res.Resources(); err != nil {
			logging.Warn("resource gauges unavailable", zap.Error(err))
		} else {
			snap.Resources = res
		}
	}

	if c.feats != nil {
		if feats, err := c.feats.Features(); err != nil {
			logging.Warn("feature metrics unavailable", zap.Error(err))
		} else if feats != nil {
			snap.Features = feats
		}
	}

	snap.Latency = c.latencyStats()

	c.mu.Lock()
	c.snapshots[(c.head+c.count)%c.maxSnapshots] = snap
	if c.count < c.maxSnapshots {
		c.count++
	} else {
		// Overwrote the oldest entry; advance the head.
		c.head = (c.head + 1) % c.maxSnapshots
	}
	c.mu.Unlock()

	return snap
}

// pushSample appends a latency sample, evicting the oldest on overflow.
func (c *Collector) pushSample(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) == c.maxSamples {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:len(c.samples)-1]
	}
	c.samples = append(c.samples, d)
}

// latencyStats computes the distribution over the current sample buffer.
// An empty buffer yields all-zero fields.
func (c *Collector) latencyStats() LatencyStats {
	c.mu.RLock()
	sorted := make([]time.Duration, len(c.samples))
	copy(sorted, c.samples)
	c.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Average: sum / time.Duration(len(sorted)),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		P999:    percentile(sorted, 0.999),
	}
}

// percentile picks the floor(len*p) index of an ascending-sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (c *Collector) Latest() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.count == 0 {
		return nil
	}
	return c.snapshots[(c.head+c.count-1)%c.maxSnapshots]
}

// History returns all retained snapshots newer than the given age, oldest
// first. A non-positive duration returns the full history.
func (c *Collector) History(age time.Duration) []*Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := time.Time{}
	if age > 0 {
		cutoff = time.Now().Add(-age)
	}

	out := make([]*Snapshot, 0, c.count)
	for i := 0; i < c.count; i++ {
		snap := c.snapshots[(c.head+i)%c.maxSnapshots]
		if snap.Timestamp.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// Len returns the number of retained snapshots.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
