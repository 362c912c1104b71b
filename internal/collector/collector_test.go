package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fleetmon/internal/config"
)

type fakeConnSource struct {
	counts  ConnectionCounts
	sample  time.Duration
	samples []time.Duration // drained one per call when set
	tp      Throughput
	errs    ErrorCounts
	fail    bool
}

func (f *fakeConnSource) Counts() (ConnectionCounts, error) {
	if f.fail {
		return ConnectionCounts{}, errors.New("source down")
	}
	return f.counts, nil
}

func (f *fakeConnSource) LatencySample() (time.Duration, error) {
	if f.fail {
		return 0, errors.New("source down")
	}
	if len(f.samples) > 0 {
		s := f.samples[0]
		f.samples = f.samples[1:]
		return s, nil
	}
	return f.sample, nil
}

func (f *fakeConnSource) Throughput() (Throughput, error) { return f.tp, nil }
func (f *fakeConnSource) Errors() (ErrorCounts, error)    { return f.errs, nil }

type fakeResSource struct {
	res Resources
}

func (f *fakeResSource) Resources() (Resources, error) { return f.res, nil }

func TestCollectAggregatesSources(t *testing.T) {
	src := &fakeConnSource{
		counts: ConnectionCounts{Total: 10, Active: 8, Idle: 2},
		sample: 20 * time.Millisecond,
		tp:     Throughput{MessagesIn: 100, MessagesOut: 200},
		errs:   ErrorCounts{Timeouts: 3},
	}
	res := &fakeResSource{res: Resources{CPUPct: 42.5, MemoryMB: 512}}

	c := New(config.CollectionConfig{}, src, res, nil)
	snap := c.Collect(context.Background())

	if snap.Connections.Total != 10 {
		t.Errorf("expected 10 total connections, got %d", snap.Connections.Total)
	}
	if snap.Resources.CPUPct != 42.5 {
		t.Errorf("expected cpu 42.5, got %f", snap.Resources.CPUPct)
	}
	if snap.Errors.Timeouts != 3 {
		t.Errorf("expected 3 timeouts, got %d", snap.Errors.Timeouts)
	}
	if snap.Latency.P50 != 20*time.Millisecond {
		t.Errorf("expected p50 20ms from single sample, got %s", snap.Latency.P50)
	}
}

func TestCollectEmptyLatencyYieldsZeros(t *testing.T) {
	c := New(config.CollectionConfig{}, nil, nil, nil)
	snap := c.Collect(context.Background())

	if snap.Latency != (LatencyStats{}) {
		t.Errorf("expected zero latency stats, got %+v", snap.Latency)
	}
}

func TestPercentileOrdering(t *testing.T) {
	src := &fakeConnSource{}
	for i := 1; i <= 100; i++ {
		src.samples = append(src.samples, time.Duration(i)*time.Millisecond)
	}

	c := New(config.CollectionConfig{}, src, nil, nil)
	var snap *Snapshot
	for i := 0; i < 100; i++ {
		snap = c.Collect(context.Background())
	}

	l := snap.Latency
	if l.Min > l.P50 || l.P50 > l.P95 || l.P95 > l.P99 || l.P99 > l.P999 || l.P999 > l.Max {
		t.Errorf("percentiles out of order: %+v", l)
	}
	if l.P50 != 51*time.Millisecond {
		t.Errorf("expected p50 = 51ms (index 50 of 100), got %s", l.P50)
	}
	if l.P95 != 96*time.Millisecond {
		t.Errorf("expected p95 = 96ms (index 95 of 100), got %s", l.P95)
	}
	if l.Max != 100*time.Millisecond {
		t.Errorf("expected max 100ms, got %s", l.Max)
	}
}

func TestFailingSourceLeavesZeroFields(t *testing.T) {
	src := &fakeConnSource{fail: true}
	c := New(config.CollectionConfig{}, src, nil, nil)

	snap := c.Collect(context.Background())
	if snap == nil {
		t.Fatal("expected snapshot despite failing source")
	}
	if snap.Connections.Total != 0 {
		t.Errorf("expected zero counts from failing source, got %d", snap.Connections.Total)
	}
}

func TestHistoryRingEviction(t *testing.T) {
	c := New(config.CollectionConfig{MaxSnapshots: 3}, nil, nil, nil)

	for i := 0; i < 5; i++ {
		c.Collect(context.Background())
	}

	if c.Len() != 3 {
		t.Errorf("expected 3 retained snapshots, got %d", c.Len())
	}

	history := c.History(0)
	if len(history) != 3 {
		t.Fatalf("expected full history of 3, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Error("expected history ordered oldest first")
		}
	}
	if c.Latest() != history[len(history)-1] {
		t.Error("expected Latest to be the newest history entry")
	}
}

func TestHistoryWindowFilter(t *testing.T) {
	c := New(config.CollectionConfig{}, nil, nil, nil)
	c.Collect(context.Background())

	if got := len(c.History(time.Minute)); got != 1 {
		t.Errorf("expected 1 snapshot in window, got %d", got)
	}
	if got := len(c.History(time.Nanosecond)); got != 0 {
		t.Errorf("expected 0 snapshots in tiny window, got %d", got)
	}
}

func TestLatestNilBeforeFirstTick(t *testing.T) {
	c := New(config.CollectionConfig{}, nil, nil, nil)
	if c.Latest() != nil {
		t.Error("expected nil before first collection")
	}
}

func TestLatencySampleBufferEviction(t *testing.T) {
	src := &fakeConnSource{}
	for i := 1; i <= 5; i++ {
		src.samples = append(src.samples, time.Duration(i)*time.Millisecond)
	}

	c := New(config.CollectionConfig{MaxLatencySamples: 3}, src, nil, nil)
	var snap *Snapshot
	for i := 0; i < 5; i++ {
		snap = c.Collect(context.Background())
	}

	// Only samples 3, 4, 5 remain.
	if snap.Latency.Min != 3*time.Millisecond {
		t.Errorf("expected oldest samples evicted, min 3ms, got %s", snap.Latency.Min)
	}
	if snap.Latency.Max != 5*time.Millisecond {
		t.Errorf("expected max 5ms, got %s", snap.Latency.Max)
	}
}

func TestAggregateErrorRateWeighted(t *testing.T) {
	snap := &Snapshot{
		Features: map[string]FeatureMetrics{
			"chat":     {ActiveConnections: 90, ErrorRatePct: 1},
			"presence": {ActiveConnections: 10, ErrorRatePct: 11},
		},
	}

	got := snap.AggregateErrorRate()
	if got != 2 {
		t.Errorf("expected weighted error rate 2%%, got %f", got)
	}
}

func TestAggregateErrorRateUnweightedFallback(t *testing.T) {
	snap := &Snapshot{
		Features: map[string]FeatureMetrics{
			"chat":     {ErrorRatePct: 2},
			"presence": {ErrorRatePct: 4},
		},
	}

	if got := snap.AggregateErrorRate(); got != 3 {
		t.Errorf("expected simple mean 3%%, got %f", got)
	}
}
