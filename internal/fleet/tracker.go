package fleet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/health"
)

// ConnState is the transport-reported lifecycle state of a connection.
type ConnState string

const (
	StateActive       ConnState = "active"
	StateIdle         ConnState = "idle"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Handle is the transport's per-connection hook. Probes measure the live
// connection; Apply carries out remediation on it.
type Handle interface {
	Ping(ctx context.Context) (time.Duration, error)
	Echo(ctx context.Context) (time.Duration, error)
	Throughput(ctx context.Context) (float64, error)
	Stability(ctx context.Context) (float64, error)
	Apply(ctx context.Context, action health.ActionType) error
}

// featureAccum accumulates per-feature counters between collection ticks.
type featureAccum struct {
	messages   int64
	bytes      int64
	failures   int64
	latencySum time.Duration
}

// Tracker is the in-process fleet accounting layer. The transport reports
// connection lifecycle and message outcomes; the collector and health
// checker read aggregated views once per tick.
type Tracker struct {
	mu       sync.RWMutex
	handles  map[string]Handle
	states   map[string]ConnState
	features map[string]*featureAccum

	// per-reader interval marks; Counts and Features run back to back
	// each collection tick and must not shrink each other's window
	lastCounts   time.Time
	lastFeatures time.Time

	// interval counters, reset on each Counts()/Features() read
	connects    int64
	disconnects int64

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	queued      atomic.Int64
	dropped     atomic.Int64

	connErrors   atomic.Int64
	msgErrors    atomic.Int64
	timeouts     atomic.Int64
	retries      atomic.Int64
	breakerTrips atomic.Int64

	lastLatency atomic.Int64 // nanoseconds

	queueCapacity int64
}

// NewTracker creates an empty fleet tracker.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		handles:      make(map[string]Handle),
		states:       make(map[string]ConnState),
		features:     make(map[string]*featureAccum),
		lastCounts:   now,
		lastFeatures: now,
	}
}

// Register adds a connection with its probe handle. Re-registering replaces
// the handle and resets the state to active.
func (t *Tracker) Register(connID string, h Handle) {
	t.mu.Lock()
	t.handles[connID] = h
	t.states[connID] = StateActive
	t.connects++
	t.mu.Unlock()
}

// Deregister removes a connection.
func (t *Tracker) Deregister(connID string) {
	t.mu.Lock()
	delete(t.handles, connID)
	delete(t.states, connID)
	t.disconnects++
	t.mu.Unlock()
}

// SetState updates a connection's lifecycle state. Unknown IDs are ignored.
func (t *Tracker) SetState(connID string, state ConnState) {
	t.mu.Lock()
	if _, ok := t.states[connID]; ok {
		t.states[connID] = state
	}
	t.mu.Unlock()
}

// SetQueueCapacity sets the outbound queue capacity used for buffer
// utilization.
func (t *Tracker) SetQueueCapacity(n int64) {
	atomic.StoreInt64(&t.queueCapacity, n)
}

// SetQueueDepth reports the current outbound queue depth.
func (t *Tracker) SetQueueDepth(n int64) {
	t.queued.Store(n)
}

// RecordMessage reports one message outcome for a feature. Inbound messages
// pass in=true; latency applies to outbound round trips and may be zero.
func (t *Tracker) RecordMessage(feature string, in bool, size int, latency time.Duration, err error) {
	if in {
		t.messagesIn.Add(1)
		t.bytesIn.Add(int64(size))
	} else {
		t.messagesOut.Add(1)
		t.bytesOut.Add(int64(size))
	}
	if latency > 0 {
		t.lastLatency.Store(int64(latency))
	}
	if err != nil {
		t.msgErrors.Add(1)
	}

	t.mu.Lock()
	acc := t.features[feature]
	if acc == nil {
		acc = &featureAccum{}
		t.features[feature] = acc
	}
	acc.messages++
	acc.bytes += int64(size)
	acc.latencySum += latency
	if err != nil {
		acc.failures++
	}
	t.mu.Unlock()
}

// RecordDropped reports messages dropped from the outbound queue.
func (t *Tracker) RecordDropped(n int64) { t.dropped.Add(n) }

// RecordConnError reports a connection-level failure.
func (t *Tracker) RecordConnError() { t.connErrors.Add(1) }

// RecordTimeout reports a timed-out operation.
func (t *Tracker) RecordTimeout() { t.timeouts.Add(1) }

// RecordRetry reports a retried operation.
func (t *Tracker) RecordRetry() { t.retries.Add(1) }

// RecordBreakerTrip reports a circuit breaker opening.
func (t *Tracker) RecordBreakerTrip() { t.breakerTrips.Add(1) }

// Counts implements collector.ConnectionSource. The per-second rates cover
// the interval since the previous call.
func (t *Tracker) Counts() (collector.ConnectionCounts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := collector.ConnectionCounts{Total: len(t.states)}
	for _, state := range t.states {
		switch state {
		case StateActive:
			counts.Active++
		case StateIdle:
			counts.Idle++
		case StateReconnecting:
			counts.Reconnecting++
		case StateFailed:
			counts.Failed++
		}
	}

	elapsed := time.Since(t.lastCounts).Seconds()
	if elapsed > 0 {
		counts.ConnectsPerSec = float64(t.connects) / elapsed
		counts.DisconnectsPerSec = float64(t.disconnects) / elapsed
	}
	t.connects = 0
	t.disconnects = 0
	t.lastCounts = time.Now()

	return counts, nil
}

// LatencySample implements collector.ConnectionSource.
func (t *Tracker) LatencySample() (time.Duration, error) {
	return time.Duration(t.lastLatency.Load()), nil
}

// Throughput implements collector.ConnectionSource.
func (t *Tracker) Throughput() (collector.Throughput, error) {
	return collector.Throughput{
		MessagesIn:  t.messagesIn.Load(),
		MessagesOut: t.messagesOut.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		Queued:      t.queued.Load(),
		Dropped:     t.dropped.Load(),
	}, nil
}

// Errors implements collector.ConnectionSource.
func (t *Tracker) Errors() (collector.ErrorCounts, error) {
	return collector.ErrorCounts{
		Connection:   t.connErrors.Load(),
		Message:      t.msgErrors.Load(),
		Timeouts:     t.timeouts.Load(),
		Retries:      t.retries.Load(),
		BreakerTrips: t.breakerTrips.Load(),
	}, nil
}

// Features implements collector.FeatureSource. Accumulators reset on each
// read so the metrics cover one collection interval.
func (t *Tracker) Features() (map[string]collector.FeatureMetrics, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastFeatures).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	t.lastFeatures = time.Now()

	out := make(map[string]collector.FeatureMetrics, len(t.features))
	for name, acc := range t.features {
		fm := collector.FeatureMetrics{
			ActiveConnections: len(t.states),
			MessagesPerSec:    float64(acc.messages) / elapsed,
			ThroughputBps:     float64(acc.bytes) / elapsed,
		}
		if acc.messages > 0 {
			fm.AvgLatency = acc.latencySum / time.Duration(acc.messages)
			fm.ErrorRatePct = float64(acc.failures) / float64(acc.messages) * 100
		}
		out[name] = fm
		*acc = featureAccum{}
	}
	return out, nil
}

// Size returns the number of registered connections.
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// BufferUtilization returns the outbound queue depth as a percentage of its
// capacity, or zero when no capacity was set.
func (t *Tracker) BufferUtilization() float64 {
	capacity := atomic.LoadInt64(&t.queueCapacity)
	if capacity <= 0 {
		return 0
	}
	return float64(t.queued.Load()) / float64(capacity) * 100
}

func (t *Tracker) handle(connID string) (Handle, error) {
	t.mu.RLock()
	h, ok := t.handles[connID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %s is not registered", connID)
	}
	return h, nil
}

// Prober returns the probe view over registered handles. A separate view is
// needed because Throughput means different things to the collector and the
// health checker.
func (t *Tracker) Prober() health.Prober {
	return prober{t}
}

type prober struct {
	t *Tracker
}

func (p prober) Ping(ctx context.Context, connID string) (time.Duration, error) {
	h, err := p.t.handle(connID)
	if err != nil {
		return 0, err
	}
	return h.Ping(ctx)
}

func (p prober) Echo(ctx context.Context, connID string) (time.Duration, error) {
	h, err := p.t.handle(connID)
	if err != nil {
		return 0, err
	}
	return h.Echo(ctx)
}

func (p prober) Throughput(ctx context.Context, connID string) (float64, error) {
	h, err := p.t.handle(connID)
	if err != nil {
		return 0, err
	}
	return h.Throughput(ctx)
}

func (p prober) Stability(ctx context.Context, connID string) (float64, error) {
	h, err := p.t.handle(connID)
	if err != nil {
		return 0, err
	}
	return h.Stability(ctx)
}

// Execute implements health.ActionExecutor by delegating to the
// connection's handle.
func (t *Tracker) Execute(ctx context.Context, connID string, action health.ActionType) error {
	h, err := t.handle(connID)
	if err != nil {
		return err
	}
	return h.Apply(ctx, action)
}
