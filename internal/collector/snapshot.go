package collector

import (
	"time"
)

// ConnectionCounts holds fleet-wide connection counts by state.
type ConnectionCounts struct {
	Total             int     `json:"total"`
	Active            int     `json:"active"`
	Idle              int     `json:"idle"`
	Reconnecting      int     `json:"reconnecting"`
	Failed            int     `json:"failed"`
	ConnectsPerSec    float64 `json:"connects_per_sec"`
	DisconnectsPerSec float64 `json:"disconnects_per_sec"`
}

// LatencyStats holds the latency distribution over the rolling sample buffer.
type LatencyStats struct {
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	P999    time.Duration `json:"p999"`
}

// Throughput holds message and byte counters.
type Throughput struct {
	MessagesIn  int64 `json:"messages_in"`
	MessagesOut int64 `json:"messages_out"`
	BytesIn     int64 `json:"bytes_in"`
	BytesOut    int64 `json:"bytes_out"`
	Queued      int64 `json:"queued"`
	Dropped     int64 `json:"dropped"`
}

// Resources holds host resource gauges.
type Resources struct {
	CPUPct               float64 `json:"cpu_pct"`
	MemoryMB             float64 `json:"memory_mb"`
	BandwidthMbps        float64 `json:"bandwidth_mbps"`
	OpenSockets          int     `json:"open_sockets"`
	BufferUtilizationPct float64 `json:"buffer_utilization_pct"`
}

// ErrorCounts holds error counters.
type ErrorCounts struct {
	Connection   int64 `json:"connection"`
	Message      int64 `json:"message"`
	Timeouts     int64 `json:"timeouts"`
	Retries      int64 `json:"retries"`
	BreakerTrips int64 `json:"breaker_trips"`
}

// FeatureMetrics holds per-feature sub-metrics.
type FeatureMetrics struct {
	ActiveConnections int           `json:"active_connections"`
	MessagesPerSec    float64       `json:"messages_per_sec"`
	AvgLatency        time.Duration `json:"avg_latency"`
	ErrorRatePct      float64       `json:"error_rate_pct"`
	ThroughputBps     float64       `json:"throughput_bps"`
}

// Snapshot is one aggregated measurement of fleet-wide performance at a
// point in time. Snapshots are immutable once produced.
type Snapshot struct {
	Timestamp   time.Time                 `json:"timestamp"`
	Connections ConnectionCounts          `json:"connections"`
	Latency     LatencyStats              `json:"latency"`
	Throughput  Throughput                `json:"throughput"`
	Resources   Resources                 `json:"resources"`
	Errors      ErrorCounts               `json:"errors"`
	Features    map[string]FeatureMetrics `json:"features"`
}

// AggregateErrorRate returns the fleet error rate in percent, weighting each
// feature's error rate by its active connection count. Features with no
// active connections contribute equally when nothing is weighted.
func (s *Snapshot) AggregateErrorRate() float64 {
	if len(s.Features) == 0 {
		return 0
	}

	var weighted, weight float64
	for _, fm := range s.Features {
		weighted += fm.ErrorRatePct * float64(fm.ActiveConnections)
		weight += float64(fm.ActiveConnections)
	}
	if weight > 0 {
		return weighted / weight
	}

	var sum float64
	for _, fm := range s.Features {
		sum += fm.ErrorRatePct
	}
	return sum / float64(len(s.Features))
}
