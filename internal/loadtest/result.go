package loadtest

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a load test run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Summary holds the running counters accumulated across phases.
type Summary struct {
	ConnectionsAttempted int64 `json:"connections_attempted"`
	ConnectionsFailed    int64 `json:"connections_failed"`
	MessagesSent         int64 `json:"messages_sent"`
	MessagesFailed       int64 `json:"messages_failed"`
	BytesSent            int64 `json:"bytes_sent"`
}

// LatencySummary holds the send-latency distribution over the whole run.
type LatencySummary struct {
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// Peaks holds resource and concurrency peaks sampled during execution.
type Peaks struct {
	Connections int           `json:"connections"`
	SendLatency time.Duration `json:"send_latency"`
	CPUPct      float64       `json:"cpu_pct"`
	MemoryMB    float64       `json:"memory_mb"`
}

// Result is the mutable outcome of one load test run. It is retained for a
// bounded window after completion, then purged.
type Result struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at,omitempty"`
	Phase           string         `json:"phase,omitempty"` // currently executing phase
	Scenarios       []Scenario     `json:"scenarios,omitempty"`
	Summary         Summary        `json:"summary"`
	Latency         LatencySummary `json:"latency"`
	Peaks           Peaks          `json:"peaks"`
	Issues          []string       `json:"issues,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Passed          bool           `json:"passed"`
	Error           string         `json:"error,omitempty"`
}

// summarizeLatency computes the distribution over recorded send latencies.
func summarizeLatency(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySummary{
		Average: sum / time.Duration(len(sorted)),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P50:     pick(sorted, 0.50),
		P95:     pick(sorted, 0.95),
		P99:     pick(sorted, 0.99),
	}
}

func pick(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// evaluate compares the result against the configured thresholds, sets
// Passed and fills recommendations from breaches.
func (r *Result) evaluate(th Thresholds) {
	passed := true

	if th.MaxLatency > 0 && r.Latency.P95 > th.MaxLatency {
		passed = false
		r.Issues = append(r.Issues,
			fmt.Sprintf("p95 send latency %s exceeded max %s", r.Latency.P95, th.MaxLatency))
		r.Recommendations = append(r.Recommendations,
			"reduce per-connection message rate or scale out the fleet before reaching this concurrency")
	}

	attempted := r.Summary.ConnectionsAttempted + r.Summary.MessagesSent + r.Summary.MessagesFailed
	if th.MaxErrorRatePct > 0 && attempted > 0 {
		failures := float64(r.Summary.ConnectionsFailed + r.Summary.MessagesFailed)
		errRate := failures / float64(attempted) * 100
		if errRate > th.MaxErrorRatePct {
			passed = false
			r.Issues = append(r.Issues,
				fmt.Sprintf("error rate %.2f%% exceeded max %.2f%%", errRate, th.MaxErrorRatePct))
			r.Recommendations = append(r.Recommendations,
				"investigate connection and send failures; check breaker states during the run")
		}
	}

	if th.MinThroughputMsgs > 0 && !r.StartedAt.IsZero() && !r.CompletedAt.IsZero() {
		elapsed := r.CompletedAt.Sub(r.StartedAt).Seconds()
		if elapsed > 0 {
			throughput := float64(r.Summary.MessagesSent) / elapsed
			if throughput < th.MinThroughputMsgs {
				passed = false
				r.Issues = append(r.Issues,
					fmt.Sprintf("throughput %.1f msg/s below minimum %.1f msg/s", throughput, th.MinThroughputMsgs))
				r.Recommendations = append(r.Recommendations,
					"raise worker concurrency or batch messages to meet the throughput floor")
			}
		}
	}

	if th.MaxCPUPct > 0 && r.Peaks.CPUPct > th.MaxCPUPct {
		passed = false
		r.Issues = append(r.Issues,
			fmt.Sprintf("peak CPU %.1f%% exceeded max %.1f%%", r.Peaks.CPUPct, th.MaxCPUPct))
		r.Recommendations = append(r.Recommendations,
			"add capacity before this load level; CPU is the binding constraint")
	}

	if th.MaxMemoryMB > 0 && r.Peaks.MemoryMB > th.MaxMemoryMB {
		passed = false
		r.Issues = append(r.Issues,
			fmt.Sprintf("peak memory %.0fMB exceeded max %.0fMB", r.Peaks.MemoryMB, th.MaxMemoryMB))
		r.Recommendations = append(r.Recommendations,
			"profile per-connection buffers; memory is the binding constraint")
	}

	r.Passed = passed
}

func copyResult(r *Result) *Result {
	out := *r
	out.Scenarios = append([]Scenario(nil), r.Scenarios...)
	out.Issues = append([]string(nil), r.Issues...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	return &out
}
