package health

import (
	"time"
)

// Status classifies a connection's overall health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

// Outcome is the result of a single diagnostic check.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeWarning Outcome = "warning"
)

// CheckType names one of the fixed diagnostic probes.
type CheckType string

const (
	CheckPing       CheckType = "ping"
	CheckEcho       CheckType = "echo"
	CheckThroughput CheckType = "throughput"
	CheckStability  CheckType = "stability"
)

// CheckResult is the outcome of one probe against one connection.
type CheckResult struct {
	Type      CheckType `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// IssueSeverity classifies an open issue.
type IssueSeverity string

const (
	SeverityMedium IssueSeverity = "medium"
	SeverityHigh   IssueSeverity = "high"
)

// Issue is an open problem detected on a connection.
type Issue struct {
	Kind           string        `json:"kind"`
	Severity       IssueSeverity `json:"severity"`
	Description    string        `json:"description"`
	FirstSeen      time.Time     `json:"first_seen"`
	Count          int           `json:"count"`
	Resolved       bool          `json:"resolved"`
	AutoRemediable bool          `json:"auto_remediable"`
}

// ActionType names an auto-remediation action.
type ActionType string

const (
	ActionReconnect       ActionType = "reconnect"
	ActionResetBuffer     ActionType = "reset-buffer"
	ActionReduceFrequency ActionType = "reduce-frequency"
	ActionEscalate        ActionType = "escalate"
	ActionTerminate       ActionType = "terminate"
)

// AutoAction is one queued remediation step with its execution state.
type AutoAction struct {
	Type        ActionType `json:"type"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ExecutedAt  time.Time  `json:"executed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Remediation is the plan attached to a connection: manual suggestions plus
// a queue of auto-actions.
type Remediation struct {
	Suggested []string     `json:"suggested,omitempty"`
	Actions   []AutoAction `json:"actions,omitempty"`
}

// Metrics is the per-connection measurement bundle.
type Metrics struct {
	LatencyMs         float64 `json:"latency_ms"`
	PacketLossPct     float64 `json:"packet_loss_pct"`
	JitterMs          float64 `json:"jitter_ms"`
	BandwidthMbps     float64 `json:"bandwidth_mbps"`
	Reconnects        int     `json:"reconnects"`
	Errors            int     `json:"errors"`
	MessagesProcessed int64   `json:"messages_processed"`
}

// ConnectionHealth is the diagnostic record for one live connection.
type ConnectionHealth struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Status      Status        `json:"status"`
	Score       int           `json:"score"`
	LastSeen    time.Time     `json:"last_seen"`
	ConnectedAt time.Time     `json:"connected_at"`
	Metrics     Metrics       `json:"metrics"`
	Checks      []CheckResult `json:"checks,omitempty"`
	Issues      []Issue       `json:"issues,omitempty"`
	Remediation Remediation   `json:"remediation"`
}

// Duration returns how long the connection has been established.
func (h *ConnectionHealth) Duration() time.Duration {
	if h.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(h.ConnectedAt)
}

// statusForScore maps a 0-100 health score to a status.
func statusForScore(score int) Status {
	switch {
	case score >= 90:
		return StatusHealthy
	case score >= 70:
		return StatusDegraded
	case score >= 50:
		return StatusUnhealthy
	default:
		return StatusCritical
	}
}
