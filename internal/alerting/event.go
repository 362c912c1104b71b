package alerting

import (
	"time"
)

// Severity classifies an alert event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is an ephemeral alert emitted to the configured sink. Events are not
// persisted as first-class entities.
type Event struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}
