package alerting

import (
	"fmt"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/config"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule is a pre-compiled snapshot expression ready for evaluation.
type Rule struct {
	ID         string
	Expression string
	Severity   Severity
	Message    string
	program    *vm.Program
}

// CompileRule compiles a rule config against the snapshot environment.
// Compilation errors surface at construction time, never at runtime.
func CompileRule(cfg config.RuleConfig) (*Rule, error) {
	program, err := expr.Compile(cfg.Expression, expr.Env(snapshotEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %s: failed to compile expression: %w", cfg.ID, err)
	}

	severity := SeverityWarning
	if cfg.Severity == "critical" {
		severity = SeverityCritical
	}
	message := cfg.Message
	if message == "" {
		message = fmt.Sprintf("alert rule %s matched", cfg.ID)
	}

	return &Rule{
		ID:         cfg.ID,
		Expression: cfg.Expression,
		Severity:   severity,
		Message:    message,
		program:    program,
	}, nil
}

// Match evaluates the rule against a snapshot.
func (r *Rule) Match(snap *collector.Snapshot) (bool, error) {
	out, err := expr.Run(r.program, snapshotEnv(snap))
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	return ok && matched, nil
}

// snapshotEnv exposes snapshot fields to rule expressions. A nil snapshot
// yields a zero-valued environment used only for compilation.
func snapshotEnv(snap *collector.Snapshot) map[string]interface{} {
	if snap == nil {
		snap = &collector.Snapshot{}
	}
	return map[string]interface{}{
		"cpu":          snap.Resources.CPUPct,
		"memory_mb":    snap.Resources.MemoryMB,
		"open_sockets": snap.Resources.OpenSockets,
		"buffer_util":  snap.Resources.BufferUtilizationPct,

		"total":        snap.Connections.Total,
		"active":       snap.Connections.Active,
		"idle":         snap.Connections.Idle,
		"reconnecting": snap.Connections.Reconnecting,
		"failed":       snap.Connections.Failed,

		"avg_ms":  float64(snap.Latency.Average) / float64(time.Millisecond),
		"p50_ms":  float64(snap.Latency.P50) / float64(time.Millisecond),
		"p95_ms":  float64(snap.Latency.P95) / float64(time.Millisecond),
		"p99_ms":  float64(snap.Latency.P99) / float64(time.Millisecond),
		"p999_ms": float64(snap.Latency.P999) / float64(time.Millisecond),

		"queued":     snap.Throughput.Queued,
		"dropped":    snap.Throughput.Dropped,
		"error_rate": snap.AggregateErrorRate(),

		"timeouts":      snap.Errors.Timeouts,
		"breaker_trips": snap.Errors.BreakerTrips,
	}
}
