package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"go.uber.org/zap"
)

// criticalFactor escalates a static threshold breach from warning to
// critical once the measured value reaches this multiple of the threshold.
const criticalFactor = 1.5

// ScaleFunc receives fired auto-scaling actions (scale-up, scale-down).
type ScaleFunc func(action string, trigger config.TriggerConfig, value float64)

// triggerState tracks the debounce window of one auto-scaling trigger.
type triggerState struct {
	breachedSince time.Time
	fired         bool
}

// Evaluator compares snapshots against static thresholds, custom rules and
// auto-scaling triggers, and emits alert events to the sink.
type Evaluator struct {
	mu         sync.Mutex
	thresholds config.AlertThresholds
	triggers   []config.TriggerConfig
	states     []triggerState
	rules      []*Rule
	sink       Sink
	scale      ScaleFunc

	now func() time.Time // swapped in tests
}

// NewEvaluator creates an evaluator. Rule expressions are compiled here so
// invalid rules are rejected at construction.
func NewEvaluator(cfg config.AlertingConfig, sink Sink, scale ScaleFunc) (*Evaluator, error) {
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = LogSink{}
	}

	return &Evaluator{
		thresholds: cfg.Thresholds,
		triggers:   cfg.Triggers,
		states:     make([]triggerState, len(cfg.Triggers)),
		rules:      rules,
		sink:       sink,
		scale:      scale,
		now:        time.Now,
	}, nil
}

func compileRules(cfgs []config.RuleConfig) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		r, err := CompileRule(rc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Reload swaps thresholds, triggers and rules. Trigger debounce state is
// reset because the trigger list may have changed shape.
func (e *Evaluator) Reload(cfg config.AlertingConfig) error {
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.thresholds = cfg.Thresholds
	e.triggers = cfg.Triggers
	e.states = make([]triggerState, len(cfg.Triggers))
	e.rules = rules
	e.mu.Unlock()

	logging.Info("alerting configuration reloaded",
		zap.Int("triggers", len(cfg.Triggers)),
		zap.Int("rules", len(rules)))
	return nil
}

// Evaluate runs one evaluation pass over a snapshot. Called once per
// collection tick.
func (e *Evaluator) Evaluate(snap *collector.Snapshot) {
	if snap == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkStatic(snap)
	e.checkRules(snap)
	e.checkTriggers(snap)
}

func (e *Evaluator) checkStatic(snap *collector.Snapshot) {
	p95ms := float64(snap.Latency.P95) / float64(time.Millisecond)
	thresholdMS := float64(e.thresholds.LatencyP95) / float64(time.Millisecond)
	if thresholdMS > 0 && p95ms > thresholdMS {
		e.emitThreshold("latency_p95", "p95 latency above threshold", p95ms, thresholdMS, snap.Timestamp)
	}

	errRate := snap.AggregateErrorRate()
	if e.thresholds.ErrorRatePct > 0 && errRate > e.thresholds.ErrorRatePct {
		e.emitThreshold("error_rate", "error rate above threshold", errRate, e.thresholds.ErrorRatePct, snap.Timestamp)
	}

	if e.thresholds.CPUPct > 0 && snap.Resources.CPUPct > e.thresholds.CPUPct {
		e.emitThreshold("cpu", "CPU utilization above threshold", snap.Resources.CPUPct, e.thresholds.CPUPct, snap.Timestamp)
	}

	if e.thresholds.MemoryMB > 0 && snap.Resources.MemoryMB > e.thresholds.MemoryMB {
		e.emitThreshold("memory", "memory usage above threshold", snap.Resources.MemoryMB, e.thresholds.MemoryMB, snap.Timestamp)
	}
}

func (e *Evaluator) emitThreshold(alertType, message string, value, threshold float64, ts time.Time) {
	severity := SeverityWarning
	if value >= threshold*criticalFactor {
		severity = SeverityCritical
	}
	e.sink.Emit(Event{
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: ts,
	})
}

func (e *Evaluator) checkRules(snap *collector.Snapshot) {
	for _, r := range e.rules {
		matched, err := r.Match(snap)
		if err != nil {
			logging.Warn("alert rule evaluation failed",
				zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		if matched {
			e.sink.Emit(Event{
				Type:      "rule:" + r.ID,
				Severity:  r.Severity,
				Message:   r.Message,
				Timestamp: snap.Timestamp,
			})
		}
	}
}

// checkTriggers applies sustained-duration debouncing. A trigger fires the
// first time its metric has stayed above threshold for the configured
// duration, then re-arms only after the metric drops below threshold.
func (e *Evaluator) checkTriggers(snap *collector.Snapshot) {
	now := e.now()

	for i := range e.triggers {
		tr := e.triggers[i]
		st := &e.states[i]

		value, ok := metricValue(snap, tr.Metric)
		if !ok {
			continue
		}

		if value <= tr.Threshold {
			st.breachedSince = time.Time{}
			st.fired = false
			continue
		}

		if st.breachedSince.IsZero() {
			st.breachedSince = now
		}
		if st.fired || now.Sub(st.breachedSince) < tr.SustainedFor {
			continue
		}
		st.fired = true

		e.sink.Emit(Event{
			Type:     "autoscale:" + tr.Action,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%s sustained above %.2f for %s, action %s",
				tr.Metric, tr.Threshold, tr.SustainedFor, tr.Action),
			Value:     value,
			Threshold: tr.Threshold,
			Timestamp: snap.Timestamp,
		})

		if tr.Action != "alert-only" && e.scale != nil {
			e.scale(tr.Action, tr, value)
		}
	}
}

// metricValue resolves a trigger metric name against a snapshot.
func metricValue(snap *collector.Snapshot, metric string) (float64, bool) {
	switch metric {
	case "cpu":
		return snap.Resources.CPUPct, true
	case "memory":
		return snap.Resources.MemoryMB, true
	case "connections":
		return float64(snap.Connections.Active), true
	case "latency":
		return float64(snap.Latency.P95) / float64(time.Millisecond), true
	case "error-rate":
		return snap.AggregateErrorRate(), true
	default:
		return 0, false
	}
}
