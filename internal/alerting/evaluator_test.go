package alerting

import (
	"testing"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/config"
)

type captureSink struct {
	events []Event
}

func (s *captureSink) Emit(ev Event) {
	s.events = append(s.events, ev)
}

func (s *captureSink) byType(alertType string) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.Type == alertType {
			out = append(out, ev)
		}
	}
	return out
}

func TestStaticThresholdWarning(t *testing.T) {
	sink := &captureSink{}
	e, err := NewEvaluator(config.AlertingConfig{
		Thresholds: config.AlertThresholds{LatencyP95: 500 * time.Millisecond},
	}, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.Evaluate(&collector.Snapshot{
		Latency: collector.LatencyStats{P95: 600 * time.Millisecond},
	})

	got := sink.byType("latency_p95")
	if len(got) != 1 {
		t.Fatalf("expected 1 latency alert, got %d", len(got))
	}
	if got[0].Severity != SeverityWarning {
		t.Errorf("expected warning at 1.2x threshold, got %s", got[0].Severity)
	}
}

func TestStaticThresholdEscalatesToCritical(t *testing.T) {
	sink := &captureSink{}
	e, err := NewEvaluator(config.AlertingConfig{
		Thresholds: config.AlertThresholds{CPUPct: 50},
	}, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.Evaluate(&collector.Snapshot{
		Resources: collector.Resources{CPUPct: 80},
	})

	got := sink.byType("cpu")
	if len(got) != 1 {
		t.Fatalf("expected 1 cpu alert, got %d", len(got))
	}
	if got[0].Severity != SeverityCritical {
		t.Errorf("expected critical at 1.6x threshold, got %s", got[0].Severity)
	}
}

func TestStaticThresholdNotBreached(t *testing.T) {
	sink := &captureSink{}
	e, err := NewEvaluator(config.AlertingConfig{
		Thresholds: config.AlertThresholds{CPUPct: 85, MemoryMB: 4096},
	}, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.Evaluate(&collector.Snapshot{
		Resources: collector.Resources{CPUPct: 50, MemoryMB: 1024},
	})

	if len(sink.events) != 0 {
		t.Errorf("expected no alerts, got %d", len(sink.events))
	}
}

func TestTriggerDebounce(t *testing.T) {
	sink := &captureSink{}
	var scaled []string

	e, err := NewEvaluator(config.AlertingConfig{
		Triggers: []config.TriggerConfig{
			{Metric: "cpu", Threshold: 80, SustainedFor: 2 * time.Minute, Action: "scale-up"},
		},
	}, sink, func(action string, tr config.TriggerConfig, value float64) {
		scaled = append(scaled, action)
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	e.now = func() time.Time { return now }
	hot := &collector.Snapshot{Resources: collector.Resources{CPUPct: 90}}

	// Breach begins.
	e.Evaluate(hot)
	if len(scaled) != 0 {
		t.Fatal("expected no scale action at breach start")
	}

	// Still inside the debounce window.
	now = now.Add(119 * time.Second)
	e.Evaluate(hot)
	if len(scaled) != 0 {
		t.Fatal("expected no scale action before sustained duration")
	}

	// Window elapsed.
	now = now.Add(time.Second)
	e.Evaluate(hot)
	if len(scaled) != 1 || scaled[0] != "scale-up" {
		t.Fatalf("expected one scale-up, got %v", scaled)
	}
	if len(sink.byType("autoscale:scale-up")) != 1 {
		t.Error("expected one autoscale event")
	}

	// Fired triggers stay quiet while the breach persists.
	now = now.Add(time.Hour)
	e.Evaluate(hot)
	if len(scaled) != 1 {
		t.Errorf("expected no repeat fire, got %v", scaled)
	}
}

func TestTriggerRearmsAfterRecovery(t *testing.T) {
	sink := &captureSink{}
	e, err := NewEvaluator(config.AlertingConfig{
		Triggers: []config.TriggerConfig{
			{Metric: "cpu", Threshold: 80, SustainedFor: time.Minute, Action: "scale-up"},
		},
	}, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	e.now = func() time.Time { return now }
	hot := &collector.Snapshot{Resources: collector.Resources{CPUPct: 90}}
	cool := &collector.Snapshot{Resources: collector.Resources{CPUPct: 10}}

	e.Evaluate(hot)
	now = now.Add(time.Minute)
	e.Evaluate(hot)
	if len(sink.byType("autoscale:scale-up")) != 1 {
		t.Fatal("expected first fire")
	}

	// Recovery re-arms, and the sustained window starts over.
	e.Evaluate(cool)
	e.Evaluate(hot)
	now = now.Add(time.Minute)
	e.Evaluate(hot)

	if got := len(sink.byType("autoscale:scale-up")); got != 2 {
		t.Errorf("expected second fire after re-arm, got %d", got)
	}
}

func TestTriggerAlertOnlySkipsScale(t *testing.T) {
	sink := &captureSink{}
	var scaled []string

	e, err := NewEvaluator(config.AlertingConfig{
		Triggers: []config.TriggerConfig{
			{Metric: "connections", Threshold: 100, SustainedFor: 0, Action: "alert-only"},
		},
	}, sink, func(action string, tr config.TriggerConfig, value float64) {
		scaled = append(scaled, action)
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Evaluate(&collector.Snapshot{
		Connections: collector.ConnectionCounts{Active: 200},
	})

	if len(sink.byType("autoscale:alert-only")) != 1 {
		t.Error("expected alert-only event")
	}
	if len(scaled) != 0 {
		t.Errorf("expected no scale callback, got %v", scaled)
	}
}

func TestRuleMatching(t *testing.T) {
	sink := &captureSink{}
	e, err := NewEvaluator(config.AlertingConfig{
		Rules: []config.RuleConfig{
			{ID: "backlog", Expression: "queued > 1000 && dropped > 0", Severity: "critical", Message: "queue backlog"},
		},
	}, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	e.Evaluate(&collector.Snapshot{
		Throughput: collector.Throughput{Queued: 500},
	})
	if len(sink.byType("rule:backlog")) != 0 {
		t.Error("expected no match below threshold")
	}

	e.Evaluate(&collector.Snapshot{
		Throughput: collector.Throughput{Queued: 2000, Dropped: 5},
	})
	got := sink.byType("rule:backlog")
	if len(got) != 1 {
		t.Fatalf("expected 1 rule match, got %d", len(got))
	}
	if got[0].Severity != SeverityCritical {
		t.Errorf("expected critical, got %s", got[0].Severity)
	}
	if got[0].Message != "queue backlog" {
		t.Errorf("unexpected message %q", got[0].Message)
	}
}

func TestInvalidRuleRejectedAtConstruction(t *testing.T) {
	_, err := NewEvaluator(config.AlertingConfig{
		Rules: []config.RuleConfig{
			{ID: "broken", Expression: "no_such_field > 1"},
		},
	}, nil, nil)
	if err == nil {
		t.Fatal("expected compile error for unknown field")
	}
}

func TestReloadResetsTriggerState(t *testing.T) {
	sink := &captureSink{}
	cfg := config.AlertingConfig{
		Triggers: []config.TriggerConfig{
			{Metric: "cpu", Threshold: 80, SustainedFor: time.Minute, Action: "scale-up"},
		},
	}
	e, err := NewEvaluator(cfg, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	e.now = func() time.Time { return now }
	hot := &collector.Snapshot{Resources: collector.Resources{CPUPct: 90}}

	e.Evaluate(hot)
	now = now.Add(59 * time.Second)

	if err := e.Reload(cfg); err != nil {
		t.Fatal(err)
	}

	// The debounce window restarts after reload.
	now = now.Add(2 * time.Second)
	e.Evaluate(hot)
	if got := len(sink.byType("autoscale:scale-up")); got != 0 {
		t.Errorf("expected no fire right after reload, got %d", got)
	}

	now = now.Add(time.Minute)
	e.Evaluate(hot)
	if got := len(sink.byType("autoscale:scale-up")); got != 1 {
		t.Errorf("expected fire after full window post-reload, got %d", got)
	}
}

func TestReloadRejectsInvalidRules(t *testing.T) {
	e, err := NewEvaluator(config.AlertingConfig{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = e.Reload(config.AlertingConfig{
		Rules: []config.RuleConfig{{ID: "bad", Expression: "((("}},
	})
	if err == nil {
		t.Fatal("expected reload to fail on invalid rule")
	}
}
