package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/fleetmon/internal/config"
)

// fakeProber returns fixed measurements for every connection.
type fakeProber struct {
	rtt       time.Duration
	jitter    time.Duration
	mbps      float64
	stability float64
	err       error
}

func (p *fakeProber) Ping(ctx context.Context, connID string) (time.Duration, error) {
	return p.rtt, p.err
}

func (p *fakeProber) Echo(ctx context.Context, connID string) (time.Duration, error) {
	return p.jitter, p.err
}

func (p *fakeProber) Throughput(ctx context.Context, connID string) (float64, error) {
	return p.mbps, p.err
}

func (p *fakeProber) Stability(ctx context.Context, connID string) (float64, error) {
	return p.stability, p.err
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []ActionType
	err     error
}

func (e *fakeExecutor) Execute(ctx context.Context, connID string, action ActionType) error {
	e.mu.Lock()
	e.actions = append(e.actions, action)
	e.mu.Unlock()
	return e.err
}

func testConfig() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Workers:          4,
		ProbeTimeout:     time.Second,
		MaxLatency:       250 * time.Millisecond,
		MaxJitter:        50 * time.Millisecond,
		MinBandwidthMbps: 1.0,
		MinStability:     0.8,
	}
}

// healthyProber passes every check with margin.
func healthyProber() *fakeProber {
	return &fakeProber{
		rtt:       10 * time.Millisecond,
		jitter:    5 * time.Millisecond,
		mbps:      10,
		stability: 0.99,
	}
}

func TestAllChecksPassScoresHealthy(t *testing.T) {
	c := NewChecker(testConfig(), healthyProber(), nil)
	c.Track("c1", "tenant-a")
	c.RunChecks(context.Background())

	h, ok := c.Get("c1")
	if !ok {
		t.Fatal("expected tracked connection")
	}
	if h.Score != 100 {
		t.Errorf("expected score 100, got %d", h.Score)
	}
	if h.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", h.Status)
	}
	if len(h.Checks) != 4 {
		t.Errorf("expected 4 check results, got %d", len(h.Checks))
	}
}

func TestAllChecksFailScoresCritical(t *testing.T) {
	c := NewChecker(testConfig(), &fakeProber{err: errors.New("probe failed")}, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if h.Score != 0 {
		t.Errorf("expected score 0, got %d", h.Score)
	}
	if h.Status != StatusCritical {
		t.Errorf("expected critical, got %s", h.Status)
	}
}

func TestWarningCountsAsPass(t *testing.T) {
	p := healthyProber()
	p.rtt = 240 * time.Millisecond // within 10% of the 250ms threshold

	c := NewChecker(testConfig(), p, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if h.Score != 100 {
		t.Errorf("expected warning to count as pass, score 100, got %d", h.Score)
	}
	if h.Checks[0].Outcome != OutcomeWarning {
		t.Errorf("expected ping warning, got %s", h.Checks[0].Outcome)
	}
}

func TestSingleFailureScoresDegraded(t *testing.T) {
	p := healthyProber()
	p.mbps = 0.5 // below 1.0 minimum

	c := NewChecker(testConfig(), p, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if h.Score != 75 {
		t.Errorf("expected score 75 with 3/4 passing, got %d", h.Score)
	}
	if h.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", h.Status)
	}
}

func TestFailingCheckOpensIssue(t *testing.T) {
	p := healthyProber()
	p.rtt = 400 * time.Millisecond

	c := NewChecker(testConfig(), p, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if len(h.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(h.Issues))
	}
	issue := h.Issues[0]
	if issue.Kind != "latency" {
		t.Errorf("expected latency issue, got %s", issue.Kind)
	}
	if issue.Count != 2 {
		t.Errorf("expected count 2 after two cycles, got %d", issue.Count)
	}
	if issue.Severity != SeverityMedium {
		t.Errorf("expected medium severity below 2x threshold, got %s", issue.Severity)
	}
	if !issue.AutoRemediable {
		t.Error("expected latency issue to be auto-remediable")
	}
}

func TestSevereBreachEscalates(t *testing.T) {
	p := healthyProber()
	p.rtt = 600 * time.Millisecond // more than twice the 250ms threshold

	c := NewChecker(testConfig(), p, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if h.Issues[0].Severity != SeverityHigh {
		t.Errorf("expected high severity past 2x threshold, got %s", h.Issues[0].Severity)
	}

	hasEscalate := false
	for _, a := range h.Remediation.Actions {
		if a.Type == ActionEscalate {
			hasEscalate = true
		}
	}
	if !hasEscalate {
		t.Error("expected escalate action for high severity issue")
	}
}

func TestIssueResolvesOnRecovery(t *testing.T) {
	p := healthyProber()
	p.rtt = 400 * time.Millisecond

	c := NewChecker(testConfig(), p, nil)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	p.rtt = 10 * time.Millisecond
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if len(h.Issues) != 1 {
		t.Fatalf("expected issue retained, got %d", len(h.Issues))
	}
	if !h.Issues[0].Resolved {
		t.Error("expected issue resolved after recovery")
	}
}

func TestUnhealthyConnectionDispatchesActions(t *testing.T) {
	exec := &fakeExecutor{}
	// Fail bandwidth and stability: score 50, unhealthy.
	p := healthyProber()
	p.mbps = 0.1
	p.stability = 0.1

	c := NewChecker(testConfig(), p, exec)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	h, _ := c.Get("c1")
	if h.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", h.Status)
	}

	exec.mu.Lock()
	executed := len(exec.actions)
	exec.mu.Unlock()
	if executed == 0 {
		t.Fatal("expected actions dispatched for unhealthy connection")
	}

	for _, a := range h.Remediation.Actions {
		if a.ExecutedAt.IsZero() {
			t.Errorf("expected action %s marked executed", a.Type)
		}
		if a.Result != "ok" {
			t.Errorf("expected result ok, got %q", a.Result)
		}
	}
}

func TestActionsDispatchOnce(t *testing.T) {
	exec := &fakeExecutor{}
	p := healthyProber()
	p.mbps = 0.1
	p.stability = 0.1

	c := NewChecker(testConfig(), p, exec)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	exec.mu.Lock()
	first := len(exec.actions)
	exec.mu.Unlock()

	c.RunChecks(context.Background())

	exec.mu.Lock()
	second := len(exec.actions)
	exec.mu.Unlock()

	if second != first {
		t.Errorf("expected no re-dispatch of executed actions, got %d then %d", first, second)
	}
}

func TestHealthyConnectionSkipsDispatch(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewChecker(testConfig(), healthyProber(), exec)
	c.Track("c1", "")
	c.RunChecks(context.Background())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.actions) != 0 {
		t.Errorf("expected no actions for healthy connection, got %v", exec.actions)
	}
}

func TestObserveEventBookkeeping(t *testing.T) {
	c := NewChecker(testConfig(), healthyProber(), nil)
	c.Track("c1", "")

	c.ObserveEvent("c1", "reconnect")
	c.ObserveEvent("c1", "error")
	c.ObserveEvent("c1", "message")
	c.ObserveEvent("c1", "message")
	c.ObserveEvent("unknown", "message")

	h, _ := c.Get("c1")
	if h.Metrics.Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", h.Metrics.Reconnects)
	}
	if h.Metrics.Errors != 1 {
		t.Errorf("expected 1 error, got %d", h.Metrics.Errors)
	}
	if h.Metrics.MessagesProcessed != 2 {
		t.Errorf("expected 2 messages, got %d", h.Metrics.MessagesProcessed)
	}
}

func TestTrackIdempotent(t *testing.T) {
	c := NewChecker(testConfig(), healthyProber(), nil)
	c.Track("c1", "tenant-a")
	c.ObserveEvent("c1", "message")
	c.Track("c1", "tenant-a")

	h, _ := c.Get("c1")
	if h.Metrics.MessagesProcessed != 1 {
		t.Error("expected re-track to preserve existing record")
	}
}

func TestUntrack(t *testing.T) {
	c := NewChecker(testConfig(), healthyProber(), nil)
	c.Track("c1", "")
	c.Untrack("c1")

	if _, ok := c.Get("c1"); ok {
		t.Error("expected connection removed")
	}
	if c.Len() != 0 {
		t.Errorf("expected 0 tracked, got %d", c.Len())
	}
}

func TestPruneStale(t *testing.T) {
	c := NewChecker(testConfig(), healthyProber(), nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		c.Track(id, "")
	}
	// Backdate two of them.
	c.mu.Lock()
	c.conns["c1"].LastSeen = time.Now().Add(-48 * time.Hour)
	c.conns["c2"].LastSeen = time.Now().Add(-48 * time.Hour)
	c.mu.Unlock()

	if removed := c.PruneStale(24*time.Hour, 1); removed != 1 {
		t.Errorf("expected batch limit of 1, removed %d", removed)
	}
	if removed := c.PruneStale(24*time.Hour, 10); removed != 1 {
		t.Errorf("expected 1 more removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 connection left, got %d", c.Len())
	}
}

func TestOnVerdictReceivesCopy(t *testing.T) {
	var verdicts []ConnectionHealth
	c := NewChecker(testConfig(), healthyProber(), nil)
	c.OnVerdict(func(h ConnectionHealth) {
		verdicts = append(verdicts, h)
	})

	c.Track("c1", "tenant-a")
	c.RunChecks(context.Background())

	if len(verdicts) != 1 {
		t.Fatalf("expected 1 verdict, got %d", len(verdicts))
	}
	if verdicts[0].ID != "c1" || verdicts[0].Score != 100 {
		t.Errorf("unexpected verdict %+v", verdicts[0])
	}
}

func TestStatusForScore(t *testing.T) {
	cases := []struct {
		score int
		want  Status
	}{
		{100, StatusHealthy},
		{90, StatusHealthy},
		{89, StatusDegraded},
		{70, StatusDegraded},
		{69, StatusUnhealthy},
		{50, StatusUnhealthy},
		{49, StatusCritical},
		{0, StatusCritical},
	}
	for _, tc := range cases {
		if got := statusForScore(tc.score); got != tc.want {
			t.Errorf("score %d: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}
