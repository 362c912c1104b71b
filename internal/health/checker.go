package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prober runs diagnostic probes against a single connection. The transport
// layer supplies the implementation; probes are I/O-bound.
type Prober interface {
	// Ping measures round-trip latency.
	Ping(ctx context.Context, connID string) (time.Duration, error)
	// Echo measures round-trip jitter.
	Echo(ctx context.Context, connID string) (time.Duration, error)
	// Throughput measures observed bandwidth in Mbps.
	Throughput(ctx context.Context, connID string) (float64, error)
	// Stability returns an uptime/consistency score in [0, 1].
	Stability(ctx context.Context, connID string) (float64, error)
}

// ActionExecutor carries out auto-remediation actions on a connection.
type ActionExecutor interface {
	Execute(ctx context.Context, connID string, action ActionType) error
}

// Checker runs the probe battery against every tracked connection and keeps
// the per-connection health map.
type Checker struct {
	cfg    config.HealthCheckConfig
	prober Prober
	exec   ActionExecutor

	mu    sync.RWMutex
	conns map[string]*ConnectionHealth

	// onVerdict observes each scored connection (instrumentation, breaker
	// feeds). Receives a copy.
	onVerdict func(ConnectionHealth)
}

// NewChecker creates a health checker. prober is required; exec may be nil
// to disable auto-remediation dispatch.
func NewChecker(cfg config.HealthCheckConfig, prober Prober, exec ActionExecutor) *Checker {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	return &Checker{
		cfg:    cfg,
		prober: prober,
		exec:   exec,
		conns:  make(map[string]*ConnectionHealth),
	}
}

// OnVerdict registers the verdict observer.
func (c *Checker) OnVerdict(fn func(ConnectionHealth)) {
	c.mu.Lock()
	c.onVerdict = fn
	c.mu.Unlock()
}

// Track registers a connection for health checking. The health entry is
// populated by the first check cycle after establishment.
func (c *Checker) Track(connID, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.conns[connID]; exists {
		return
	}
	now := time.Now()
	c.conns[connID] = &ConnectionHealth{
		ID:          connID,
		TenantID:    tenantID,
		Status:      StatusHealthy,
		Score:       100,
		LastSeen:    now,
		ConnectedAt: now,
	}
}

// Untrack removes a connection when it closes.
func (c *Checker) Untrack(connID string) {
	c.mu.Lock()
	delete(c.conns, connID)
	c.mu.Unlock()
}

// ObserveEvent updates activity bookkeeping from transport events.
func (c *Checker) ObserveEvent(connID, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.conns[connID]
	if !ok {
		return
	}
	h.LastSeen = time.Now()
	switch event {
	case "reconnect":
		h.Metrics.Reconnects++
	case "error":
		h.Metrics.Errors++
	case "message":
		h.Metrics.MessagesProcessed++
	}
}

// Get returns a copy of one connection's health record.
func (c *Checker) Get(connID string) (ConnectionHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.conns[connID]
	if !ok {
		return ConnectionHealth{}, false
	}
	return copyHealth(h), true
}

// All returns copies of every tracked connection's health record.
func (c *Checker) All() []ConnectionHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ConnectionHealth, 0, len(c.conns))
	for _, h := range c.conns {
		out = append(out, copyHealth(h))
	}
	return out
}

// Len returns the number of tracked connections.
func (c *Checker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// RunChecks executes one probe cycle over all tracked connections through a
// bounded worker pool. Probe failures become issues, never errors.
func (c *Checker) RunChecks(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			c.checkConnection(ctx, id)
			return nil
		})
	}
	g.Wait()
}

// checkConnection runs the full battery against one connection and applies
// the verdict.
func (c *Checker) checkConnection(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	now := time.Now()
	checks := make([]CheckResult, 0, 4)
	var metrics Metrics

	// Ping: round-trip latency vs. max latency.
	maxLatencyMS := float64(c.cfg.MaxLatency) / float64(time.Millisecond)
	rtt, err := c.prober.Ping(ctx, connID)
	rttMS := float64(rtt) / float64(time.Millisecond)
	if err != nil {
		rttMS = 0
	}
	metrics.LatencyMs = rttMS
	checks = append(checks, CheckResult{
		Type:      CheckPing,
		Outcome:   outcomeMax(rttMS, maxLatencyMS, err),
		Value:     rttMS,
		Threshold: maxLatencyMS,
		Timestamp: now,
	})

	// Echo: round-trip jitter vs. max jitter.
	maxJitterMS := float64(c.cfg.MaxJitter) / float64(time.Millisecond)
	jitter, err := c.prober.Echo(ctx, connID)
	jitterMS := float64(jitter) / float64(time.Millisecond)
	if err != nil {
		jitterMS = 0
	}
	metrics.JitterMs = jitterMS
	checks = append(checks, CheckResult{
		Type:      CheckEcho,
		Outcome:   outcomeMax(jitterMS, maxJitterMS, err),
		Value:     jitterMS,
		Threshold: maxJitterMS,
		Timestamp: now,
	})

	// Throughput: observed bandwidth vs. minimum.
	mbps, err := c.prober.Throughput(ctx, connID)
	if err != nil {
		mbps = 0
	}
	metrics.BandwidthMbps = mbps
	checks = append(checks, CheckResult{
		Type:      CheckThroughput,
		Outcome:   outcomeMin(mbps, c.cfg.MinBandwidthMbps, err),
		Value:     mbps,
		Threshold: c.cfg.MinBandwidthMbps,
		Timestamp: now,
	})

	// Stability: uptime/consistency score vs. minimum.
	stability, err := c.prober.Stability(ctx, connID)
	if err != nil {
		stability = 0
	}
	checks = append(checks, CheckResult{
		Type:      CheckStability,
		Outcome:   outcomeMin(stability, c.cfg.MinStability, err),
		Value:     stability,
		Threshold: c.cfg.MinStability,
		Timestamp: now,
	})

	c.applyVerdict(ctx, connID, checks, metrics)
}

// outcomeMax scores a check where the measured value must stay below the
// threshold. Values within 10% of the threshold warn.
func outcomeMax(value, threshold float64, err error) Outcome {
	if err != nil || value > threshold {
		return OutcomeFail
	}
	if value > threshold*0.9 {
		return OutcomeWarning
	}
	return OutcomePass
}

// outcomeMin scores a check where the measured value must stay above the
// threshold.
func outcomeMin(value, threshold float64, err error) Outcome {
	if err != nil || value < threshold {
		return OutcomeFail
	}
	if value < threshold*1.1 {
		return OutcomeWarning
	}
	return OutcomePass
}

// applyVerdict scores the checks, updates issues and remediation, and
// dispatches queued actions for unhealthy/critical connections.
func (c *Checker) applyVerdict(ctx context.Context, connID string, checks []CheckResult, metrics Metrics) {
	c.mu.Lock()

	h, ok := c.conns[connID]
	if !ok {
		// Untracked while the probes ran.
		c.mu.Unlock()
		return
	}

	passed := 0
	for _, chk := range checks {
		if chk.Outcome != OutcomeFail {
			passed++
		}
	}
	score := passed * 100 / len(checks)

	h.Score = score
	h.Status = statusForScore(score)
	h.Checks = checks
	h.Metrics.LatencyMs = metrics.LatencyMs
	h.Metrics.JitterMs = metrics.JitterMs
	h.Metrics.BandwidthMbps = metrics.BandwidthMbps

	for _, chk := range checks {
		c.updateIssueLocked(h, chk)
	}

	dispatch := h.Status == StatusUnhealthy || h.Status == StatusCritical
	var pending []int
	if dispatch {
		for i, a := range h.Remediation.Actions {
			if a.ExecutedAt.IsZero() {
				pending = append(pending, i)
			}
		}
	}
	verdict := c.onVerdict
	snapshot := copyHealth(h)
	c.mu.Unlock()

	if verdict != nil {
		verdict(snapshot)
	}
	if len(pending) > 0 {
		c.dispatchActions(ctx, connID, pending)
	}
}

// updateIssueLocked folds one check result into the connection's issue list.
// Caller holds the lock.
func (c *Checker) updateIssueLocked(h *ConnectionHealth, chk CheckResult) {
	kind, desc, actions, suggested := issuePlan(chk.Type)

	if chk.Outcome != OutcomeFail {
		// Resolve any open issue of this kind.
		for i := range h.Issues {
			if h.Issues[i].Kind == kind && !h.Issues[i].Resolved {
				h.Issues[i].Resolved = true
			}
		}
		return
	}

	severity := SeverityMedium
	if exceedsDouble(chk) {
		severity = SeverityHigh
	}

	for i := range h.Issues {
		if h.Issues[i].Kind == kind && !h.Issues[i].Resolved {
			h.Issues[i].Count++
			if severity == SeverityHigh {
				h.Issues[i].Severity = SeverityHigh
			}
			return
		}
	}

	h.Issues = append(h.Issues, Issue{
		Kind:           kind,
		Severity:       severity,
		Description:    desc,
		FirstSeen:      chk.Timestamp,
		Count:          1,
		AutoRemediable: len(actions) > 0,
	})

	for _, s := range suggested {
		h.Remediation.Suggested = appendUnique(h.Remediation.Suggested, s)
	}
	for _, a := range actions {
		h.Remediation.Actions = append(h.Remediation.Actions, AutoAction{
			Type:        a,
			ScheduledAt: chk.Timestamp,
		})
	}
	if severity == SeverityHigh {
		h.Remediation.Actions = append(h.Remediation.Actions, AutoAction{
			Type:        ActionEscalate,
			ScheduledAt: chk.Timestamp,
		})
	}
}

// exceedsDouble reports whether the measured value is past twice the
// threshold (or below half of it, for minimum-type checks).
func exceedsDouble(chk CheckResult) bool {
	switch chk.Type {
	case CheckPing, CheckEcho:
		return chk.Value > chk.Threshold*2
	default:
		return chk.Value < chk.Threshold/2
	}
}

// issuePlan maps a failing check to an issue kind and remediation plan.
func issuePlan(t CheckType) (kind, desc string, actions []ActionType, suggested []string) {
	switch t {
	case CheckPing:
		return "latency", "round-trip latency above threshold",
			[]ActionType{ActionReconnect},
			[]string{"check network path to client", "consider regional failover"}
	case CheckEcho:
		return "jitter", "round-trip jitter above threshold",
			[]ActionType{ActionResetBuffer},
			[]string{"inspect send buffer sizing"}
	case CheckThroughput:
		return "bandwidth", "observed bandwidth below minimum",
			[]ActionType{ActionReduceFrequency},
			[]string{"reduce message frequency for this client"}
	case CheckStability:
		return "instability", "connection stability below minimum",
			[]ActionType{ActionReconnect},
			[]string{"review client reconnect behavior"}
	default:
		return string(t), "check failed", nil, nil
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// dispatchActions executes the pending auto-actions at the given indexes.
// Already-executed actions were filtered out under the lock, so dispatch is
// idempotent across cycles.
func (c *Checker) dispatchActions(ctx context.Context, connID string, indexes []int) {
	if c.exec == nil {
		return
	}

	for _, idx := range indexes {
		c.mu.Lock()
		h, ok := c.conns[connID]
		if !ok || idx >= len(h.Remediation.Actions) {
			c.mu.Unlock()
			return
		}
		action := h.Remediation.Actions[idx]
		if !action.ExecutedAt.IsZero() {
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		err := c.execute(ctx, connID, action.Type)

		c.mu.Lock()
		if h, ok := c.conns[connID]; ok && idx < len(h.Remediation.Actions) {
			h.Remediation.Actions[idx].ExecutedAt = time.Now()
			if err != nil {
				h.Remediation.Actions[idx].Result = err.Error()
			} else {
				h.Remediation.Actions[idx].Result = "ok"
			}
		}
		c.mu.Unlock()

		if err != nil {
			logging.Warn("auto-remediation action failed",
				zap.String("connection", connID),
				zap.String("action", string(action.Type)),
				zap.Error(err))
		} else {
			logging.Info("auto-remediation action executed",
				zap.String("connection", connID),
				zap.String("action", string(action.Type)))
		}
	}
}

// execute runs one action. Reconnects are paced with exponential backoff
// since the transport may still be flapping.
func (c *Checker) execute(ctx context.Context, connID string, action ActionType) error {
	if action != ActionReconnect {
		return c.exec.Execute(ctx, connID, action)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
		ctx,
	)
	return backoff.Retry(func() error {
		return c.exec.Execute(ctx, connID, action)
	}, bo)
}

// PruneStale removes connections not seen within the given age, at most
// batch entries per call so a sweep never holds the lock for long. Returns
// the number removed.
func (c *Checker) PruneStale(age time.Duration, batch int) int {
	if batch <= 0 {
		batch = 100
	}
	cutoff := time.Now().Add(-age)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, h := range c.conns {
		if removed >= batch {
			break
		}
		if h.LastSeen.Before(cutoff) {
			delete(c.conns, id)
			removed++
		}
	}
	return removed
}

func copyHealth(h *ConnectionHealth) ConnectionHealth {
	out := *h
	out.Checks = append([]CheckResult(nil), h.Checks...)
	out.Issues = append([]Issue(nil), h.Issues...)
	out.Remediation = Remediation{
		Suggested: append([]string(nil), h.Remediation.Suggested...),
		Actions:   append([]AutoAction(nil), h.Remediation.Actions...),
	}
	return out
}
