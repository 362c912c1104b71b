package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/fleetmon/internal/alerting"
	"github.com/example/fleetmon/internal/circuitbreaker"
	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/health"
	"github.com/example/fleetmon/internal/loadtest"
	"github.com/example/fleetmon/internal/logging"
	"github.com/example/fleetmon/internal/metrics"
	"go.uber.org/zap"
)

// Options carries the injected collaborators. All shared state (breaker map,
// health map, snapshot history) is owned by the engine's components; nothing
// is an ambient singleton.
type Options struct {
	Config *config.Config

	// Transport-layer sources and collaborators.
	ConnSource     collector.ConnectionSource
	ResourceSource collector.ResourceSource
	FeatureSource  collector.FeatureSource
	Prober         health.Prober
	Executor       health.ActionExecutor
	Dialer         loadtest.Dialer

	// Sink overrides the sink built from configuration when set.
	Sink alerting.Sink
	// Scale receives fired auto-scaling actions.
	Scale alerting.ScaleFunc
	// BreakerHooks attach per-feature transition remediation.
	BreakerHooks map[string]circuitbreaker.Hooks

	Clock Clock
}

// Engine is the connection fleet health and resilience engine: it schedules
// collection, health checks, alert evaluation and retention cleanup, and
// exposes the ingest/query/control surface.
type Engine struct {
	cfg   *config.Config
	clock Clock

	collector *collector.Collector
	checker   *health.Checker
	breakers  *circuitbreaker.Registry
	loadtests *loadtest.Runner
	evaluator *alerting.Evaluator
	metrics   *metrics.Metrics
	sink      alerting.Sink

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the engine from configuration and injected collaborators.
// Configuration problems are rejected here, never at runtime.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := opts.Config

	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}

	m := metrics.New()

	sink := opts.Sink
	if sink == nil {
		sink = buildSink(cfg)
	}
	sink = &countingSink{inner: sink, metrics: m}

	evaluator, err := alerting.NewEvaluator(cfg.Alerting, sink, opts.Scale)
	if err != nil {
		return nil, err
	}

	features := make(map[string]config.BreakerConfig, len(cfg.Breakers.Features))
	for feature := range cfg.Breakers.Features {
		features[feature] = cfg.MergedBreaker(feature)
	}
	registry := circuitbreaker.NewRegistry(features, sink, opts.BreakerHooks,
		func(feature string, state circuitbreaker.State) {
			m.BreakerState.WithLabelValues(feature).Set(float64(state))
		})

	col := collector.New(cfg.Collection, opts.ConnSource, opts.ResourceSource, opts.FeatureSource)
	checker := health.NewChecker(cfg.HealthCheck, opts.Prober, opts.Executor)

	dialer := opts.Dialer
	if dialer == nil && cfg.LoadTest.TargetURL != "" {
		dialer = loadtest.NewWebsocketDialer(cfg.LoadTest.TargetURL)
	}
	runner := loadtest.NewRunner(cfg.LoadTest, dialer, opts.ResourceSource, registry.RecordOutcome)
	runner.OnFinish(func(res *loadtest.Result) {
		m.LoadTestsTotal.WithLabelValues(string(res.Status)).Inc()
	})

	return &Engine{
		cfg:       cfg,
		clock:     clock,
		collector: col,
		checker:   checker,
		breakers:  registry,
		loadtests: runner,
		evaluator: evaluator,
		metrics:   m,
		sink:      sink,
	}, nil
}

// buildSink assembles the alert sink from configuration: always the log,
// plus webhook and Redis when configured.
func buildSink(cfg *config.Config) alerting.Sink {
	sinks := alerting.MultiSink{alerting.LogSink{}}
	if cfg.Alerting.Webhook.URL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(cfg.Alerting.Webhook))
	}
	if cfg.Redis.Enabled {
		sinks = append(sinks, alerting.NewRedisSink(cfg.Redis, cfg.Alerting.RedisChannel))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sinks
}

// countingSink mirrors every event into the alert counter.
type countingSink struct {
	inner   alerting.Sink
	metrics *metrics.Metrics
}

func (s *countingSink) Emit(ev alerting.Event) {
	s.metrics.AlertsTotal.WithLabelValues(string(ev.Severity)).Inc()
	s.inner.Emit(ev)
}

// Start launches the periodic tasks. Each loop has its own ticker so a slow
// health-check cycle never delays metrics collection.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine is already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(3)
	go e.collectLoop(ctx)
	go e.healthLoop(ctx)
	go e.cleanupLoop(ctx)

	logging.Info("engine started",
		zap.Duration("collect_interval", e.cfg.Collection.Interval),
		zap.Duration("health_interval", e.cfg.HealthCheck.Interval),
		zap.Int("features", len(e.breakers.Features())))
	return nil
}

// Stop cancels the periodic tasks and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	logging.Info("engine stopped")
}

func (e *Engine) collectLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.Collection.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.tickCollect(ctx)
		}
	}
}

// tickCollect runs one collection and evaluates alerts on the fresh
// snapshot. A tick that overlaps a still-running collection is skipped.
func (e *Engine) tickCollect(ctx context.Context) {
	snap, ok := e.collector.TryCollect(ctx)
	if !ok {
		return
	}
	e.metrics.SnapshotsTotal.Inc()
	e.evaluator.Evaluate(snap)
}

func (e *Engine) healthLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.HealthCheck.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.checker.RunChecks(ctx)
			e.publishHealthCounts()
		}
	}
}

// publishHealthCounts refreshes the per-status connection gauges.
func (e *Engine) publishHealthCounts() {
	counts := map[health.Status]int{
		health.StatusHealthy:   0,
		health.StatusDegraded:  0,
		health.StatusUnhealthy: 0,
		health.StatusCritical:  0,
	}
	for _, h := range e.checker.All() {
		counts[h.Status]++
	}
	for status, n := range counts {
		e.metrics.HealthStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.runCleanup(ctx)
		}
	}
}

// runCleanup prunes stale connection-health entries in small batches so the
// sweep never holds a lock for its full duration. Snapshot history and
// load-test results are bounded by their own ring and TTL cache.
func (e *Engine) runCleanup(ctx context.Context) {
	total := 0
	for {
		if ctx.Err() != nil {
			return
		}
		removed := e.checker.PruneStale(e.cfg.Retention.StaleConnectionAfter, e.cfg.Retention.SweepBatch)
		total += removed
		if removed < e.cfg.Retention.SweepBatch {
			break
		}
	}
	if total > 0 {
		logging.Info("retention cleanup pruned stale connections", zap.Int("removed", total))
	}
}

// ReportOutcome ingests an observed success/failure for a feature. Cheap and
// lock-scoped per feature; fire-and-forget from the transport's perspective.
func (e *Engine) ReportOutcome(feature string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	e.metrics.OutcomesTotal.WithLabelValues(feature, result).Inc()
	e.breakers.RecordOutcome(feature, success, latency)
}

// Allow reports whether a request for the feature should be attempted, or
// circuitbreaker.ErrOpen when it is short-circuited.
func (e *Engine) Allow(feature string) error {
	return e.breakers.Allow(feature)
}

// ReportConnectionEvent ingests a connection lifecycle event.
func (e *Engine) ReportConnectionEvent(connID, tenantID, event string) {
	switch event {
	case "connect":
		e.checker.Track(connID, tenantID)
	case "disconnect":
		e.checker.Untrack(connID)
	default:
		e.checker.ObserveEvent(connID, event)
	}
}

// CurrentSnapshot returns the latest snapshot, or nil before the first tick.
func (e *Engine) CurrentSnapshot() *collector.Snapshot {
	return e.collector.Latest()
}

// SnapshotHistory returns retained snapshots newer than the given age.
func (e *Engine) SnapshotHistory(age time.Duration) []*collector.Snapshot {
	return e.collector.History(age)
}

// ConnectionHealth returns one connection's health record.
func (e *Engine) ConnectionHealth(connID string) (health.ConnectionHealth, bool) {
	return e.checker.Get(connID)
}

// AllConnectionHealth returns every tracked connection's health record.
func (e *Engine) AllConnectionHealth() []health.ConnectionHealth {
	return e.checker.All()
}

// BreakerStates returns point-in-time views of all feature breakers.
func (e *Engine) BreakerStates() map[string]circuitbreaker.StateInfo {
	return e.breakers.States()
}

// StartLoadTest launches a load test asynchronously and returns its ID.
func (e *Engine) StartLoadTest(cfg loadtest.Config) (string, error) {
	return e.loadtests.Start(cfg)
}

// CancelLoadTest stops a running load test.
func (e *Engine) CancelLoadTest(id string) error {
	return e.loadtests.Cancel(id)
}

// LoadTestResult returns the result of one load test.
func (e *Engine) LoadTestResult(id string) (*loadtest.Result, error) {
	return e.loadtests.Get(id)
}

// LoadTestResults returns all known load test results.
func (e *Engine) LoadTestResults() []*loadtest.Result {
	return e.loadtests.List()
}

// ApplyAlertingConfig hot-swaps alert thresholds, triggers and rules.
func (e *Engine) ApplyAlertingConfig(cfg *config.Config) error {
	return e.evaluator.Reload(cfg.Alerting)
}

// Metrics exposes the Prometheus collectors for the admin server.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}
