package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when no run exists for the given ID.
var ErrNotFound = errors.New("load test not found")

// ErrNotRunning is returned when cancelling a run that already finished.
var ErrNotRunning = errors.New("load test is not running")

// ErrAlreadyRunning is returned when a run with the same ID is active.
var ErrAlreadyRunning = errors.New("load test is already running")

// ErrNoDialer is returned when no synthetic dialer is configured.
var ErrNoDialer = errors.New("no load test dialer is configured")

// Observer receives synthetic traffic outcomes. Wired to the circuit
// breaker registry only for runs that opt in via FeedBreakers.
type Observer func(feature string, success bool, latency time.Duration)

// sendWorkers bounds concurrent sends within one dispatch tick.
const sendWorkers = 16

// run is one in-flight load test.
type run struct {
	cancel    context.CancelFunc
	mu        sync.Mutex
	result    *Result
	latencies []time.Duration
}

// Runner executes load tests as isolated, cancellable tasks and retains
// completed results for a bounded window.
type Runner struct {
	dialer  Dialer
	res     collector.ResourceSource // optional, for peak sampling
	observe Observer                 // optional breaker feed

	mu        sync.Mutex
	active    map[string]*run
	completed *expirable.LRU[string, *Result]
	onFinish  func(*Result)
}

// OnFinish registers a callback invoked with the final result of every run.
func (r *Runner) OnFinish(fn func(*Result)) {
	r.mu.Lock()
	r.onFinish = fn
	r.mu.Unlock()
}

// NewRunner creates a load test runner. Completed results expire after the
// configured TTL or when the retention cap is exceeded.
func NewRunner(cfg config.LoadTestConfig, dialer Dialer, res collector.ResourceSource, observe Observer) *Runner {
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}
	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Runner{
		dialer:    dialer,
		res:       res,
		observe:   observe,
		active:    make(map[string]*run),
		completed: expirable.NewLRU[string, *Result](maxResults, nil, ttl),
	}
}

// Start validates the configuration and launches the test asynchronously,
// returning its ID immediately.
func (r *Runner) Start(cfg Config) (string, error) {
	if r.dialer == nil {
		return "", ErrNoDialer
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if _, exists := r.active[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("load test %s: %w", id, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		cancel: cancel,
		result: &Result{
			ID:        id,
			Status:    StatusPending,
			StartedAt: time.Now(),
			Scenarios: append([]Scenario(nil), cfg.Scenarios...),
		},
	}
	r.active[id] = rn
	r.mu.Unlock()

	logging.Info("load test starting",
		zap.String("id", id), zap.Int("phases", len(cfg.Phases)))

	go r.execute(ctx, cfg, rn)
	return id, nil
}

// Cancel stops a running test. Its synthetic connections are closed and the
// result is marked cancelled.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	rn, ok := r.active[id]
	r.mu.Unlock()

	if !ok {
		if _, done := r.completed.Get(id); done {
			return ErrNotRunning
		}
		return ErrNotFound
	}
	rn.cancel()
	return nil
}

// Get returns a point-in-time copy of a run's result.
func (r *Runner) Get(id string) (*Result, error) {
	r.mu.Lock()
	rn, ok := r.active[id]
	r.mu.Unlock()

	if ok {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		return copyResult(rn.result), nil
	}

	if res, done := r.completed.Get(id); done {
		return copyResult(res), nil
	}
	return nil, ErrNotFound
}

// List returns copies of all known results, running first.
func (r *Runner) List() []*Result {
	r.mu.Lock()
	out := make([]*Result, 0, len(r.active))
	for _, rn := range r.active {
		rn.mu.Lock()
		out = append(out, copyResult(rn.result))
		rn.mu.Unlock()
	}
	r.mu.Unlock()

	for _, res := range r.completed.Values() {
		out = append(out, copyResult(res))
	}
	return out
}

// execute runs every phase in order, fail-fast, then finalizes the result.
func (r *Runner) execute(ctx context.Context, cfg Config, rn *run) {
	rn.mu.Lock()
	rn.result.Status = StatusRunning
	rn.mu.Unlock()

	phaseErr := r.runPhases(ctx, cfg, rn)

	rn.mu.Lock()
	rn.result.Phase = ""
	rn.result.CompletedAt = time.Now()
	rn.result.Latency = summarizeLatency(rn.latencies)

	switch {
	case phaseErr == nil:
		rn.result.Status = StatusCompleted
		rn.result.evaluate(cfg.Thresholds)
	case errors.Is(phaseErr, context.Canceled):
		rn.result.Status = StatusCancelled
	default:
		// Fail fast: remaining phases were skipped, partial counters are
		// preserved for diagnostics.
		rn.result.Status = StatusFailed
		rn.result.Error = phaseErr.Error()
	}
	final := copyResult(rn.result)
	rn.mu.Unlock()

	r.mu.Lock()
	delete(r.active, final.ID)
	onFinish := r.onFinish
	r.mu.Unlock()
	r.completed.Add(final.ID, final)

	if onFinish != nil {
		onFinish(final)
	}

	logging.Info("load test finished",
		zap.String("id", final.ID),
		zap.String("status", string(final.Status)),
		zap.Bool("passed", final.Passed))
}

// runPhases executes the phases in order, fail-fast. A panic from a Dialer or
// Conn implementation is contained here and fails the run instead of
// crashing the process.
func (r *Runner) runPhases(ctx context.Context, cfg Config, rn *run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("load test panicked",
				zap.String("id", rn.result.ID), zap.Any("panic", rec))
			err = fmt.Errorf("load test panicked: %v", rec)
		}
	}()

	for _, phase := range cfg.Phases {
		rn.mu.Lock()
		rn.result.Phase = phase.Name
		rn.mu.Unlock()

		if err := r.runPhase(ctx, cfg, phase, rn); err != nil {
			return err
		}
	}
	return nil
}

// runPhase opens the phase's synthetic connections at the configured ramp
// rate, dispatches messages once per second for the phase duration, then
// closes every connection before returning.
func (r *Runner) runPhase(ctx context.Context, cfg Config, phase Phase, rn *run) error {
	payload := make([]byte, phase.MessageSize)
	for i := range payload {
		payload[i] = 'x'
	}

	var conns []Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	// Ramp-up: targetConnections / rampUpTime per second.
	limit := rate.Inf
	if phase.RampUp > 0 {
		limit = rate.Limit(float64(phase.TargetConnections) / phase.RampUp.Seconds())
	}
	limiter := rate.NewLimiter(limit, 1)

	for i := 0; i < phase.TargetConnections; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		start := time.Now()
		conn, err := r.dialer.Dial(ctx, uuid.NewString())
		dialLatency := time.Since(start)

		rn.mu.Lock()
		rn.result.Summary.ConnectionsAttempted++
		if err != nil {
			rn.result.Summary.ConnectionsFailed++
		} else {
			conns = append(conns, conn)
			if len(conns) > rn.result.Peaks.Connections {
				rn.result.Peaks.Connections = len(conns)
			}
		}
		rn.mu.Unlock()

		if cfg.FeedBreakers && r.observe != nil {
			r.observe(cfg.Feature, err == nil, dialLatency)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	timer := time.NewTimer(phase.Duration)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			r.dispatch(ctx, cfg, phase, conns, payload, rn)
			r.samplePeaks(rn)
		}
	}
}

// dispatch sends the per-second message batch from every open connection.
func (r *Runner) dispatch(ctx context.Context, cfg Config, phase Phase, conns []Conn, payload []byte, rn *run) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(sendWorkers)

	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			for j := 0; j < phase.MessagesPerConnection; j++ {
				// Cancellation must not wait out a large batch.
				if ctx.Err() != nil {
					return nil
				}
				start := time.Now()
				err := conn.Send(payload)
				latency := time.Since(start)

				rn.mu.Lock()
				if err != nil {
					rn.result.Summary.MessagesFailed++
				} else {
					rn.result.Summary.MessagesSent++
					rn.result.Summary.BytesSent += int64(len(payload))
					rn.latencies = append(rn.latencies, latency)
					if latency > rn.result.Peaks.SendLatency {
						rn.result.Peaks.SendLatency = latency
					}
				}
				rn.mu.Unlock()

				if cfg.FeedBreakers && r.observe != nil {
					r.observe(cfg.Feature, err == nil, latency)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// samplePeaks folds current resource gauges into the result's peak fields.
func (r *Runner) samplePeaks(rn *run) {
	if r.res == nil {
		return
	}
	res, err := r.res.Resources()
	if err != nil {
		return
	}

	rn.mu.Lock()
	if res.CPUPct > rn.result.Peaks.CPUPct {
		rn.result.Peaks.CPUPct = res.CPUPct
	}
	if res.MemoryMB > rn.result.Peaks.MemoryMB {
		rn.result.Peaks.MemoryMB = res.MemoryMB
	}
	rn.mu.Unlock()
}
