package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/fleetmon/internal/config"
)

// ErrOpen is returned when a request is short-circuited by an open breaker.
// Callers can match it to apply fallback logic without waiting for a timeout.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Hooks are invoked on state transitions for feature-specific remediation
// (fallback activation, recovery probing, resuming normal routing).
type Hooks struct {
	OnOpen     func(feature string)
	OnHalfOpen func(feature string)
	OnClosed   func(feature string)
}

// Breaker is the failure-isolation state machine for one feature. Failures
// are counted within a sliding monitoring window; rejected requests never
// mutate the failure count.
type Breaker struct {
	feature string
	cfg     config.BreakerConfig
	hooks   Hooks

	mu            sync.Mutex
	state         State
	failureTimes  []time.Time // failures inside the monitoring window
	successStreak int         // consecutive successes while half-open
	halfOpenCount int         // trial requests admitted while half-open
	nextAttempt   time.Time
	lastFailure   time.Time
	lastSuccess   time.Time
	latencySum    time.Duration
	latencyCount  int64

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64

	now          func() time.Time
	onTransition func(feature string, from, to State)
}

// NewBreaker creates a breaker for one feature.
func NewBreaker(feature string, cfg config.BreakerConfig, hooks Hooks) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = 60 * time.Second
	}

	return &Breaker{
		feature: feature,
		cfg:     cfg,
		hooks:   hooks,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Allow checks whether a request for the feature should be attempted.
// Returns ErrOpen when the breaker short-circuits the request.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)
	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		b.totalRejected.Add(1)
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenCount < b.cfg.RecoveryThreshold {
			b.halfOpenCount++
			return nil
		}
		b.totalRejected.Add(1)
		return ErrOpen
	}

	return ErrOpen
}

// Record registers an observed outcome and evaluates transitions. Outcomes
// reported while the breaker is open are counted as rejected and do not
// advance the failure count.
func (b *Breaker) Record(success bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	if b.state == StateOpen {
		b.totalRejected.Add(1)
		return
	}

	now := b.now()
	if latency > 0 {
		b.latencySum += latency
		b.latencyCount++
	}

	if success {
		b.totalSuccesses.Add(1)
		b.lastSuccess = now
		if b.state == StateHalfOpen {
			b.successStreak++
			if b.successStreak >= b.cfg.RecoveryThreshold {
				b.transitionLocked(StateClosed)
			}
		}
		return
	}

	b.totalFailures.Add(1)
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneWindowLocked(now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		// Any failure while half-open immediately reopens.
		b.transitionLocked(StateOpen)
	}
}

// maybeHalfOpenLocked moves an open breaker to half-open once the timeout
// has elapsed. Caller holds the lock.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && !b.now().Before(b.nextAttempt) {
		b.transitionLocked(StateHalfOpen)
	}
}

// pruneWindowLocked drops failures older than the monitoring window.
func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.failureTimes) && b.failureTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failureTimes = append(b.failureTimes[:0], b.failureTimes[i:]...)
	}
}

// transitionLocked applies a state change and fires hooks. Caller holds the
// lock; hooks and the transition callback run outside critical work but
// within the feature's serialization.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
		b.failureTimes = b.failureTimes[:0]
		b.successStreak = 0
		b.halfOpenCount = 0
		if b.hooks.OnOpen != nil {
			b.hooks.OnOpen(b.feature)
		}
	case StateHalfOpen:
		b.successStreak = 0
		b.halfOpenCount = 0
		if b.hooks.OnHalfOpen != nil {
			b.hooks.OnHalfOpen(b.feature)
		}
	case StateClosed:
		b.failureTimes = b.failureTimes[:0]
		b.successStreak = 0
		b.halfOpenCount = 0
		if b.hooks.OnClosed != nil {
			b.hooks.OnClosed(b.feature)
		}
	}

	if b.onTransition != nil {
		b.onTransition(b.feature, from, to)
	}
}

// StateInfo is a point-in-time view of a breaker.
type StateInfo struct {
	Feature           string        `json:"feature"`
	State             string        `json:"state"`
	FailureCount      int           `json:"failure_count"`
	SuccessStreak     int           `json:"success_streak"`
	FailureThreshold  int           `json:"failure_threshold"`
	RecoveryThreshold int           `json:"recovery_threshold"`
	Timeout           time.Duration `json:"timeout"`
	MonitoringWindow  time.Duration `json:"monitoring_window"`
	TotalRequests     int64         `json:"total_requests"`
	TotalSuccesses    int64         `json:"total_successes"`
	TotalFailures     int64         `json:"total_failures"`
	TotalRejected     int64         `json:"total_rejected"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	LastFailure       time.Time     `json:"last_failure,omitempty"`
	LastSuccess       time.Time     `json:"last_success,omitempty"`
	NextAttempt       *time.Time    `json:"next_attempt,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() StateInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := StateInfo{
		Feature:           b.feature,
		State:             b.state.String(),
		FailureCount:      len(b.failureTimes),
		SuccessStreak:     b.successStreak,
		FailureThreshold:  b.cfg.FailureThreshold,
		RecoveryThreshold: b.cfg.RecoveryThreshold,
		Timeout:           b.cfg.Timeout,
		MonitoringWindow:  b.cfg.MonitoringWindow,
		TotalRequests:     b.totalRequests.Load(),
		TotalSuccesses:    b.totalSuccesses.Load(),
		TotalFailures:     b.totalFailures.Load(),
		TotalRejected:     b.totalRejected.Load(),
		LastFailure:       b.lastFailure,
		LastSuccess:       b.lastSuccess,
	}
	if b.latencyCount > 0 {
		info.AvgResponseTime = b.latencySum / time.Duration(b.latencyCount)
	}
	if b.state == StateOpen {
		next := b.nextAttempt
		info.NextAttempt = &next
	}
	return info
}

// CurrentState returns the breaker's state, applying the open to half-open
// transition if the timeout has elapsed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}
