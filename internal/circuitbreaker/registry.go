package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/fleetmon/internal/alerting"
	"github.com/example/fleetmon/internal/config"
	"github.com/example/fleetmon/internal/logging"
	"go.uber.org/zap"
)

// Registry holds one breaker per monitored feature. The feature set is fixed
// at construction; breakers live for the lifetime of the engine. Outcomes
// for different features never contend with each other.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	sink     alerting.Sink
	onState  func(feature string, state State)
}

// NewRegistry creates breakers for each known feature. The sink receives an
// alert event on every transition; onState (optional) mirrors state changes
// into instrumentation.
func NewRegistry(features map[string]config.BreakerConfig, sink alerting.Sink, hooks map[string]Hooks, onState func(feature string, state State)) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker, len(features)),
		sink:     sink,
		onState:  onState,
	}

	for feature, cfg := range features {
		b := NewBreaker(feature, cfg, hooks[feature])
		b.onTransition = r.transitioned
		r.breakers[feature] = b
	}

	return r
}

// transitioned emits an alert and updates instrumentation on any breaker
// state change.
func (r *Registry) transitioned(feature string, from, to State) {
	severity := alerting.SeverityWarning
	if to == StateOpen {
		severity = alerting.SeverityCritical
	}

	if r.sink != nil {
		r.sink.Emit(alerting.Event{
			Type:      "circuit_breaker",
			Severity:  severity,
			Message:   fmt.Sprintf("breaker for feature %q: %s -> %s", feature, from, to),
			Timestamp: time.Now(),
		})
	}
	if r.onState != nil {
		r.onState(feature, to)
	}

	logging.Info("circuit breaker transition",
		zap.String("feature", feature),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// RecordOutcome registers an observed success or failure for a feature.
// Atomic per feature; fire-and-forget for callers.
func (r *Registry) RecordOutcome(feature string, success bool, latency time.Duration) {
	b := r.get(feature)
	if b == nil {
		logging.Debug("outcome for unmonitored feature", zap.String("feature", feature))
		return
	}
	b.Record(success, latency)
}

// Allow reports whether a request for the feature should be attempted.
// Returns ErrOpen when the breaker short-circuits it. Unmonitored features
// are always allowed.
func (r *Registry) Allow(feature string) error {
	b := r.get(feature)
	if b == nil {
		return nil
	}
	return b.Allow()
}

// Get returns the breaker for a feature, or nil.
func (r *Registry) Get(feature string) *Breaker {
	return r.get(feature)
}

func (r *Registry) get(feature string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[feature]
}

// States returns point-in-time views of all breakers.
func (r *Registry) States() map[string]StateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]StateInfo, len(r.breakers))
	for feature, b := range r.breakers {
		out[feature] = b.Snapshot()
	}
	return out
}

// Features returns the monitored feature names.
func (r *Registry) Features() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.breakers))
	for feature := range r.breakers {
		out = append(out, feature)
	}
	return out
}
