package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// BreakerState is 0=closed, 1=open, 2=half-open per feature.
	BreakerState *prometheus.GaugeVec
	// HealthStatus is the number of connections per health status.
	HealthStatus *prometheus.GaugeVec
	// AlertsTotal counts emitted alert events by severity.
	AlertsTotal *prometheus.CounterVec
	// SnapshotsTotal counts collection ticks that produced a snapshot.
	SnapshotsTotal prometheus.Counter
	// OutcomesTotal counts reported outcomes by feature and result.
	OutcomesTotal *prometheus.CounterVec
	// LoadTestsTotal counts finished load tests by final status.
	LoadTestsTotal *prometheus.CounterVec
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetmon_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"feature"}),
		HealthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetmon_connection_health_status",
			Help: "Number of connections by health status",
		}, []string{"status"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetmon_alerts_total",
			Help: "Total alert events emitted",
		}, []string{"severity"}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetmon_snapshots_total",
			Help: "Total metrics snapshots collected",
		}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetmon_outcomes_total",
			Help: "Total reported feature outcomes",
		}, []string{"feature", "result"}),
		LoadTestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetmon_loadtests_total",
			Help: "Total finished load tests by status",
		}, []string{"status"}),
	}
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
