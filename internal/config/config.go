package config

import (
	"time"
)

// Config represents the complete engine configuration
type Config struct {
	Collection  CollectionConfig  `yaml:"collection"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Breakers    BreakersConfig    `yaml:"breakers"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	LoadTest    LoadTestConfig    `yaml:"load_test"`
	Retention   RetentionConfig   `yaml:"retention"`
	Admin       AdminConfig       `yaml:"admin"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CollectionConfig controls the metrics collection tick and history bounds.
type CollectionConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxSnapshots      int           `yaml:"max_snapshots"`
	MaxLatencySamples int           `yaml:"max_latency_samples"`
}

// HealthCheckConfig controls the per-connection probe battery.
type HealthCheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Workers          int           `yaml:"workers"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	MaxLatency       time.Duration `yaml:"max_latency"`
	MaxJitter        time.Duration `yaml:"max_jitter"`
	MinBandwidthMbps float64       `yaml:"min_bandwidth_mbps"`
	MinStability     float64       `yaml:"min_stability"`
}

// BreakersConfig declares the monitored feature set and per-feature overrides.
type BreakersConfig struct {
	Defaults BreakerConfig            `yaml:"defaults"`
	Features map[string]BreakerConfig `yaml:"features"`
}

// BreakerConfig holds circuit breaker thresholds for one feature.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
	MonitoringWindow  time.Duration `yaml:"monitoring_window"`
}

// AlertingConfig holds static thresholds, auto-scale triggers, custom rules
// and sink settings.
type AlertingConfig struct {
	Thresholds   AlertThresholds `yaml:"thresholds"`
	Triggers     []TriggerConfig `yaml:"triggers"`
	Rules        []RuleConfig    `yaml:"rules"`
	Webhook      WebhookConfig   `yaml:"webhook"`
	RedisChannel string          `yaml:"redis_channel"`
}

// AlertThresholds are the static snapshot alert thresholds.
type AlertThresholds struct {
	LatencyP95   time.Duration `yaml:"latency_p95"`
	ErrorRatePct float64       `yaml:"error_rate_pct"`
	CPUPct       float64       `yaml:"cpu_pct"`
	MemoryMB     float64       `yaml:"memory_mb"`
}

// TriggerConfig defines one auto-scaling trigger.
type TriggerConfig struct {
	Metric       string        `yaml:"metric"` // cpu, memory, connections, latency, error-rate
	Threshold    float64       `yaml:"threshold"`
	SustainedFor time.Duration `yaml:"sustained_for"`
	Action       string        `yaml:"action"` // scale-up, scale-down, alert-only
}

// RuleConfig defines a custom alert rule evaluated against each snapshot.
type RuleConfig struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	Severity   string `yaml:"severity"` // warning or critical
	Message    string `yaml:"message"`
}

// WebhookConfig configures the webhook alert sink.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// LoadTestConfig controls synthetic load test execution and retention.
type LoadTestConfig struct {
	TargetURL  string        `yaml:"target_url"` // websocket endpoint for the default dialer
	MaxResults int           `yaml:"max_results"`
	ResultTTL  time.Duration `yaml:"result_ttl"`
}

// RetentionConfig controls the periodic cleanup sweep.
type RetentionConfig struct {
	Interval             time.Duration `yaml:"interval"`
	StaleConnectionAfter time.Duration `yaml:"stale_connection_after"`
	SweepBatch           int           `yaml:"sweep_batch"`
}

// AdminConfig configures the admin/query HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RedisConfig configures the optional Redis alert sink.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a configuration with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Collection: CollectionConfig{
			Interval:          5 * time.Second,
			MaxSnapshots:      1000,
			MaxLatencySamples: 1000,
		},
		HealthCheck: HealthCheckConfig{
			Interval:         30 * time.Second,
			Workers:          8,
			ProbeTimeout:     5 * time.Second,
			MaxLatency:       250 * time.Millisecond,
			MaxJitter:        50 * time.Millisecond,
			MinBandwidthMbps: 1.0,
			MinStability:     0.8,
		},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				FailureThreshold:  5,
				RecoveryThreshold: 2,
				Timeout:           30 * time.Second,
				MonitoringWindow:  60 * time.Second,
			},
		},
		Alerting: AlertingConfig{
			Thresholds: AlertThresholds{
				LatencyP95:   500 * time.Millisecond,
				ErrorRatePct: 5.0,
				CPUPct:       85.0,
				MemoryMB:     4096,
			},
			Webhook: WebhookConfig{
				Timeout:    5 * time.Second,
				Workers:    4,
				QueueSize:  1000,
				MaxRetries: 3,
			},
		},
		LoadTest: LoadTestConfig{
			MaxResults: 100,
			ResultTTL:  24 * time.Hour,
		},
		Retention: RetentionConfig{
			Interval:             time.Hour,
			StaleConnectionAfter: 24 * time.Hour,
			SweepBatch:           100,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
