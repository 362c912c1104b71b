package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validTriggerMetrics contains the metric names a trigger may reference.
var validTriggerMetrics = map[string]bool{
	"cpu": true, "memory": true, "connections": true,
	"latency": true, "error-rate": true,
}

// validTriggerActions contains the actions a trigger may take.
var validTriggerActions = map[string]bool{
	"scale-up": true, "scale-down": true, "alert-only": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors. Invalid thresholds and durations
// are rejected here so they can never surface at runtime.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Collection.Interval <= 0 {
		return fmt.Errorf("collection.interval must be positive")
	}
	if cfg.Collection.MaxSnapshots <= 0 {
		return fmt.Errorf("collection.max_snapshots must be positive")
	}
	if cfg.Collection.MaxLatencySamples <= 0 {
		return fmt.Errorf("collection.max_latency_samples must be positive")
	}

	if cfg.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive")
	}
	if cfg.HealthCheck.Workers <= 0 {
		return fmt.Errorf("health_check.workers must be positive")
	}
	if cfg.HealthCheck.MaxLatency <= 0 {
		return fmt.Errorf("health_check.max_latency must be positive")
	}
	if cfg.HealthCheck.MaxJitter <= 0 {
		return fmt.Errorf("health_check.max_jitter must be positive")
	}
	if cfg.HealthCheck.MinBandwidthMbps <= 0 {
		return fmt.Errorf("health_check.min_bandwidth_mbps must be positive")
	}
	if cfg.HealthCheck.MinStability <= 0 || cfg.HealthCheck.MinStability > 1 {
		return fmt.Errorf("health_check.min_stability must be in (0, 1]")
	}

	if err := validateBreaker("breakers.defaults", cfg.Breakers.Defaults); err != nil {
		return err
	}
	for feature, bc := range cfg.Breakers.Features {
		merged := mergeBreaker(cfg.Breakers.Defaults, bc)
		if err := validateBreaker("breakers.features."+feature, merged); err != nil {
			return err
		}
	}

	if cfg.Alerting.Thresholds.LatencyP95 <= 0 {
		return fmt.Errorf("alerting.thresholds.latency_p95 must be positive")
	}
	if cfg.Alerting.Thresholds.ErrorRatePct <= 0 {
		return fmt.Errorf("alerting.thresholds.error_rate_pct must be positive")
	}
	if cfg.Alerting.Thresholds.CPUPct <= 0 || cfg.Alerting.Thresholds.CPUPct > 100 {
		return fmt.Errorf("alerting.thresholds.cpu_pct must be in (0, 100]")
	}
	if cfg.Alerting.Thresholds.MemoryMB <= 0 {
		return fmt.Errorf("alerting.thresholds.memory_mb must be positive")
	}

	for i, tr := range cfg.Alerting.Triggers {
		if !validTriggerMetrics[tr.Metric] {
			return fmt.Errorf("triggers[%d]: unknown metric %q", i, tr.Metric)
		}
		if !validTriggerActions[tr.Action] {
			return fmt.Errorf("triggers[%d]: unknown action %q", i, tr.Action)
		}
		if tr.Threshold <= 0 {
			return fmt.Errorf("triggers[%d]: threshold must be positive", i)
		}
		if tr.SustainedFor <= 0 {
			return fmt.Errorf("triggers[%d]: sustained_for must be positive", i)
		}
	}

	for i, r := range cfg.Alerting.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if r.Expression == "" {
			return fmt.Errorf("rules[%d]: expression is required", i)
		}
		if r.Severity != "" && r.Severity != "warning" && r.Severity != "critical" {
			return fmt.Errorf("rules[%d]: severity must be warning or critical", i)
		}
	}

	if cfg.LoadTest.MaxResults <= 0 {
		return fmt.Errorf("load_test.max_results must be positive")
	}
	if cfg.LoadTest.ResultTTL <= 0 {
		return fmt.Errorf("load_test.result_ttl must be positive")
	}

	if cfg.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	if cfg.Retention.StaleConnectionAfter <= 0 {
		return fmt.Errorf("retention.stale_connection_after must be positive")
	}
	if cfg.Retention.SweepBatch <= 0 {
		return fmt.Errorf("retention.sweep_batch must be positive")
	}

	if cfg.Redis.Enabled && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}

	return nil
}

func validateBreaker(path string, bc BreakerConfig) error {
	if bc.FailureThreshold <= 0 {
		return fmt.Errorf("%s.failure_threshold must be positive", path)
	}
	if bc.RecoveryThreshold <= 0 {
		return fmt.Errorf("%s.recovery_threshold must be positive", path)
	}
	if bc.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive", path)
	}
	if bc.MonitoringWindow <= 0 {
		return fmt.Errorf("%s.monitoring_window must be positive", path)
	}
	return nil
}

// mergeBreaker overlays per-feature settings onto defaults; zero values fall
// back to the default.
func mergeBreaker(def, over BreakerConfig) BreakerConfig {
	out := def
	if over.FailureThreshold > 0 {
		out.FailureThreshold = over.FailureThreshold
	}
	if over.RecoveryThreshold > 0 {
		out.RecoveryThreshold = over.RecoveryThreshold
	}
	if over.Timeout > 0 {
		out.Timeout = over.Timeout
	}
	if over.MonitoringWindow > 0 {
		out.MonitoringWindow = over.MonitoringWindow
	}
	return out
}

// MergedBreaker resolves the effective breaker config for a feature.
func (c *Config) MergedBreaker(feature string) BreakerConfig {
	if over, ok := c.Breakers.Features[feature]; ok {
		return mergeBreaker(c.Breakers.Defaults, over)
	}
	return c.Breakers.Defaults
}
