package loadtest

import (
	"fmt"
	"time"
)

// Phase is one timed stage of a synthetic test with its own target
// concurrency and message pattern.
type Phase struct {
	Name                  string        `json:"name" yaml:"name"`
	TargetConnections     int           `json:"target_connections" yaml:"target_connections"`
	RampUp                time.Duration `json:"ramp_up" yaml:"ramp_up"`
	Duration              time.Duration `json:"duration" yaml:"duration"`
	MessagesPerConnection int           `json:"messages_per_connection" yaml:"messages_per_connection"`
	MessageSize           int           `json:"message_size" yaml:"message_size"`
}

// Scenario is a weighted behavior pattern for synthetic clients.
type Scenario struct {
	Name              string `json:"name" yaml:"name"`
	Weight            int    `json:"weight" yaml:"weight"`
	ConnectPattern    string `json:"connect_pattern" yaml:"connect_pattern"`
	MessagePattern    string `json:"message_pattern" yaml:"message_pattern"`
	DisconnectPattern string `json:"disconnect_pattern" yaml:"disconnect_pattern"`
}

// Thresholds are the pass/fail criteria evaluated after all phases.
type Thresholds struct {
	MaxLatency        time.Duration `json:"max_latency" yaml:"max_latency"`
	MaxErrorRatePct   float64       `json:"max_error_rate_pct" yaml:"max_error_rate_pct"`
	MinThroughputMsgs float64       `json:"min_throughput_msgs" yaml:"min_throughput_msgs"`
	MaxCPUPct         float64       `json:"max_cpu_pct" yaml:"max_cpu_pct"`
	MaxMemoryMB       float64       `json:"max_memory_mb" yaml:"max_memory_mb"`
}

// Config defines one load test run.
type Config struct {
	ID     string  `json:"id,omitempty" yaml:"id"`
	Phases []Phase `json:"phases" yaml:"phases"`

	// Scenarios annotate the run and are carried on the result for operator
	// context; execution is driven by the phases alone.
	Scenarios  []Scenario `json:"scenarios,omitempty" yaml:"scenarios"`
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`

	// FeedBreakers opts synthetic outcomes into the production circuit
	// breaker path. Off by default so a test run cannot trip production
	// breakers.
	FeedBreakers bool `json:"feed_breakers,omitempty" yaml:"feed_breakers"`

	// Feature labels outcomes when FeedBreakers is set.
	Feature string `json:"feature,omitempty" yaml:"feature"`
}

// Validate rejects invalid test definitions at submission time.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	for i, p := range c.Phases {
		if p.TargetConnections <= 0 {
			return fmt.Errorf("phase %d: target_connections must be positive", i)
		}
		if p.RampUp < 0 {
			return fmt.Errorf("phase %d: ramp_up must not be negative", i)
		}
		if p.Duration <= 0 {
			return fmt.Errorf("phase %d: duration must be positive", i)
		}
		if p.MessagesPerConnection < 0 {
			return fmt.Errorf("phase %d: messages_per_connection must not be negative", i)
		}
		if p.MessageSize <= 0 {
			return fmt.Errorf("phase %d: message_size must be positive", i)
		}
	}
	for i, s := range c.Scenarios {
		if s.Weight <= 0 {
			return fmt.Errorf("scenario %d: weight must be positive", i)
		}
	}
	if c.FeedBreakers && c.Feature == "" {
		return fmt.Errorf("feature is required when feed_breakers is set")
	}
	return nil
}
