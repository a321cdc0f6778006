package fleetjobs

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// LockSlots is the number of fair slots per lock class.
	LockSlots int `yaml:"lock_slots"`

	// StepTimeout is applied to a dispatched step when the step's
	// "timeout" property is absent.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// DispatchConcurrency caps how many targets are dispatched in parallel
	// when an execution starts.
	DispatchConcurrency int `yaml:"dispatch_concurrency"`

	// DispatchRetries is how many times a failed send is retried before the
	// target is marked failed. Zero disables retries.
	DispatchRetries int `yaml:"dispatch_retries"`

	// DispatchRateLimit is the per-scope request rate (requests/second).
	// Zero means unlimited.
	DispatchRateLimit float64 `yaml:"dispatch_rate_limit"`

	// DispatchRateBurst is the per-scope burst size.
	DispatchRateBurst int `yaml:"dispatch_rate_burst"`

	// TickInterval is how often the trigger scheduler looks for due triggers.
	TickInterval time.Duration `yaml:"tick_interval"`

	// FiredTriggerRetention is how long fired-trigger records are kept.
	// Zero keeps them forever.
	FiredTriggerRetention time.Duration `yaml:"fired_trigger_retention"`

	// ShutdownTimeout is the maximum time to wait for in-flight device
	// event handlers during shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockSlots:             128,
		StepTimeout:           30 * time.Second,
		DispatchConcurrency:   16,
		DispatchRetries:       0,
		TickInterval:          1 * time.Second,
		FiredTriggerRetention: 7 * 24 * time.Hour,
		ShutdownTimeout:       30 * time.Second,
	}
}

// LoadConfig decodes a YAML document over DefaultConfig. Durations are
// written as Go duration strings ("30s", "5m").
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("fleetjobs: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.LockSlots <= 0:
		return fmt.Errorf("fleetjobs: lock_slots must be positive, got %d", c.LockSlots)
	case c.StepTimeout <= 0:
		return fmt.Errorf("fleetjobs: step_timeout must be positive, got %s", c.StepTimeout)
	case c.DispatchConcurrency <= 0:
		return fmt.Errorf("fleetjobs: dispatch_concurrency must be positive, got %d", c.DispatchConcurrency)
	case c.DispatchRetries < 0:
		return fmt.Errorf("fleetjobs: dispatch_retries must not be negative, got %d", c.DispatchRetries)
	case c.DispatchRateLimit < 0:
		return fmt.Errorf("fleetjobs: dispatch_rate_limit must not be negative, got %v", c.DispatchRateLimit)
	case c.TickInterval <= 0:
		return fmt.Errorf("fleetjobs: tick_interval must be positive, got %s", c.TickInterval)
	}
	return nil
}
