package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/scheduler"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

// Config holds engine tuning and the configuration of every owned
// component
type Config struct {
	TickInterval  time.Duration `yaml:"tick_interval"`  // Scheduling tick
	DegradedAfter int           `yaml:"degraded_after"` // Consecutive failures before status degraded
	MinConfidence float64       `yaml:"min_confidence"` // Detections below this are dropped
	FlushInterval time.Duration `yaml:"flush_interval"` // Session persistence period

	Scheduler   scheduler.Config   `yaml:"scheduler"`
	Tracking    tracking.Config    `yaml:"tracking"`
	Performance performance.Config `yaml:"performance"`
}

// DefaultConfig returns the recommended engine configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:  10 * time.Millisecond,
		DegradedAfter: 5,
		MinConfidence: 0.5,
		FlushInterval: 10 * time.Second,

		Scheduler:   scheduler.DefaultConfig(),
		Tracking:    tracking.DefaultConfig(),
		Performance: performance.DefaultConfig(),
	}
}

// Validate returns every invalid field at once
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval %v must be positive", c.TickInterval))
	}
	if c.DegradedAfter < 1 {
		errs = append(errs, fmt.Errorf("degraded_after %d must be at least 1", c.DegradedAfter))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence %v outside [0,1]", c.MinConfidence))
	}
	if c.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("flush_interval %v must not be negative", c.FlushInterval))
	}
	if err := c.Tracking.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Performance.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
