package performance

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Config holds the optimizer thresholds
type Config struct {
	WindowSize        int     `yaml:"window_size"`         // Samples per tumbling window
	DegradeRatio      float64 `yaml:"degrade_ratio"`       // Degrade below this fraction of target fps
	RecoverRatio      float64 `yaml:"recover_ratio"`       // Recover at or above this fraction
	DegradeWindows    int     `yaml:"degrade_windows"`     // K: consecutive slow windows
	RecoverWindows    int     `yaml:"recover_windows"`     // R: consecutive healthy windows
	CooldownSamples   int     `yaml:"cooldown_samples"`    // Samples ignored after a change
	MemoryThresholdMB float64 `yaml:"memory_threshold_mb"` // Recovery needs memory below this
	BatteryRung       int     `yaml:"battery_rung"`        // Rung pinned by battery saving

	Ladder Ladder `yaml:"ladder"`
}

// DefaultConfig returns the recommended optimizer configuration
func DefaultConfig() Config {
	return Config{
		WindowSize:        10,
		DegradeRatio:      0.7,
		RecoverRatio:      0.95,
		DegradeWindows:    3,
		RecoverWindows:    5,
		CooldownSamples:   5,
		MemoryThresholdMB: 512,
		BatteryRung:       4,
		Ladder:            DefaultLadder(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("performance: window_size must be positive")
	}
	if c.DegradeRatio <= 0 || c.DegradeRatio >= c.RecoverRatio {
		return fmt.Errorf("performance: degrade_ratio must be in (0, recover_ratio)")
	}
	if c.DegradeWindows <= 0 || c.RecoverWindows <= 0 {
		return fmt.Errorf("performance: degrade_windows and recover_windows must be positive")
	}
	if c.CooldownSamples < 0 {
		return fmt.Errorf("performance: cooldown_samples must not be negative")
	}
	if c.MemoryThresholdMB <= 0 {
		return fmt.Errorf("performance: memory_threshold_mb must be positive")
	}
	if err := c.Ladder.Validate(); err != nil {
		return err
	}
	if c.BatteryRung < 0 || c.BatteryRung > c.Ladder.Last() {
		return fmt.Errorf("performance: battery_rung %d outside ladder", c.BatteryRung)
	}
	return nil
}

// Sample is one completed detection cycle as seen by the optimizer.
type Sample struct {
	FPS              float64
	ProcessingTimeMs float64
	MemoryMB         float64
}

// Change describes one profile transition.
type Change struct {
	From   Profile
	To     Profile
	Reason string // "degrade", "recover", "battery_on", "battery_off"
}

// Stats is a snapshot of the optimizer's internal state
type Stats struct {
	Samples           uint64  `json:"samples"`
	Discarded         uint64  `json:"discarded"`
	Windows           uint64  `json:"windows"`
	Degrades          uint64  `json:"degrades"`
	Recovers          uint64  `json:"recovers"`
	LastAvgFPS        float64 `json:"last_avg_fps"`
	LastAvgProcessing float64 `json:"last_avg_processing_ms"`
	LastAvgMemoryMB   float64 `json:"last_avg_memory_mb"`
	SlowWindows       int     `json:"slow_windows"`
	HealthyWindows    int     `json:"healthy_windows"`
	CooldownRemaining int     `json:"cooldown_remaining"`
}

// Optimizer observes throughput and memory and steps the profile along the
// ladder. It is the only writer of the profile.
type Optimizer struct {
	config  Config
	class   DeviceClass
	ceiling int
	logger  *slog.Logger

	mu           sync.RWMutex
	profile      Profile
	window       []Sample
	slow         int
	healthy      int
	cooldown     int
	battery      bool
	batteryPrior int
	stats        Stats

	listeners []func(Change)
	cleanups  []func()
}

// Option configures an Optimizer
type Option func(*Optimizer)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStartRung overrides the device-class seed rung
func WithStartRung(rung int) Option {
	return func(o *Optimizer) {
		o.profile = o.config.Ladder.Profile(rung, o.class)
	}
}

// NewOptimizer creates an optimizer seeded for the device class.
func NewOptimizer(cfg Config, class DeviceClass, opts ...Option) (*Optimizer, error) {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Optimizer{
		config:  cfg,
		class:   class,
		ceiling: cfg.Ladder.Clamp(CeilingRung(class)),
		logger:  slog.Default(),
	}
	o.profile = cfg.Ladder.Profile(SeedRung(class), class)
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "optimizer")

	if err := o.profile.Validate(); err != nil {
		return nil, err
	}

	o.logger.Info("performance profile seeded",
		"device_class", class.String(),
		"rung", o.profile.Rung,
		"quality", o.profile.Quality.String(),
		"target_fps", o.profile.TargetFPS)
	return o, nil
}

// CurrentProfile implements Source.
func (o *Optimizer) CurrentProfile() Profile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.profile
}

// DeviceClass returns the session device class
func (o *Optimizer) DeviceClass() DeviceClass {
	return o.class
}

// OnChange registers a callback invoked after every profile transition.
// Callbacks run on the caller's goroutine after the lock is released.
func (o *Optimizer) OnChange(fn func(Change)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// RegisterCleanup registers a transient-buffer owner for CleanupMemory.
func (o *Optimizer) RegisterCleanup(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanups = append(o.cleanups, fn)
}

// CleanupMemory asks every registered buffer owner to release and
// reallocate. It returns the number of owners notified.
func (o *Optimizer) CleanupMemory() int {
	o.mu.RLock()
	fns := append([]func(){}, o.cleanups...)
	o.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
	o.logger.Info("memory cleanup requested", "owners", len(fns))
	return len(fns)
}

// RecordSample feeds one measurement. Samples during cooldown or battery
// saving are discarded. A non-finite or negative sample is a programming
// error and returns an *InvariantError.
func (o *Optimizer) RecordSample(fps, processingTimeMs, memoryMB float64) error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"fps", fps}, {"processing_time_ms", processingTimeMs}, {"memory_mb", memoryMB}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return &InvariantError{Field: f.name, Value: f.v, Reason: "must be finite and non-negative"}
		}
	}

	o.mu.Lock()
	o.stats.Samples++

	if o.battery || o.cooldown > 0 {
		if o.cooldown > 0 {
			o.cooldown--
		}
		o.stats.Discarded++
		o.mu.Unlock()
		return nil
	}

	o.window = append(o.window, Sample{FPS: fps, ProcessingTimeMs: processingTimeMs, MemoryMB: memoryMB})
	if len(o.window) < o.config.WindowSize {
		o.mu.Unlock()
		return nil
	}

	change, err := o.closeWindowLocked()
	listeners := o.listeners
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if change != nil {
		o.notify(listeners, *change)
	}
	return nil
}

// closeWindowLocked evaluates the full window and applies at most one step.
func (o *Optimizer) closeWindowLocked() (*Change, error) {
	var sumFPS, sumProc, sumMem float64
	for _, s := range o.window {
		sumFPS += s.FPS
		sumProc += s.ProcessingTimeMs
		sumMem += s.MemoryMB
	}
	n := float64(len(o.window))
	avgFPS, avgProc, avgMem := sumFPS/n, sumProc/n, sumMem/n
	o.window = o.window[:0]

	o.stats.Windows++
	o.stats.LastAvgFPS = avgFPS
	o.stats.LastAvgProcessing = avgProc
	o.stats.LastAvgMemoryMB = avgMem

	target := o.profile.TargetFPS
	switch {
	case avgFPS < o.config.DegradeRatio*target:
		o.slow++
		o.healthy = 0
	case avgFPS >= o.config.RecoverRatio*target && avgMem < o.config.MemoryThresholdMB:
		o.healthy++
		o.slow = 0
	default:
		o.slow = 0
		o.healthy = 0
	}

	switch {
	case o.slow >= o.config.DegradeWindows:
		o.slow = 0
		if o.profile.Rung >= o.config.Ladder.Last() {
			o.logger.Warn("throughput below target at cheapest rung",
				"avg_fps", avgFPS, "target_fps", target)
			return nil, nil
		}
		o.stats.Degrades++
		return o.moveLocked(o.profile.Rung+1, "degrade")

	case o.healthy >= o.config.RecoverWindows:
		o.healthy = 0
		if o.profile.Rung <= o.ceiling {
			return nil, nil
		}
		o.stats.Recovers++
		return o.moveLocked(o.profile.Rung-1, "recover")
	}
	return nil, nil
}

// moveLocked switches to rung and starts the cooldown.
func (o *Optimizer) moveLocked(rung int, reason string) (*Change, error) {
	next := o.config.Ladder.Profile(rung, o.class)
	next.BatterySaving = o.battery
	if err := next.Validate(); err != nil {
		return nil, err
	}

	change := &Change{From: o.profile, To: next, Reason: reason}
	o.profile = next
	o.window = o.window[:0]
	o.slow = 0
	o.healthy = 0
	o.cooldown = o.config.CooldownSamples

	o.logger.Info("performance profile changed",
		"reason", reason,
		"from_rung", change.From.Rung,
		"to_rung", next.Rung,
		"quality", next.Quality.String(),
		"target_fps", next.TargetFPS,
		"max_faces", next.MaxFaces,
		"emotion", next.EnableEmotion,
		"age_gender", next.EnableAgeGender)
	return change, nil
}

func (o *Optimizer) notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}

// EnableBatterySavingMode pins the profile at the battery rung, or at the
// current rung when that is already cheaper, until DisableBatterySavingMode
// is called. No change is reported when the rung stays the same.
func (o *Optimizer) EnableBatterySavingMode() error {
	o.mu.Lock()
	if o.battery {
		o.mu.Unlock()
		return nil
	}
	o.batteryPrior = o.profile.Rung
	o.battery = true
	rung := max(o.profile.Rung, o.config.BatteryRung)
	if rung == o.profile.Rung {
		o.profile.BatterySaving = true
		o.mu.Unlock()
		o.logger.Info("battery saving pinned current rung", "rung", rung)
		return nil
	}
	change, err := o.moveLocked(rung, "battery_on")
	listeners := o.listeners
	o.mu.Unlock()

	if err != nil {
		return err
	}
	o.notify(listeners, *change)
	return nil
}

// DisableBatterySavingMode restores the rung held before battery saving
// and starts a cooldown.
func (o *Optimizer) DisableBatterySavingMode() error {
	o.mu.Lock()
	if !o.battery {
		o.mu.Unlock()
		return nil
	}
	o.battery = false
	if o.batteryPrior == o.profile.Rung {
		o.profile.BatterySaving = false
		o.cooldown = o.config.CooldownSamples
		o.mu.Unlock()
		o.logger.Info("battery saving released", "rung", o.batteryPrior)
		return nil
	}
	change, err := o.moveLocked(o.batteryPrior, "battery_off")
	listeners := o.listeners
	o.mu.Unlock()

	if err != nil {
		return err
	}
	o.notify(listeners, *change)
	return nil
}

// BatterySaving reports whether battery saving is active
func (o *Optimizer) BatterySaving() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.battery
}

// Stats returns a snapshot of the optimizer state
func (o *Optimizer) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.stats
	s.SlowWindows = o.slow
	s.HealthyWindows = o.healthy
	s.CooldownRemaining = o.cooldown
	return s
}
