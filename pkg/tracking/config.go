package tracking

import (
	"errors"
	"fmt"
)

// Config holds all tunable parameters for face tracking
type Config struct {
	// Association
	MatchThreshold float64 `yaml:"match_threshold"` // Minimum IoU to pair a detection with a track

	// Smoothing (0-1, higher = more new data)
	BoxAlpha       float64 `yaml:"box_alpha"`       // EMA factor for the bounding box and confidence
	AttributeAlpha float64 `yaml:"attribute_alpha"` // EMA factor for age, gender and emotions

	// Lifecycle
	MinHits   int `yaml:"min_hits"`   // Consecutive matches before Tentative becomes Confirmed
	MaxMisses int `yaml:"max_misses"` // Track is Lost once missStreak exceeds this

	// Capacity. Zero means uncapped; a profile source overrides it.
	MaxFaces int `yaml:"max_faces"`
}

// DefaultConfig returns the recommended configuration for tracking at
// 8-15 fps
func DefaultConfig() Config {
	return Config{
		MatchThreshold: 0.3,

		BoxAlpha:       0.6, // 60% new, 40% old
		AttributeAlpha: 0.3, // attributes are noisier than boxes

		MinHits:   2,
		MaxMisses: 5,
	}
}

// SensitiveConfig returns a configuration that confirms faces on the first
// hit and holds them through longer gaps
func SensitiveConfig() Config {
	cfg := DefaultConfig()
	cfg.MatchThreshold = 0.2
	cfg.MinHits = 1
	cfg.MaxMisses = 8
	return cfg
}

// StableConfig returns a configuration for noisy detectors: slower to
// confirm, quicker to forget, heavier smoothing
func StableConfig() Config {
	cfg := DefaultConfig()
	cfg.MinHits = 3
	cfg.MaxMisses = 3
	cfg.BoxAlpha = 0.4
	cfg.AttributeAlpha = 0.2
	return cfg
}

// Validate returns every invalid field at once
func (c Config) Validate() error {
	var errs []error
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("match_threshold %v outside (0,1]", c.MatchThreshold))
	}
	if c.BoxAlpha <= 0 || c.BoxAlpha > 1 {
		errs = append(errs, fmt.Errorf("box_alpha %v outside (0,1]", c.BoxAlpha))
	}
	if c.AttributeAlpha <= 0 || c.AttributeAlpha > 1 {
		errs = append(errs, fmt.Errorf("attribute_alpha %v outside (0,1]", c.AttributeAlpha))
	}
	if c.MinHits < 1 {
		errs = append(errs, fmt.Errorf("min_hits %d must be at least 1", c.MinHits))
	}
	if c.MaxMisses < 0 {
		errs = append(errs, fmt.Errorf("max_misses %d must not be negative", c.MaxMisses))
	}
	if c.MaxFaces < 0 {
		errs = append(errs, fmt.Errorf("max_faces %d must not be negative", c.MaxFaces))
	}
	if len(errs) > 0 {
		return fmt.Errorf("tracking: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
