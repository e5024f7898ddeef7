// Package performance owns the performance profile and the optimizer that
// adapts it to measured throughput and memory.
package performance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
)

// QualityLevel is the named capture quality of a profile
type QualityLevel int

const (
	QualityHigh QualityLevel = iota
	QualityMedium
	QualityLow
)

// String returns the lowercase level name
func (q QualityLevel) String() string {
	switch q {
	case QualityHigh:
		return "high"
	case QualityMedium:
		return "medium"
	case QualityLow:
		return "low"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// MarshalText implements encoding.TextMarshaler
func (q QualityLevel) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (q *QualityLevel) UnmarshalText(b []byte) error {
	level, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = level
	return nil
}

// ParseQuality parses "high", "medium" or "low"
func ParseQuality(s string) (QualityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return QualityHigh, nil
	case "medium", "med":
		return QualityMedium, nil
	case "low":
		return QualityLow, nil
	}
	return 0, fmt.Errorf("performance: unknown quality %q", s)
}

// DeviceClass is a coarse host capability bucket, fixed for the session
type DeviceClass int

const (
	DeviceLow DeviceClass = iota
	DeviceMid
	DeviceHigh
)

// String returns the lowercase class name
func (d DeviceClass) String() string {
	switch d {
	case DeviceLow:
		return "low"
	case DeviceMid:
		return "mid"
	case DeviceHigh:
		return "high"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler
func (d DeviceClass) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DeviceClass) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*d = DeviceLow
	case "mid", "medium":
		*d = DeviceMid
	case "high":
		*d = DeviceHigh
	default:
		return fmt.Errorf("performance: unknown device class %q", b)
	}
	return nil
}

// Profile is the current quality, cadence and feature settings. Values
// are copies; only the Optimizer produces new ones.
type Profile struct {
	Rung            int          `json:"rung"`
	Quality         QualityLevel `json:"quality"`
	TargetFPS       float64      `json:"target_fps"`
	MaxFaces        int          `json:"max_faces"`
	EnableAgeGender bool         `json:"enable_age_gender"`
	EnableEmotion   bool         `json:"enable_emotion"`
	DeviceClass     DeviceClass  `json:"device_class"`
	BatterySaving   bool         `json:"battery_saving"`
}

// Interval returns the minimum time between captured frames.
func (p Profile) Interval() time.Duration {
	if p.TargetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / p.TargetFPS)
}

// Features returns the toggle set sent to the detection provider.
func (p Profile) Features() detection.Features {
	return detection.Features{
		EnableAgeGender: p.EnableAgeGender,
		EnableEmotion:   p.EnableEmotion,
		MaxFaces:        p.MaxFaces,
	}
}

// Validate checks the data-model invariants of a profile. A violation is
// a programming error.
func (p Profile) Validate() error {
	if math.IsNaN(p.TargetFPS) || math.IsInf(p.TargetFPS, 0) || p.TargetFPS <= 0 {
		return &InvariantError{Field: "target_fps", Value: p.TargetFPS, Reason: "must be a positive number"}
	}
	if p.MaxFaces <= 0 {
		return &InvariantError{Field: "max_faces", Value: p.MaxFaces, Reason: "must be positive"}
	}
	if p.Quality < QualityHigh || p.Quality > QualityLow {
		return &InvariantError{Field: "quality", Value: int(p.Quality), Reason: "unknown level"}
	}
	if p.DeviceClass < DeviceLow || p.DeviceClass > DeviceHigh {
		return &InvariantError{Field: "device_class", Value: int(p.DeviceClass), Reason: "unknown class"}
	}
	return nil
}

// Source gives read-only access to the current profile.
type Source interface {
	CurrentProfile() Profile
}

// Static is a Source that never changes. Useful for offline replay.
type Static Profile

// CurrentProfile implements Source.
func (s Static) CurrentProfile() Profile {
	return Profile(s)
}
