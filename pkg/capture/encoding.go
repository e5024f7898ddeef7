// Package capture provides frame sources for the scheduler: a local camera
// through GoCV and a push mailbox fed by remote capture clients.
package capture

import (
	"fmt"

	"github.com/teslashibe/go-facetrack/pkg/performance"
)

// Encoding is how a captured frame is scaled and compressed before it is
// sent for detection.
type Encoding struct {
	Width       int `json:"width" yaml:"width"`               // Output width in pixels; height keeps aspect
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"` // JPEG quality 1-100
}

// Preset names, one per quality level
const (
	PresetHigh   = "high"
	PresetMedium = "medium"
	PresetLow    = "low"
)

// Presets returns all available encodings by name.
func Presets() map[string]Encoding {
	return map[string]Encoding{
		PresetHigh:   {Width: 640, JPEGQuality: 85},
		PresetMedium: {Width: 480, JPEGQuality: 70},
		PresetLow:    {Width: 320, JPEGQuality: 55},
	}
}

// EncodingFor returns the encoding used at a quality level.
func EncodingFor(q performance.QualityLevel) Encoding {
	presets := Presets()
	if enc, ok := presets[q.String()]; ok {
		return enc
	}
	return presets[PresetLow]
}

// Validate checks the encoding values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (e Encoding) Validate() []string {
	var errs []string
	if e.Width < 160 || e.Width > 3840 {
		errs = append(errs, fmt.Sprintf("width %d must be between 160 and 3840", e.Width))
	}
	if e.JPEGQuality < 1 || e.JPEGQuality > 100 {
		errs = append(errs, fmt.Sprintf("jpeg quality %d must be between 1 and 100", e.JPEGQuality))
	}
	return errs
}
