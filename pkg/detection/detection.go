// Package detection defines per-frame face detections and the detector
// interface that local and remote face/attribute providers implement.
package detection

import (
	"context"
	"math"
	"sort"
	"time"
)

// BBox is an axis-aligned bounding box in frame pixel space.
// X, Y is the top-left corner.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the center point of the box
func (b BBox) Center() (x, y float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns the area of the box
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection-over-union of two boxes in [0,1].
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b.X, o.X)
	y1 := math.Max(b.Y, o.Y)
	x2 := math.Min(b.X+b.W, o.X+o.W)
	y2 := math.Min(b.Y+b.H, o.Y+o.H)

	iw := x2 - x1
	ih := y2 - y1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Blend returns alpha*next + (1-alpha)*b for every coordinate.
func (b BBox) Blend(next BBox, alpha float64) BBox {
	return BBox{
		X: alpha*next.X + (1-alpha)*b.X,
		Y: alpha*next.Y + (1-alpha)*b.Y,
		W: alpha*next.W + (1-alpha)*b.W,
		H: alpha*next.H + (1-alpha)*b.H,
	}
}

// RawDetection is one face found in one frame. It never outlives a
// tracking cycle.
type RawDetection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`

	// Optional attributes; nil / empty when the provider did not estimate them.
	Age              *float64           `json:"age,omitempty"`
	AgeConfidence    float64            `json:"age_confidence,omitempty"`
	Gender           string             `json:"gender,omitempty"`
	GenderConfidence float64            `json:"gender_confidence,omitempty"`
	Emotions         map[string]float64 `json:"emotions,omitempty"`
}

// HasAge reports whether an age estimate is present.
func (d RawDetection) HasAge() bool {
	return d.Age != nil
}

// HasEmotions reports whether an emotion distribution is present.
func (d RawDetection) HasEmotions() bool {
	return len(d.Emotions) > 0
}

// Features is the toggle set sent to a provider with every frame.
type Features struct {
	EnableAgeGender bool `json:"enable_age_gender" msgpack:"enable_age_gender"`
	EnableEmotion   bool `json:"enable_emotion" msgpack:"enable_emotion"`
	MaxFaces        int  `json:"max_faces" msgpack:"max_faces"`
}

// Request is one encoded frame submitted for detection.
type Request struct {
	Frame     []byte
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Features  Features
}

// Detector is the interface for face detection backends
type Detector interface {
	// Detect returns the faces in the frame. Implementations must honour
	// ctx cancellation and return ErrTimeout when the deadline passes.
	Detect(ctx context.Context, req Request) ([]RawDetection, error)

	// Close releases resources
	Close() error
}

// Filter drops detections under minConfidence, strips attributes for
// disabled features and keeps at most f.MaxFaces detections, highest
// confidence first. The input slice is not modified.
func Filter(dets []RawDetection, minConfidence float64, f Features) []RawDetection {
	out := make([]RawDetection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		if !f.EnableAgeGender {
			d.Age = nil
			d.AgeConfidence = 0
			d.Gender = ""
			d.GenderConfidence = 0
		}
		if !f.EnableEmotion {
			d.Emotions = nil
		}
		out = append(out, d)
	}

	if f.MaxFaces > 0 && len(out) > f.MaxFaces {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Confidence > out[j].Confidence
		})
		out = out[:f.MaxFaces]
	}
	return out
}

// Dominant returns the label with the highest probability, or "" for an
// empty map. Ties resolve to the lexically smallest label.
func Dominant(scores map[string]float64) string {
	best := ""
	bestScore := math.Inf(-1)
	for label, p := range scores {
		if p > bestScore || (p == bestScore && label < best) {
			best = label
			bestScore = p
		}
	}
	return best
}
