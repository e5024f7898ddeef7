package detection

import (
	"fmt"
	"math"
)

// Wire is the JSON/msgpack shape providers use for one detection:
//
//	{ bbox: [x, y, w, h], confidence, age?, age_confidence?,
//	  gender?, gender_confidence?, emotions?: {label: p} }
type Wire struct {
	BBox             []float64          `json:"bbox" msgpack:"bbox"`
	Confidence       float64            `json:"confidence" msgpack:"confidence"`
	Age              *float64           `json:"age,omitempty" msgpack:"age,omitempty"`
	AgeConfidence    *float64           `json:"age_confidence,omitempty" msgpack:"age_confidence,omitempty"`
	Gender           *string            `json:"gender,omitempty" msgpack:"gender,omitempty"`
	GenderConfidence *float64           `json:"gender_confidence,omitempty" msgpack:"gender_confidence,omitempty"`
	Emotions         map[string]float64 `json:"emotions,omitempty" msgpack:"emotions,omitempty"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Decode validates a wire detection and converts it. Emotion
// probabilities are renormalized to sum to 1.
func (w Wire) Decode() (RawDetection, error) {
	if len(w.BBox) != 4 {
		return RawDetection{}, fmt.Errorf("%w: bbox has %d values, want 4", ErrMalformed, len(w.BBox))
	}
	for _, v := range w.BBox {
		if !finite(v) {
			return RawDetection{}, fmt.Errorf("%w: bbox value %v not finite", ErrMalformed, v)
		}
	}
	if w.BBox[2] <= 0 || w.BBox[3] <= 0 {
		return RawDetection{}, fmt.Errorf("%w: bbox size %vx%v not positive", ErrMalformed, w.BBox[2], w.BBox[3])
	}
	if !finite(w.Confidence) || w.Confidence < 0 || w.Confidence > 1 {
		return RawDetection{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformed, w.Confidence)
	}

	d := RawDetection{
		BBox:       BBox{X: w.BBox[0], Y: w.BBox[1], W: w.BBox[2], H: w.BBox[3]},
		Confidence: w.Confidence,
	}

	if w.Age != nil {
		if !finite(*w.Age) || *w.Age < 0 {
			return RawDetection{}, fmt.Errorf("%w: age %v invalid", ErrMalformed, *w.Age)
		}
		age := *w.Age
		d.Age = &age
		d.AgeConfidence = 1
		if w.AgeConfidence != nil {
			d.AgeConfidence = clamp01(*w.AgeConfidence)
		}
	}

	if w.Gender != nil && *w.Gender != "" {
		d.Gender = *w.Gender
		d.GenderConfidence = 1
		if w.GenderConfidence != nil {
			d.GenderConfidence = clamp01(*w.GenderConfidence)
		}
	}

	if len(w.Emotions) > 0 {
		sum := 0.0
		for label, p := range w.Emotions {
			if !finite(p) || p < 0 {
				return RawDetection{}, fmt.Errorf("%w: emotion %q probability %v invalid", ErrMalformed, label, p)
			}
			sum += p
		}
		if sum > 0 {
			d.Emotions = make(map[string]float64, len(w.Emotions))
			for label, p := range w.Emotions {
				d.Emotions[label] = p / sum
			}
		}
	}

	return d, nil
}

// DecodeAll decodes a provider reply. One malformed entry fails the whole
// frame: a partially valid payload is not trusted.
func DecodeAll(ws []Wire) ([]RawDetection, error) {
	out := make([]RawDetection, 0, len(ws))
	for i, w := range ws {
		d, err := w.Decode()
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ToWire converts a detection back to its wire shape.
func ToWire(d RawDetection) Wire {
	w := Wire{
		BBox:       []float64{d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H},
		Confidence: d.Confidence,
		Emotions:   d.Emotions,
	}
	if d.Age != nil {
		age, conf := *d.Age, d.AgeConfidence
		w.Age = &age
		w.AgeConfidence = &conf
	}
	if d.Gender != "" {
		g, conf := d.Gender, d.GenderConfidence
		w.Gender = &g
		w.GenderConfidence = &conf
	}
	return w
}

func clamp01(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
