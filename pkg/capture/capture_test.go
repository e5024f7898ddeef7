package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/performance"
)

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		quality performance.QualityLevel
		width   int
		jpeg    int
	}{
		{performance.QualityHigh, 640, 85},
		{performance.QualityMedium, 480, 70},
		{performance.QualityLow, 320, 55},
		{performance.QualityLevel(9), 320, 55},
	}
	for _, tt := range tests {
		enc := EncodingFor(tt.quality)
		if enc.Width != tt.width || enc.JPEGQuality != tt.jpeg {
			t.Errorf("EncodingFor(%v) = %+v, want %dpx q%d", tt.quality, enc, tt.width, tt.jpeg)
		}
	}
}

func TestPresetsValid(t *testing.T) {
	for name, enc := range Presets() {
		if errs := enc.Validate(); len(errs) > 0 {
			t.Errorf("preset %s invalid: %v", name, errs)
		}
	}
	if errs := (Encoding{Width: 10, JPEGQuality: 0}).Validate(); len(errs) != 2 {
		t.Errorf("Validate() = %v, want 2 errors", errs)
	}
}

func TestPush_SingleSlot(t *testing.T) {
	p := NewPush()

	if _, err := p.Capture(Encoding{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Capture() before any frame error = %v, want ErrUnavailable", err)
	}

	p.Offer(Frame{Data: []byte("a"), CapturedAt: time.Now()})
	p.Offer(Frame{Data: []byte("b"), CapturedAt: time.Now()})

	f, err := p.Capture(Encoding{})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if string(f.Data) != "b" {
		t.Errorf("Capture() = %q, want latest frame b", f.Data)
	}

	if _, err := p.Capture(Encoding{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("second Capture() error = %v, want ErrUnavailable", err)
	}

	p.Offer(Frame{Data: []byte("c")})
	p.Release()

	s := p.Stats()
	if s.Offered != 3 || s.Consumed != 1 || s.Dropped != 2 {
		t.Errorf("Stats() = %+v, want offered 3, consumed 1, dropped 2", s)
	}
}

func TestMock(t *testing.T) {
	m := NewMock(Frame{Data: []byte("jpeg"), Width: 640, Height: 480})

	f, err := m.Capture(EncodingFor(performance.QualityHigh))
	if err != nil || f.Width != 640 || f.CapturedAt.IsZero() {
		t.Fatalf("Capture() = %+v, %v", f, err)
	}

	m.SetUnavailable(true)
	if _, err := m.Capture(Encoding{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Capture() error = %v, want ErrUnavailable", err)
	}

	var r Releaser = m
	r.Release()
	if m.Releases() != 1 || len(m.Captures()) != 1 {
		t.Errorf("Releases() = %d, Captures() = %d", m.Releases(), len(m.Captures()))
	}
}

func TestWebcam_NotOpen(t *testing.T) {
	w := NewWebcam(DefaultWebcamConfig(), nil)
	defer w.Close()

	if _, err := w.Capture(EncodingFor(performance.QualityLow)); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Capture() on closed webcam error = %v, want ErrUnavailable", err)
	}
	w.Release()
}
