package capture

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// WebcamConfig configures a local camera
type WebcamConfig struct {
	DeviceID int `yaml:"device_id"`
	Width    int `yaml:"width"`  // Requested sensor width
	Height   int `yaml:"height"` // Requested sensor height
}

// DefaultWebcamConfig returns device 0 at 1280x720
func DefaultWebcamConfig() WebcamConfig {
	return WebcamConfig{DeviceID: 0, Width: 1280, Height: 720}
}

// Webcam captures from a local camera through GoCV. The raw and scaled
// Mats are reused between captures until Release drops them.
type Webcam struct {
	config WebcamConfig
	logger *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	raw     *gocv.Mat
	scaled  *gocv.Mat
}

// NewWebcam creates a webcam source. Call Open before capturing.
func NewWebcam(cfg WebcamConfig, logger *slog.Logger) *Webcam {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webcam{config: cfg, logger: logger.With("component", "webcam")}
}

// Open opens the camera device.
func (w *Webcam) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(w.config.DeviceID)
	if err != nil {
		return fmt.Errorf("capture: open device %d: %w", w.config.DeviceID, err)
	}
	if w.config.Width > 0 && w.config.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(w.config.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(w.config.Height))
	}

	w.capture = vc
	w.logger.Info("camera opened", "device", w.config.DeviceID)
	return nil
}

// Capture implements Source.
func (w *Webcam) Capture(enc Encoding) (Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture == nil || !w.capture.IsOpened() {
		return Frame{}, fmt.Errorf("%w: camera not open", ErrUnavailable)
	}
	w.ensureBuffers()

	if ok := w.capture.Read(w.raw); !ok || w.raw.Empty() {
		return Frame{}, fmt.Errorf("%w: empty read", ErrUnavailable)
	}
	capturedAt := time.Now()

	src := w.raw
	if enc.Width > 0 && w.raw.Cols() > enc.Width {
		h := w.raw.Rows() * enc.Width / w.raw.Cols()
		gocv.Resize(*w.raw, w.scaled, image.Pt(enc.Width, h), 0, 0, gocv.InterpolationArea)
		src = w.scaled
	}

	quality := enc.JPEGQuality
	if quality <= 0 {
		quality = 80
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *src, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return Frame{}, fmt.Errorf("capture: encode jpeg: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return Frame{
		Data:       data,
		Width:      src.Cols(),
		Height:     src.Rows(),
		CapturedAt: capturedAt,
	}, nil
}

func (w *Webcam) ensureBuffers() {
	if w.raw == nil {
		m := gocv.NewMat()
		w.raw = &m
	}
	if w.scaled == nil {
		m := gocv.NewMat()
		w.scaled = &m
	}
}

// Release implements Releaser. Buffers are reallocated on the next capture.
func (w *Webcam) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLocked()
	w.logger.Debug("capture buffers released")
}

func (w *Webcam) releaseLocked() {
	if w.raw != nil {
		w.raw.Close()
		w.raw = nil
	}
	if w.scaled != nil {
		w.scaled.Close()
		w.scaled = nil
	}
}

// Close closes the camera and releases resources.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.releaseLocked()
	if w.capture == nil {
		return nil
	}
	err := w.capture.Close()
	w.capture = nil
	return err
}
