package detection

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// YuNetConfig holds the in-process YuNet detector configuration
type YuNetConfig struct {
	ModelPath        string  // Path to ONNX model
	ConfidenceThresh float64 // Minimum score kept by the network (default 0.5)
	NMSThresh        float64 // Non-maximum suppression IoU (default 0.3)
	TopK             int     // Candidates kept before NMS
	InputWidth       int     // Initial model input width
	InputHeight      int     // Initial model input height
}

// DefaultYuNetConfig returns production defaults for YuNet
func DefaultYuNetConfig() YuNetConfig {
	return YuNetConfig{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.3,
		TopK:             5000,
		InputWidth:       320,
		InputHeight:      320,
	}
}

// YuNet uses OpenCV's FaceDetectorYN. It returns boxes only; age, gender
// and emotion are never estimated.
type YuNet struct {
	detector gocv.FaceDetectorYN
	config   YuNetConfig
	logger   *slog.Logger
	mu       sync.Mutex // Protects inference
	closed   bool
}

// NewYuNet creates a YuNet face detector using GoCV's built-in FaceDetectorYN
func NewYuNet(cfg YuNetConfig) (*YuNet, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("detection: model file not found: %s", cfg.ModelPath)
	}

	// Input size is updated per frame in Detect.
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		float32(cfg.NMSThresh),
		cfg.TopK,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNet{
		detector: detector,
		config:   cfg,
		logger:   slog.Default().With("component", "yunet"),
	}, nil
}

// Detect finds faces in the JPEG frame. Boxes are in frame pixels.
func (d *YuNet) Detect(ctx context.Context, req Request) ([]RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	img, err := gocv.IMDecode(req.Frame, gocv.IMReadColor)
	if err != nil {
		return nil, WrapError("yunet", fmt.Errorf("decode image: %w", err))
	}
	defer img.Close()

	if img.Empty() {
		return nil, WrapError("yunet", fmt.Errorf("empty image"))
	}

	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	d.detector.Detect(img, &faces)

	var detections []RawDetection
	for r := 0; r < faces.Rows(); r++ {
		// YuNet output rows (15 columns):
		// 0-3: x, y, w, h in pixels
		// 4-13: 5 landmarks
		// 14: face score
		score := float64(faces.GetFloatAt(r, 14))
		detections = append(detections, RawDetection{
			BBox: BBox{
				X: float64(faces.GetFloatAt(r, 0)),
				Y: float64(faces.GetFloatAt(r, 1)),
				W: float64(faces.GetFloatAt(r, 2)),
				H: float64(faces.GetFloatAt(r, 3)),
			},
			Confidence: clamp01(score),
		})
	}

	// Inference is not interruptible; a late answer is still a timeout.
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	if len(detections) > 0 {
		d.logger.Debug("yunet found faces", "count", len(detections), "frame_seq", req.Seq)
	}

	return detections, nil
}

// Close releases the detector resources
func (d *YuNet) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.detector.Close()
	return nil
}
