// Package provider implements detection.Detector for remote and
// out-of-process face/attribute services.
package provider

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-facetrack/internal/httpc"
	"github.com/teslashibe/go-facetrack/pkg/detection"
)

// Kinds of detection provider understood by New.
const (
	KindWebSocket = "websocket"
	KindHTTP      = "http"
	KindWorker    = "worker"
	KindYuNet     = "yunet"
	KindMock      = "mock"
)

// Config selects and configures a detection provider
type Config struct {
	Kind string `yaml:"kind"`

	// URL of the detection service (websocket and http kinds).
	URL string `yaml:"url"`

	// Command and Args start the worker subprocess (worker kind).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// ModelPath is the ONNX model (yunet kind).
	ModelPath string `yaml:"model_path"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// RequestTimeout caps one HTTP round trip; 0 keeps the shared client.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a websocket provider on localhost
func DefaultConfig() Config {
	return Config{
		Kind:        KindWebSocket,
		URL:         "ws://localhost:8765/ws",
		DialTimeout: 5 * time.Second,
	}
}

// New creates the detector described by cfg.
func New(cfg Config, logger *slog.Logger) (detection.Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Kind) {
	case KindWebSocket, "ws":
		return NewWebSocket(WebSocketConfig{URL: cfg.URL, DialTimeout: cfg.DialTimeout}, logger), nil
	case KindHTTP:
		hc := HTTPConfig{URL: cfg.URL}
		if cfg.RequestTimeout > 0 {
			hc.Client = httpc.NewClient(cfg.RequestTimeout)
		}
		return NewHTTP(hc, logger), nil
	case KindWorker:
		return StartWorker(WorkerConfig{Command: cfg.Command, Args: cfg.Args}, logger)
	case KindYuNet:
		yc := detection.DefaultYuNetConfig()
		if cfg.ModelPath != "" {
			yc.ModelPath = cfg.ModelPath
		}
		return detection.NewYuNet(yc)
	case KindMock:
		return detection.NewMock(), nil
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", cfg.Kind)
	}
}
