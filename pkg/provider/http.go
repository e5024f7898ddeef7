package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-facetrack/internal/httpc"
	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

// maxReplyBytes bounds a detection reply body.
const maxReplyBytes = 4 << 20

// HTTPConfig configures the request/response detection client
type HTTPConfig struct {
	URL    string
	Client *http.Client // defaults to httpc.Client
}

// HTTP posts each frame message as JSON and decodes the reply envelope.
type HTTP struct {
	config HTTPConfig
	logger *slog.Logger
	closed atomic.Bool
}

// NewHTTP creates an HTTP detection client
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTP {
	if cfg.Client == nil {
		cfg.Client = httpc.Client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{config: cfg, logger: logger.With("component", "provider.http")}
}

// Detect implements detection.Detector.
func (h *HTTP) Detect(ctx context.Context, req detection.Request) ([]detection.RawDetection, error) {
	if h.closed.Load() {
		return nil, detection.ErrClosed
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg, err := protocol.NewFrameMessage(req.Frame, req.Seq, ts, req.Features)
	if err != nil {
		return nil, detection.WrapError("http", err)
	}
	body, err := msg.Bytes()
	if err != nil {
		return nil, detection.WrapError("http", err)
	}

	resp, err := httpc.PostJSON(ctx, h.config.Client, h.config.URL, body)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, detection.ErrTimeout
		}
		return nil, detection.WrapError("http", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, detection.ErrTimeout
		}
		return nil, detection.WrapError("http", fmt.Errorf("read reply: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, detection.WrapError("http", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	var reply protocol.Message
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, detection.WrapError("http", fmt.Errorf("%w: %v", detection.ErrMalformed, err))
	}

	h.logger.Debug("detection reply", "frame_seq", req.Seq, "type", reply.Type, "faces", len(reply.Faces))
	return reply.Detections("http")
}

// Close implements detection.Detector.
func (h *HTTP) Close() error {
	h.closed.Store(true)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
