package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

// ErrDisconnected is returned to pending requests when the connection to
// the detection service drops.
var ErrDisconnected = errors.New("provider: connection lost")

// WebSocketConfig configures the websocket detection client
type WebSocketConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

type reply struct {
	msg *protocol.Message
	err error
}

type pending struct {
	seq uint64
	ts  int64
	ch  chan reply
}

// WebSocket streams frames to a detection service over one websocket
// connection. Replies are matched by the echoed seq, else by the echoed
// timestamp, else to the oldest outstanding request.
type WebSocket struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	waiting []*pending
	closed  bool

	writeMu sync.Mutex

	sent     atomic.Uint64
	received atomic.Uint64
	stale    atomic.Uint64
	dials    atomic.Uint64
}

// WebSocketStats reports client counters
type WebSocketStats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Stale     uint64 `json:"stale"`
	Dials     uint64 `json:"dials"`
	Connected bool   `json:"connected"`
}

// NewWebSocket creates a client. The connection is dialled on first use and
// re-dialled after it drops.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		config: cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger.With("component", "provider.websocket"),
	}
}

// Detect implements detection.Detector.
func (w *WebSocket) Detect(ctx context.Context, req detection.Request) ([]detection.RawDetection, error) {
	conn, err := w.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, detection.ErrTimeout
		}
		return nil, err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg, err := protocol.NewFrameMessage(req.Frame, req.Seq, ts, req.Features)
	if err != nil {
		return nil, detection.WrapError("websocket", err)
	}

	p := &pending{seq: req.Seq, ts: msg.Timestamp, ch: make(chan reply, 1)}
	w.mu.Lock()
	w.waiting = append(w.waiting, p)
	w.mu.Unlock()
	defer w.forget(p)

	if err := w.write(conn, msg); err != nil {
		w.drop(conn, err)
		return nil, detection.WrapError("websocket", err)
	}
	w.sent.Add(1)

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, detection.WrapError("websocket", r.err)
		}
		return r.msg.Detections("websocket")
	case <-ctx.Done():
		return nil, detection.ErrTimeout
	}
}

func (w *WebSocket) connect(ctx context.Context) (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, detection.ErrClosed
	}
	if w.conn != nil {
		return w.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.config.DialTimeout)
	defer cancel()

	conn, _, err := w.dialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return nil, detection.WrapError("websocket", fmt.Errorf("dial %s: %w", w.config.URL, err))
	}

	w.conn = conn
	w.dials.Add(1)
	w.logger.Info("connected to detection service", "url", w.config.URL)
	go w.readLoop(conn)
	return conn, nil
}

func (w *WebSocket) write(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.drop(conn, err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			w.logger.Warn("unparseable message from detection service", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			pong, _ := protocol.NewPongMessage("", msg.Timestamp, time.Now().UnixMilli())
			if err := w.write(conn, pong); err != nil {
				w.logger.Debug("pong failed", "error", err)
			}
			continue
		case protocol.TypePong:
			continue
		}
		if !msg.IsDetectionReply() {
			w.logger.Debug("ignoring message", "type", msg.Type)
			continue
		}

		w.received.Add(1)
		if !w.deliver(msg) {
			w.stale.Add(1)
			w.logger.Debug("discarding stale reply", "seq", msg.Seq, "timestamp", msg.Timestamp)
		}
	}
}

// deliver hands msg to the request it answers.
func (w *WebSocket) deliver(msg *protocol.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := -1
	for i, p := range w.waiting {
		if msg.Seq != 0 && p.seq == msg.Seq {
			idx = i
			break
		}
		if msg.Seq == 0 && msg.Timestamp != 0 && p.ts == msg.Timestamp {
			idx = i
			break
		}
	}
	if idx < 0 && msg.Seq == 0 && msg.Timestamp == 0 && len(w.waiting) > 0 {
		idx = 0
	}
	if idx < 0 {
		return false
	}

	p := w.waiting[idx]
	w.waiting = append(w.waiting[:idx], w.waiting[idx+1:]...)
	p.ch <- reply{msg: msg}
	return true
}

func (w *WebSocket) forget(p *pending) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, q := range w.waiting {
		if q == p {
			w.waiting = append(w.waiting[:i], w.waiting[i+1:]...)
			return
		}
	}
}

// drop tears down conn if it is still current and fails every pending request.
func (w *WebSocket) drop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	waiting := w.waiting
	w.waiting = nil
	closed := w.closed
	w.mu.Unlock()

	conn.Close()
	if !closed {
		w.logger.Warn("detection service connection lost", "error", cause)
	}
	for _, p := range waiting {
		p.ch <- reply{err: fmt.Errorf("%w: %v", ErrDisconnected, cause)}
	}
}

// Stats returns client counters
func (w *WebSocket) Stats() WebSocketStats {
	w.mu.Lock()
	connected := w.conn != nil
	w.mu.Unlock()
	return WebSocketStats{
		Sent:      w.sent.Load(),
		Received:  w.received.Load(),
		Stale:     w.stale.Load(),
		Dials:     w.dials.Load(),
		Connected: connected,
	}
}

// Close implements detection.Detector.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		w.drop(conn, detection.ErrClosed)
	}
	return nil
}
