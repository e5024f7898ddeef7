package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// fakeService answers frame messages through respond. A nil reply means
// "never answer".
type fakeService struct {
	respond func(req *protocol.Message) *protocol.Message
	frames  atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := protocol.ParseMessage(data)
		if err != nil || req.Type != protocol.TypeFrame {
			continue
		}
		f.frames.Add(1)
		if reply := f.respond(req); reply != nil {
			out, _ := reply.Bytes()
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func (f *fakeService) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func startFake(t *testing.T, respond func(req *protocol.Message) *protocol.Message) (*fakeService, string) {
	t.Helper()
	fake := &fakeService{respond: respond}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func oneFace(req *protocol.Message) *protocol.Message {
	return protocol.NewDetectionReply(req, []detection.RawDetection{
		{BBox: detection.BBox{X: 100, Y: 100, W: 50, H: 50}, Confidence: 0.9},
	}, false)
}

func frameRequest(seq uint64) detection.Request {
	return detection.Request{
		Frame:     []byte("jpeg"),
		Seq:       seq,
		Timestamp: time.Now(),
		Features:  detection.Features{EnableAgeGender: true, EnableEmotion: true, MaxFaces: 10},
	}
}

func TestWebSocket_Detect(t *testing.T) {
	_, url := startFake(t, oneFace)

	ws := NewWebSocket(WebSocketConfig{URL: url}, nil)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dets, err := ws.Detect(ctx, frameRequest(1))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 || dets[0].BBox.W != 50 {
		t.Errorf("Detect() = %+v, want one 50px face", dets)
	}

	stats := ws.Stats()
	if stats.Sent != 1 || stats.Received != 1 || !stats.Connected {
		t.Errorf("Stats() = %+v, want 1 sent, 1 received, connected", stats)
	}
}

func TestWebSocket_NoFaces(t *testing.T) {
	_, url := startFake(t, func(req *protocol.Message) *protocol.Message {
		return protocol.NewDetectionReply(req, nil, false)
	})

	ws := NewWebSocket(WebSocketConfig{URL: url}, nil)
	defer ws.Close()

	dets, err := ws.Detect(context.Background(), frameRequest(1))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Detect() = %d faces, want 0", len(dets))
	}
}

func TestWebSocket_ErrorReply(t *testing.T) {
	_, url := startFake(t, func(req *protocol.Message) *protocol.Message {
		return protocol.NewErrorReply(req, "model crashed")
	})

	ws := NewWebSocket(WebSocketConfig{URL: url}, nil)
	defer ws.Close()

	_, err := ws.Detect(context.Background(), frameRequest(1))
	var de *detection.Error
	if !errors.As(err, &de) {
		t.Fatalf("Detect() error = %v, want *detection.Error", err)
	}
}

func TestWebSocket_TimeoutThenStaleDiscarded(t *testing.T) {
	var mu sync.Mutex
	var held []*protocol.Message

	fake, url := startFake(t, func(req *protocol.Message) *protocol.Message {
		if req.Seq == 1 {
			mu.Lock()
			held = append(held, req)
			mu.Unlock()
			return nil
		}
		return oneFace(req)
	})

	ws := NewWebSocket(WebSocketConfig{URL: url}, nil)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := ws.Detect(ctx, frameRequest(1))
	cancel()
	if !detection.IsTimeout(err) {
		t.Fatalf("Detect() error = %v, want timeout", err)
	}

	// Answer seq 1 late by injecting it through the server connection.
	mu.Lock()
	late := held[0]
	mu.Unlock()
	fake.mu.Lock()
	out, _ := oneFace(late).Bytes()
	fake.conns[0].WriteMessage(websocket.TextMessage, out)
	fake.mu.Unlock()

	dets, err := ws.Detect(context.Background(), frameRequest(2))
	if err != nil || len(dets) != 1 {
		t.Fatalf("Detect() seq 2 = %v, %v", dets, err)
	}

	deadline := time.Now().Add(time.Second)
	for ws.Stats().Stale == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ws.Stats().Stale != 1 {
		t.Errorf("Stale = %d, want 1", ws.Stats().Stale)
	}
}

func TestWebSocket_RedialsAfterDrop(t *testing.T) {
	fake, url := startFake(t, oneFace)

	ws := NewWebSocket(WebSocketConfig{URL: url}, nil)
	defer ws.Close()

	if _, err := ws.Detect(context.Background(), frameRequest(1)); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	fake.dropAll()
	deadline := time.Now().Add(time.Second)
	for ws.Stats().Connected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := ws.Detect(context.Background(), frameRequest(2)); err != nil {
		t.Fatalf("Detect() after drop error = %v", err)
	}
	if d := ws.Stats().Dials; d != 2 {
		t.Errorf("Dials = %d, want 2", d)
	}
}

func TestWebSocket_DialFailure(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1/none", DialTimeout: 200 * time.Millisecond}, nil)
	defer ws.Close()

	_, err := ws.Detect(context.Background(), frameRequest(1))
	var de *detection.Error
	if !errors.As(err, &de) {
		t.Errorf("Detect() error = %v, want *detection.Error", err)
	}
}

func TestWebSocket_Closed(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1/none"}, nil)
	ws.Close()

	if _, err := ws.Detect(context.Background(), frameRequest(1)); !errors.Is(err, detection.ErrClosed) {
		t.Errorf("Detect() error = %v, want ErrClosed", err)
	}
}
