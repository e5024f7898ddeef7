package ingest

import (
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

type visibility struct {
	mu     sync.Mutex
	states []bool
}

func (v *visibility) SetVisible(visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.states = append(v.states, visible)
}

func (v *visibility) last() (bool, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.states) == 0 {
		return false, 0
	}
	return v.states[len(v.states)-1], len(v.states)
}

// serve starts app on a free local port and returns its ws base URL.
func serve(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newApp(h *Hub) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.RegisterRoutes(app)
	h.RegisterAPIRoutes(app.Group("/api"))
	return app
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	return msg
}

func TestClientConnection(t *testing.T) {
	h := NewHub(capture.NewPush())
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/laptop")
	eventually(t, "client registration", func() bool { return h.ClientCount() == 1 })

	if h.Client("laptop") == nil {
		t.Error("Client(laptop) = nil, want connected client")
	}

	ws.Close()
	eventually(t, "client removal", func() bool { return h.ClientCount() == 0 })
}

func TestGeneratedClientID(t *testing.T) {
	h := NewHub(capture.NewPush())
	base := serve(t, newApp(h))

	dial(t, base+"/ws/capture")
	eventually(t, "client registration", func() bool { return h.ClientCount() == 1 })

	infos := h.ClientInfos()
	if len(infos) != 1 || len(infos[0].ID) != 36 {
		t.Errorf("ClientInfos() = %+v, want one uuid client", infos)
	}
}

func TestFrameIngest(t *testing.T) {
	push := capture.NewPush()
	h := NewHub(push)
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/cam")

	ts := time.UnixMilli(1_700_000_000_000)
	msg, _ := protocol.NewFrameMessage([]byte("jpeg-bytes"), 1, ts, detection.Features{})
	data, _ := msg.Bytes()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	eventually(t, "frame offered", func() bool { return push.Stats().Offered == 1 })

	f, err := push.Capture(capture.Encoding{})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if string(f.Data) != "jpeg-bytes" || !f.CapturedAt.Equal(ts) {
		t.Errorf("Capture() = %q at %v, want jpeg-bytes at %v", f.Data, f.CapturedAt, ts)
	}
	if s := h.Stats(); s.FramesReceived != 1 || s.MessagesReceived != 1 {
		t.Errorf("Stats() = %+v, want 1 frame, 1 message", s)
	}
}

func TestFrameRejected(t *testing.T) {
	push := capture.NewPush()
	h := NewHub(push)
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/cam")
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"frame","data":"%%%"}`))

	eventually(t, "frame rejected", func() bool { return h.Stats().FramesRejected == 1 })
	if push.Stats().Offered != 0 {
		t.Error("rejected frame reached the mailbox")
	}
}

func TestVisibility(t *testing.T) {
	vis := &visibility{}
	h := NewHub(capture.NewPush(), WithVisibility(vis))
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/cam")

	for _, v := range []bool{false, true} {
		msg, _ := protocol.NewVisibilityMessage(v)
		data, _ := msg.Bytes()
		ws.WriteMessage(websocket.TextMessage, data)
	}

	eventually(t, "visibility updates", func() bool {
		_, n := vis.last()
		return n == 2
	})
	if got, _ := vis.last(); !got {
		t.Errorf("last visibility = %v, want true", got)
	}
}

func TestProfileOnConnectAndPush(t *testing.T) {
	p := performance.DefaultLadder().Profile(0, performance.DeviceHigh)
	h := NewHub(capture.NewPush(), WithProfile(performance.Static(p)))
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/cam")

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeProfile {
		t.Fatalf("Type = %s, want profile", msg.Type)
	}
	data, err := msg.GetProfileData()
	if err != nil {
		t.Fatalf("GetProfileData() error = %v", err)
	}
	if data.Quality != "high" || data.FrameWidth != 640 || data.JPEGQuality != 85 {
		t.Errorf("profile = %+v, want high/640/85", data)
	}

	low := performance.DefaultLadder().Profile(4, performance.DeviceHigh)
	h.PushProfile(low)

	msg = readMessage(t, ws)
	data, _ = msg.GetProfileData()
	if msg.Type != protocol.TypeProfile || data.Quality != "low" || data.EnableEmotion {
		t.Errorf("pushed profile = %s %+v, want low without emotion", msg.Type, data)
	}
}

func TestPingPong(t *testing.T) {
	h := NewHub(capture.NewPush())
	base := serve(t, newApp(h))

	ws := dial(t, base+"/ws/capture/ping-test")

	msg, _ := protocol.NewPingMessage("p1")
	data, _ := msg.Bytes()
	ws.WriteMessage(websocket.TextMessage, data)

	resp := readMessage(t, ws)
	if resp.Type != protocol.TypePong {
		t.Fatalf("Type = %s, want pong", resp.Type)
	}
	pong, _ := resp.GetPongData()
	if pong.ID != "p1" || pong.PingTS != msg.Timestamp {
		t.Errorf("pong = %+v, want id p1 echoing %d", pong, msg.Timestamp)
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	h := NewHub(capture.NewPush())
	msg, _ := protocol.NewPingMessage("x")
	h.Broadcast(msg)
	if s := h.Stats(); s.MessagesSent != 0 || s.MessagesDropped != 0 {
		t.Errorf("Stats() = %+v, want nothing sent", s)
	}
}

func TestPushProfileDoesNotBlock(t *testing.T) {
	h := NewHub(capture.NewPush())

	// A client whose socket never drains: nothing reads its queue.
	stalled := newClient("stalled", nil, time.Now())
	h.mu.Lock()
	h.clients[stalled.ID] = stalled
	h.mu.Unlock()

	p := performance.DefaultLadder().Profile(2, performance.DeviceMid)
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+5; i++ {
			h.PushProfile(p)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PushProfile() blocked on a stalled client")
	}

	s := h.Stats()
	if s.MessagesSent != sendBuffer || s.MessagesDropped != 5 {
		t.Errorf("Stats() sent/dropped = %d/%d, want %d/5", s.MessagesSent, s.MessagesDropped, sendBuffer)
	}

	close(stalled.done)
	if stalled.enqueue([]byte("{}")) {
		t.Error("enqueue() succeeded after the client was gone")
	}
}

func TestVisibilityAcrossClients(t *testing.T) {
	vis := &visibility{}
	h := NewHub(capture.NewPush(), WithVisibility(vis))
	base := serve(t, newApp(h))

	a := dial(t, base+"/ws/capture/a")
	b := dial(t, base+"/ws/capture/b")
	eventually(t, "two clients", func() bool { return h.ClientCount() == 2 })

	setVisible := func(ws *websocket.Conn, v bool) {
		t.Helper()
		msg, _ := protocol.NewVisibilityMessage(v)
		data, _ := msg.Bytes()
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	expect := func(n int, want bool) {
		t.Helper()
		eventually(t, "visibility update", func() bool {
			_, got := vis.last()
			return got == n
		})
		if got, _ := vis.last(); got != want {
			t.Errorf("visibility update %d = %v, want %v", n, got, want)
		}
	}

	setVisible(a, false)
	expect(1, true) // b is still visible

	setVisible(b, false)
	expect(2, false)

	setVisible(a, true)
	expect(3, true)

	setVisible(b, false)
	expect(4, true)

	// A hidden client leaving re-evaluates the rest; with nobody left
	// capture resumes.
	setVisible(a, false)
	expect(5, false)
	a.Close()
	expect(6, false)
	b.Close()
	expect(7, true)
}

func TestAPIClients(t *testing.T) {
	h := NewHub(capture.NewPush())
	app := newApp(h)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/clients", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"clients"`) {
		t.Errorf("body = %s, want clients field", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/clients/stats", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Clients != 0 {
		t.Errorf("Stats.Clients = %d, want 0", stats.Clients)
	}
}

func TestUpgradeRequired(t *testing.T) {
	app := newApp(NewHub(capture.NewPush()))
	resp, err := app.Test(httptest.NewRequest("GET", "/ws/capture", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Status = %d, want 426", resp.StatusCode)
	}
}
