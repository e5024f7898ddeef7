// Package ingest accepts frames from remote capture clients, typically a
// browser page streaming its camera over WebSocket.
//
// Each client sends frame messages (base64 JPEG) and visibility messages.
// Frames land in a single-slot mailbox read by the scheduler. Capture is
// suspended only while every connected client is hidden. Clients are told
// whenever the performance profile changes so they can adapt their own
// capture loop; those writes go through a per-client queue and never block
// the caller.
package ingest

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
)

const (
	// writeWait bounds a single write to a client
	writeWait = 2 * time.Second

	// sendBuffer is the per-client outbound queue; messages beyond it are dropped
	sendBuffer = 16
)

// FrameSink receives decoded client frames. *capture.Push implements it.
type FrameSink interface {
	Offer(capture.Frame)
}

// VisibilitySink is told when a client's page is hidden or shown.
type VisibilitySink interface {
	SetVisible(visible bool)
}

// Client is one connected capture client
type Client struct {
	ID        string
	Connected time.Time
	LastSeen  time.Time
	Frames    uint64
	Hidden    bool

	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed when the connection handler returns

	mu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, now time.Time) *Client {
	return &Client{
		ID:        id,
		Connected: now,
		LastSeen:  now,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue queues data for the write pump. It reports false when the queue
// is full or the client is gone.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump is the only goroutine writing to the connection. A failed
// write closes the connection, which ends the read loop.
func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) hidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Hidden
}

// Hub manages capture client connections
type Hub struct {
	frames     FrameSink
	visibility VisibilitySink
	profile    performance.Source
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	messagesDropped  atomic.Uint64
	framesReceived   atomic.Uint64
	framesRejected   atomic.Uint64
}

// Option configures a Hub
type Option func(*Hub)

// WithVisibility routes visibility messages to v
func WithVisibility(v VisibilitySink) Option {
	return func(h *Hub) {
		h.visibility = v
	}
}

// WithProfile sends the current profile to every client as it connects
func WithProfile(src performance.Source) Option {
	return func(h *Hub) {
		h.profile = src
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a hub that hands frames to frames.
func NewHub(frames FrameSink, opts ...Option) *Hub {
	h := &Hub{
		frames:  frames,
		logger:  slog.Default(),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ingest")
	return h
}

// RegisterRoutes registers the capture WebSocket endpoints.
func (h *Hub) RegisterRoutes(app fiber.Router) {
	app.Get("/ws/capture", requireUpgrade, websocket.New(h.handleClient))
	app.Get("/ws/capture/:id", requireUpgrade, websocket.New(h.handleClient))
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterAPIRoutes registers client listing routes under api.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/clients", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"clients": h.ClientInfos(),
			"count":   h.ClientCount(),
		})
	})
	api.Get("/clients/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.Stats())
	})
}

func (h *Hub) handleClient(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	client := newClient(id, c, time.Now())

	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		old.conn.Close()
	}
	h.clients[id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("capture client connected", "client_id", id, "clients", count)

	go client.writePump()

	defer func() {
		close(client.done)
		h.mu.Lock()
		if h.clients[id] == client {
			delete(h.clients, id)
		}
		count := len(h.clients)
		h.mu.Unlock()
		h.logger.Info("capture client disconnected", "client_id", id, "clients", count)

		if client.hidden() {
			h.updateVisibility()
		}
	}()

	if h.profile != nil {
		if msg, err := protocol.NewProfileMessage(ProfileData(h.profile.CurrentProfile())); err == nil {
			h.send(client, msg)
		}
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("capture client read ended", "client_id", id, "error", err)
			return
		}

		client.mu.Lock()
		client.LastSeen = time.Now()
		client.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(client, data)
	}
}

func (h *Hub) handleMessage(client *Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.logger.Debug("unparseable client message", "client_id", client.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		frame, err := decodeFrame(msg)
		if err != nil {
			h.framesRejected.Add(1)
			h.logger.Debug("frame rejected", "client_id", client.ID, "error", err)
			return
		}
		h.framesReceived.Add(1)
		client.mu.Lock()
		client.Frames++
		client.mu.Unlock()
		if h.frames != nil {
			h.frames.Offer(frame)
		}

	case protocol.TypeVisibility:
		v, err := msg.GetVisibilityData()
		if err != nil {
			h.logger.Debug("bad visibility message", "client_id", client.ID, "error", err)
			return
		}
		client.mu.Lock()
		client.Hidden = !v.Visible
		client.mu.Unlock()
		h.updateVisibility()

	case protocol.TypePing:
		var id string
		if p, err := msg.GetPingData(); err == nil {
			id = p.ID
		}
		pong, err := protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli())
		if err != nil {
			return
		}
		h.send(client, pong)
	}
}

// decodeFrame turns a frame message into a capture frame. Dimensions are
// read from the JPEG header when possible.
func decodeFrame(msg *protocol.Message) (capture.Frame, error) {
	data, err := msg.FrameBytes()
	if err != nil {
		return capture.Frame{}, err
	}
	f := capture.Frame{Data: data, CapturedAt: msg.Time()}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f, nil
}

// updateVisibility tells the sink whether any client is still visible. A
// hub without clients counts as visible.
func (h *Hub) updateVisibility() {
	if h.visibility == nil {
		return
	}
	visible := true
	h.mu.RLock()
	if len(h.clients) > 0 {
		visible = false
		for _, c := range h.clients {
			if !c.hidden() {
				visible = true
				break
			}
		}
	}
	h.mu.RUnlock()
	h.visibility.SetVisible(visible)
}

func (h *Hub) send(client *Client, msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Error("encode client message", "type", msg.Type, "error", err)
		return
	}
	h.sendBytes(client, data)
}

func (h *Hub) sendBytes(client *Client, data []byte) {
	if client.enqueue(data) {
		h.messagesSent.Add(1)
		return
	}
	h.messagesDropped.Add(1)
	h.logger.Warn("capture client queue full, dropping message", "client_id", client.ID)
}

// ProfileData converts a profile into the message sent to clients.
func ProfileData(p performance.Profile) protocol.ProfileData {
	enc := capture.EncodingFor(p.Quality)
	return protocol.ProfileData{
		Quality:         p.Quality.String(),
		TargetFPS:       p.TargetFPS,
		MaxFaces:        p.MaxFaces,
		EnableAgeGender: p.EnableAgeGender,
		EnableEmotion:   p.EnableEmotion,
		FrameWidth:      enc.Width,
		JPEGQuality:     enc.JPEGQuality,
	}
}

// PushProfile queues p for every connected client. It does not wait for
// the writes.
func (h *Hub) PushProfile(p performance.Profile) {
	msg, err := protocol.NewProfileMessage(ProfileData(p))
	if err != nil {
		h.logger.Error("encode profile message", "error", err)
		return
	}
	h.Broadcast(msg)
}

// Broadcast queues a message for all connected clients
func (h *Hub) Broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Error("encode broadcast", "type", msg.Type, "error", err)
		return
	}
	for _, client := range h.Clients() {
		h.sendBytes(client, data)
	}
}

// Client returns a connected client by ID, or nil
func (h *Hub) Client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Clients returns all connected clients
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats contains hub counters
type Stats struct {
	Clients          int    `json:"clients"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesRejected   uint64 `json:"frames_rejected"`
}

// Stats returns hub counters
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:          h.ClientCount(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
		FramesReceived:   h.framesReceived.Load(),
		FramesRejected:   h.framesRejected.Load(),
	}
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
	Hidden    bool      `json:"hidden"`
}

// ClientInfos returns info about all connected clients
func (h *Hub) ClientInfos() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		c.mu.Lock()
		infos = append(infos, ClientInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen,
			Frames:    c.Frames,
			Hidden:    c.Hidden,
		})
		c.mu.Unlock()
	}
	return infos
}
