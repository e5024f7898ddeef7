package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken completes immediately with err
type fakeToken struct {
	err   error
	stuck bool
}

func (t fakeToken) Wait() bool                     { return !t.stuck }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.stuck }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records publishes. Unused mqtt.Client methods panic.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	token     fakeToken
	connected bool
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return c.token
}

func newTestMQTT(client *fakeClient) *MQTT {
	m := NewMQTT(DefaultMQTTConfig(), nil)
	m.client = client
	m.setConnected(client.connected)
	return m
}

func TestMQTT_Publish(t *testing.T) {
	fc := &fakeClient{connected: true}
	m := newTestMQTT(fc)

	e := Event{Type: TrackConfirmed, SessionID: "s1", Time: time.Unix(100, 0).UTC(), Data: map[string]any{"track_id": 4}}
	if err := m.Publish(e); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := m.Publish(e); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if fc.topics[0] != "facetrack/s1/track.confirmed" {
		t.Errorf("topic = %q, want facetrack/s1/track.confirmed", fc.topics[0])
	}
	var got Event
	if err := json.Unmarshal(fc.payloads[0], &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got.Type != TrackConfirmed || got.SessionID != "s1" {
		t.Errorf("payload = %+v", got)
	}

	st := m.Stats()
	if !st.Connected || st.Published["facetrack/s1/track.confirmed"] != 2 || st.Errors != 0 {
		t.Errorf("Stats() = %+v", st)
	}

	m.Close()
	if fc.connected || m.Stats().Connected {
		t.Error("Close() did not disconnect")
	}
}

func TestMQTT_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{"not connected", &fakeClient{}},
		{"broker error", &fakeClient{connected: true, token: fakeToken{err: errors.New("denied")}}},
		{"timeout", &fakeClient{connected: true, token: fakeToken{stuck: true}}},
	}
	for _, tt := range tests {
		m := newTestMQTT(tt.client)
		if err := m.Publish(Event{Type: TrackLost}); err == nil {
			t.Errorf("%s: Publish() succeeded", tt.name)
		}
		if m.Stats().Errors != 1 {
			t.Errorf("%s: Errors = %d, want 1", tt.name, m.Stats().Errors)
		}
	}

	m := newTestMQTT(&fakeClient{})
	if err := m.Publish(Event{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestMQTT_Topic(t *testing.T) {
	m := NewMQTT(MQTTConfig{TopicPrefix: "lobby/cam1"}, nil)
	if got := m.Topic(Event{Type: StatusChanged}); got != "lobby/cam1/_/status.changed" {
		t.Errorf("Topic() = %q", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("brokerURL() = %q", got)
	}
	if got := brokerURL("broker:1883"); got != "tcp://broker:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
}

// blockingPublisher holds every Publish until release is closed
type blockingPublisher struct {
	Recorder
	release chan struct{}
}

func (b *blockingPublisher) Publish(e Event) error {
	<-b.release
	return b.Recorder.Publish(e)
}

func TestAsync(t *testing.T) {
	bp := &blockingPublisher{release: make(chan struct{})}
	a := NewAsync(bp, 2, nil)

	// One event is taken by the worker, two fill the queue, the rest drop.
	var dropped int
	for i := 0; i < 10; i++ {
		if err := a.Publish(Event{Type: SessionSnapshot}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	if dropped < 7 || uint64(dropped) != a.Dropped() {
		t.Errorf("dropped %d (Dropped() = %d), want at least 7", dropped, a.Dropped())
	}

	close(bp.release)
	a.Close()

	if got := len(bp.Events()); got != 10-dropped {
		t.Errorf("delivered %d events, want %d", got, 10-dropped)
	}
	if !bp.Closed() {
		t.Error("Close() did not close the wrapped publisher")
	}
	if err := a.Publish(Event{}); err != nil {
		t.Errorf("Publish() after Close error = %v", err)
	}
	a.Close()
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(Event{Type: TrackConfirmed})
	r.Publish(Event{Type: TrackLost})
	r.Publish(Event{Type: TrackConfirmed})

	if len(r.Events()) != 3 || len(r.OfType(TrackConfirmed)) != 2 {
		t.Errorf("Events() = %v", r.Events())
	}

	var p Publisher = Nop{}
	if err := p.Publish(Event{}); err != nil {
		t.Errorf("Nop.Publish() = %v", err)
	}
}
