// Package events publishes tracking lifecycle events to external
// subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names an event
type Type string

const (
	TrackConfirmed  Type = "track.confirmed"
	TrackLost       Type = "track.lost"
	SessionSnapshot Type = "session.snapshot"
	SessionStarted  Type = "session.started"
	ProfileChanged  Type = "profile.changed"
	StatusChanged   Type = "status.changed"
)

// Event is one lifecycle notification
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// JSON returns the wire payload
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish must not block for long; slow
// transports wrap themselves in Async.
type Publisher interface {
	Publish(e Event) error
	Close()
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Publish implements Publisher.
func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Events returns the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Closed reports whether Close was called
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
