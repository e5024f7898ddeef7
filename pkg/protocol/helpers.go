package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewFrameMessage creates a frame message from encoded image bytes. The
// timestamp doubles as the correlation key echoed by detection services.
func NewFrameMessage(frame []byte, seq uint64, ts time.Time, features detection.Features) (*Message, error) {
	raw, err := json.Marshal(base64.StdEncoding.EncodeToString(frame))
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	f := features
	return &Message{
		Type:      TypeFrame,
		Timestamp: ts.UnixMilli(),
		Seq:       seq,
		Data:      raw,
		Features:  &f,
	}, nil
}

// NewDetectionReply creates the reply a detection service sends for a
// frame. An empty list becomes no_faces_detected.
func NewDetectionReply(req *Message, dets []detection.RawDetection, full bool) *Message {
	msg := &Message{Seq: req.Seq, Timestamp: req.Timestamp}
	switch {
	case len(dets) == 0:
		msg.Type = TypeNoFaces
	case full:
		msg.Type = TypeAnalysisComplete
	default:
		msg.Type = TypeFaceDetected
	}
	for _, d := range dets {
		msg.Faces = append(msg.Faces, detection.ToWire(d))
	}
	return msg
}

// NewErrorReply creates an error reply for a frame.
func NewErrorReply(req *Message, reason string) *Message {
	return &Message{Type: TypeError, Seq: req.Seq, Timestamp: req.Timestamp, Error: reason}
}

// NewVisibilityMessage creates a visibility message
func NewVisibilityMessage(visible bool) (*Message, error) {
	return NewMessage(TypeVisibility, VisibilityData{Visible: visible})
}

// NewProfileMessage creates a profile update message
func NewProfileMessage(p ProfileData) (*Message, error) {
	return NewMessage(TypeProfile, p)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// FrameBytes decodes the base64 image carried by a frame message. A
// data-URL prefix ("data:image/jpeg;base64,") as produced by browser
// canvases is accepted.
func (m *Message) FrameBytes() ([]byte, error) {
	if m.Type != TypeFrame {
		return nil, fmt.Errorf("protocol: %s message carries no frame", m.Type)
	}
	var encoded string
	if err := json.Unmarshal(m.Data, &encoded); err != nil {
		return nil, fmt.Errorf("protocol: frame data is not a string: %w", err)
	}
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("protocol: empty frame")
	}
	return frame, nil
}

// Time returns the message timestamp as a time.Time, or the zero time.
func (m *Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// GetVisibilityData extracts visibility data from a message
func (m *Message) GetVisibilityData() (*VisibilityData, error) {
	var data VisibilityData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetProfileData extracts profile data from a message
func (m *Message) GetProfileData() (*ProfileData, error) {
	var data ProfileData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
