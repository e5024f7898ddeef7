// Package protocol defines the WebSocket message types exchanged with
// detection services and browser capture clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Engine → detection service, browser → engine
	TypeFrame      MessageType = "frame"      // Encoded frame
	TypeVisibility MessageType = "visibility" // Page visibility change

	// Detection service → engine
	TypeFaceDetected     MessageType = "face_detected"     // Raw detections
	TypeAnalysisComplete MessageType = "analysis_complete" // Detections with full attributes
	TypeNoFaces          MessageType = "no_faces_detected" // Empty result
	TypeError            MessageType = "error"             // Provider failure

	// Engine → clients
	TypeProfile MessageType = "profile" // Performance profile update
	TypeOutput  MessageType = "output"  // Per-cycle engine output

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the wrapper for all WebSocket messages. Detection replies
// carry faces inline; everything else puts its payload in Data.
type Message struct {
	Type      MessageType         `json:"type"`
	Timestamp int64               `json:"timestamp,omitempty"` // Unix milliseconds
	Seq       uint64              `json:"seq,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty"`
	Features  *detection.Features `json:"features,omitempty"`
	Faces     []detection.Wire    `json:"faces,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s data: %w", msgType, err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("protocol: parse %s data: %w", m.Type, err)
	}
	return nil
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: message has no type")
	}
	return &msg, nil
}

// IsDetectionReply reports whether the message answers a frame.
func (m *Message) IsDetectionReply() bool {
	switch m.Type {
	case TypeFaceDetected, TypeAnalysisComplete, TypeNoFaces, TypeError:
		return true
	}
	return false
}

// Detections converts a detection reply into raw detections.
// no_faces_detected yields an empty list; error replies, unknown types and
// malformed faces yield a *detection.Error.
func (m *Message) Detections(provider string) ([]detection.RawDetection, error) {
	switch m.Type {
	case TypeNoFaces:
		return []detection.RawDetection{}, nil
	case TypeFaceDetected, TypeAnalysisComplete:
		dets, err := detection.DecodeAll(m.Faces)
		if err != nil {
			return nil, detection.WrapError(provider, err)
		}
		return dets, nil
	case TypeError:
		reason := m.Error
		if reason == "" {
			reason = "unspecified provider error"
		}
		return nil, detection.WrapError(provider, fmt.Errorf("error reply: %s", reason))
	default:
		return nil, detection.WrapError(provider, fmt.Errorf("unexpected reply type %q", m.Type))
	}
}

// VisibilityData reports whether the capturing page is visible
type VisibilityData struct {
	Visible bool `json:"visible"`
}

// ProfileData is the subset of the performance profile a capture client
// needs to adapt its own loop.
type ProfileData struct {
	Quality         string  `json:"quality"`
	TargetFPS       float64 `json:"target_fps"`
	MaxFaces        int     `json:"max_faces"`
	EnableAgeGender bool    `json:"enable_age_gender"`
	EnableEmotion   bool    `json:"enable_emotion"`
	FrameWidth      int     `json:"frame_width"`
	JPEGQuality     int     `json:"jpeg_quality"`
}

// PingData contains ping information
type PingData struct {
	ID string `json:"id"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
