// Package store persists session statistics and retired tracks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/session"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

var (
	// ErrUnknownDriver is returned by Open for an unsupported driver name
	ErrUnknownDriver = errors.New("store: unknown driver")

	// ErrNotFound is returned when a session does not exist
	ErrNotFound = errors.New("store: not found")
)

// Record is the persisted state of one session
type Record struct {
	SessionID string             `json:"session_id"`
	Stats     session.Statistics `json:"stats"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TrackRecord is one Confirmed track written when it is retired
type TrackRecord struct {
	TrackID         uint64    `json:"track_id"`
	SessionID       string    `json:"session_id"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Age             *float64  `json:"age,omitempty"`
	Gender          string    `json:"gender,omitempty"`
	DominantEmotion string    `json:"dominant_emotion,omitempty"`
	Hits            int       `json:"hits"`
}

// NewTrackRecord converts a retired face
func NewTrackRecord(sessionID string, f tracking.TrackedFace) TrackRecord {
	return TrackRecord{
		TrackID:         f.ID,
		SessionID:       sessionID,
		FirstSeenAt:     f.FirstSeenAt,
		LastSeenAt:      f.LastSeenAt,
		Age:             f.Age,
		Gender:          f.Gender,
		DominantEmotion: f.DominantEmotion,
		Hits:            f.Hits,
	}
}

// Store is a session persistence backend
type Store interface {
	// SaveSession inserts or replaces the session's record
	SaveSession(ctx context.Context, r Record) error

	// SaveTrack records a retired track
	SaveTrack(ctx context.Context, t TrackRecord) error

	// GetSession returns one session, or ErrNotFound
	GetSession(ctx context.Context, id string) (Record, error)

	// ListSessions returns up to limit sessions, most recently updated first
	ListSessions(ctx context.Context, limit int) ([]Record, error)

	// ListTracks returns the retired tracks of a session by track ID
	ListTracks(ctx context.Context, sessionID string) ([]TrackRecord, error)

	Close() error
}

// Open connects to a backend by driver name: "sqlite" (dsn is a file
// path), "postgres" (dsn is a connection string) or "memory".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, dsn)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// statsColumns are the JSON-encoded map columns shared by the SQL backends
type statsColumns struct {
	emotions []byte
	genders  []byte
}

func encodeStats(s session.Statistics) (statsColumns, error) {
	e, err := json.Marshal(nonNil(s.Emotions))
	if err != nil {
		return statsColumns{}, fmt.Errorf("store: encode emotions: %w", err)
	}
	g, err := json.Marshal(nonNil(s.Genders))
	if err != nil {
		return statsColumns{}, fmt.Errorf("store: encode genders: %w", err)
	}
	return statsColumns{emotions: e, genders: g}, nil
}

func decodeStats(s *session.Statistics, emotions, genders []byte) error {
	if err := json.Unmarshal(emotions, &s.Emotions); err != nil {
		return fmt.Errorf("store: decode emotions: %w", err)
	}
	if err := json.Unmarshal(genders, &s.Genders); err != nil {
		return fmt.Errorf("store: decode genders: %w", err)
	}
	return nil
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
