package tracking

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
)

// State is a track's lifecycle stage. Transitions only go forward.
type State int

const (
	Tentative State = iota
	Confirmed
	Lost
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Tentative:
		return "tentative"
	case Confirmed:
		return "confirmed"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "tentative":
		*s = Tentative
	case "confirmed":
		*s = Confirmed
	case "lost":
		*s = Lost
	default:
		return fmt.Errorf("tracking: unknown state %q", b)
	}
	return nil
}

// TrackedFace is one face followed across frames. Values handed out by the
// tracker are snapshots; mutating them does not affect the tracker.
type TrackedFace struct {
	ID         uint64         `json:"id"`
	BBox       detection.BBox `json:"bbox"`
	Confidence float64        `json:"confidence"`

	Age              *float64           `json:"age,omitempty"`
	AgeConfidence    float64            `json:"age_confidence,omitempty"`
	Gender           string             `json:"gender,omitempty"`
	GenderConfidence float64            `json:"gender_confidence,omitempty"`
	Emotions         map[string]float64 `json:"emotions,omitempty"`
	DominantEmotion  string             `json:"dominant_emotion,omitempty"`

	State      State `json:"state"`
	HitStreak  int   `json:"hit_streak"`
	MissStreak int   `json:"miss_streak"`
	Hits       int   `json:"hits"` // Total matched frames

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Clone returns a deep copy
func (f TrackedFace) Clone() TrackedFace {
	if f.Age != nil {
		age := *f.Age
		f.Age = &age
	}
	if f.Emotions != nil {
		m := make(map[string]float64, len(f.Emotions))
		for k, v := range f.Emotions {
			m[k] = v
		}
		f.Emotions = m
	}
	return f
}

// ConfirmedOnly returns the Confirmed faces in tracks
func ConfirmedOnly(tracks []TrackedFace) []TrackedFace {
	out := make([]TrackedFace, 0, len(tracks))
	for _, t := range tracks {
		if t.State == Confirmed {
			out = append(out, t)
		}
	}
	return out
}

// track is the tracker's mutable record behind a TrackedFace
type track struct {
	face   TrackedFace
	gender map[string]float64 // smoothed per-label gender evidence
}

func newTrack(id uint64, d detection.RawDetection, now time.Time) *track {
	t := &track{
		face: TrackedFace{
			ID:          id,
			BBox:        d.BBox,
			Confidence:  d.Confidence,
			State:       Tentative,
			HitStreak:   1,
			Hits:        1,
			FirstSeenAt: now,
			LastSeenAt:  now,
		},
	}
	if d.Age != nil {
		age := *d.Age
		t.face.Age = &age
		t.face.AgeConfidence = d.AgeConfidence
	}
	if d.Gender != "" {
		t.gender = map[string]float64{d.Gender: d.GenderConfidence}
		t.face.Gender = d.Gender
		t.face.GenderConfidence = d.GenderConfidence
	}
	if d.HasEmotions() {
		t.face.Emotions = blend(nil, d.Emotions, 1)
		t.face.DominantEmotion = detection.Dominant(t.face.Emotions)
	}
	return t
}

// hit folds a matched detection into the track.
func (t *track) hit(d detection.RawDetection, now time.Time, cfg Config) {
	f := &t.face
	f.BBox = f.BBox.Blend(d.BBox, cfg.BoxAlpha)
	f.Confidence = ema(f.Confidence, d.Confidence, cfg.BoxAlpha)

	if d.Age != nil {
		if f.Age == nil {
			age := *d.Age
			f.Age = &age
			f.AgeConfidence = d.AgeConfidence
		} else {
			age := ema(*f.Age, *d.Age, cfg.AttributeAlpha)
			f.Age = &age
			f.AgeConfidence = ema(f.AgeConfidence, d.AgeConfidence, cfg.AttributeAlpha)
		}
	}

	if d.Gender != "" {
		t.gender = vote(t.gender, d.Gender, d.GenderConfidence, cfg.AttributeAlpha)
		f.Gender = detection.Dominant(t.gender)
		f.GenderConfidence = t.gender[f.Gender]
	}

	if d.HasEmotions() {
		alpha := cfg.AttributeAlpha
		if len(f.Emotions) == 0 {
			alpha = 1
		}
		f.Emotions = blend(f.Emotions, d.Emotions, alpha)
		f.DominantEmotion = detection.Dominant(f.Emotions)
	}

	f.HitStreak++
	f.Hits++
	f.MissStreak = 0
	f.LastSeenAt = now
	if f.State == Tentative && f.HitStreak >= cfg.MinHits {
		f.State = Confirmed
	}
}

// miss records an unmatched frame and reports whether the track is now Lost.
// Position is left where it was last seen.
func (t *track) miss(cfg Config) bool {
	t.face.MissStreak++
	t.face.HitStreak = 0
	if t.face.MissStreak > cfg.MaxMisses {
		t.face.State = Lost
		return true
	}
	return false
}
