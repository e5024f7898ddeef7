// Package session accumulates statistics over the Confirmed tracks of one
// tracking session.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

// Statistics is a point-in-time view of a session. Counts only grow until
// the session is restarted.
type Statistics struct {
	SessionID        string    `json:"session_id"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TotalUniqueFaces int       `json:"total_unique_faces"`
	PeakFaces        int       `json:"peak_faces"` // Most Confirmed faces in one frame
	Frames           uint64    `json:"frames"`     // Observe calls

	AgeSamples int     `json:"age_samples"`
	MeanAge    float64 `json:"mean_age"`
	AgeStdDev  float64 `json:"age_stddev"`

	Emotions map[string]int `json:"emotions"` // Dominant-emotion changes per label
	Genders  map[string]int `json:"genders"`  // Gender label changes per label
}

// DominantEmotion returns the most frequent emotion, "" when none
func (s Statistics) DominantEmotion() string {
	best, n := "", 0
	for label, c := range s.Emotions {
		if c > n || (c == n && label < best) {
			best, n = label, c
		}
	}
	return best
}

// face is what one identifier currently contributes
type face struct {
	age     *float64
	gender  string
	emotion string
}

// Aggregator consumes Confirmed track snapshots. Every identifier is
// counted once; its age and gender contribution follows its latest
// smoothed estimate and its emotion is counted each time the dominant
// label changes.
type Aggregator struct {
	mu    sync.RWMutex
	stats Statistics
	faces map[uint64]*face

	// Welford state over per-face ages
	n    int
	mean float64
	m2   float64
}

// New starts a session with a fresh identifier
func New(now time.Time) *Aggregator {
	a := &Aggregator{}
	a.reset(uuid.NewString(), now)
	return a
}

// Restart discards all statistics and starts a new session. An empty id
// gets a generated one. Returns the new session identifier.
func (a *Aggregator) Restart(id string, now time.Time) string {
	if id == "" {
		id = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset(id, now)
	return id
}

func (a *Aggregator) reset(id string, now time.Time) {
	a.stats = Statistics{
		SessionID: id,
		StartedAt: now,
		UpdatedAt: now,
		Emotions:  make(map[string]int),
		Genders:   make(map[string]int),
	}
	a.faces = make(map[uint64]*face)
	a.n, a.mean, a.m2 = 0, 0, 0
}

// SessionID returns the current session identifier
func (a *Aggregator) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.SessionID
}

// Observe folds one frame's Confirmed tracks into the session. Tracks in
// any other state are ignored.
func (a *Aggregator) Observe(confirmed []tracking.TrackedFace, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Frames++
	a.stats.UpdatedAt = now

	count := 0
	for _, t := range confirmed {
		if t.State != tracking.Confirmed {
			continue
		}
		count++

		f, seen := a.faces[t.ID]
		if !seen {
			f = &face{}
			a.faces[t.ID] = f
			a.stats.TotalUniqueFaces++
		}

		if t.Age != nil {
			a.observeAge(f, *t.Age)
		}
		if t.Gender != "" && t.Gender != f.gender {
			a.stats.Genders[t.Gender]++
			f.gender = t.Gender
		}
		if t.DominantEmotion != "" && t.DominantEmotion != f.emotion {
			a.stats.Emotions[t.DominantEmotion]++
			f.emotion = t.DominantEmotion
		}
	}

	if count > a.stats.PeakFaces {
		a.stats.PeakFaces = count
	}
}

// observeAge replaces the face's previous age sample, if any, with age.
func (a *Aggregator) observeAge(f *face, age float64) {
	if f.age != nil {
		if *f.age == age {
			return
		}
		a.remove(*f.age)
	}
	a.add(age)
	f.age = &age

	a.stats.AgeSamples = a.n
	a.stats.MeanAge = a.mean
	a.stats.AgeStdDev = 0
	if a.n > 1 {
		a.stats.AgeStdDev = math.Sqrt(a.m2 / float64(a.n-1))
	}
}

func (a *Aggregator) add(x float64) {
	a.n++
	d := x - a.mean
	a.mean += d / float64(a.n)
	a.m2 += d * (x - a.mean)
}

func (a *Aggregator) remove(x float64) {
	if a.n <= 1 {
		a.n, a.mean, a.m2 = 0, 0, 0
		return
	}
	prev := a.mean
	a.mean = (float64(a.n)*prev - x) / float64(a.n-1)
	a.m2 -= (x - a.mean) * (x - prev)
	if a.m2 < 0 {
		a.m2 = 0
	}
	a.n--
}

// Snapshot returns a copy of the current statistics
func (a *Aggregator) Snapshot() Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := a.stats
	s.Emotions = make(map[string]int, len(a.stats.Emotions))
	for k, v := range a.stats.Emotions {
		s.Emotions[k] = v
	}
	s.Genders = make(map[string]int, len(a.stats.Genders))
	for k, v := range a.stats.Genders {
		s.Genders[k] = v
	}
	return s
}
