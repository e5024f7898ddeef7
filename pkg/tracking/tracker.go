// Package tracking correlates per-frame face detections into stable,
// session-local identities.
//
// Each Update pairs the active tracks with the new detections by greedy
// IoU association, smooths matched tracks, ages unmatched ones and opens a
// Tentative track for every unmatched detection. Identifiers are
// monotonically increasing and never reused, even across Reset.
package tracking

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
)

// StepResult is the outcome of one tracking cycle
type StepResult struct {
	Tracks   []TrackedFace // Active tracks after the update, by ID
	Promoted []TrackedFace // Tracks that became Confirmed this cycle
	Lost     []TrackedFace // Tracks removed this cycle, in state Lost
}

// Confirmed returns the Confirmed active tracks
func (r StepResult) Confirmed() []TrackedFace {
	return ConfirmedOnly(r.Tracks)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithProfile caps active tracks at the source's current MaxFaces
func WithProfile(src performance.Source) Option {
	return func(t *Tracker) { t.profile = src }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// Tracker owns the active track set. All methods are safe for concurrent
// use; each update is applied atomically.
type Tracker struct {
	config  Config
	profile performance.Source
	logger  *slog.Logger

	mu     sync.Mutex
	tracks []*track // ordered by ID
	nextID uint64
}

// New creates a tracker. Invalid config values are replaced by defaults.
func New(cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.BoxAlpha <= 0 || cfg.BoxAlpha > 1 {
		cfg.BoxAlpha = def.BoxAlpha
	}
	if cfg.AttributeAlpha <= 0 || cfg.AttributeAlpha > 1 {
		cfg.AttributeAlpha = def.AttributeAlpha
	}
	if cfg.MinHits < 1 {
		cfg.MinHits = 1
	}
	if cfg.MaxMisses < 0 {
		cfg.MaxMisses = 0
	}

	t := &Tracker{config: cfg}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "tracker")
	return t
}

// Config returns the effective configuration
func (t *Tracker) Config() Config {
	return t.config
}

// Update applies one frame of detections and returns the active tracks.
func (t *Tracker) Update(dets []detection.RawDetection, now time.Time) []TrackedFace {
	return t.Step(dets, now).Tracks
}

// Miss ages every active track by one unmatched frame. A detection timeout
// is applied this way.
func (t *Tracker) Miss(now time.Time) StepResult {
	return t.Step(nil, now)
}

// Step applies one frame of detections and reports lifecycle changes.
func (t *Tracker) Step(dets []detection.RawDetection, now time.Time) StepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res StepResult

	pairs := t.associate(dets)
	trackMatched := make([]bool, len(t.tracks))
	detMatched := make([]bool, len(dets))
	for _, p := range pairs {
		trackMatched[p.track] = true
		detMatched[p.det] = true

		tr := t.tracks[p.track]
		was := tr.face.State
		tr.hit(dets[p.det], now, t.config)
		if was == Tentative && tr.face.State == Confirmed {
			res.Promoted = append(res.Promoted, tr.face.Clone())
			t.logger.Debug("track confirmed", "track_id", tr.face.ID)
		}
	}

	kept := t.tracks[:0]
	for i, tr := range t.tracks {
		if !trackMatched[i] && tr.miss(t.config) {
			res.Lost = append(res.Lost, tr.face.Clone())
			t.logger.Debug("track lost", "track_id", tr.face.ID, "hits", tr.face.Hits)
			continue
		}
		kept = append(kept, tr)
	}
	clearTail(t.tracks, len(kept))
	t.tracks = kept

	for j, d := range dets {
		if detMatched[j] {
			continue
		}
		t.nextID++
		tr := newTrack(t.nextID, d, now)
		if tr.face.HitStreak >= t.config.MinHits {
			tr.face.State = Confirmed
			res.Promoted = append(res.Promoted, tr.face.Clone())
		}
		t.tracks = append(t.tracks, tr)
	}

	res.Lost = append(res.Lost, t.enforceCap()...)
	res.Tracks = t.snapshotLocked()
	return res
}

type pair struct {
	track, det int
	iou        float64
}

// associate returns greedy one-to-one matches in descending IoU order.
// Ties go to the older track, then the earlier detection.
func (t *Tracker) associate(dets []detection.RawDetection) []pair {
	var cands []pair
	for i, tr := range t.tracks {
		for j, d := range dets {
			iou := tr.face.BBox.IoU(d.BBox)
			if iou >= t.config.MatchThreshold {
				cands = append(cands, pair{track: i, det: j, iou: iou})
			}
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].iou != cands[b].iou {
			return cands[a].iou > cands[b].iou
		}
		if cands[a].track != cands[b].track {
			return cands[a].track < cands[b].track
		}
		return cands[a].det < cands[b].det
	})

	usedTrack := make(map[int]bool, len(t.tracks))
	usedDet := make(map[int]bool, len(dets))
	var out []pair
	for _, c := range cands {
		if usedTrack[c.track] || usedDet[c.det] {
			continue
		}
		usedTrack[c.track] = true
		usedDet[c.det] = true
		out = append(out, c)
	}
	return out
}

func (t *Tracker) maxFaces() int {
	if t.profile != nil {
		if n := t.profile.CurrentProfile().MaxFaces; n > 0 {
			return n
		}
	}
	return t.config.MaxFaces
}

// enforceCap drops the lowest-priority tracks above maxFaces. Priority is
// hitStreak, then lastSeenAt, then the lower ID.
func (t *Tracker) enforceCap() []TrackedFace {
	limit := t.maxFaces()
	if limit <= 0 || len(t.tracks) <= limit {
		return nil
	}

	ranked := make([]*track, len(t.tracks))
	copy(ranked, t.tracks)
	sort.Slice(ranked, func(a, b int) bool {
		fa, fb := ranked[a].face, ranked[b].face
		if fa.HitStreak != fb.HitStreak {
			return fa.HitStreak > fb.HitStreak
		}
		if !fa.LastSeenAt.Equal(fb.LastSeenAt) {
			return fa.LastSeenAt.After(fb.LastSeenAt)
		}
		return fa.ID < fb.ID
	})

	drop := make(map[uint64]bool, len(ranked)-limit)
	var lost []TrackedFace
	for _, tr := range ranked[limit:] {
		tr.face.State = Lost
		drop[tr.face.ID] = true
		lost = append(lost, tr.face.Clone())
	}

	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if !drop[tr.face.ID] {
			kept = append(kept, tr)
		}
	}
	clearTail(t.tracks, len(kept))
	t.tracks = kept

	t.logger.Debug("track cap enforced", "max_faces", limit, "dropped", len(lost))
	return lost
}

// clearTail nils out pointers past n so dropped tracks can be collected
func clearTail(s []*track, n int) {
	for i := n; i < len(s); i++ {
		s[i] = nil
	}
}

func (t *Tracker) snapshotLocked() []TrackedFace {
	out := make([]TrackedFace, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = tr.face.Clone()
	}
	return out
}

// Active returns a snapshot of the active tracks, by ID
func (t *Tracker) Active() []TrackedFace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Len returns the number of active tracks
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Reset drops every track. The ID counter is kept so identifiers are
// never reused.
func (t *Tracker) Reset() []TrackedFace {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := make([]TrackedFace, len(t.tracks))
	for i, tr := range t.tracks {
		tr.face.State = Lost
		dropped[i] = tr.face.Clone()
	}
	t.tracks = nil
	return dropped
}
