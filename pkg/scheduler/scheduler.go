// Package scheduler decides when the next frame is captured and sent for
// detection. At most one detection request is outstanding at any time.
package scheduler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
)

// Skip explains why MaybeCapture returned no frame
type Skip int

const (
	SkipNone        Skip = iota // A frame was returned
	SkipInFlight                // Previous request unresolved
	SkipInterval                // Too soon after the last frame
	SkipHidden                  // Capture suspended while hidden
	SkipUnavailable             // Capture source not ready
)

// String returns the skip reason name
func (s Skip) String() string {
	switch s {
	case SkipNone:
		return "none"
	case SkipInFlight:
		return "in_flight"
	case SkipInterval:
		return "interval"
	case SkipHidden:
		return "hidden"
	case SkipUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Config holds scheduler tuning
type Config struct {
	TimeoutFactor float64       `yaml:"timeout_factor"` // Detection timeout as a multiple of the frame interval
	MinTimeout    time.Duration `yaml:"min_timeout"`    // Lower bound on the detection timeout
}

// DefaultConfig returns the recommended scheduler configuration
func DefaultConfig() Config {
	return Config{
		TimeoutFactor: 2,
		MinTimeout:    50 * time.Millisecond,
	}
}

// Frame is a captured frame bound to a sequence number and the profile it
// was captured under.
type Frame struct {
	capture.Frame
	Seq      uint64
	Features detection.Features
	Profile  performance.Profile
}

// Request converts the frame into a detection request.
func (f *Frame) Request() detection.Request {
	return detection.Request{
		Frame:     f.Data,
		Seq:       f.Seq,
		Timestamp: f.CapturedAt,
		Width:     f.Width,
		Height:    f.Height,
		Features:  f.Features,
	}
}

// Pending is the single outstanding detection request
type Pending struct {
	Seq    uint64
	SentAt time.Time
}

// Stats reports scheduler counters
type Stats struct {
	Captured           uint64 `json:"captured"`
	Completed          uint64 `json:"completed"`
	Abandoned          uint64 `json:"abandoned"`
	Stale              uint64 `json:"stale"`
	SkippedInFlight    uint64 `json:"skipped_in_flight"`
	SkippedInterval    uint64 `json:"skipped_interval"`
	SkippedHidden      uint64 `json:"skipped_hidden"`
	SkippedUnavailable uint64 `json:"skipped_unavailable"`
}

// Scheduler gates frame capture on visibility, the pending slot and the
// profile's frame interval.
type Scheduler struct {
	config  Config
	source  capture.Source
	profile performance.Source
	logger  *slog.Logger

	mu         sync.Mutex
	pending    *Pending
	lastSentAt time.Time
	visible    bool
	seq        uint64
	stats      Stats
}

// New creates a scheduler reading frames from source and cadence from
// profile.
func New(cfg Config, source capture.Source, profile performance.Source, logger *slog.Logger) *Scheduler {
	if cfg.TimeoutFactor <= 0 {
		cfg.TimeoutFactor = DefaultConfig().TimeoutFactor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:  cfg,
		source:  source,
		profile: profile,
		logger:  logger.With("component", "scheduler"),
		visible: true,
	}
}

// MaybeCapture returns the next frame to send, or nil and the reason for
// skipping. A returned frame occupies the pending slot until Complete or
// Abandon; lastSentAt only moves when a frame is returned.
func (s *Scheduler) MaybeCapture(now time.Time) (*Frame, Skip) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.visible {
		s.stats.SkippedHidden++
		return nil, SkipHidden
	}
	if s.pending != nil {
		s.stats.SkippedInFlight++
		return nil, SkipInFlight
	}

	p := s.profile.CurrentProfile()
	if !s.lastSentAt.IsZero() && now.Sub(s.lastSentAt) < p.Interval() {
		s.stats.SkippedInterval++
		return nil, SkipInterval
	}

	cf, err := s.source.Capture(capture.EncodingFor(p.Quality))
	if err != nil {
		s.stats.SkippedUnavailable++
		if !errors.Is(err, capture.ErrUnavailable) {
			s.logger.Warn("capture failed", "error", err)
		}
		return nil, SkipUnavailable
	}
	if cf.CapturedAt.IsZero() {
		cf.CapturedAt = now
	}

	s.seq++
	s.lastSentAt = now
	s.pending = &Pending{Seq: s.seq, SentAt: now}
	s.stats.Captured++

	return &Frame{
		Frame:    cf,
		Seq:      s.seq,
		Features: p.Features(),
		Profile:  p,
	}, SkipNone
}

// Complete frees the pending slot for seq. It reports false, leaving the
// slot untouched, when seq is not the outstanding request.
func (s *Scheduler) Complete(seq uint64) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.Seq != seq {
		s.stats.Stale++
		return Pending{}, false
	}
	p := *s.pending
	s.pending = nil
	s.stats.Completed++
	return p, true
}

// Abandon frees the pending slot without a result.
func (s *Scheduler) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending = nil
		s.stats.Abandoned++
	}
}

// InFlight returns the outstanding request, if any.
func (s *Scheduler) InFlight() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Pending{}, false
	}
	return *s.pending, true
}

// SetVisible suspends (false) or resumes (true) capture.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()

	if changed {
		s.logger.Info("visibility changed", "visible", visible)
	}
}

// Visible reports whether capture is active
func (s *Scheduler) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Timeout is the bound on one detection round trip under the current
// profile.
func (s *Scheduler) Timeout() time.Duration {
	interval := s.profile.CurrentProfile().Interval()
	t := time.Duration(float64(interval) * s.config.TimeoutFactor)
	if t < s.config.MinTimeout {
		t = s.config.MinTimeout
	}
	return t
}

// Stats returns scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
