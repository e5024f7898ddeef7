// Package engine drives the capture, detect, track and adapt cycle.
//
// An Engine is an explicit handle owning one scheduler, tracker,
// optimizer and session aggregator. Run ticks the scheduler; each
// returned frame is sent to the detector on its own goroutine and the
// result is applied on the Run goroutine, so all tracker and profile
// mutation happens in one place. The scheduler's single pending slot keeps
// at most one detection outstanding.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/capture"
	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/events"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/scheduler"
	"github.com/teslashibe/go-facetrack/pkg/session"
	"github.com/teslashibe/go-facetrack/pkg/store"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

// ErrStopped is returned by operations on a stopped engine
var ErrStopped = errors.New("engine: stopped")

// Deps are the collaborators an engine is built from. Detector and Source
// are required.
type Deps struct {
	Detector detection.Detector
	Source   capture.Source
	Store    store.Store      // optional
	Events   events.Publisher // optional
	Logger   *slog.Logger

	// Device overrides hardware detection when set
	Device *performance.DeviceClass

	// MemoryMB reports current memory use; defaults to the Go heap
	MemoryMB func() float64

	// Now defaults to time.Now
	Now func() time.Time
}

// HeapMB returns the live Go heap in megabytes
func HeapMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20)
}

// inflight is the request the scheduler's pending slot refers to
type inflight struct {
	seq      uint64
	features detection.Features
	cancel   context.CancelFunc
}

// Engine is one tracking session's handle
type Engine struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	tracker   *tracking.Tracker
	optimizer *performance.Optimizer
	sessions  *session.Aggregator

	results  chan Result
	stopCh   chan struct{}
	stopOnce sync.Once

	mu             sync.Mutex
	current        *inflight
	stopped        bool
	status         Status
	failures       int
	lastErr        string
	lastCompletion time.Time
	confirmed      map[uint64]bool // IDs confirmed and not yet retired
	retired        []store.TrackRecord
	last           *Output
	stats          Stats

	sinkMu sync.RWMutex
	sinks  []func(Output)
}

// New builds an engine. The device class is detected once here unless
// deps.Device is set.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Detector == nil {
		return nil, fmt.Errorf("engine: detector is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("engine: capture source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.MemoryMB == nil {
		deps.MemoryMB = HeapMB
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	class := performance.DeviceMid
	if deps.Device != nil {
		class = *deps.Device
	} else {
		hints := performance.DetectHints()
		class = performance.Classify(hints)
		deps.Logger.Info("device classified",
			"class", class.String(),
			"cores", hints.LogicalCores,
			"memory_gb", hints.MemoryGB,
			"mobile", hints.Mobile)
	}

	opt, err := performance.NewOptimizer(cfg.Performance, class, performance.WithLogger(deps.Logger))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		config:    cfg,
		deps:      deps,
		logger:    deps.Logger.With("component", "engine"),
		optimizer: opt,
		tracker:   tracking.New(cfg.Tracking, tracking.WithProfile(opt), tracking.WithLogger(deps.Logger)),
		scheduler: scheduler.New(cfg.Scheduler, deps.Source, opt, deps.Logger),
		sessions:  session.New(deps.Now()),
		results:   make(chan Result, 1),
		stopCh:    make(chan struct{}),
		status:    StatusOK,
		confirmed: make(map[uint64]bool),
	}

	if r, ok := deps.Source.(capture.Releaser); ok {
		opt.RegisterCleanup(r.Release)
	}
	opt.OnChange(func(c performance.Change) {
		e.publish(events.ProfileChanged, map[string]any{
			"reason": c.Reason,
			"from":   c.From,
			"to":     c.To,
		})
	})

	return e, nil
}

// Subscribe registers fn to receive every Output. fn runs on the engine
// goroutine and must not block.
func (e *Engine) Subscribe(fn func(Output)) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, fn)
}

// OnProfileChange registers fn for every profile transition
func (e *Engine) OnProfileChange(fn func(performance.Change)) {
	e.optimizer.OnChange(fn)
}

// Run drives the engine until ctx is cancelled, Stop is called or an
// invariant violation halts it. Only the violation is returned.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	var flushC <-chan time.Time
	if e.deps.Store != nil && e.config.FlushInterval > 0 {
		flush := time.NewTicker(e.config.FlushInterval)
		defer flush.Stop()
		flushC = flush.C
	}

	e.logger.Info("engine started",
		"session_id", e.sessions.SessionID(),
		"device_class", e.optimizer.DeviceClass().String(),
		"tick", e.config.TickInterval)
	e.publish(events.SessionStarted, nil)

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return nil

		case <-e.stopCh:
			return nil

		case <-ticker.C:
			e.launch(ctx, e.deps.Now())

		case res := <-e.results:
			if _, err := e.Deliver(res); err != nil {
				e.Stop()
				return err
			}

		case <-flushC:
			e.Flush(ctx)
		}
	}
}

// launch starts a detection for the next frame, if the scheduler allows one
func (e *Engine) launch(ctx context.Context, now time.Time) {
	e.mu.Lock()
	if e.stopped || e.status == StatusHalted {
		e.mu.Unlock()
		return
	}
	frame, skip := e.scheduler.MaybeCapture(now)
	if frame == nil {
		e.mu.Unlock()
		if skip == scheduler.SkipUnavailable {
			e.logger.Debug("capture unavailable")
		}
		return
	}

	dctx, cancel := context.WithTimeout(ctx, e.scheduler.Timeout())
	e.current = &inflight{seq: frame.Seq, features: frame.Features, cancel: cancel}
	e.mu.Unlock()

	e.logger.Debug("frame sent", "frame_seq", frame.Seq, "bytes", len(frame.Data))

	go func() {
		defer cancel()
		dets, err := detect(dctx, e.deps.Detector, frame.Request())
		res := Result{Seq: frame.Seq, Detections: dets, Err: err, At: e.deps.Now()}
		select {
		case e.results <- res:
		case <-e.stopCh:
		}
	}()
}

func detect(ctx context.Context, d detection.Detector, req detection.Request) ([]detection.RawDetection, error) {
	dets, err := d.Detect(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = detection.ErrTimeout
	}
	return dets, err
}

// Cycle runs one synchronous capture, detect and apply step at now. It
// returns nil when the scheduler skipped the tick.
func (e *Engine) Cycle(ctx context.Context, now time.Time) (*Output, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	if e.status == StatusHalted {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: halted: %s", e.lastErr)
	}
	frame, _ := e.scheduler.MaybeCapture(now)
	if frame == nil {
		e.mu.Unlock()
		return nil, nil
	}
	dctx, cancel := context.WithTimeout(ctx, e.scheduler.Timeout())
	defer cancel()
	e.current = &inflight{seq: frame.Seq, features: frame.Features, cancel: cancel}
	e.mu.Unlock()

	dets, err := detect(dctx, e.deps.Detector, frame.Request())
	return e.Deliver(Result{Seq: frame.Seq, Detections: dets, Err: err, At: now})
}

// Deliver applies a detection result. Results for anything but the
// outstanding request, or arriving after Stop, are discarded and return a
// nil Output. A returned error is an invariant violation; the engine is
// halted.
func (e *Engine) Deliver(res Result) (*Output, error) {
	e.mu.Lock()

	if e.stopped {
		e.stats.Discarded++
		e.mu.Unlock()
		return nil, nil
	}
	pending, ok := e.scheduler.Complete(res.Seq)
	if !ok || e.current == nil || e.current.seq != res.Seq {
		e.stats.Discarded++
		e.mu.Unlock()
		e.logger.Debug("stale detection result discarded", "frame_seq", res.Seq)
		return nil, nil
	}
	features := e.current.features
	e.current = nil
	now := res.At

	var step tracking.StepResult
	prevStatus := e.status
	if res.Err != nil {
		e.failures++
		e.stats.Failures++
		if detection.IsTimeout(res.Err) {
			e.stats.Timeouts++
		}
		e.lastErr = res.Err.Error()
		e.logger.Warn("detection failed", "frame_seq", res.Seq, "failures", e.failures, "error", res.Err)
		step = e.tracker.Miss(now)
		if e.failures >= e.config.DegradedAfter {
			e.status = StatusDegraded
		}
	} else {
		e.failures = 0
		e.lastErr = ""
		e.status = StatusOK
		dets := detection.Filter(res.Detections, e.config.MinConfidence, features)
		step = e.tracker.Step(dets, now)
	}
	e.stats.Cycles++

	sessionID := e.sessions.SessionID()
	e.sessions.Observe(step.Confirmed(), now)
	e.retire(sessionID, step)

	fps, procMs, measured := e.measureLocked(now, pending.SentAt)
	e.mu.Unlock()

	// Profile listeners run inside RecordSample, so it is called unlocked.
	if measured {
		if err := e.optimizer.RecordSample(fps, procMs, e.deps.MemoryMB()); err != nil {
			e.mu.Lock()
			e.status = StatusHalted
			e.lastErr = err.Error()
			out := e.outputLocked(res.Seq, now, step.Tracks)
			e.mu.Unlock()

			e.logger.Error("engine halted", "error", err)
			e.publish(events.StatusChanged, map[string]any{"status": StatusHalted, "error": err.Error()})
			e.emit(out)
			return &out, err
		}
	}

	e.mu.Lock()
	out := e.outputLocked(res.Seq, now, step.Tracks)
	status := e.status
	e.mu.Unlock()

	for _, f := range step.Promoted {
		e.publish(events.TrackConfirmed, f)
	}
	for _, f := range step.Lost {
		e.publish(events.TrackLost, f)
	}
	if status != prevStatus {
		if status == StatusDegraded {
			e.logger.Warn("detection degraded", "consecutive_failures", out.ConsecutiveFailures)
		} else {
			e.logger.Info("detection recovered")
		}
		e.publish(events.StatusChanged, map[string]any{"status": status, "consecutive_failures": out.ConsecutiveFailures})
	}

	e.emit(out)
	return &out, nil
}

// retire books lifecycle changes for persistence.
func (e *Engine) retire(sessionID string, step tracking.StepResult) {
	for _, f := range step.Promoted {
		e.confirmed[f.ID] = true
	}
	for _, f := range step.Lost {
		if !e.confirmed[f.ID] {
			continue
		}
		delete(e.confirmed, f.ID)
		if e.deps.Store != nil {
			e.retired = append(e.retired, store.NewTrackRecord(sessionID, f))
		}
	}
}

// measureLocked returns the throughput sample for a completion at now.
// The first completion only starts the clock.
func (e *Engine) measureLocked(now, sentAt time.Time) (fps, procMs float64, ok bool) {
	prev := e.lastCompletion
	e.lastCompletion = now
	if prev.IsZero() || !now.After(prev) {
		return 0, 0, false
	}

	fps = 1 / now.Sub(prev).Seconds()
	procMs = float64(now.Sub(sentAt)) / float64(time.Millisecond)
	if procMs < 0 {
		procMs = 0
	}
	return fps, procMs, true
}

func (e *Engine) outputLocked(seq uint64, now time.Time, tracks []tracking.TrackedFace) Output {
	stats := e.sessions.Snapshot()
	out := Output{
		Session:             stats.SessionID,
		Seq:                 seq,
		Timestamp:           now,
		Tracked:             tracks,
		Profile:             e.optimizer.CurrentProfile(),
		Stats:               stats,
		Status:              e.status,
		ConsecutiveFailures: e.failures,
		LastError:           e.lastErr,
	}
	if out.Tracked == nil {
		out.Tracked = []tracking.TrackedFace{}
	}
	e.last = &out
	return out
}

func (e *Engine) emit(out Output) {
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()
	for _, fn := range sinks {
		fn(out)
	}
}

func (e *Engine) publish(t events.Type, data any) {
	err := e.deps.Events.Publish(events.Event{
		Type:      t,
		SessionID: e.sessions.SessionID(),
		Time:      e.deps.Now(),
		Data:      data,
	})
	if err != nil {
		e.logger.Debug("event not published", "type", t, "error", err)
	}
}

// Flush persists the session statistics and retired tracks. Store errors
// are logged and the tracks kept for the next flush.
func (e *Engine) Flush(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}

	stats := e.sessions.Snapshot()
	e.mu.Lock()
	tracks := e.retired
	e.retired = nil
	e.mu.Unlock()

	e.flush(ctx, stats, tracks)
}

func (e *Engine) flush(ctx context.Context, stats session.Statistics, tracks []store.TrackRecord) {
	if e.deps.Store == nil {
		return
	}
	rec := store.Record{SessionID: stats.SessionID, Stats: stats, UpdatedAt: stats.UpdatedAt}
	if err := e.deps.Store.SaveSession(ctx, rec); err != nil {
		e.logger.Warn("session flush failed", "session_id", stats.SessionID, "error", err)
		e.requeue(tracks)
		return
	}

	var failed []store.TrackRecord
	for _, t := range tracks {
		if err := e.deps.Store.SaveTrack(ctx, t); err != nil {
			e.logger.Warn("track flush failed", "track_id", t.TrackID, "error", err)
			failed = append(failed, t)
		}
	}
	e.requeue(failed)

	e.publish(events.SessionSnapshot, stats)
	e.logger.Debug("session flushed", "session_id", stats.SessionID, "tracks", len(tracks)-len(failed))
}

func (e *Engine) requeue(tracks []store.TrackRecord) {
	if len(tracks) == 0 {
		return
	}
	e.mu.Lock()
	e.retired = append(tracks, e.retired...)
	e.mu.Unlock()
}

// Stop cancels the outstanding detection, halts the tick and flushes the
// session. Results arriving afterwards are discarded. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		if e.current != nil {
			e.current.cancel()
			e.current = nil
		}
		e.scheduler.Abandon()
		e.mu.Unlock()
		close(e.stopCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Flush(ctx)

		e.logger.Info("engine stopped", "session_id", e.sessions.SessionID())
	})
}

// RestartSession persists the current session and starts a new one.
// Track identifiers keep counting up. Returns the new session ID.
func (e *Engine) RestartSession(ctx context.Context) string {
	e.Flush(ctx)

	now := e.deps.Now()
	e.mu.Lock()
	// Tracks confirmed earlier are re-counted by the new session.
	e.confirmed = make(map[uint64]bool)
	for _, f := range e.tracker.Active() {
		if f.State == tracking.Confirmed {
			e.confirmed[f.ID] = true
		}
	}
	id := e.sessions.Restart("", now)
	e.mu.Unlock()

	e.logger.Info("session restarted", "session_id", id)
	e.publish(events.SessionStarted, nil)
	return id
}

// SetVisible suspends or resumes capture
func (e *Engine) SetVisible(visible bool) {
	e.scheduler.SetVisible(visible)
}

// EnableBatterySaving pins the cheapest battery profile
func (e *Engine) EnableBatterySaving() error {
	return e.optimizer.EnableBatterySavingMode()
}

// DisableBatterySaving releases the battery profile
func (e *Engine) DisableBatterySaving() error {
	return e.optimizer.DisableBatterySavingMode()
}

// BatterySaving reports whether battery saving is active
func (e *Engine) BatterySaving() bool {
	return e.optimizer.BatterySaving()
}

// CleanupMemory asks capture buffers to release and reallocate
func (e *Engine) CleanupMemory() int {
	n := e.optimizer.CleanupMemory()
	runtime.GC()
	return n
}

// CurrentProfile returns the current performance profile. It makes the
// engine a performance.Source.
func (e *Engine) CurrentProfile() performance.Profile {
	return e.optimizer.CurrentProfile()
}

// Tracks returns the active tracks
func (e *Engine) Tracks() []tracking.TrackedFace {
	return e.tracker.Active()
}

// Session returns the current session statistics
func (e *Engine) Session() session.Statistics {
	return e.sessions.Snapshot()
}

// LastOutput returns the most recent output, if any
func (e *Engine) LastOutput() (Output, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Output{}, false
	}
	return *e.last, true
}

// Status returns the current health
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	s.Status = e.status
	e.mu.Unlock()

	s.Scheduler = e.scheduler.Stats()
	s.Optimizer = e.optimizer.Stats()
	s.Active = e.tracker.Len()
	return s
}

// Store returns the configured store, or nil
func (e *Engine) Store() store.Store {
	return e.deps.Store
}
