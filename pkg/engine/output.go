package engine

import (
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/scheduler"
	"github.com/teslashibe/go-facetrack/pkg/session"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

// Status is the engine health reported with every output
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded" // Sustained detection failures
	StatusHalted   Status = "halted"   // Internal invariant violated
)

// Output is the per-cycle engine result handed to consumers by value.
type Output struct {
	Session             string                 `json:"session_id"`
	Seq                 uint64                 `json:"seq"`
	Timestamp           time.Time              `json:"timestamp"`
	Tracked             []tracking.TrackedFace `json:"tracked"`
	Profile             performance.Profile    `json:"profile"`
	Stats               session.Statistics     `json:"stats"`
	Status              Status                 `json:"status"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastError           string                 `json:"last_error,omitempty"`
}

// Result is the outcome of one detection request
type Result struct {
	Seq        uint64
	Detections []detection.RawDetection
	Err        error
	At         time.Time // Completion time
}

// Stats reports engine counters
type Stats struct {
	Cycles    uint64            `json:"cycles"`
	Failures  uint64            `json:"failures"`
	Timeouts  uint64            `json:"timeouts"`
	Discarded uint64            `json:"discarded"` // Late or stale results
	Status    Status            `json:"status"`
	Scheduler scheduler.Stats   `json:"scheduler"`
	Optimizer performance.Stats `json:"optimizer"`
	Active    int               `json:"active_tracks"`
}
