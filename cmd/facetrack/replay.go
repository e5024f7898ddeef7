package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facetrack/internal/log"
	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
	"github.com/teslashibe/go-facetrack/pkg/session"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

// maxLineBytes bounds one recorded message
const maxLineBytes = 16 << 20

var replayOpts struct {
	input          string
	minHits        int
	maxMisses      int
	matchThreshold float64
	rung           int
	quiet          bool
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run recorded detection replies through the tracker offline",
	Long: `Replay reads a JSONL recording of detection replies (one protocol
message per line, each with a millisecond timestamp), feeds them through the
tracker and session aggregator, and prints the final statistics as JSON.`,
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVarP(&replayOpts.input, "input", "i", "", "JSONL recording (required)")
	f.IntVar(&replayOpts.minHits, "min-hits", 0, "Matches before a track is confirmed (default from config)")
	f.IntVar(&replayOpts.maxMisses, "max-misses", -1, "Misses before a track is lost (default from config)")
	f.Float64Var(&replayOpts.matchThreshold, "match-threshold", 0, "Minimum IoU to match (default from config)")
	f.IntVar(&replayOpts.rung, "rung", -1, "Apply the features and face cap of this ladder rung")
	f.BoolVarP(&replayOpts.quiet, "quiet", "q", false, "Hide the progress bar")
	replayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}

	opts := replayOptions{
		Tracking:      cfg.Engine.Tracking,
		MinConfidence: cfg.Engine.MinConfidence,
		Logger:        log.Component("replay"),
	}
	if replayOpts.minHits > 0 {
		opts.Tracking.MinHits = replayOpts.minHits
	}
	if replayOpts.maxMisses >= 0 {
		opts.Tracking.MaxMisses = replayOpts.maxMisses
	}
	if replayOpts.matchThreshold > 0 {
		opts.Tracking.MatchThreshold = replayOpts.matchThreshold
	}
	if err := opts.Tracking.Validate(); err != nil {
		return err
	}
	if replayOpts.rung >= 0 {
		ladder := cfg.Engine.Performance.Ladder
		p := ladder.Profile(replayOpts.rung, performance.DeviceMid)
		opts.Profile = performance.Static(p)
	}

	file, err := os.Open(replayOpts.input)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !replayOpts.quiet {
		bar = progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetDescription("replaying"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		opts.Progress = func(n int) { bar.Add(n) }
	}

	res, err := replay(file, opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

type replayOptions struct {
	Tracking      tracking.Config
	MinConfidence float64
	Profile       performance.Source // optional feature set and face cap
	Progress      func(bytes int)    // called per line read
	Logger        *slog.Logger
}

// replayResult summarizes a replay
type replayResult struct {
	Lines    int                `json:"lines"`
	Replies  int                `json:"replies"`   // Detection replies applied
	Errors   int                `json:"errors"`    // Error replies, applied as misses
	Skipped  int                `json:"skipped"`   // Unparseable, non-reply or out-of-order lines
	Promoted int                `json:"confirmed"` // Tracks confirmed
	Lost     int                `json:"lost"`      // Tracks lost
	Active   int                `json:"active"`    // Tracks active at the end
	Stats    session.Statistics `json:"stats"`
}

// replay feeds every detection reply in r through a fresh tracker and
// aggregator in timestamp order.
func replay(r io.Reader, opts replayOptions) (replayResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	trackerOpts := []tracking.Option{tracking.WithLogger(logger)}
	features := detection.Features{EnableAgeGender: true, EnableEmotion: true}
	if opts.Profile != nil {
		trackerOpts = append(trackerOpts, tracking.WithProfile(opts.Profile))
		features = opts.Profile.CurrentProfile().Features()
	}
	tracker := tracking.New(opts.Tracking, trackerOpts...)

	var (
		res  replayResult
		agg  *session.Aggregator
		last time.Time
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		res.Lines++
		if opts.Progress != nil {
			opts.Progress(len(line) + 1)
		}
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.ParseMessage(line)
		if err != nil {
			res.Skipped++
			logger.Debug("skipping line", "line", res.Lines, "error", err)
			continue
		}
		at := msg.Time()
		if !msg.IsDetectionReply() || at.IsZero() || at.Before(last) {
			res.Skipped++
			continue
		}
		last = at
		if agg == nil {
			agg = session.New(at)
		}

		var step tracking.StepResult
		dets, err := msg.Detections("replay")
		if err != nil {
			res.Errors++
			step = tracker.Miss(at)
		} else {
			res.Replies++
			step = tracker.Step(detection.Filter(dets, opts.MinConfidence, features), at)
		}
		res.Promoted += len(step.Promoted)
		res.Lost += len(step.Lost)
		agg.Observe(step.Confirmed(), at)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("replay: line %d: %w", res.Lines+1, err)
	}

	if agg == nil {
		agg = session.New(time.Now())
	}
	res.Active = tracker.Len()
	res.Stats = agg.Snapshot()
	return res, nil
}
