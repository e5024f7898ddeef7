package main

import (
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
	"github.com/teslashibe/go-facetrack/pkg/protocol"
	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

func recordLine(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	return string(data)
}

func reply(t *testing.T, ts int64, dets ...detection.RawDetection) string {
	return recordLine(t, protocol.NewDetectionReply(&protocol.Message{Timestamp: ts}, dets, true))
}

func faceAt(x float64, age float64) detection.RawDetection {
	return detection.RawDetection{
		BBox:       detection.BBox{X: x, Y: 100, W: 50, H: 50},
		Confidence: 0.9,
		Age:        &age,
	}
}

func TestReplay(t *testing.T) {
	frame, err := protocol.NewFrameMessage([]byte("jpeg"), 1, time.UnixMilli(1150), detection.Features{})
	if err != nil {
		t.Fatalf("NewFrameMessage() error = %v", err)
	}

	lines := []string{
		reply(t, 1000, faceAt(100, 30)),
		reply(t, 1100, faceAt(102, 32)),
		"not json",
		"",
		recordLine(t, frame),
		reply(t, 1050, faceAt(104, 30)),
		recordLine(t, protocol.NewErrorReply(&protocol.Message{Timestamp: 1200}, "gpu busy")),
		reply(t, 1300),
	}

	res, err := replay(strings.NewReader(strings.Join(lines, "\n")), replayOptions{
		Tracking:      tracking.DefaultConfig(),
		MinConfidence: 0.5,
	})
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}

	if res.Lines != 8 {
		t.Errorf("Lines = %d, want 8", res.Lines)
	}
	if res.Replies != 3 || res.Errors != 1 || res.Skipped != 3 {
		t.Errorf("Replies/Errors/Skipped = %d/%d/%d, want 3/1/3", res.Replies, res.Errors, res.Skipped)
	}
	if res.Promoted != 1 || res.Lost != 0 || res.Active != 1 {
		t.Errorf("Promoted/Lost/Active = %d/%d/%d, want 1/0/1", res.Promoted, res.Lost, res.Active)
	}
	if res.Stats.TotalUniqueFaces != 1 || res.Stats.PeakFaces != 1 {
		t.Errorf("unique/peak = %d/%d, want 1/1", res.Stats.TotalUniqueFaces, res.Stats.PeakFaces)
	}
	if res.Stats.Frames != 4 {
		t.Errorf("Stats.Frames = %d, want 4", res.Stats.Frames)
	}
	if res.Stats.AgeSamples == 0 {
		t.Error("Stats.AgeSamples = 0, want ages recorded")
	}
}

func TestReplay_RungDropsAttributes(t *testing.T) {
	input := strings.Join([]string{
		reply(t, 1000, faceAt(100, 30)),
		reply(t, 1100, faceAt(101, 30)),
		reply(t, 1200, faceAt(102, 30)),
	}, "\n")

	ladder := performance.DefaultLadder()
	var read int
	res, err := replay(strings.NewReader(input), replayOptions{
		Tracking: tracking.DefaultConfig(),
		Profile:  performance.Static(ladder.Profile(ladder.Last(), performance.DeviceMid)),
		Progress: func(n int) { read += n },
	})
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if res.Stats.TotalUniqueFaces != 1 {
		t.Errorf("TotalUniqueFaces = %d, want 1", res.Stats.TotalUniqueFaces)
	}
	if res.Stats.AgeSamples != 0 {
		t.Errorf("AgeSamples = %d, want 0 on a rung without age", res.Stats.AgeSamples)
	}
	if read != len(input)+1 {
		t.Errorf("progress = %d bytes, want %d", read, len(input)+1)
	}
}

func TestReplay_Empty(t *testing.T) {
	res, err := replay(strings.NewReader(""), replayOptions{Tracking: tracking.DefaultConfig()})
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if res.Lines != 0 || res.Stats.Frames != 0 || res.Stats.SessionID == "" {
		t.Errorf("replay(empty) = %+v", res)
	}
}
