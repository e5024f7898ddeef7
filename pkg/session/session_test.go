package session

import (
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/tracking"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id uint64, age float64, gender, emotion string) tracking.TrackedFace {
	f := tracking.TrackedFace{ID: id, State: tracking.Confirmed, Gender: gender, DominantEmotion: emotion}
	if age > 0 {
		f.Age = &age
	}
	return f
}

func TestObserve_UniqueOncePerID(t *testing.T) {
	a := New(t0)
	for i := 0; i < 10; i++ {
		a.Observe([]tracking.TrackedFace{confirmed(1, 0, "", ""), confirmed(2, 0, "", "")}, t0.Add(time.Duration(i)*time.Second))
	}
	s := a.Snapshot()
	if s.TotalUniqueFaces != 2 {
		t.Errorf("TotalUniqueFaces = %d, want 2", s.TotalUniqueFaces)
	}
	if s.Frames != 10 || s.PeakFaces != 2 {
		t.Errorf("Frames = %d, PeakFaces = %d; want 10, 2", s.Frames, s.PeakFaces)
	}
}

func TestObserve_IgnoresTentative(t *testing.T) {
	a := New(t0)
	a.Observe([]tracking.TrackedFace{{ID: 7, State: tracking.Tentative}}, t0)
	if s := a.Snapshot(); s.TotalUniqueFaces != 0 || s.PeakFaces != 0 {
		t.Errorf("Snapshot() = %+v, want tentative track ignored", s)
	}
}

func TestObserve_EmotionCountedOnChange(t *testing.T) {
	a := New(t0)
	seq := []string{"happy", "happy", "happy", "sad", "sad", "happy"}
	for i, e := range seq {
		a.Observe([]tracking.TrackedFace{confirmed(1, 0, "", e)}, t0.Add(time.Duration(i)*time.Second))
	}
	s := a.Snapshot()
	if s.Emotions["happy"] != 2 || s.Emotions["sad"] != 1 {
		t.Errorf("Emotions = %v, want happy 2 sad 1", s.Emotions)
	}
	if s.DominantEmotion() != "happy" {
		t.Errorf("DominantEmotion() = %q, want happy", s.DominantEmotion())
	}
}

func TestObserve_AgeMean(t *testing.T) {
	a := New(t0)
	a.Observe([]tracking.TrackedFace{confirmed(1, 20, "", ""), confirmed(2, 40, "", "")}, t0)

	s := a.Snapshot()
	if s.AgeSamples != 2 || s.MeanAge != 30 {
		t.Fatalf("AgeSamples = %d, MeanAge = %v; want 2, 30", s.AgeSamples, s.MeanAge)
	}
	if math.Abs(s.AgeStdDev-math.Sqrt(200)) > 1e-9 {
		t.Errorf("AgeStdDev = %v, want %v", s.AgeStdDev, math.Sqrt(200))
	}

	// A refined estimate replaces the face's contribution instead of
	// adding a sample.
	a.Observe([]tracking.TrackedFace{confirmed(1, 26, "", ""), confirmed(2, 40, "", "")}, t0.Add(time.Second))
	s = a.Snapshot()
	if s.AgeSamples != 2 || math.Abs(s.MeanAge-33) > 1e-9 {
		t.Errorf("after refinement AgeSamples = %d, MeanAge = %v; want 2, 33", s.AgeSamples, s.MeanAge)
	}
	if math.Abs(s.AgeStdDev-math.Sqrt(98)) > 1e-9 {
		t.Errorf("after refinement AgeStdDev = %v, want %v", s.AgeStdDev, math.Sqrt(98))
	}

	a.Observe([]tracking.TrackedFace{confirmed(3, 36, "", "")}, t0.Add(2*time.Second))
	if s = a.Snapshot(); s.AgeSamples != 3 || math.Abs(s.MeanAge-34) > 1e-9 {
		t.Errorf("AgeSamples = %d, MeanAge = %v; want 3, 34", s.AgeSamples, s.MeanAge)
	}
}

func TestObserve_GenderCountsOnlyGrow(t *testing.T) {
	a := New(t0)
	a.Observe([]tracking.TrackedFace{confirmed(1, 0, "male", ""), confirmed(2, 0, "female", "")}, t0)
	a.Observe([]tracking.TrackedFace{confirmed(1, 0, "female", ""), confirmed(2, 0, "female", "")}, t0.Add(time.Second))

	s := a.Snapshot()
	if s.Genders["female"] != 2 || s.Genders["male"] != 1 {
		t.Errorf("Genders = %v, want female 2, male 1", s.Genders)
	}

	// A repeated label is not counted again.
	a.Observe([]tracking.TrackedFace{confirmed(1, 0, "female", "")}, t0.Add(2*time.Second))
	if got := a.Snapshot().Genders["female"]; got != 2 {
		t.Errorf("Genders[female] = %d after a repeat, want 2", got)
	}
}

func TestRestart(t *testing.T) {
	a := New(t0)
	first := a.SessionID()
	a.Observe([]tracking.TrackedFace{confirmed(1, 30, "male", "happy")}, t0)

	id := a.Restart("", t0.Add(time.Minute))
	if id == "" || id == first || a.SessionID() != id {
		t.Fatalf("Restart() = %q (was %q)", id, first)
	}

	s := a.Snapshot()
	if s.TotalUniqueFaces != 0 || s.AgeSamples != 0 || len(s.Emotions) != 0 || !s.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("Snapshot() after Restart = %+v", s)
	}

	// A track seen before the restart counts again in the new session.
	a.Observe([]tracking.TrackedFace{confirmed(1, 30, "male", "happy")}, t0.Add(2*time.Minute))
	if got := a.Snapshot().TotalUniqueFaces; got != 1 {
		t.Errorf("TotalUniqueFaces = %d, want 1", got)
	}

	if got := a.Restart("fixed", t0); got != "fixed" {
		t.Errorf("Restart(fixed) = %q", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	a := New(t0)
	a.Observe([]tracking.TrackedFace{confirmed(1, 0, "male", "happy")}, t0)
	s := a.Snapshot()
	s.Emotions["happy"] = 100
	s.Genders["male"] = 100

	again := a.Snapshot()
	if again.Emotions["happy"] != 1 || again.Genders["male"] != 1 {
		t.Errorf("Snapshot() shares maps with the aggregator: %+v", again)
	}
}
