package tracking

import (
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-facetrack/pkg/detection"
	"github.com/teslashibe/go-facetrack/pkg/performance"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func frame(i int) time.Time {
	return t0.Add(time.Duration(i) * 100 * time.Millisecond)
}

func det(x, y, w, h float64) detection.RawDetection {
	return detection.RawDetection{BBox: detection.BBox{X: x, Y: y, W: w, H: h}, Confidence: 0.9}
}

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestUpdate_IdentityPersistence(t *testing.T) {
	tr := New(DefaultConfig())

	first := tr.Update([]detection.RawDetection{det(100, 100, 50, 50)}, frame(1))
	second := tr.Update([]detection.RawDetection{det(105, 102, 50, 50)}, frame(2))

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("Update() lengths = %d, %d; want 1, 1", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Errorf("ID changed from %d to %d across overlapping frames", first[0].ID, second[0].ID)
	}
}

func TestUpdate_EndToEnd(t *testing.T) {
	tr := New(DefaultConfig())

	got := tr.Update([]detection.RawDetection{det(100, 100, 50, 50)}, frame(1))
	if got[0].State != Tentative || got[0].HitStreak != 1 {
		t.Fatalf("frame 1: state = %v hitStreak = %d; want tentative, 1", got[0].State, got[0].HitStreak)
	}
	id := got[0].ID

	got = tr.Update([]detection.RawDetection{det(105, 102, 50, 50)}, frame(2))
	if got[0].ID != id || got[0].State != Confirmed {
		t.Fatalf("frame 2: %+v; want id %d confirmed", got[0], id)
	}
	// 0.6*105 + 0.4*100
	if !approx(got[0].BBox.X, 103, 1e-9) || !approx(got[0].BBox.Y, 101.2, 1e-9) {
		t.Errorf("frame 2 bbox = %+v, want x 103 y 101.2", got[0].BBox)
	}
	box := got[0].BBox

	got = tr.Update(nil, frame(3))
	if len(got) != 1 || got[0].MissStreak != 1 || got[0].State != Confirmed {
		t.Fatalf("frame 3: %+v; want confirmed with missStreak 1", got)
	}
	if got[0].BBox != box {
		t.Errorf("frame 3 bbox moved to %+v, want last known %+v", got[0].BBox, box)
	}

	for i := 4; i <= 7; i++ {
		if got = tr.Update(nil, frame(i)); len(got) != 1 {
			t.Fatalf("frame %d: track removed early (missStreak %d)", i, i-2)
		}
	}
	res := tr.Step(nil, frame(8))
	if len(res.Tracks) != 0 {
		t.Fatalf("frame 8: %d active tracks, want 0", len(res.Tracks))
	}
	if len(res.Lost) != 1 || res.Lost[0].ID != id || res.Lost[0].State != Lost {
		t.Errorf("frame 8 Lost = %+v, want track %d", res.Lost, id)
	}

	again := tr.Update([]detection.RawDetection{det(103, 101, 50, 50)}, frame(9))
	if len(again) != 1 || again[0].ID == id {
		t.Errorf("reappearing face got ID %d, want a new identifier", again[0].ID)
	}
}

func TestStep_TentativeGating(t *testing.T) {
	tr := New(DefaultConfig())

	res := tr.Step([]detection.RawDetection{det(0, 0, 40, 40)}, frame(1))
	if len(res.Confirmed()) != 0 || len(res.Promoted) != 0 {
		t.Errorf("single-frame detection confirmed: %+v", res)
	}

	// A miss resets hitStreak, so a detect/miss/detect face stays Tentative.
	tr.Step(nil, frame(2))
	res = tr.Step([]detection.RawDetection{det(0, 0, 40, 40)}, frame(3))
	if res.Tracks[0].State != Tentative {
		t.Errorf("state after interrupted hits = %v, want tentative", res.Tracks[0].State)
	}

	res = tr.Step([]detection.RawDetection{det(1, 1, 40, 40)}, frame(4))
	if len(res.Promoted) != 1 || len(res.Confirmed()) != 1 {
		t.Errorf("second consecutive hit: promoted %d, confirmed %d; want 1, 1", len(res.Promoted), len(res.Confirmed()))
	}
}

func TestStep_TentativeExpires(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Step([]detection.RawDetection{det(0, 0, 40, 40)}, frame(0))
	for i := 1; i <= 5; i++ {
		tr.Step(nil, frame(i))
	}
	res := tr.Step(nil, frame(6))
	if len(res.Lost) != 1 || res.Lost[0].State != Lost {
		t.Errorf("tentative track not lost after 6 misses: %+v", res)
	}
}

func TestStep_MinHitsOne(t *testing.T) {
	tr := New(SensitiveConfig())
	res := tr.Step([]detection.RawDetection{det(0, 0, 40, 40)}, frame(1))
	if len(res.Promoted) != 1 || res.Tracks[0].State != Confirmed {
		t.Errorf("Step() with min_hits 1 = %+v, want immediately confirmed", res)
	}
}

func TestAssociate_GreedyByIoU(t *testing.T) {
	tr := New(DefaultConfig())
	tracks := tr.Update([]detection.RawDetection{det(0, 0, 100, 100), det(200, 0, 100, 100)}, frame(1))
	left, right := tracks[0].ID, tracks[1].ID

	// Detections arrive in the opposite order to the tracks.
	got := tr.Update([]detection.RawDetection{det(210, 0, 100, 100), det(10, 0, 100, 100)}, frame(2))
	if len(got) != 2 {
		t.Fatalf("Update() = %d tracks, want 2", len(got))
	}
	for _, f := range got {
		switch f.ID {
		case left:
			if f.BBox.X > 100 {
				t.Errorf("left track moved to x=%v", f.BBox.X)
			}
		case right:
			if f.BBox.X < 200 {
				t.Errorf("right track moved to x=%v", f.BBox.X)
			}
		default:
			t.Errorf("unexpected new track %d", f.ID)
		}
	}
}

func TestAssociate_BelowThreshold(t *testing.T) {
	tr := New(DefaultConfig())
	first := tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(1))
	got := tr.Update([]detection.RawDetection{det(40, 40, 50, 50)}, frame(2))

	if len(got) != 2 {
		t.Fatalf("Update() = %d tracks, want old (missed) plus new", len(got))
	}
	if got[0].ID != first[0].ID || got[0].MissStreak != 1 {
		t.Errorf("old track = %+v, want missStreak 1", got[0])
	}
	if got[1].ID <= first[0].ID {
		t.Errorf("new ID %d not greater than %d", got[1].ID, first[0].ID)
	}
}

func TestStep_MaxFacesCap(t *testing.T) {
	p := performance.DefaultLadder().Profile(0, performance.DeviceHigh)
	p.MaxFaces = 2
	tr := New(DefaultConfig(), WithProfile(performance.Static(p)))

	tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(1))
	tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(2))

	res := tr.Step([]detection.RawDetection{
		det(0, 0, 50, 50),
		det(200, 0, 50, 50),
		det(400, 0, 50, 50),
	}, frame(3))

	if len(res.Tracks) != 2 {
		t.Fatalf("active tracks = %d, want cap of 2", len(res.Tracks))
	}
	if res.Tracks[0].ID != 1 || res.Tracks[0].HitStreak != 3 {
		t.Errorf("highest-streak track not kept: %+v", res.Tracks[0])
	}
	// Both new tracks tie on streak and lastSeenAt; the lower ID wins.
	if res.Tracks[1].ID != 2 {
		t.Errorf("kept new track ID = %d, want 2", res.Tracks[1].ID)
	}
	if len(res.Lost) != 1 || res.Lost[0].ID != 3 || res.Lost[0].State != Lost {
		t.Errorf("Lost = %+v, want track 3", res.Lost)
	}

	// The dropped identifier is gone for good.
	next := tr.Update([]detection.RawDetection{det(600, 0, 50, 50)}, frame(4))
	for _, f := range next {
		if f.ID == 3 {
			t.Error("dropped ID 3 reused")
		}
	}
}

func TestUpdate_AttributeSmoothing(t *testing.T) {
	tr := New(DefaultConfig())

	age := func(v float64) *float64 { return &v }
	d1 := det(0, 0, 50, 50)
	d1.Age, d1.AgeConfidence = age(30), 0.8
	d1.Gender, d1.GenderConfidence = "female", 0.9
	d1.Emotions = map[string]float64{"happy": 0.8, "neutral": 0.2}
	tr.Update([]detection.RawDetection{d1}, frame(1))

	d2 := det(0, 0, 50, 50)
	d2.Age, d2.AgeConfidence = age(40), 0.8
	d2.Gender, d2.GenderConfidence = "male", 0.6
	d2.Emotions = map[string]float64{"sad": 1}
	got := tr.Update([]detection.RawDetection{d2}, frame(2))[0]

	if got.Age == nil || !approx(*got.Age, 33, 1e-9) {
		t.Errorf("Age = %v, want 33 (0.3*40 + 0.7*30)", got.Age)
	}
	if got.Gender != "female" {
		t.Errorf("Gender = %q, want female to survive one weaker contrary vote", got.Gender)
	}
	if !approx(got.Emotions["happy"], 0.56, 1e-9) || !approx(got.Emotions["sad"], 0.3, 1e-9) {
		t.Errorf("Emotions = %v, want happy 0.56 sad 0.3", got.Emotions)
	}
	sum := 0.0
	for _, p := range got.Emotions {
		sum += p
	}
	if !approx(sum, 1, 1e-9) {
		t.Errorf("emotion distribution sums to %v, want 1", sum)
	}
	if got.DominantEmotion != "happy" {
		t.Errorf("DominantEmotion = %q, want happy", got.DominantEmotion)
	}
}

func TestUpdate_AttributeAppearsLater(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(1))

	d := det(0, 0, 50, 50)
	v := 25.0
	d.Age = &v
	d.Emotions = map[string]float64{"angry": 1}
	got := tr.Update([]detection.RawDetection{d}, frame(2))[0]

	if got.Age == nil || *got.Age != 25 {
		t.Errorf("Age = %v, want first estimate 25 taken as is", got.Age)
	}
	if got.DominantEmotion != "angry" || got.Emotions["angry"] != 1 {
		t.Errorf("Emotions = %v, want angry 1", got.Emotions)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	tr := New(DefaultConfig())
	d := det(0, 0, 50, 50)
	d.Emotions = map[string]float64{"happy": 1}
	got := tr.Update([]detection.RawDetection{d}, frame(1))

	got[0].Emotions["happy"] = 0
	got[0].BBox.X = 999

	active := tr.Active()
	if active[0].Emotions["happy"] != 1 || active[0].BBox.X != 0 {
		t.Errorf("snapshot mutation leaked into tracker: %+v", active[0])
	}
}

func TestReset_KeepsIDs(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]detection.RawDetection{det(0, 0, 50, 50), det(100, 0, 50, 50)}, frame(1))

	dropped := tr.Reset()
	if len(dropped) != 2 || tr.Len() != 0 {
		t.Fatalf("Reset() dropped %d, Len() = %d", len(dropped), tr.Len())
	}

	got := tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(2))
	if got[0].ID != 3 {
		t.Errorf("ID after Reset = %d, want 3", got[0].ID)
	}
}

func TestMiss(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Update([]detection.RawDetection{det(0, 0, 50, 50)}, frame(1))
	res := tr.Miss(frame(2))
	if res.Tracks[0].MissStreak != 1 || res.Tracks[0].HitStreak != 0 {
		t.Errorf("Miss() = %+v, want missStreak 1 hitStreak 0", res.Tracks[0])
	}
}

func TestConfigPresets(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"default", DefaultConfig()},
		{"sensitive", SensitiveConfig()},
		{"stable", StableConfig()},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", tt.name, err)
		}
	}

	if DefaultConfig().MatchThreshold != 0.3 || DefaultConfig().MinHits != 2 || DefaultConfig().MaxMisses != 5 {
		t.Errorf("DefaultConfig() = %+v", DefaultConfig())
	}
	if StableConfig().MinHits <= DefaultConfig().MinHits {
		t.Error("StableConfig should confirm slower than default")
	}

	bad := Config{MatchThreshold: 2, BoxAlpha: 0, AttributeAlpha: 0.3, MinHits: 0, MaxMisses: -1}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted an invalid config")
	}
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Tentative, Confirmed, Lost} {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %v = %v, %v", s, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("gone")); err == nil {
		t.Error("UnmarshalText(gone) succeeded")
	}
}
