package performance

import "fmt"

// Rung is one step of the quality ladder.
type Rung struct {
	Quality         QualityLevel `yaml:"quality" json:"quality"`
	TargetFPS       float64      `yaml:"target_fps" json:"target_fps"`
	MaxFaces        int          `yaml:"max_faces" json:"max_faces"`
	EnableEmotion   bool         `yaml:"enable_emotion" json:"enable_emotion"`
	EnableAgeGender bool         `yaml:"enable_age_gender" json:"enable_age_gender"`
}

// Ladder is ordered from best (index 0) to cheapest. Degrading moves one
// rung down, recovering one rung up.
type Ladder []Rung

// DefaultLadder sacrifices quality and fps first, then face count, then
// emotion, then age/gender.
func DefaultLadder() Ladder {
	return Ladder{
		{Quality: QualityHigh, TargetFPS: 15, MaxFaces: 10, EnableEmotion: true, EnableAgeGender: true},
		{Quality: QualityMedium, TargetFPS: 10, MaxFaces: 10, EnableEmotion: true, EnableAgeGender: true},
		{Quality: QualityLow, TargetFPS: 8, MaxFaces: 10, EnableEmotion: true, EnableAgeGender: true},
		{Quality: QualityLow, TargetFPS: 8, MaxFaces: 5, EnableEmotion: true, EnableAgeGender: true},
		{Quality: QualityLow, TargetFPS: 8, MaxFaces: 5, EnableEmotion: false, EnableAgeGender: true},
		{Quality: QualityLow, TargetFPS: 8, MaxFaces: 5, EnableEmotion: false, EnableAgeGender: false},
	}
}

// Last returns the index of the cheapest rung
func (l Ladder) Last() int {
	return len(l) - 1
}

// Clamp limits i to a valid rung index
func (l Ladder) Clamp(i int) int {
	if i < 0 {
		return 0
	}
	if i > l.Last() {
		return l.Last()
	}
	return i
}

// Profile builds the profile for rung i on the given device
func (l Ladder) Profile(i int, class DeviceClass) Profile {
	r := l[l.Clamp(i)]
	return Profile{
		Rung:            l.Clamp(i),
		Quality:         r.Quality,
		TargetFPS:       r.TargetFPS,
		MaxFaces:        r.MaxFaces,
		EnableAgeGender: r.EnableAgeGender,
		EnableEmotion:   r.EnableEmotion,
		DeviceClass:     class,
	}
}

// Validate checks that every step down only ever gives something up, in
// the fixed order: quality, fps, max faces, emotion, age/gender.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("performance: ladder is empty")
	}
	for i, r := range l {
		p := l.Profile(i, DeviceMid)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("performance: rung %d: %w", i, err)
		}
		if i == 0 {
			continue
		}
		prev := l[i-1]
		switch {
		case r.Quality < prev.Quality:
			return fmt.Errorf("performance: rung %d raises quality", i)
		case r.TargetFPS > prev.TargetFPS:
			return fmt.Errorf("performance: rung %d raises target fps", i)
		case r.MaxFaces > prev.MaxFaces:
			return fmt.Errorf("performance: rung %d raises max faces", i)
		case r.EnableEmotion && !prev.EnableEmotion:
			return fmt.Errorf("performance: rung %d re-enables emotion", i)
		case r.EnableAgeGender && !prev.EnableAgeGender:
			return fmt.Errorf("performance: rung %d re-enables age/gender", i)
		case !r.EnableAgeGender && r.EnableEmotion:
			return fmt.Errorf("performance: rung %d drops age/gender before emotion", i)
		case r == prev:
			return fmt.Errorf("performance: rung %d is identical to rung %d", i, i-1)
		}
	}
	return nil
}
