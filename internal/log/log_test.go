package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", &buf)
	defer Init("info")

	Component("tracker").Info("track confirmed", "track_id", 7)

	out := buf.String()
	if !strings.Contains(out, "component=tracker") {
		t.Errorf("log output %q missing component attribute", out)
	}
	if !strings.Contains(out, "track_id=7") {
		t.Errorf("log output %q missing track_id attribute", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("warn", &buf)
	defer Init("info")

	Debug("hidden")
	L().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn message should be written at warn level")
	}
}
