package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"Debug", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", false)
	log.Info("quiet")
	log.Warn("loud")
	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info record passed a warn filter: %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", true).Info("hello", "peer", "a")
	if !strings.Contains(buf.String(), `"peer":"a"`) {
		t.Fatalf("output %q", buf.String())
	}
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	Named(New(&buf, "info", false), "endpoint").Info("up")
	if !strings.Contains(buf.String(), "component=endpoint") {
		t.Fatalf("output %q", buf.String())
	}
	if Named(nil, "conn") == nil {
		t.Fatalf("nil logger did not fall back to the default")
	}
}
