package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		env  string
		want log.Level
	}{
		{"", log.InfoLevel},
		{"debug", log.DebugLevel},
		{"DEBUG", log.DebugLevel},
		{"warn", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"chatty", log.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("BG_LOG_LEVEL", tt.env)
			if got := Level(); got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
			if IsDebug() != (tt.want == log.DebugLevel) {
				t.Errorf("IsDebug() = %v", IsDebug())
			}
		})
	}
}

func TestLoggerWriter(t *testing.T) {
	t.Setenv("BG_LOG_LEVEL", "warn")
	t.Setenv("BG_LOG_PREFIX", "gate")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	lg.Info("hidden")
	lg.Warn("Denied", "image", "a.out")
	if err := lg.Close(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "gate") || !strings.Contains(out, "Denied") || !strings.Contains(out, "image=a.out") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLatestFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := LatestFile(dir); !errors.Is(err, ErrNoLogFile) {
		t.Fatalf("empty dir: err = %v", err)
	}
	for _, name := range []string{"bg-20250101-120000.log", "bg-20250102-090000.log", "other.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := LatestFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "bg-20250102-090000.log"); got != want {
		t.Errorf("LatestFile = %s, want %s", got, want)
	}
}
