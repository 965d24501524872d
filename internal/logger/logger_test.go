// Package logger tests verify the custom [Handler] output format, level
// filtering, attribute grouping, and the [ReadTail] utility.
package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ///////////////////////////////////////////////
// Handler Output Format
// ///////////////////////////////////////////////

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, LevelInfo))

	logger.Info("signal received", "signal", "SIGHUP", "count", 2)

	line := strings.TrimRight(buf.String(), "\n")
	if !strings.Contains(line, "[INFO] signal received | signal=SIGHUP, count=2") {
		t.Errorf("unexpected line %q", line)
	}
	if !strings.HasSuffix(strings.Split(line, " [")[0], "Z") {
		t.Errorf("expected UTC timestamp ending with Z, got %q", line)
	}
}

func TestHandlerNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, LevelInfo)).Info("no attrs")
	if strings.Contains(buf.String(), "|") {
		t.Errorf("expected no separator without attrs, got %q", buf.String())
	}
}

func TestHandlerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(LevelWarn)
	logger := slog.New(NewHandler(&buf, lv))

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("filtering wrong: %q", buf.String())
	}

	buf.Reset()
	lv.Set(LevelTrace)
	Trace(logger, "now visible")
	if !strings.Contains(buf.String(), "[TRACE] now visible") {
		t.Errorf("level change not applied: %q", buf.String())
	}
}

func TestLevelNames(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{LevelTrace, "TRACE"},
		{LevelTrace - 4, "TRACE"},
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFail, "FAIL"},
	}
	for _, tt := range tests {
		if got := levelName(tt.level); got != tt.want {
			t.Errorf("levelName(%d) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"fail", LevelFail},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// ///////////////////////////////////////////////
// Attributes and Groups
// ///////////////////////////////////////////////

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, LevelInfo))

	base.With("pid", 42).WithGroup("hook").Info("ran", "signal", "SIGUSR1")
	line := buf.String()
	if !strings.Contains(line, "| pid=42, hook.signal=SIGUSR1") {
		t.Errorf("unexpected attrs in %q", line)
	}

	buf.Reset()
	base.Info("grouped", slog.Group("status", "dropped", 3, slog.Group("counts", "SIGHUP", 1)))
	if !strings.Contains(buf.String(), "status.dropped=3, status.counts.SIGHUP=1") {
		t.Errorf("group attr not flattened: %q", buf.String())
	}
}

func TestHandlerWithGroupEmpty(t *testing.T) {
	h := NewHandler(&bytes.Buffer{}, LevelInfo)
	if h.WithGroup("") != h {
		t.Error("WithGroup(\"\") should return the same handler")
	}
}

// ///////////////////////////////////////////////
// NewLogger
// ///////////////////////////////////////////////

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigrelay.log")
	log, closer := NewLogger(Options{Path: path, Level: LevelDebug, MaxSizeMB: 1})
	log.Debug("hello file", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "[DEBUG] hello file | k=v") {
		t.Errorf("log file content = %q", data)
	}
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.log")
	os.WriteFile(path, []byte("one\ntwo\nthree\nfour\nfive\n"), 0o644)

	tests := []struct {
		n    int
		want string
	}{
		{2, "four\nfive"},
		{5, "one\ntwo\nthree\nfour\nfive"},
		{10, "one\ntwo\nthree\nfour\nfive"},
		{0, ""},
	}
	for _, tt := range tests {
		got, err := ReadTail(path, tt.n)
		if err != nil {
			t.Fatalf("ReadTail(%d): %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("ReadTail(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestReadTailMissingFile(t *testing.T) {
	if _, err := ReadTail(filepath.Join(t.TempDir(), "nope.log"), 3); err == nil {
		t.Error("expected error for missing file")
	}
}
