package logging

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{" Debug ", LevelDebug, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogLevelConstants(t *testing.T) {
	if LevelDebug >= LevelInfo {
		t.Error("LevelDebug should be less than LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("LevelInfo should be less than LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("LevelWarn should be less than LevelError")
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{LogLevel(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prevOut) })
	return &buf
}

func TestSetLevelFiltersOutput(t *testing.T) {
	buf := captureOutput(t)
	prev := GetLevel()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(LevelWarn)
	Debug("hidden debug")
	Info("hidden info")
	Warn("shown %s", "warning")
	Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains filtered lines: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown warning") {
		t.Errorf("missing warning line in %q", out)
	}
	if !strings.Contains(out, "[ERROR] shown error") {
		t.Errorf("missing error line in %q", out)
	}
	if IsDebugEnabled() {
		t.Error("IsDebugEnabled() should be false at warn level")
	}
}

func TestRecorderReceivesLines(t *testing.T) {
	captureOutput(t)
	prev := GetLevel()
	t.Cleanup(func() {
		SetLevel(prev)
		SetRecorder(nil)
	})
	SetLevel(LevelInfo)

	var mu sync.Mutex
	var lines []string
	SetRecorder(func(level LogLevel, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, level.String()+":"+line)
	})

	Debug("skipped")
	Info("attachment %d converted", 42)
	Error("boom")

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Fatalf("recorded %d lines, want 2: %v", len(lines), lines)
	}
	if lines[0] != "info:attachment 42 converted" {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if lines[1] != "error:boom" {
		t.Errorf("lines[1] = %q", lines[1])
	}
}
