package logging

import (
	"log/slog"
	"testing"
)

func TestSetLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		SetLevelFromString(tt.in)
		if logLevel.Level() != tt.want {
			t.Fatalf("SetLevelFromString(%q) = %v, want %v", tt.in, logLevel.Level(), tt.want)
		}
	}
}

func TestForWorker(t *testing.T) {
	l := ForWorker(3, true)
	if l == nil {
		t.Fatal("ForWorker returned nil")
	}
}
