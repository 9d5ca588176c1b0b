package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mil-ad/eegmenu/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eegmenu.log")
	logger, w := New(config.LogConfig{Level: "warn", Format: "json", File: path, MaxSizeMB: 1}, false)
	logger.Info("dropped")
	logger.Warn("kept", "session", "abc")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("log is not a single json record: %q", data)
	}
	if rec["msg"] != "kept" || rec["session"] != "abc" {
		t.Errorf("record = %v", rec)
	}
}

func TestDebugFlagOverridesLevel(t *testing.T) {
	logger, _ := New(config.LogConfig{Level: "error", Format: "text"}, true)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug not enabled")
	}
}
