package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	logger, err := New(Options{Path: path, Session: "work", Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("page loaded", zap.String("conversation", "!c1"))
	logger.Debug("dropped below level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["session"] != "work" || entry["conversation"] != "!c1" || entry["msg"] != "page loaded" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["pid"]; !ok {
		t.Error("entry has no pid")
	}
}

func TestNewDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := New(Options{Path: path, Level: zapcore.DebugLevel, Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("kept")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "kept") {
		t.Errorf("debug entry missing: %q", data)
	}
}
