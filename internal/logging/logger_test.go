// ABOUTME: Tests for logger construction
// ABOUTME: Checks level parsing and file output
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("loud", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sendspin.log")

	logger, err := New("info", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Named("engine").Infow("Started", "rate", 48000)
	logger.Debugw("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "Started") || !strings.Contains(out, "engine") {
		t.Errorf("log missing entry: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %q", out)
	}
}
