package circ

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerLevelsInMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	l.Info("block list synced")
	l.Warn("cache is stale")
	l.Error("upload rejected")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %d: %q", len(lines), lines)
	}
	for i, want := range []string{"INFO: block list synced", "WARN: cache is stale", "ERROR: upload rejected"} {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d missing %q: %q", i, want, lines[i])
		}
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	l.Info("dropped")
	l.Warn("dropped")
	l.Error("dropped")
	l.Close()
}
