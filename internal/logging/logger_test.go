package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesFileAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dmsyncd.log")
	logger, tail, err := New(path, "work", "u1", zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("message sent", zap.String("msg_id", "m1"))
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["session"] != "work" || entry["account"] != "u1" || entry["msg_id"] != "m1" {
		t.Errorf("entry = %v", entry)
	}

	lines := tail.Lines(0)
	if len(lines) != 1 || !strings.Contains(lines[0], "message sent") {
		t.Errorf("tail = %q", lines)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("log permission = %o, want 0600", info.Mode().Perm())
	}
}

func TestTailKeepsRecentLines(t *testing.T) {
	tail := NewTail(64)
	for i := 0; i < 20; i++ {
		fmt.Fprintf(tail, "line %02d\n", i)
	}
	lines := tail.Lines(0)
	if len(lines) == 0 || lines[len(lines)-1] != "line 19" {
		t.Fatalf("lines = %q", lines)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "line ") {
			t.Errorf("partial line %q kept", l)
		}
	}
	if got := tail.Lines(2); len(got) != 2 || got[0] != "line 18" {
		t.Errorf("Lines(2) = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
		{"loud", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
