package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/armon/circbuf"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TailSize is the number of bytes of recent log output kept in memory.
const TailSize = 64 << 10

// Tail keeps the most recent console-formatted log output for TailLogs.
type Tail struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

// NewTail creates a tail holding at most size bytes.
func NewTail(size int64) *Tail {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		buf, _ = circbuf.NewBuffer(TailSize)
	}
	return &Tail{buf: buf}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func (t *Tail) Sync() error { return nil }

// Lines returns up to n of the most recent complete lines, oldest first.
// n <= 0 returns everything held.
func (t *Tail) Lines(n int) []string {
	t.mu.Lock()
	data := append([]byte(nil), t.buf.Bytes()...)
	wrapped := t.buf.TotalWritten() > t.buf.Size()
	t.mu.Unlock()

	if wrapped {
		// The first line was cut by the ring.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// ParseLevel maps a config level name to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New creates a zap logger that writes JSON to logPath, console lines to
// stderr and to the returned in-memory tail. Session, account and PID are
// included as initial fields.
func New(logPath, sessionName, account string, level zapcore.Level) (*zap.Logger, *Tail, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	tail := NewTail(TailSize)
	fileCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), level)
	stderrCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), level)
	tailCore := zapcore.NewCore(consoleEncoder.Clone(), tail, level)

	core := zapcore.NewTee(fileCore, stderrCore, tailCore)

	logger := zap.New(core,
		zap.Fields(
			zap.String("session", sessionName),
			zap.String("account", account),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, tail, nil
}
