package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/auth"
)

// FileName is the audit log file inside the configured directory.
const FileName = "audit.jsonl"

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Target    string                 `json:"target"`
	Action    string                 `json:"action"`
	Outcome   string                 `json:"outcome"`
	LatencyMs int64                  `json:"latencyMs"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Options controls rotation.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger appends audit entries as JSON lines to a rotating file.
type Logger struct {
	mu     sync.Mutex
	path   string
	out    *lumberjack.Logger
	log    logrus.FieldLogger
	closed bool
}

// NewLogger creates the directory if needed and opens the audit file.
func NewLogger(dir string, opts Options, log logrus.FieldLogger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	path := filepath.Join(dir, FileName)
	return &Logger{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		log: log.WithField("component", "audit"),
	}, nil
}

// LogAction records one action outcome. The user is taken from the auth
// claims carried by ctx.
func (l *Logger) LogAction(ctx context.Context, action, target, result string, latency time.Duration, details map[string]interface{}) {
	l.write(Entry{
		Timestamp: time.Now().UTC(),
		User:      auth.Subject(ctx),
		Target:    target,
		Action:    action,
		Outcome:   result,
		LatencyMs: latency.Milliseconds(),
		Details:   details,
	})
}

func (l *Logger) write(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		l.log.WithError(err).Error("Failed to marshal audit entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, err := l.out.Write(append(line, '\n')); err != nil {
		l.log.WithError(err).Error("Failed to write audit entry")
	}
}

// Rotate starts a new audit file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

// Path returns the active audit file path.
func (l *Logger) Path() string {
	return l.path
}

// Close flushes and closes the file. Later entries are discarded.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}
