package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestLogEntry is one line of the JSONL request/error log.
type RequestLogEntry struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Status       string    `json:"status"` // ok | failed
	ErrorMessage string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// RequestLog appends one JSON line per completed request to a
// day-partitioned file under config.LogsDir(), adapted from the
// teacher's per-request file scheme into a single append-only JSONL
// stream (spec.md's "persisted state" ambient-logging concern, reduced
// to the one record shape this bridge needs).
type RequestLog struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	day     string
	file    *os.File
}

// NewRequestLog records the log directory; the directory is created and
// the underlying file opened lazily on the first Append, partitioned by
// calendar day.
func NewRequestLog(dir string, logger *zap.Logger) *RequestLog {
	return &RequestLog{dir: dir, logger: logger}
}

// Append writes one entry as a JSON line, rolling to a new file when
// the calendar day changes. Failures are logged, not returned — request
// logging is best-effort and must never block or fail the request path.
func (l *RequestLog) Append(entry RequestLogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := entry.Time.Format("20060102")
	if l.file == nil || day != l.day {
		if l.file != nil {
			_ = l.file.Close()
		}
		if err := os.MkdirAll(l.dir, 0755); err != nil {
			l.logger.Warn("request log: create dir failed", zap.Error(err))
			return
		}
		path := filepath.Join(l.dir, "requests-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			l.logger.Warn("request log: open failed", zap.Error(err))
			return
		}
		l.file = f
		l.day = day
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("request log: marshal failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		l.logger.Warn("request log: write failed", zap.Error(err))
	}
}

// Close flushes and closes the currently open file, if any.
func (l *RequestLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
