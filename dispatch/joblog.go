package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/docbatch/inference"
)

// logRecord is one line of the failure/retry side-channel logs.
type logRecord struct {
	Timestamp  time.Time           `json:"ts"`
	RequestID  string              `json:"request_id"`
	ErrorKind  inference.ErrorKind `json:"error_kind"`
	Error      string              `json:"error"`
	Attempts   int                 `json:"attempts"`
	Model      string              `json:"model,omitempty"`
	NextModel  string              `json:"next_model,omitempty"`
	RetryCount int                 `json:"retry_count,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
}

// jobLog appends line-delimited JSON records. Writes are best-effort:
// any failure is logged and swallowed, never aborting the batch.
type jobLog struct {
	mu     sync.Mutex
	f      *os.File
	logger *zap.Logger
	path   string
}

func newJobLog(dir, name string, logger *zap.Logger) *jobLog {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("job log disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("job log disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	return &jobLog{f: f, logger: logger, path: path}
}

func (l *jobLog) write(rec logRecord) {
	if l == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		// Metadata was validated as serializable at submit; this only
		// fires for values mutated after submission.
		l.logger.Debug("job log marshal failed", zap.Error(err))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.logger.Debug("job log write failed", zap.String("path", l.path), zap.Error(err))
	}
}

func (l *jobLog) close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.f.Close()
}
