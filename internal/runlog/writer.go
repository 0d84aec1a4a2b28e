// Package runlog owns execution log files: a single-writer appender with
// stream tags and a cursor-based tailer for streaming readers.
package runlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// Stream tags written as line prefixes in the log file.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
	StreamUser   = "user"
)

const statsFlushInterval = 5 * time.Second

// StatsFlusher persists the running byte and line counters, typically onto
// the execution row.
type StatsFlusher func(ctx context.Context, byteSize, lineCount int64) error

// LogFilePath returns the log location for an execution:
// {logDir}/{YYYY}/{MM}/{executionID}.log, partitioned by start month.
func LogFilePath(logDir, executionID string, at time.Time) string {
	return filepath.Join(logDir, at.Format("2006"), at.Format("01"), executionID+".log")
}

// Writer appends tagged lines to one execution's log file. It keeps byte and
// line counters in memory so the runner can enforce output limits without
// re-reading the file, and flushes dirty counters every 5 seconds.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	byteSize  int64
	lineCount int64
	dirty     bool

	flusher StatsFlusher
	logger  *logger.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWriter opens the log file in append mode, creating parent directories
// as needed, and starts the periodic stats flush.
func NewWriter(path string, flusher StatsFlusher, log *logger.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	w := &Writer{
		file:    file,
		path:    path,
		flusher: flusher,
		logger:  log,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

// Path returns the log file location.
func (w *Writer) Path() string {
	return w.path
}

// Write appends a chunk under the given stream tag. Each line in the chunk
// gets its own `[stream] ` prefix. A trailing newline is added when missing
// so the file stays line-oriented.
func (w *Writer) Write(stream string, data string) error {
	if data == "" {
		return nil
	}

	var sb strings.Builder
	lines := strings.Split(strings.TrimSuffix(data, "\n"), "\n")
	for _, line := range lines {
		sb.WriteString("[")
		sb.WriteString(stream)
		sb.WriteString("] ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	out := sb.String()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("log writer closed")
	}
	n, err := w.file.WriteString(out)
	w.byteSize += int64(n)
	w.lineCount += int64(len(lines))
	w.dirty = true
	if err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// Stats returns the current byte and line counters.
func (w *Writer) Stats() (byteSize, lineCount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteSize, w.lineCount
}

// Close stops the flush loop, performs a final stats flush, and closes the
// file.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	w.flush(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush(context.Background())
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	byteSize, lineCount := w.byteSize, w.lineCount
	w.dirty = false
	w.mu.Unlock()

	if w.flusher == nil {
		return
	}
	if err := w.flusher(ctx, byteSize, lineCount); err != nil {
		w.logger.Error("failed to flush log stats",
			zap.String("path", w.path),
			zap.Error(err))
	}
}
