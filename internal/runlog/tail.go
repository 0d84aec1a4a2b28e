package runlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

const tailPollInterval = 500 * time.Millisecond

// Line is one parsed log line with its stream tag.
type Line struct {
	Stream  string `json:"stream"`
	Content string `json:"content"`
}

// ParseLine splits the `[stream] ` prefix off a raw log line. Lines without
// a recognized prefix default to stdout.
func ParseLine(raw string) Line {
	if strings.HasPrefix(raw, "[") {
		if end := strings.Index(raw, "] "); end > 1 {
			stream := raw[1:end]
			switch stream {
			case StreamStdout, StreamStderr, StreamSystem, StreamUser:
				return Line{Stream: stream, Content: raw[end+2:]}
			}
		}
	}
	return Line{Stream: StreamStdout, Content: raw}
}

// Tailer incrementally reads a log file from a byte cursor. A filesystem
// watcher triggers reads, with a 500 ms polling timer as fallback for
// filesystems where the watch API is unreliable.
type Tailer struct {
	mu     sync.Mutex
	path   string
	cursor int64
	// partial holds a trailing fragment without a newline yet.
	partial string

	logger *logger.Logger
}

// NewTailer creates a tailer positioned at the start of the file.
func NewTailer(path string, log *logger.Logger) *Tailer {
	return &Tailer{path: path, logger: log}
}

// Catchup reads the full current content and advances the cursor to the file
// size. exists distinguishes a file that has not been created yet from one
// that is present but still empty.
func (t *Tailer) Catchup() (content string, exists bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	t.cursor = int64(len(data))
	return string(data), true, nil
}

// ReadNew reads from the cursor to the current end of file and returns the
// complete lines found, advancing the cursor. A trailing fragment without a
// newline is buffered until the next read completes it.
func (t *Tailer) ReadNew() ([]Line, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() <= t.cursor {
		return nil, nil
	}

	if _, err := file.Seek(t.cursor, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size()-t.cursor)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	t.cursor += int64(n)

	chunk := t.partial + string(buf[:n])
	t.partial = ""
	if !strings.HasSuffix(chunk, "\n") {
		if idx := strings.LastIndex(chunk, "\n"); idx >= 0 {
			t.partial = chunk[idx+1:]
			chunk = chunk[:idx+1]
		} else {
			t.partial = chunk
			return nil, nil
		}
	}

	raw := strings.Split(strings.TrimSuffix(chunk, "\n"), "\n")
	lines := make([]Line, 0, len(raw))
	for _, r := range raw {
		lines = append(lines, ParseLine(r))
	}
	return lines, nil
}

// Follow watches the file and sends parsed lines until done is closed.
// Watcher events and the polling ticker both funnel into ReadNew, so
// duplicate triggers are harmless.
func (t *Tailer) Follow(done <-chan struct{}, out chan<- Line) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: the file may not exist yet.
		if werr := watcher.Add(filepath.Dir(t.path)); werr != nil {
			t.logger.Warn("log watch failed, polling only",
				zap.String("path", t.path), zap.Error(werr))
		}
		defer watcher.Close()
	} else {
		t.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	emit := func() bool {
		lines, err := t.ReadNew()
		if err != nil {
			t.logger.Warn("log read failed", zap.String("path", t.path), zap.Error(err))
			return true
		}
		for _, line := range lines {
			select {
			case out <- line:
			case <-done:
				return false
			}
		}
		return true
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		case <-events:
			if !emit() {
				return
			}
		}
	}
}
