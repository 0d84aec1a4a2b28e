package runlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

func testLogger() *logger.Logger {
	return logger.Default()
}

func TestLogFilePath(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	path := LogFilePath("/data/agendo/logs", "exec-1", at)
	assert.Equal(t, filepath.Join("/data/agendo/logs", "2026", "08", "exec-1.log"), path)
}

func TestWriterTagsAndCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026", "08", "exec-1.log")

	w, err := NewWriter(path, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, w.Write(StreamSystem, "starting run\n"))
	require.NoError(t, w.Write(StreamStdout, "line one\nline two\n"))
	require.NoError(t, w.Write(StreamStderr, "no trailing newline"))

	byteSize, lineCount := w.Stats()
	assert.Equal(t, int64(4), lineCount)

	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, int64(len(data)), byteSize)

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "[system] starting run", lines[0])
	assert.Equal(t, "[stdout] line one", lines[1])
	assert.Equal(t, "[stdout] line two", lines[2])
	assert.Equal(t, "[stderr] no trailing newline", lines[3])
}

func TestWriterFlushesStatsOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec-2.log")

	var flushedBytes, flushedLines atomic.Int64
	flusher := func(ctx context.Context, byteSize, lineCount int64) error {
		flushedBytes.Store(byteSize)
		flushedLines.Store(lineCount)
		return nil
	}

	w, err := NewWriter(path, flusher, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Write(StreamStdout, "hello\n"))
	require.NoError(t, w.Close())

	assert.Equal(t, int64(1), flushedLines.Load())
	assert.Positive(t, flushedBytes.Load())
}

func TestParseLine(t *testing.T) {
	assert.Equal(t, Line{Stream: StreamStderr, Content: "boom"}, ParseLine("[stderr] boom"))
	assert.Equal(t, Line{Stream: StreamUser, Content: "hi"}, ParseLine("[user] hi"))
	// Unknown or missing prefixes default to stdout.
	assert.Equal(t, Line{Stream: StreamStdout, Content: "[weird] x"}, ParseLine("[weird] x"))
	assert.Equal(t, Line{Stream: StreamStdout, Content: "plain"}, ParseLine("plain"))
}

func TestTailerCatchupAndIncrementalReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec-3.log")
	require.NoError(t, os.WriteFile(path, []byte("[stdout] first\n"), 0o644))

	tailer := NewTailer(path, testLogger())

	content, exists, err := tailer.Catchup()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "[stdout] first\n", content)

	// Nothing new yet.
	lines, err := tailer.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("[stderr] second\n[stdout] par")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err = tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, Line{Stream: StreamStderr, Content: "second"}, lines[0])

	// Completing the partial line yields it on the next read.
	f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("tial\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err = tailer.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, Line{Stream: StreamStdout, Content: "partial"}, lines[0])
}

func TestTailerMissingFile(t *testing.T) {
	tailer := NewTailer(filepath.Join(t.TempDir(), "missing.log"), testLogger())

	content, exists, err := tailer.Catchup()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, content)

	lines, err := tailer.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTailerEmptyFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	tailer := NewTailer(path, testLogger())
	content, exists, err := tailer.Catchup()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, content)
}

func TestTailerFollowDeliversAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec-4.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	tailer := NewTailer(path, testLogger())
	done := make(chan struct{})
	out := make(chan Line, 16)
	go tailer.Follow(done, out)
	defer close(done)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("[stdout] streamed\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-out:
		assert.Equal(t, Line{Stream: StreamStdout, Content: "streamed"}, line)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailed line")
	}
}
