package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextMessageEmptyOrMissing(t *testing.T) {
	_, ok, err := NextMessage(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	dir := t.TempDir()
	_, ok, err = NextMessage(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDropAndConsumeInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, DropMessage(dir, "002", "second"))
	require.NoError(t, DropMessage(dir, "001", "first"))

	content, ok, err := NextMessage(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", content)

	content, ok, err = NextMessage(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", content)

	_, ok, err = NextMessage(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextMessageDeletesBeforeDelivery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, DropMessage(dir, "001", "payload"))

	_, ok, err := NextMessage(dir)
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNextMessageIgnoresNonMessageFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".001.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("other"), 0o644))

	_, ok, err := NextMessage(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}
