package safety

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

func TestValidateWorkingDir(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))

	t.Run("allows root and subdirectory", func(t *testing.T) {
		resolved, err := ValidateWorkingDir(root, []string{root})
		require.NoError(t, err)
		assert.NotEmpty(t, resolved)

		_, err = ValidateWorkingDir(sub, []string{root})
		assert.NoError(t, err)
	})

	t.Run("rejects relative path", func(t *testing.T) {
		_, err := ValidateWorkingDir("relative/dir", []string{root})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})

	t.Run("rejects missing path", func(t *testing.T) {
		_, err := ValidateWorkingDir(filepath.Join(root, "nope"), []string{root})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})

	t.Run("rejects sibling with shared prefix", func(t *testing.T) {
		sibling := root + "-evil"
		require.NoError(t, os.Mkdir(sibling, 0o755))
		defer os.RemoveAll(sibling)

		_, err := ValidateWorkingDir(sibling, []string{root})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})

	t.Run("rejects symlink escaping the root", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks not reliable on windows")
		}
		outside := t.TempDir()
		link := filepath.Join(root, "escape")
		require.NoError(t, os.Symlink(outside, link))

		_, err := ValidateWorkingDir(link, []string{root})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})
}

func TestBuildChildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/runner")
	t.Setenv("SECRET_TOKEN", "hunter2")
	t.Setenv("ANTHROPIC_API_KEY", "key123")

	env := BuildChildEnv([]string{"ANTHROPIC_API_KEY"}, map[string]string{"EXTRA": "1"})

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.Contains(t, joined, "HOME=/home/runner")
	assert.Contains(t, joined, "ANTHROPIC_API_KEY=key123")
	assert.Contains(t, joined, "EXTRA=1")
	assert.Contains(t, joined, "TERM=xterm-256color")
	assert.Contains(t, joined, "COLORTERM=truecolor")
	assert.NotContains(t, joined, "SECRET_TOKEN")
}

func TestBuildCommandArgs(t *testing.T) {
	tokens := []string{"deploy", "--env", "{{environment}}", "--count", "{{count}}"}

	t.Run("substitutes validated scalars", func(t *testing.T) {
		out, err := BuildCommandArgs(tokens, map[string]any{
			"environment": "staging",
			"count":       float64(3),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"deploy", "--env", "staging", "--count", "3"}, out)
	})

	t.Run("rejects missing argument", func(t *testing.T) {
		_, err := BuildCommandArgs(tokens, map[string]any{"environment": "staging"})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})

	t.Run("rejects shell metacharacters", func(t *testing.T) {
		_, err := BuildCommandArgs(tokens, map[string]any{
			"environment": "staging; rm -rf /",
			"count":       "1",
		})
		assert.True(t, apperrors.IsSafetyViolation(err))
	})

	t.Run("rejects object values", func(t *testing.T) {
		_, err := BuildCommandArgs(tokens, map[string]any{
			"environment": map[string]any{"nested": true},
			"count":       "1",
		})
		assert.Error(t, err)
	})

	t.Run("placeholder must be the whole token", func(t *testing.T) {
		out, err := BuildCommandArgs([]string{"--flag={{environment}}"}, map[string]any{"environment": "x"})
		require.NoError(t, err)
		// Not a pure placeholder token, passes through literally.
		assert.Equal(t, []string{"--flag={{environment}}"}, out)
	})
}

func TestValidateArgs(t *testing.T) {
	schema := &domain.ArgsSchema{
		Required: []string{"branch"},
		Properties: map[string]domain.ArgsSchemaProperty{
			"branch": {Type: "string", Pattern: `^[a-z0-9/\-]+$`},
		},
	}

	assert.NoError(t, ValidateArgs(schema, map[string]any{"branch": "feature/login"}))

	err := ValidateArgs(schema, map[string]any{})
	assert.True(t, apperrors.IsValidation(err))

	err = ValidateArgs(schema, map[string]any{"branch": "Feature Branch!"})
	assert.True(t, apperrors.IsValidation(err))

	err = ValidateArgs(schema, map[string]any{"branch": []any{"a"}})
	assert.True(t, apperrors.IsValidation(err))

	assert.NoError(t, ValidateArgs(nil, map[string]any{"anything": "goes"}))
}

func TestValidateBinary(t *testing.T) {
	dir := t.TempDir()

	executable := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(executable, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, ValidateBinary(executable))

	plain := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.True(t, apperrors.IsSafetyViolation(ValidateBinary(plain)))

	assert.True(t, apperrors.IsSafetyViolation(ValidateBinary(filepath.Join(dir, "missing"))))
}
