// Package adapter bridges the runner to concrete CLI agents. Each adapter
// knows how to spawn its agent, feed it prompts, extract its session
// reference, and inject follow-up messages.
package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
)

// SpawnOpts carries everything an adapter needs to start its agent.
type SpawnOpts struct {
	Cwd            string
	Env            []string
	ExecutionID    string
	TimeoutSec     int
	MaxOutputBytes int64
	// ExtraArgs is appended to the adapter's CLI invocation.
	ExtraArgs []string
	// PermissionMode overrides the adapter's default permission flag where
	// the agent supports one.
	PermissionMode string
	// Model selects the provider model for adapters that accept one; empty
	// leaves the agent's default in place.
	Model string
}

// ManagedProcess is a running agent child. Data and exit callbacks must be
// registered promptly after spawn; chunks arriving earlier are buffered.
type ManagedProcess interface {
	PID() int
	TmuxSession() string

	// OnData registers the output callback. For protocol adapters the
	// chunks are the extracted text units, not raw stdout bytes.
	OnData(fn func(chunk string))
	// OnStderr registers a separate callback for stderr chunks. Without
	// one, stderr is folded into the data callback.
	OnStderr(fn func(chunk string))
	// OnExit registers the exit callback. exitCode is nil when the child
	// was killed by a signal.
	OnExit(fn func(exitCode *int))

	// Signal sends a signal to the whole process group.
	Signal(sig syscall.Signal) error
	// Terminate sends SIGTERM and escalates to SIGKILL after the grace
	// period if the child has not exited.
	Terminate(grace time.Duration)
	// Wait blocks until exit and returns the exit code.
	Wait() *int
}

// Adapter is the contract between the runner and one agent protocol.
type Adapter interface {
	// Spawn starts a fresh agent run with the given initial input.
	Spawn(ctx context.Context, initialInput string, opts SpawnOpts) (ManagedProcess, error)
	// Resume continues a previous conversation identified by sessionRef.
	Resume(ctx context.Context, sessionRef, initialInput string, opts SpawnOpts) (ManagedProcess, error)
	// ExtractSessionID scans an output chunk for the agent's session
	// reference, returning "" until one is found.
	ExtractSessionID(chunk string) string
	// SendMessage injects a follow-up user message into the running agent.
	SendMessage(ctx context.Context, text string) error
	// Interrupt cancels the current turn without killing the agent.
	Interrupt() error
}

// promptAdapters maps the lowercased basename of an agent binary to its
// adapter constructor.
var promptAdapters = map[string]func(binaryPath string, log *logger.Logger) Adapter{
	"claude": func(binaryPath string, log *logger.Logger) Adapter { return NewClaudeAdapter(binaryPath, log) },
	"codex":  func(binaryPath string, log *logger.Logger) Adapter { return NewCodexAdapter(binaryPath, log) },
	"gemini": func(binaryPath string, log *logger.Logger) Adapter { return NewGeminiAdapter(binaryPath, log) },
}

// New selects the adapter for a capability. Template mode always uses the
// template adapter; prompt mode dispatches on the binary basename and
// unknown basenames are a hard error.
func New(agent *domain.Agent, cap *domain.Capability, log *logger.Logger) (Adapter, error) {
	switch cap.InteractionMode {
	case domain.ModeTemplate:
		return NewTemplateAdapter(log), nil
	case domain.ModePrompt:
		basename := strings.ToLower(filepath.Base(agent.BinaryPath))
		ctor, ok := promptAdapters[basename]
		if !ok {
			return nil, apperrors.Validation(fmt.Sprintf("no prompt adapter for binary %q", basename))
		}
		return ctor(agent.BinaryPath, log), nil
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown interaction mode %q", cap.InteractionMode))
	}
}
