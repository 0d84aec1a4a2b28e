package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/agendo/agendo/internal/common/logger"
)

// TemplateAdapter runs arbitrary command-line tools: whitespace split into
// binary and args, spawned directly without a shell, stdin closed, stdout
// and stderr forwarded.
type TemplateAdapter struct {
	logger *logger.Logger

	mu   sync.Mutex
	proc *process
}

var _ Adapter = (*TemplateAdapter)(nil)

// NewTemplateAdapter creates the template-mode adapter.
func NewTemplateAdapter(log *logger.Logger) *TemplateAdapter {
	return &TemplateAdapter{logger: log}
}

func (a *TemplateAdapter) Spawn(ctx context.Context, command string, opts SpawnOpts) (ManagedProcess, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	args := append(fields[1:], opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	proc, err := startProcess(cmd, true, a.logger)
	if err != nil {
		return nil, err
	}
	proc.closeStdin()

	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()
	return proc, nil
}

// Resume is not meaningful for one-shot commands.
func (a *TemplateAdapter) Resume(ctx context.Context, sessionRef, command string, opts SpawnOpts) (ManagedProcess, error) {
	return nil, fmt.Errorf("template capabilities cannot be resumed")
}

// ExtractSessionID always returns empty: template runs have no sessions.
func (a *TemplateAdapter) ExtractSessionID(string) string { return "" }

// SendMessage is unsupported: stdin is closed at spawn.
func (a *TemplateAdapter) SendMessage(context.Context, string) error {
	return fmt.Errorf("template capabilities do not accept messages")
}

// Interrupt sends the standard termination signal.
func (a *TemplateAdapter) Interrupt() error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("template adapter has no running process")
	}
	return proc.Signal(syscall.SIGTERM)
}
