package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/agendo/agendo/internal/common/logger"
)

// claudeUserMessage is one NDJSON input line on the stream-json protocol.
type claudeUserMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	SessionID       string  `json:"session_id"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
}

func newClaudeUserMessage(text string) claudeUserMessage {
	var msg claudeUserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = text
	msg.SessionID = "default"
	return msg
}

// ClaudeAdapter drives the claude CLI in stream-json mode: NDJSON in,
// NDJSON out, one process per run.
type ClaudeAdapter struct {
	binaryPath string
	logger     *logger.Logger

	mu   sync.Mutex
	proc *process
}

var _ Adapter = (*ClaudeAdapter)(nil)

// NewClaudeAdapter creates an adapter for the given claude binary.
func NewClaudeAdapter(binaryPath string, log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{binaryPath: binaryPath, logger: log}
}

func (a *ClaudeAdapter) Spawn(ctx context.Context, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	return a.start(ctx, "", initialInput, opts)
}

func (a *ClaudeAdapter) Resume(ctx context.Context, sessionRef, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	if sessionRef == "" {
		return nil, fmt.Errorf("claude resume requires a session reference")
	}
	return a.start(ctx, sessionRef, initialInput, opts)
}

func (a *ClaudeAdapter) start(ctx context.Context, resumeRef, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	permissionMode := opts.PermissionMode
	if permissionMode == "" {
		permissionMode = "bypassPermissions"
	}

	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", permissionMode,
	}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, a.binaryPath, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	proc, err := startProcess(cmd, false, a.logger)
	if err != nil {
		return nil, err
	}

	// Stdout is NDJSON: deliver whole lines so downstream parsing never
	// sees a split JSON document.
	proc.addReader(func() { pumpLines(proc.stdout, proc) })
	proc.beginWait()

	if err := a.writeUserLine(proc, initialInput); err != nil {
		proc.Terminate(0)
		return nil, err
	}

	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()
	return proc, nil
}

// ExtractSessionID returns the session_id from the first system/init NDJSON
// message, or "" when the chunk holds none.
func (a *ClaudeAdapter) ExtractSessionID(chunk string) string {
	scanner := bufio.NewScanner(strings.NewReader(chunk))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Type      string `json:"type"`
			Subtype   string `json:"subtype"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "system" && msg.Subtype == "init" && msg.SessionID != "" {
			return msg.SessionID
		}
	}
	return ""
}

func (a *ClaudeAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("claude adapter has no running process")
	}
	return a.writeUserLine(proc, text)
}

// Interrupt sends SIGINT, which claude treats as a turn cancellation.
func (a *ClaudeAdapter) Interrupt() error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("claude adapter has no running process")
	}
	return proc.Signal(syscall.SIGINT)
}

func (a *ClaudeAdapter) writeUserLine(proc *process, text string) error {
	data, err := json.Marshal(newClaudeUserMessage(text))
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	return proc.writeLine(string(data))
}

// pumpLines forwards stdout line by line, preserving newline boundaries.
func pumpLines(r io.Reader, proc *process) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		proc.emit(scanner.Text() + "\n")
	}
}
