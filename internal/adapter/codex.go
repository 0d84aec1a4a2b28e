package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// CodexAdapter drives the codex app-server over newline-delimited JSON-RPC.
// The conversation is modelled as a thread holding turns; the adapter tracks
// the current thread and turn ids.
type CodexAdapter struct {
	binaryPath string
	logger     *logger.Logger

	mu       sync.Mutex
	proc     *process
	client   *rpcClient
	threadID string
	turnID   string
}

var _ Adapter = (*CodexAdapter)(nil)

// NewCodexAdapter creates an adapter for the given codex binary.
func NewCodexAdapter(binaryPath string, log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{binaryPath: binaryPath, logger: log}
}

func (a *CodexAdapter) Spawn(ctx context.Context, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	return a.start(ctx, "", initialInput, opts)
}

func (a *CodexAdapter) Resume(ctx context.Context, sessionRef, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	if sessionRef == "" {
		return nil, fmt.Errorf("codex resume requires a thread id")
	}
	return a.start(ctx, sessionRef, initialInput, opts)
}

func (a *CodexAdapter) start(ctx context.Context, resumeThreadID, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	args := append([]string{"app-server"}, opts.ExtraArgs...)
	cmd := exec.CommandContext(ctx, a.binaryPath, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	proc, err := startProcess(cmd, false, a.logger)
	if err != nil {
		return nil, err
	}

	client := newRPCClient(proc.stdin, proc.stdout, a.logger)
	client.onNotification = func(method string, params json.RawMessage) {
		a.handleNotification(proc, method, params)
	}
	proc.addReader(client.readLoop)
	proc.beginWait()

	a.mu.Lock()
	a.proc = proc
	a.client = client
	a.threadID = resumeThreadID
	a.mu.Unlock()

	proc.OnExit(func(*int) { client.stop() })

	if err := a.handshake(ctx, resumeThreadID, initialInput, opts); err != nil {
		proc.Terminate(0)
		return nil, err
	}
	return proc, nil
}

// handshake runs initialize, thread start or resume, and the first turn.
func (a *CodexAdapter) handshake(ctx context.Context, resumeThreadID, initialInput string, opts SpawnOpts) error {
	client := a.client

	if _, err := client.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "agendo", "version": "1.0"},
	}); err != nil {
		return fmt.Errorf("codex initialize failed: %w", err)
	}
	if err := client.notify("initialized", nil); err != nil {
		return err
	}

	if resumeThreadID != "" {
		resp, err := client.call(ctx, "thread/resume", map[string]any{"threadId": resumeThreadID})
		if err != nil {
			return fmt.Errorf("codex thread/resume failed: %w", err)
		}
		a.captureIDs(resp.Result)
	} else {
		resp, err := client.call(ctx, "thread/start", codexThreadStartParams(opts))
		if err != nil {
			return fmt.Errorf("codex thread/start failed: %w", err)
		}
		a.captureIDs(resp.Result)
	}

	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	if threadID == "" {
		return fmt.Errorf("codex did not return a thread id")
	}

	return a.startTurn(ctx, initialInput)
}

// codexThreadStartParams builds the thread/start request. The model field is
// only sent when a capability pins one.
func codexThreadStartParams(opts SpawnOpts) map[string]any {
	params := map[string]any{
		"cwd":            opts.Cwd,
		"approvalPolicy": "auto-edit",
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	return params
}

func (a *CodexAdapter) startTurn(ctx context.Context, text string) error {
	a.mu.Lock()
	client := a.client
	threadID := a.threadID
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("codex adapter has no running process")
	}

	resp, err := client.call(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	})
	if err != nil {
		return fmt.Errorf("codex turn/start failed: %w", err)
	}
	a.captureIDs(resp.Result)
	return nil
}

// captureIDs stores threadId/turnId fields found in a response result.
func (a *CodexAdapter) captureIDs(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var ids struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}
	if err := json.Unmarshal(result, &ids); err != nil {
		return
	}
	a.mu.Lock()
	if ids.ThreadID != "" {
		a.threadID = ids.ThreadID
	}
	if ids.TurnID != "" {
		a.turnID = ids.TurnID
	}
	a.mu.Unlock()
}

func (a *CodexAdapter) handleNotification(proc *process, method string, params json.RawMessage) {
	switch method {
	case "item/agentMessage/delta":
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Delta != "" {
			proc.emit(p.Delta)
		}
	case "item/commandExecution/outputDelta":
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Delta != "" {
			proc.emit(p.Delta)
		}
	case "turn/completed":
		a.mu.Lock()
		a.turnID = ""
		a.mu.Unlock()
	case "item/commandExecution/requestApproval":
		var p struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()
		if err := client.notify("item/commandExecution/approve", map[string]any{"id": p.ID}); err != nil {
			a.logger.Warn("codex approval failed", zap.Error(err))
		}
	default:
		// Surface unknown notifications as diagnostics rather than losing
		// them.
		proc.emit(fmt.Sprintf("[codex] %s %s\n", method, string(params)))
	}
}

// ExtractSessionID returns the thread id once the handshake captured it.
func (a *CodexAdapter) ExtractSessionID(string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// SendMessage starts a new turn on the current thread.
func (a *CodexAdapter) SendMessage(ctx context.Context, text string) error {
	return a.startTurn(ctx, text)
}

// Interrupt cancels the in-flight turn.
func (a *CodexAdapter) Interrupt() error {
	a.mu.Lock()
	client := a.client
	threadID := a.threadID
	turnID := a.turnID
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("codex adapter has no running process")
	}
	return client.notify("turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
}
