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

// GeminiAdapter drives gemini over its ACP wire: line-delimited JSON-RPC
// where the server also initiates requests (permission prompts) that must be
// answered.
type GeminiAdapter struct {
	binaryPath string
	logger     *logger.Logger

	mu        sync.Mutex
	proc      *process
	client    *rpcClient
	sessionID string
}

var _ Adapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates an adapter for the given gemini binary.
func NewGeminiAdapter(binaryPath string, log *logger.Logger) *GeminiAdapter {
	return &GeminiAdapter{binaryPath: binaryPath, logger: log}
}

func (a *GeminiAdapter) Spawn(ctx context.Context, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	return a.start(ctx, "", initialInput, opts)
}

func (a *GeminiAdapter) Resume(ctx context.Context, sessionRef, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	if sessionRef == "" {
		return nil, fmt.Errorf("gemini resume requires a session id")
	}
	return a.start(ctx, sessionRef, initialInput, opts)
}

func (a *GeminiAdapter) start(ctx context.Context, resumeSessionID, initialInput string, opts SpawnOpts) (ManagedProcess, error) {
	args := append([]string{"--experimental-acp"}, opts.ExtraArgs...)
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
	client.onRequest = func(id any, method string, params json.RawMessage) {
		a.handleServerRequest(id, method, params)
	}
	// Non-JSON stdout lines are ignored on this protocol.
	proc.addReader(client.readLoop)
	proc.beginWait()

	a.mu.Lock()
	a.proc = proc
	a.client = client
	a.sessionID = resumeSessionID
	a.mu.Unlock()

	proc.OnExit(func(*int) { client.stop() })

	if err := a.handshake(ctx, resumeSessionID, initialInput, opts); err != nil {
		proc.Terminate(0)
		return nil, err
	}
	return proc, nil
}

func (a *GeminiAdapter) handshake(ctx context.Context, resumeSessionID, initialInput string, opts SpawnOpts) error {
	client := a.client

	if _, err := client.call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
	}); err != nil {
		return fmt.Errorf("gemini initialize failed: %w", err)
	}

	if resumeSessionID == "" {
		resp, err := client.call(ctx, "session/start", map[string]any{"cwd": opts.Cwd})
		if err != nil {
			return fmt.Errorf("gemini session/start failed: %w", err)
		}
		var result struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
			return fmt.Errorf("gemini did not return a session id")
		}
		a.mu.Lock()
		a.sessionID = result.SessionID
		a.mu.Unlock()
	}

	// session/prompt only responds once the turn completes, so the first
	// prompt must not block the spawn path.
	go func() {
		if err := a.SendMessage(context.Background(), initialInput); err != nil {
			a.logger.Warn("gemini initial prompt failed", zap.Error(err))
		}
	}()
	return nil
}

func (a *GeminiAdapter) handleNotification(proc *process, method string, params json.RawMessage) {
	if method != "session/update" {
		return
	}
	var p struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	for _, msg := range p.Messages {
		if msg.Role == "assistant" && msg.Content != "" {
			proc.emit(msg.Content)
		}
	}
}

// handleServerRequest answers permission prompts by selecting the first
// offered option.
func (a *GeminiAdapter) handleServerRequest(id any, method string, params json.RawMessage) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	var p struct {
		Options []struct {
			OptionID string `json:"optionId"`
		} `json:"options"`
	}
	_ = json.Unmarshal(params, &p)

	result := map[string]any{"outcome": map[string]any{"outcome": "selected"}}
	if len(p.Options) > 0 {
		result["outcome"] = map[string]any{
			"outcome":  "selected",
			"optionId": p.Options[0].OptionID,
		}
	}
	if err := client.respond(id, result); err != nil {
		a.logger.Warn("gemini permission response failed",
			zap.String("method", method), zap.Error(err))
	}
}

// ExtractSessionID returns the session id captured during the handshake.
func (a *GeminiAdapter) ExtractSessionID(string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// SendMessage submits a user prompt to the current session.
func (a *GeminiAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	client := a.client
	sessionID := a.sessionID
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("gemini adapter has no running process")
	}
	_, err := client.call(ctx, "session/prompt", map[string]any{
		"sessionId": sessionID,
		"prompt":    []map[string]any{{"type": "text", "text": text}},
	})
	if err != nil {
		return fmt.Errorf("gemini session/prompt failed: %w", err)
	}
	return nil
}

// Interrupt asks the agent to cancel the current turn.
func (a *GeminiAdapter) Interrupt() error {
	a.mu.Lock()
	client := a.client
	sessionID := a.sessionID
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("gemini adapter has no running process")
	}
	return client.notify("session/cancel", map[string]any{"sessionId": sessionID})
}
