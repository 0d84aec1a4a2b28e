package api

import "github.com/agendo/agendo/internal/domain"

// CreateExecutionRequest starts a one-shot capability run.
type CreateExecutionRequest struct {
	TaskID            string         `json:"task_id" binding:"required"`
	AgentID           string         `json:"agent_id" binding:"required"`
	CapabilityID      string         `json:"capability_id" binding:"required"`
	Args              map[string]any `json:"args"`
	ExtraArgs         []string       `json:"extra_args"`
	ParentExecutionID string         `json:"parent_execution_id"`
	SessionRef        string         `json:"session_ref"`
}

// MessageRequest injects a follow-up message into a running execution or
// session.
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// CreateSessionRequest starts a long-lived session.
type CreateSessionRequest struct {
	TaskID         string `json:"task_id" binding:"required"`
	AgentID        string `json:"agent_id" binding:"required"`
	CapabilityID   string `json:"capability_id" binding:"required"`
	InitialPrompt  string `json:"initial_prompt" binding:"required"`
	PermissionMode string `json:"permission_mode"`
	TeamID         string `json:"team_id"`
}

// PermissionModeRequest changes a session's permission mode; the worker
// restarts the agent to apply it.
type PermissionModeRequest struct {
	PermissionMode string `json:"permission_mode" binding:"required"`
}

// CreateAgentRequest registers a CLI binary.
type CreateAgentRequest struct {
	Name          string   `json:"name" binding:"required"`
	BinaryPath    string   `json:"binary_path" binding:"required"`
	WorkingDir    string   `json:"working_dir" binding:"required"`
	EnvAllowlist  []string `json:"env_allowlist"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// CreateCapabilityRequest registers an invocation pattern for an agent.
type CreateCapabilityRequest struct {
	AgentID         string             `json:"agent_id" binding:"required"`
	Key             string             `json:"key" binding:"required"`
	InteractionMode string             `json:"interaction_mode" binding:"required"`
	CommandTokens   []string           `json:"command_tokens"`
	PromptTemplate  string             `json:"prompt_template"`
	Model           string             `json:"model"`
	ArgsSchema      *domain.ArgsSchema `json:"args_schema"`
	DangerLevel     int                `json:"danger_level"`
	TimeoutSec      int                `json:"timeout_sec"`
	MaxOutputBytes  int64              `json:"max_output_bytes"`
}

// CreateTaskRequest creates a task.
type CreateTaskRequest struct {
	Title        string               `json:"title" binding:"required"`
	Description  string               `json:"description"`
	InputContext *domain.InputContext `json:"input_context"`
}

// UpdateTaskStatusRequest moves a task through its status machine.
type UpdateTaskStatusRequest struct {
	Status string `json:"status" binding:"required"`
}
