// Package domain defines the persistent entities of the execution core and
// the status machines that govern their transitions.
package domain

import (
	"time"
)

// TaskStatus is the board status of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ExecutionStatus is the lifecycle status of a capability run.
type ExecutionStatus string

const (
	ExecutionStatusQueued     ExecutionStatus = "queued"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCancelling ExecutionStatus = "cancelling"
	ExecutionStatusSucceeded  ExecutionStatus = "succeeded"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusTimedOut   ExecutionStatus = "timed_out"
)

// IsTerminal reports whether the execution status is terminal.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// SessionStatus is the lifecycle status of a long-lived conversation.
type SessionStatus string

const (
	SessionStatusStarting      SessionStatus = "starting"
	SessionStatusActive        SessionStatus = "active"
	SessionStatusAwaitingInput SessionStatus = "awaiting_input"
	SessionStatusIdle          SessionStatus = "idle"
	SessionStatusEnded         SessionStatus = "ended"
)

// IsTerminal reports whether the session status is terminal.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEnded
}

// InteractionMode selects how a capability is invoked.
type InteractionMode string

const (
	ModeTemplate InteractionMode = "template"
	ModePrompt   InteractionMode = "prompt"
)

// Agent is a registered CLI binary.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	BinaryPath    string    `json:"binary_path"`
	WorkingDir    string    `json:"working_dir"`
	EnvAllowlist  []string  `json:"env_allowlist"`
	MaxConcurrent int       `json:"max_concurrent"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ArgsSchema is a JSON-schema-like description of allowed arguments.
type ArgsSchema struct {
	Required   []string                      `json:"required,omitempty"`
	Properties map[string]ArgsSchemaProperty `json:"properties,omitempty"`
}

// ArgsSchemaProperty constrains one argument.
type ArgsSchemaProperty struct {
	Type    string `json:"type,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Capability is one invocation pattern owned by an agent.
type Capability struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Key             string          `json:"key"`
	InteractionMode InteractionMode `json:"interaction_mode"`
	CommandTokens   []string        `json:"command_tokens,omitempty"`
	PromptTemplate  string          `json:"prompt_template,omitempty"`
	Model           string          `json:"model,omitempty"`
	ArgsSchema      *ArgsSchema     `json:"args_schema,omitempty"`
	DangerLevel     int             `json:"danger_level"`
	TimeoutSec      int             `json:"timeout_sec"`
	MaxOutputBytes  int64           `json:"max_output_bytes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InputContext carries per-task overrides for execution.
type InputContext struct {
	WorkingDir      string            `json:"working_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Args            map[string]any    `json:"args,omitempty"`
	PromptAdditions string            `json:"prompt_additions,omitempty"`
}

// Task is a unit of work on a board.
type Task struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Status       TaskStatus    `json:"status"`
	Position     int           `json:"position"`
	InputContext *InputContext `json:"input_context,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Execution is one run of a capability against a task.
type Execution struct {
	ID                string          `json:"id"`
	TaskID            string          `json:"task_id"`
	AgentID           string          `json:"agent_id"`
	CapabilityID      string          `json:"capability_id"`
	Mode              InteractionMode `json:"mode"`
	Args              map[string]any  `json:"args,omitempty"`
	ResolvedPrompt    string          `json:"resolved_prompt,omitempty"`
	Status            ExecutionStatus `json:"status"`
	WorkerID          string          `json:"worker_id,omitempty"`
	PID               *int            `json:"pid,omitempty"`
	TmuxSession       string          `json:"tmux_session,omitempty"`
	SessionRef        string          `json:"session_ref,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	ExitCode          *int            `json:"exit_code,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	LogPath           string          `json:"log_path,omitempty"`
	LogByteSize       int64           `json:"log_byte_size"`
	LogLineCount      int64           `json:"log_line_count"`
	CostUSD           *float64        `json:"cost_usd,omitempty"`
	NumTurns          *int            `json:"num_turns,omitempty"`
	DurationMS        *int64          `json:"duration_ms,omitempty"`
	ExtraArgs         []string        `json:"extra_args,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Session is a long-lived conversation built on top of an adapter.
type Session struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	AgentID        string        `json:"agent_id"`
	CapabilityID   string        `json:"capability_id"`
	Status         SessionStatus `json:"status"`
	InitialPrompt  string        `json:"initial_prompt"`
	PermissionMode string        `json:"permission_mode,omitempty"`
	SessionRef     string        `json:"session_ref,omitempty"`
	TeamID         string        `json:"team_id,omitempty"`
	WorkerID       string        `json:"worker_id,omitempty"`
	PID            *int          `json:"pid,omitempty"`
	TmuxSession    string        `json:"tmux_session,omitempty"`
	LogPath        string        `json:"log_path,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	HeartbeatAt    *time.Time    `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TaskEvent is an append-only audit record.
type TaskEvent struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Task event types emitted by the core.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionCompleted = "execution_completed"
	EventSessionStarted     = "session_started"
	EventSessionEnded       = "session_ended"
)

// WorkerHeartbeat is the per-worker liveness row.
type WorkerHeartbeat struct {
	WorkerID     string    `json:"worker_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	RunningJobs  int       `json:"running_jobs"`
	ClaimedTotal int64     `json:"claimed_total"`
}
