// Package store provides typed access to the persistent entities of the
// execution core. Two implementations exist: a Postgres-backed store for
// production and an in-memory store for development and tests.
package store

import (
	"context"
	"time"

	"github.com/agendo/agendo/internal/domain"
)

// ExecutionUpdate carries the fields written when an execution reaches a
// terminal status. Nil pointers leave the column untouched.
type ExecutionUpdate struct {
	Status   domain.ExecutionStatus
	ExitCode *int
	Reason   string
	EndedAt  *time.Time
}

// AgentStore provides access to registered agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// CapabilityStore provides access to agent capabilities.
type CapabilityStore interface {
	CreateCapability(ctx context.Context, cap *domain.Capability) error
	GetCapability(ctx context.Context, id string) (*domain.Capability, error)
}

// TaskStore provides access to tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	// UpdateTaskStatus applies a status transition after checking the
	// transition table. Returns a conflict error on violation.
	UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus) error
}

// ExecutionStore provides access to executions. All status mutations are
// guarded: they only apply when the row is still in one of the expected
// source statuses, and report whether a row matched.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)

	// MarkExecutionRunning transitions queued -> running, stamping worker id,
	// log path, and start timestamp. Returns false if the row was not queued.
	MarkExecutionRunning(ctx context.Context, id, workerID, logPath string, startedAt time.Time) (bool, error)

	// FinalizeExecutionIf applies a terminal update only where the current
	// status is one of expect. Returns false when zero rows matched.
	FinalizeExecutionIf(ctx context.Context, id string, expect []domain.ExecutionStatus, update ExecutionUpdate) (bool, error)

	// RequestExecutionCancel transitions queued -> cancelled or
	// running -> cancelling under a status guard. Returns the status that
	// was set, or false if the row was in neither state.
	RequestExecutionCancel(ctx context.Context, id string) (domain.ExecutionStatus, bool, error)

	SetExecutionPID(ctx context.Context, id string, pid int, tmuxSession string) error
	SetExecutionSessionRef(ctx context.Context, id, sessionRef string) error
	SetExecutionResolvedPrompt(ctx context.Context, id, prompt string) error
	SetExecutionUsage(ctx context.Context, id string, costUSD *float64, numTurns *int, durationMS *int64) error

	UpdateExecutionHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateExecutionLogStats(ctx context.Context, id string, byteSize, lineCount int64) error

	ListExecutionsByWorker(ctx context.Context, workerID string, statuses []domain.ExecutionStatus) ([]*domain.Execution, error)
	CountExecutionsForAgent(ctx context.Context, agentID string, statuses []domain.ExecutionStatus) (int, error)

	// ReapStaleExecutions transitions running executions whose heartbeat is
	// older than cutoff to timed_out in a single guarded update, returning
	// the rows that matched.
	ReapStaleExecutions(ctx context.Context, cutoff time.Time, reason string) ([]*domain.Execution, error)
}

// SessionStore provides access to sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ClaimSession stamps the worker and moves starting/idle -> starting,
	// recording the start timestamp on first claim. Returns false if the
	// session was in neither state.
	ClaimSession(ctx context.Context, id, workerID string, at time.Time) (bool, error)

	// UpdateSessionStatusIf applies a status change only where the current
	// status is one of expect. Returns false when zero rows matched.
	UpdateSessionStatusIf(ctx context.Context, id string, expect []domain.SessionStatus, to domain.SessionStatus) (bool, error)

	SetSessionPID(ctx context.Context, id string, pid int, tmuxSession string) error
	SetSessionRef(ctx context.Context, id, sessionRef string) error
	SetSessionLogPath(ctx context.Context, id, logPath string) error
	SetSessionPermissionMode(ctx context.Context, id, mode string) error
	UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error

	ListSessionsByWorker(ctx context.Context, workerID string, statuses []domain.SessionStatus) ([]*domain.Session, error)

	// ReapStaleSessions transitions active/awaiting_input sessions with stale
	// heartbeats in a single guarded update: resumable sessions (those with a
	// provider ref) go idle, the rest go ended. Matched rows are returned so
	// the caller can kill orphaned process groups and re-enqueue resumable
	// sessions.
	ReapStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

// TaskEventStore provides append-only audit records.
type TaskEventStore interface {
	AppendTaskEvent(ctx context.Context, event *domain.TaskEvent) error
	ListTaskEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)
}

// HeartbeatStore tracks per-worker liveness.
type HeartbeatStore interface {
	UpsertWorkerHeartbeat(ctx context.Context, hb *domain.WorkerHeartbeat) error
	GetWorkerHeartbeat(ctx context.Context, workerID string) (*domain.WorkerHeartbeat, error)
}

// Store aggregates all repositories behind one interface.
type Store interface {
	AgentStore
	CapabilityStore
	TaskStore
	ExecutionStore
	SessionStore
	TaskEventStore
	HeartbeatStore

	Close() error
}
