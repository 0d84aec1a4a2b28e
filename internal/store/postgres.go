package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	db *DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, db *DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		binary_path TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		env_allowlist JSONB NOT NULL DEFAULT '[]',
		max_concurrent INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS capabilities (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		interaction_mode TEXT NOT NULL,
		command_tokens JSONB NOT NULL DEFAULT '[]',
		prompt_template TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		args_schema JSONB,
		danger_level INTEGER NOT NULL DEFAULT 0,
		timeout_sec INTEGER NOT NULL DEFAULT 0,
		max_output_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		position INTEGER NOT NULL DEFAULT 0,
		input_context JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		capability_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		args JSONB,
		resolved_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		worker_id TEXT NOT NULL DEFAULT '',
		pid INTEGER,
		tmux_session TEXT NOT NULL DEFAULT '',
		session_ref TEXT NOT NULL DEFAULT '',
		parent_execution_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		exit_code INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		log_byte_size BIGINT NOT NULL DEFAULT 0,
		log_line_count BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION,
		num_turns INTEGER,
		duration_ms BIGINT,
		extra_args JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions(worker_id, status);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		capability_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'starting',
		initial_prompt TEXT NOT NULL DEFAULT '',
		permission_mode TEXT NOT NULL DEFAULT '',
		session_ref TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		pid INTEGER,
		tmux_session TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id, status);

	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);

	CREATE TABLE IF NOT EXISTS worker_heartbeats (
		worker_id TEXT PRIMARY KEY,
		last_seen_at TIMESTAMPTZ NOT NULL,
		running_jobs INTEGER NOT NULL DEFAULT 0,
		claimed_total BIGINT NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Agent operations

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	allowlist, err := json.Marshal(agent.EnvAllowlist)
	if err != nil {
		allowlist = []byte("[]")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, binary_path, working_dir, env_allowlist, max_concurrent, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.Name, agent.BinaryPath, agent.WorkingDir, allowlist,
		agent.MaxConcurrent, agent.Active, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	var allowlist []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, name, binary_path, working_dir, env_allowlist, max_concurrent, active, created_at, updated_at
		FROM agents WHERE id = $1`, id).Scan(
		&agent.ID, &agent.Name, &agent.BinaryPath, &agent.WorkingDir, &allowlist,
		&agent.MaxConcurrent, &agent.Active, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if len(allowlist) > 0 {
		_ = json.Unmarshal(allowlist, &agent.EnvAllowlist)
	}
	return &agent, nil
}

// Capability operations

func (s *PostgresStore) CreateCapability(ctx context.Context, cap *domain.Capability) error {
	if cap.ID == "" {
		cap.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cap.CreatedAt = now
	cap.UpdatedAt = now

	tokens, err := json.Marshal(cap.CommandTokens)
	if err != nil {
		tokens = []byte("[]")
	}
	var schema []byte
	if cap.ArgsSchema != nil {
		schema, _ = json.Marshal(cap.ArgsSchema)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO capabilities (id, agent_id, key, interaction_mode, command_tokens, prompt_template, model, args_schema, danger_level, timeout_sec, max_output_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cap.ID, cap.AgentID, cap.Key, cap.InteractionMode, tokens, cap.PromptTemplate,
		cap.Model, schema, cap.DangerLevel, cap.TimeoutSec, cap.MaxOutputBytes, cap.CreatedAt, cap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create capability: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCapability(ctx context.Context, id string) (*domain.Capability, error) {
	var cap domain.Capability
	var tokens, schema []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, agent_id, key, interaction_mode, command_tokens, prompt_template, model, args_schema, danger_level, timeout_sec, max_output_bytes, created_at, updated_at
		FROM capabilities WHERE id = $1`, id).Scan(
		&cap.ID, &cap.AgentID, &cap.Key, &cap.InteractionMode, &tokens, &cap.PromptTemplate,
		&cap.Model, &schema, &cap.DangerLevel, &cap.TimeoutSec, &cap.MaxOutputBytes, &cap.CreatedAt, &cap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("capability", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capability: %w", err)
	}
	if len(tokens) > 0 {
		_ = json.Unmarshal(tokens, &cap.CommandTokens)
	}
	if len(schema) > 0 {
		cap.ArgsSchema = &domain.ArgsSchema{}
		_ = json.Unmarshal(schema, cap.ArgsSchema)
	}
	return &cap, nil
}

// Task operations

func (s *PostgresStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	var inputCtx []byte
	if task.InputContext != nil {
		inputCtx, _ = json.Marshal(task.InputContext)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, description, status, position, input_context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.Title, task.Description, task.Status, task.Position,
		inputCtx, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	var inputCtx []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, title, description, status, position, input_context, created_at, updated_at
		FROM tasks WHERE id = $1`, id).Scan(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.Position,
		&inputCtx, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(inputCtx) > 0 {
		task.InputContext = &domain.InputContext{}
		_ = json.Unmarshal(inputCtx, task.InputContext)
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := domain.CheckTaskTransition(task.Status, to); err != nil {
		return err
	}
	// Guard on the status we just read so a concurrent transition loses
	// cleanly instead of clobbering.
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, time.Now().UTC(), id, task.Status)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("task status changed concurrently")
	}
	return nil
}

// Execution operations

const executionColumns = `id, task_id, agent_id, capability_id, mode, args, resolved_prompt,
	status, worker_id, pid, tmux_session, session_ref, parent_execution_id,
	started_at, ended_at, heartbeat_at, exit_code, reason,
	log_path, log_byte_size, log_line_count, cost_usd, num_turns, duration_ms,
	extra_args, created_at, updated_at`

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var args, extraArgs []byte
	err := row.Scan(
		&exec.ID, &exec.TaskID, &exec.AgentID, &exec.CapabilityID, &exec.Mode,
		&args, &exec.ResolvedPrompt, &exec.Status, &exec.WorkerID, &exec.PID,
		&exec.TmuxSession, &exec.SessionRef, &exec.ParentExecutionID,
		&exec.StartedAt, &exec.EndedAt, &exec.HeartbeatAt, &exec.ExitCode, &exec.Reason,
		&exec.LogPath, &exec.LogByteSize, &exec.LogLineCount,
		&exec.CostUSD, &exec.NumTurns, &exec.DurationMS,
		&extraArgs, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &exec.Args)
	}
	if len(extraArgs) > 0 {
		_ = json.Unmarshal(extraArgs, &exec.ExtraArgs)
	}
	return &exec, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionStatusQueued
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	var args []byte
	if exec.Args != nil {
		args, _ = json.Marshal(exec.Args)
	}
	extraArgs, err := json.Marshal(exec.ExtraArgs)
	if err != nil {
		extraArgs = []byte("[]")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, task_id, agent_id, capability_id, mode, args, resolved_prompt, status, worker_id, parent_execution_id, extra_args, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.TaskID, exec.AgentID, exec.CapabilityID, exec.Mode, args,
		exec.ResolvedPrompt, exec.Status, exec.WorkerID, exec.ParentExecutionID,
		extraArgs, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	exec, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) MarkExecutionRunning(ctx context.Context, id, workerID, logPath string, startedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = 'running', worker_id = $1, log_path = $2, started_at = $3, heartbeat_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'queued'`,
		workerID, logPath, startedAt, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinalizeExecutionIf(ctx context.Context, id string, expect []domain.ExecutionStatus, update ExecutionUpdate) (bool, error) {
	endedAt := update.EndedAt
	if endedAt == nil {
		now := time.Now().UTC()
		endedAt = &now
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = $1,
		    exit_code = COALESCE($2, exit_code),
		    reason = CASE WHEN $3 = '' THEN reason ELSE $3 END,
		    ended_at = $4,
		    updated_at = $5
		WHERE id = $6 AND status = ANY($7)`,
		update.Status, update.ExitCode, update.Reason, endedAt, time.Now().UTC(),
		id, executionStatusStrings(expect))
	if err != nil {
		return false, fmt.Errorf("failed to finalize execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequestExecutionCancel(ctx context.Context, id string) (domain.ExecutionStatus, bool, error) {
	var status domain.ExecutionStatus
	err := s.db.QueryRow(ctx, `
		UPDATE executions
		SET status = CASE status WHEN 'queued' THEN 'cancelled' ELSE 'cancelling' END,
		    ended_at = CASE status WHEN 'queued' THEN NOW() ELSE ended_at END,
		    reason = CASE status WHEN 'queued' THEN 'cancelled before start' ELSE reason END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not cancellable; report the current status to the caller.
		exec, getErr := s.GetExecution(ctx, id)
		if getErr != nil {
			return "", false, getErr
		}
		return exec.Status, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to request cancel: %w", err)
	}
	return status, true, nil
}

func (s *PostgresStore) SetExecutionPID(ctx context.Context, id string, pid int, tmuxSession string) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions SET pid = $1, tmux_session = $2, updated_at = $3 WHERE id = $4`,
		pid, tmuxSession, time.Now().UTC(), id)
}

func (s *PostgresStore) SetExecutionSessionRef(ctx context.Context, id, sessionRef string) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions SET session_ref = $1, updated_at = $2 WHERE id = $3`,
		sessionRef, time.Now().UTC(), id)
}

func (s *PostgresStore) SetExecutionResolvedPrompt(ctx context.Context, id, prompt string) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions SET resolved_prompt = $1, updated_at = $2 WHERE id = $3`,
		prompt, time.Now().UTC(), id)
}

func (s *PostgresStore) SetExecutionUsage(ctx context.Context, id string, costUSD *float64, numTurns *int, durationMS *int64) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions
		SET cost_usd = COALESCE($1, cost_usd),
		    num_turns = COALESCE($2, num_turns),
		    duration_ms = COALESCE($3, duration_ms),
		    updated_at = $4
		WHERE id = $5`,
		costUSD, numTurns, durationMS, time.Now().UTC(), id)
}

func (s *PostgresStore) UpdateExecutionHeartbeat(ctx context.Context, id string, at time.Time) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions SET heartbeat_at = $1 WHERE id = $2`, at, id)
}

func (s *PostgresStore) UpdateExecutionLogStats(ctx context.Context, id string, byteSize, lineCount int64) error {
	return s.execUpdate(ctx, "execution", id, `
		UPDATE executions SET log_byte_size = $1, log_line_count = $2 WHERE id = $3`,
		byteSize, lineCount, id)
}

func (s *PostgresStore) ListExecutionsByWorker(ctx context.Context, workerID string, statuses []domain.ExecutionStatus) ([]*domain.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE worker_id = $1 AND status = ANY($2)
		ORDER BY created_at`, workerID, executionStatusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountExecutionsForAgent(ctx context.Context, agentID string, statuses []domain.ExecutionStatus) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions WHERE agent_id = $1 AND status = ANY($2)`,
		agentID, executionStatusStrings(statuses)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ReapStaleExecutions(ctx context.Context, cutoff time.Time, reason string) ([]*domain.Execution, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE executions
		SET status = 'timed_out', reason = $1, ended_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND heartbeat_at IS NOT NULL AND heartbeat_at < $2
		RETURNING `+executionColumns, reason, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to reap executions: %w", err)
	}
	defer rows.Close()

	var reaped []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reaped execution: %w", err)
		}
		reaped = append(reaped, exec)
	}
	return reaped, rows.Err()
}

// Session operations

const sessionColumns = `id, task_id, agent_id, capability_id, status, initial_prompt,
	permission_mode, session_ref, team_id, worker_id, pid, tmux_session, log_path,
	started_at, ended_at, heartbeat_at, created_at, updated_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	err := row.Scan(
		&session.ID, &session.TaskID, &session.AgentID, &session.CapabilityID,
		&session.Status, &session.InitialPrompt, &session.PermissionMode,
		&session.SessionRef, &session.TeamID, &session.WorkerID, &session.PID,
		&session.TmuxSession, &session.LogPath,
		&session.StartedAt, &session.EndedAt, &session.HeartbeatAt,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusStarting
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, task_id, agent_id, capability_id, status, initial_prompt, permission_mode, team_id, worker_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.TaskID, session.AgentID, session.CapabilityID,
		session.Status, session.InitialPrompt, session.PermissionMode,
		session.TeamID, session.WorkerID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ClaimSession(ctx context.Context, id, workerID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET status = 'starting',
		    worker_id = $1,
		    started_at = COALESCE(started_at, $2),
		    heartbeat_at = $2,
		    updated_at = $2
		WHERE id = $3 AND status IN ('starting', 'idle')`,
		workerID, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateSessionStatusIf(ctx context.Context, id string, expect []domain.SessionStatus, to domain.SessionStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET status = $1,
		    ended_at = CASE WHEN $1 = 'ended' THEN NOW() ELSE ended_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		to, id, sessionStatusStrings(expect))
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetSessionPID(ctx context.Context, id string, pid int, tmuxSession string) error {
	return s.execUpdate(ctx, "session", id, `
		UPDATE sessions SET pid = $1, tmux_session = $2, updated_at = $3 WHERE id = $4`,
		pid, tmuxSession, time.Now().UTC(), id)
}

func (s *PostgresStore) SetSessionRef(ctx context.Context, id, sessionRef string) error {
	return s.execUpdate(ctx, "session", id, `
		UPDATE sessions SET session_ref = $1, updated_at = $2 WHERE id = $3`,
		sessionRef, time.Now().UTC(), id)
}

func (s *PostgresStore) SetSessionPermissionMode(ctx context.Context, id, mode string) error {
	return s.execUpdate(ctx, "session", id, `
		UPDATE sessions SET permission_mode = $1, updated_at = $2 WHERE id = $3`,
		mode, time.Now().UTC(), id)
}

func (s *PostgresStore) SetSessionLogPath(ctx context.Context, id, logPath string) error {
	return s.execUpdate(ctx, "session", id, `
		UPDATE sessions SET log_path = $1, updated_at = $2 WHERE id = $3`,
		logPath, time.Now().UTC(), id)
}

func (s *PostgresStore) UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	return s.execUpdate(ctx, "session", id, `
		UPDATE sessions SET heartbeat_at = $1 WHERE id = $2`, at, id)
}

func (s *PostgresStore) ListSessionsByWorker(ctx context.Context, workerID string, statuses []domain.SessionStatus) ([]*domain.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE worker_id = $1 AND status = ANY($2)
		ORDER BY created_at`, workerID, sessionStatusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ReapStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE sessions
		SET status = CASE WHEN session_ref <> '' THEN 'idle' ELSE 'ended' END,
		    updated_at = NOW()
		WHERE status IN ('active', 'awaiting_input')
		  AND heartbeat_at IS NOT NULL AND heartbeat_at < $1
		RETURNING `+sessionColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to reap sessions: %w", err)
	}
	defer rows.Close()

	var reaped []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reaped session: %w", err)
		}
		reaped = append(reaped, session)
	}
	return reaped, rows.Err()
}

// Task event operations

func (s *PostgresStore) AppendTaskEvent(ctx context.Context, event *domain.TaskEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()

	var payload []byte
	if event.Payload != nil {
		payload, _ = json.Marshal(event.Payload)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO task_events (id, task_id, actor, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.TaskID, event.Actor, event.EventType, payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTaskEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, actor, event_type, payload, created_at
		FROM task_events WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var result []*domain.TaskEvent
	for rows.Next() {
		var event domain.TaskEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.TaskID, &event.Actor, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &event.Payload)
		}
		result = append(result, &event)
	}
	return result, rows.Err()
}

// Worker heartbeat operations

func (s *PostgresStore) UpsertWorkerHeartbeat(ctx context.Context, hb *domain.WorkerHeartbeat) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_seen_at, running_jobs, claimed_total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    running_jobs = EXCLUDED.running_jobs,
		    claimed_total = EXCLUDED.claimed_total`,
		hb.WorkerID, hb.LastSeenAt, hb.RunningJobs, hb.ClaimedTotal)
	if err != nil {
		return fmt.Errorf("failed to upsert worker heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkerHeartbeat(ctx context.Context, workerID string) (*domain.WorkerHeartbeat, error) {
	var hb domain.WorkerHeartbeat
	err := s.db.QueryRow(ctx, `
		SELECT worker_id, last_seen_at, running_jobs, claimed_total
		FROM worker_heartbeats WHERE worker_id = $1`, workerID).Scan(
		&hb.WorkerID, &hb.LastSeenAt, &hb.RunningJobs, &hb.ClaimedTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("worker heartbeat", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker heartbeat: %w", err)
	}
	return &hb, nil
}

func (s *PostgresStore) execUpdate(ctx context.Context, entity, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(entity, id)
	}
	return nil
}

func executionStatusStrings(in []domain.ExecutionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func sessionStatusStrings(in []domain.SessionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
