package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

// MemoryStore provides in-memory storage. Used for development and tests;
// semantics (status guards, matched-row reporting) mirror the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*domain.Agent
	caps       map[string]*domain.Capability
	tasks      map[string]*domain.Task
	executions map[string]*domain.Execution
	sessions   map[string]*domain.Session
	events     map[string][]*domain.TaskEvent
	heartbeats map[string]*domain.WorkerHeartbeat
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*domain.Agent),
		caps:       make(map[string]*domain.Capability),
		tasks:      make(map[string]*domain.Task),
		executions: make(map[string]*domain.Execution),
		sessions:   make(map[string]*domain.Session),
		events:     make(map[string][]*domain.TaskEvent),
		heartbeats: make(map[string]*domain.WorkerHeartbeat),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Agent operations

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	cp := *agent
	return &cp, nil
}

// Capability operations

func (s *MemoryStore) CreateCapability(ctx context.Context, cap *domain.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cap.ID == "" {
		cap.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cap.CreatedAt = now
	cap.UpdatedAt = now
	cp := *cap
	s.caps[cap.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCapability(ctx context.Context, id string) (*domain.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cap, ok := s.caps[id]
	if !ok {
		return nil, apperrors.NotFound("capability", id)
	}
	cp := *cap
	return &cp, nil
}

// Task operations

func (s *MemoryStore) CreateTask(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if err := domain.CheckTaskTransition(task.Status, to); err != nil {
		return err
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Execution operations

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionStatusQueued
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, apperrors.NotFound("execution", id)
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) MarkExecutionRunning(ctx context.Context, id, workerID, logPath string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return false, apperrors.NotFound("execution", id)
	}
	if exec.Status != domain.ExecutionStatusQueued {
		return false, nil
	}
	exec.Status = domain.ExecutionStatusRunning
	exec.WorkerID = workerID
	exec.LogPath = logPath
	exec.StartedAt = &startedAt
	hb := startedAt
	exec.HeartbeatAt = &hb
	exec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) FinalizeExecutionIf(ctx context.Context, id string, expect []domain.ExecutionStatus, update ExecutionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return false, apperrors.NotFound("execution", id)
	}
	if !statusIn(exec.Status, expect) {
		return false, nil
	}
	exec.Status = update.Status
	if update.ExitCode != nil {
		exec.ExitCode = update.ExitCode
	}
	if update.Reason != "" {
		exec.Reason = update.Reason
	}
	if update.EndedAt != nil {
		exec.EndedAt = update.EndedAt
	} else {
		now := time.Now().UTC()
		exec.EndedAt = &now
	}
	exec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RequestExecutionCancel(ctx context.Context, id string) (domain.ExecutionStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return "", false, apperrors.NotFound("execution", id)
	}
	switch exec.Status {
	case domain.ExecutionStatusQueued:
		exec.Status = domain.ExecutionStatusCancelled
		now := time.Now().UTC()
		exec.EndedAt = &now
		exec.Reason = "cancelled before start"
		exec.UpdatedAt = now
		return domain.ExecutionStatusCancelled, true, nil
	case domain.ExecutionStatusRunning:
		exec.Status = domain.ExecutionStatusCancelling
		exec.UpdatedAt = time.Now().UTC()
		return domain.ExecutionStatusCancelling, true, nil
	}
	return exec.Status, false, nil
}

func (s *MemoryStore) SetExecutionPID(ctx context.Context, id string, pid int, tmuxSession string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	exec.PID = &pid
	exec.TmuxSession = tmuxSession
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetExecutionSessionRef(ctx context.Context, id, sessionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	exec.SessionRef = sessionRef
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetExecutionResolvedPrompt(ctx context.Context, id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	exec.ResolvedPrompt = prompt
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetExecutionUsage(ctx context.Context, id string, costUSD *float64, numTurns *int, durationMS *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	if costUSD != nil {
		exec.CostUSD = costUSD
	}
	if numTurns != nil {
		exec.NumTurns = numTurns
	}
	if durationMS != nil {
		exec.DurationMS = durationMS
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateExecutionHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	exec.HeartbeatAt = &at
	return nil
}

func (s *MemoryStore) UpdateExecutionLogStats(ctx context.Context, id string, byteSize, lineCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	exec.LogByteSize = byteSize
	exec.LogLineCount = lineCount
	return nil
}

func (s *MemoryStore) ListExecutionsByWorker(ctx context.Context, workerID string, statuses []domain.ExecutionStatus) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Execution
	for _, exec := range s.executions {
		if exec.WorkerID != workerID {
			continue
		}
		if !statusIn(exec.Status, statuses) {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) CountExecutionsForAgent(ctx context.Context, agentID string, statuses []domain.ExecutionStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, exec := range s.executions {
		if exec.AgentID == agentID && statusIn(exec.Status, statuses) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ReapStaleExecutions(ctx context.Context, cutoff time.Time, reason string) ([]*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []*domain.Execution
	now := time.Now().UTC()
	for _, exec := range s.executions {
		if exec.Status != domain.ExecutionStatusRunning {
			continue
		}
		if exec.HeartbeatAt == nil || exec.HeartbeatAt.After(cutoff) {
			continue
		}
		exec.Status = domain.ExecutionStatusTimedOut
		exec.Reason = reason
		exec.EndedAt = &now
		exec.UpdatedAt = now
		cp := *exec
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

// Session operations

func (s *MemoryStore) CreateSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusStarting
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) ClaimSession(ctx context.Context, id, workerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, apperrors.NotFound("session", id)
	}
	if session.Status != domain.SessionStatusStarting && session.Status != domain.SessionStatusIdle {
		return false, nil
	}
	session.Status = domain.SessionStatusStarting
	session.WorkerID = workerID
	if session.StartedAt == nil {
		session.StartedAt = &at
	}
	session.HeartbeatAt = &at
	session.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) UpdateSessionStatusIf(ctx context.Context, id string, expect []domain.SessionStatus, to domain.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, apperrors.NotFound("session", id)
	}
	if !sessionStatusIn(session.Status, expect) {
		return false, nil
	}
	session.Status = to
	now := time.Now().UTC()
	if to == domain.SessionStatusEnded {
		session.EndedAt = &now
	}
	session.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) SetSessionPID(ctx context.Context, id string, pid int, tmuxSession string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	session.PID = &pid
	session.TmuxSession = tmuxSession
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetSessionRef(ctx context.Context, id, sessionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	session.SessionRef = sessionRef
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetSessionPermissionMode(ctx context.Context, id, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	session.PermissionMode = mode
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetSessionLogPath(ctx context.Context, id, logPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	session.LogPath = logPath
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	session.HeartbeatAt = &at
	return nil
}

func (s *MemoryStore) ListSessionsByWorker(ctx context.Context, workerID string, statuses []domain.SessionStatus) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Session
	for _, session := range s.sessions {
		if session.WorkerID != workerID {
			continue
		}
		if !sessionStatusIn(session.Status, statuses) {
			continue
		}
		cp := *session
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ReapStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []*domain.Session
	now := time.Now().UTC()
	for _, session := range s.sessions {
		if session.Status != domain.SessionStatusActive && session.Status != domain.SessionStatusAwaitingInput {
			continue
		}
		if session.HeartbeatAt == nil || session.HeartbeatAt.After(cutoff) {
			continue
		}
		// Without a provider ref there is nothing to resume.
		if session.SessionRef != "" {
			session.Status = domain.SessionStatusIdle
		} else {
			session.Status = domain.SessionStatusEnded
		}
		session.UpdatedAt = now
		cp := *session
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

// Task event operations

func (s *MemoryStore) AppendTaskEvent(ctx context.Context, event *domain.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	cp := *event
	s.events[event.TaskID] = append(s.events[event.TaskID], &cp)
	return nil
}

func (s *MemoryStore) ListTaskEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[taskID]
	result := make([]*domain.TaskEvent, len(events))
	for i, event := range events {
		cp := *event
		result[i] = &cp
	}
	return result, nil
}

// Worker heartbeat operations

func (s *MemoryStore) UpsertWorkerHeartbeat(ctx context.Context, hb *domain.WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *hb
	s.heartbeats[hb.WorkerID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkerHeartbeat(ctx context.Context, workerID string) (*domain.WorkerHeartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb, ok := s.heartbeats[workerID]
	if !ok {
		return nil, apperrors.NotFound("worker heartbeat", workerID)
	}
	cp := *hb
	return &cp, nil
}

func statusIn(status domain.ExecutionStatus, in []domain.ExecutionStatus) bool {
	for _, s := range in {
		if s == status {
			return true
		}
	}
	return false
}

func sessionStatusIn(status domain.SessionStatus, in []domain.SessionStatus) bool {
	for _, s := range in {
		if s == status {
			return true
		}
	}
	return false
}
