package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

func newTestExecution(t *testing.T, s *MemoryStore) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		TaskID:       "task-1",
		AgentID:      "agent-1",
		CapabilityID: "cap-1",
		Mode:         domain.ModeTemplate,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestCreateExecutionDefaults(t *testing.T) {
	s := NewMemoryStore()
	exec := newTestExecution(t, s)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, domain.ExecutionStatusQueued, exec.Status)

	got, err := s.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetExecution(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMarkExecutionRunningOnlyFromQueued(t *testing.T) {
	s := NewMemoryStore()
	exec := newTestExecution(t, s)
	ctx := context.Background()

	ok, err := s.MarkExecutionRunning(ctx, exec.ID, "worker-1", "/logs/x.log", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses.
	ok, err = s.MarkExecutionRunning(ctx, exec.ID, "worker-2", "/logs/y.log", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.HeartbeatAt)
}

func TestFinalizeExecutionIfGuardsStatus(t *testing.T) {
	s := NewMemoryStore()
	exec := newTestExecution(t, s)
	ctx := context.Background()

	_, err := s.MarkExecutionRunning(ctx, exec.ID, "worker-1", "/logs/x.log", time.Now())
	require.NoError(t, err)

	exitCode := 0
	ok, err := s.FinalizeExecutionIf(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusRunning},
		ExecutionUpdate{Status: domain.ExecutionStatusSucceeded, ExitCode: &exitCode})
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancel racing after completion observes zero matched rows.
	ok, err = s.FinalizeExecutionIf(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusRunning, domain.ExecutionStatusCancelling},
		ExecutionUpdate{Status: domain.ExecutionStatusCancelled})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, got.Status)
	assert.NotNil(t, got.EndedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestRequestExecutionCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued goes straight to cancelled", func(t *testing.T) {
		s := NewMemoryStore()
		exec := newTestExecution(t, s)

		status, ok, err := s.RequestExecutionCancel(ctx, exec.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.ExecutionStatusCancelled, status)

		got, _ := s.GetExecution(ctx, exec.ID)
		assert.NotNil(t, got.EndedAt)
	})

	t.Run("running goes to cancelling", func(t *testing.T) {
		s := NewMemoryStore()
		exec := newTestExecution(t, s)
		_, err := s.MarkExecutionRunning(ctx, exec.ID, "worker-1", "/logs/x.log", time.Now())
		require.NoError(t, err)

		status, ok, err := s.RequestExecutionCancel(ctx, exec.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.ExecutionStatusCancelling, status)
	})

	t.Run("terminal is not cancellable", func(t *testing.T) {
		s := NewMemoryStore()
		exec := newTestExecution(t, s)
		_, err := s.MarkExecutionRunning(ctx, exec.ID, "worker-1", "/logs/x.log", time.Now())
		require.NoError(t, err)
		_, err = s.FinalizeExecutionIf(ctx, exec.ID,
			[]domain.ExecutionStatus{domain.ExecutionStatusRunning},
			ExecutionUpdate{Status: domain.ExecutionStatusFailed})
		require.NoError(t, err)

		status, ok, err := s.RequestExecutionCancel(ctx, exec.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, domain.ExecutionStatusFailed, status)
	})
}

func TestReapStaleExecutions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stale := newTestExecution(t, s)
	fresh := newTestExecution(t, s)

	_, err := s.MarkExecutionRunning(ctx, stale.ID, "worker-1", "/logs/a.log", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecutionHeartbeat(ctx, stale.ID, time.Now().Add(-5*time.Minute)))

	_, err = s.MarkExecutionRunning(ctx, fresh.ID, "worker-1", "/logs/b.log", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.UpdateExecutionHeartbeat(ctx, fresh.ID, time.Now()))

	reaped, err := s.ReapStaleExecutions(ctx, time.Now().Add(-2*time.Minute), "worker heartbeat lost")
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, domain.ExecutionStatusTimedOut, reaped[0].Status)
	assert.Equal(t, "worker heartbeat lost", reaped[0].Reason)

	got, err := s.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
}

func TestUpdateTaskStatusChecksTransition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &domain.Task{Title: "demo"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusInProgress))

	err := s.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusInProgress)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSessionStatusGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session := &domain.Session{TaskID: "task-1", AgentID: "agent-1", CapabilityID: "cap-1"}
	require.NoError(t, s.CreateSession(ctx, session))
	assert.Equal(t, domain.SessionStatusStarting, session.Status)

	ok, err := s.UpdateSessionStatusIf(ctx, session.ID,
		[]domain.SessionStatus{domain.SessionStatusStarting}, domain.SessionStatusActive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateSessionStatusIf(ctx, session.ID,
		[]domain.SessionStatus{domain.SessionStatusStarting}, domain.SessionStatusActive)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateSessionStatusIf(ctx, session.ID,
		[]domain.SessionStatus{domain.SessionStatusActive}, domain.SessionStatusEnded)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
}

func TestTaskEventsAppendOnlyOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, et := range []string{domain.EventExecutionCreated, domain.EventExecutionCompleted} {
		require.NoError(t, s.AppendTaskEvent(ctx, &domain.TaskEvent{
			TaskID:    "task-1",
			Actor:     "worker-1",
			EventType: et,
		}))
	}

	events, err := s.ListTaskEvents(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventExecutionCreated, events[0].EventType)
	assert.Equal(t, domain.EventExecutionCompleted, events[1].EventType)
}
