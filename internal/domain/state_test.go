package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/agendo/agendo/internal/common/errors"
)

func TestExecutionTransitions(t *testing.T) {
	allowed := []struct{ from, to ExecutionStatus }{
		{ExecutionStatusQueued, ExecutionStatusRunning},
		{ExecutionStatusQueued, ExecutionStatusCancelled},
		{ExecutionStatusRunning, ExecutionStatusCancelling},
		{ExecutionStatusRunning, ExecutionStatusSucceeded},
		{ExecutionStatusRunning, ExecutionStatusFailed},
		{ExecutionStatusRunning, ExecutionStatusTimedOut},
		{ExecutionStatusCancelling, ExecutionStatusCancelled},
		{ExecutionStatusCancelling, ExecutionStatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransitionExecution(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to ExecutionStatus }{
		{ExecutionStatusQueued, ExecutionStatusSucceeded},
		{ExecutionStatusRunning, ExecutionStatusQueued},
		{ExecutionStatusRunning, ExecutionStatusCancelled},
		{ExecutionStatusSucceeded, ExecutionStatusRunning},
		{ExecutionStatusFailed, ExecutionStatusRunning},
		{ExecutionStatusCancelled, ExecutionStatusQueued},
		{ExecutionStatusTimedOut, ExecutionStatusFailed},
		{ExecutionStatusCancelling, ExecutionStatusSucceeded},
	}
	for _, tc := range denied {
		assert.False(t, CanTransitionExecution(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalExecutionStatusesHaveNoExits(t *testing.T) {
	for _, s := range []ExecutionStatus{
		ExecutionStatusSucceeded, ExecutionStatusFailed,
		ExecutionStatusCancelled, ExecutionStatusTimedOut,
	} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, executionTransitions[s])
	}
}

func TestTaskTransitions(t *testing.T) {
	assert.True(t, CanTransitionTask(TaskStatusTodo, TaskStatusInProgress))
	assert.True(t, CanTransitionTask(TaskStatusInProgress, TaskStatusDone))
	assert.True(t, CanTransitionTask(TaskStatusDone, TaskStatusTodo))
	assert.True(t, CanTransitionTask(TaskStatusCancelled, TaskStatusTodo))
	assert.False(t, CanTransitionTask(TaskStatusTodo, TaskStatusDone))
	assert.False(t, CanTransitionTask(TaskStatusDone, TaskStatusInProgress))
	assert.False(t, CanTransitionTask(TaskStatusDone, TaskStatusDone))
}

func TestCheckExecutionTransitionReturnsConflict(t *testing.T) {
	err := CheckExecutionTransition(ExecutionStatusQueued, ExecutionStatusSucceeded)
	assert.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	assert.NoError(t, CheckExecutionTransition(ExecutionStatusQueued, ExecutionStatusRunning))
}

func TestSessionTransitions(t *testing.T) {
	assert.True(t, CanTransitionSession(SessionStatusStarting, SessionStatusActive))
	assert.True(t, CanTransitionSession(SessionStatusActive, SessionStatusAwaitingInput))
	assert.True(t, CanTransitionSession(SessionStatusAwaitingInput, SessionStatusActive))
	assert.True(t, CanTransitionSession(SessionStatusIdle, SessionStatusStarting))
	assert.False(t, CanTransitionSession(SessionStatusEnded, SessionStatusActive))
	assert.False(t, CanTransitionSession(SessionStatusStarting, SessionStatusIdle))
}
