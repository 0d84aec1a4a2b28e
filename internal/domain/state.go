package domain

import (
	apperrors "github.com/agendo/agendo/internal/common/errors"
)

// taskTransitions is the allowed transition table for tasks.
// No task state is permanently terminal.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:       {TaskStatusInProgress, TaskStatusCancelled, TaskStatusBlocked},
	TaskStatusInProgress: {TaskStatusDone, TaskStatusBlocked, TaskStatusCancelled, TaskStatusTodo},
	TaskStatusBlocked:    {TaskStatusTodo, TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusDone:       {TaskStatusTodo},
	TaskStatusCancelled:  {TaskStatusTodo},
}

// executionTransitions is the allowed transition table for executions.
// Only the cancel API sets cancelling; all other transitions are owned by
// the runner.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusQueued:     {ExecutionStatusRunning, ExecutionStatusCancelled},
	ExecutionStatusRunning:    {ExecutionStatusCancelling, ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimedOut},
	ExecutionStatusCancelling: {ExecutionStatusCancelled, ExecutionStatusFailed},
}

// sessionTransitions is the allowed transition table for sessions.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusStarting:      {SessionStatusActive, SessionStatusEnded},
	SessionStatusActive:        {SessionStatusAwaitingInput, SessionStatusIdle, SessionStatusEnded},
	SessionStatusAwaitingInput: {SessionStatusActive, SessionStatusIdle, SessionStatusEnded},
	SessionStatusIdle:          {SessionStatusStarting, SessionStatusActive, SessionStatusEnded},
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionExecution reports whether an execution may move between statuses.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionSession reports whether a session may move between statuses.
func CanTransitionSession(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTaskTransition returns a conflict error for a disallowed task transition.
func CheckTaskTransition(from, to TaskStatus) error {
	if !CanTransitionTask(from, to) {
		return apperrors.Conflict("invalid task transition " + string(from) + " -> " + string(to))
	}
	return nil
}

// CheckExecutionTransition returns a conflict error for a disallowed
// execution transition.
func CheckExecutionTransition(from, to ExecutionStatus) error {
	if !CanTransitionExecution(from, to) {
		return apperrors.Conflict("invalid execution transition " + string(from) + " -> " + string(to))
	}
	return nil
}

// CheckSessionTransition returns a conflict error for a disallowed session
// transition.
func CheckSessionTransition(from, to SessionStatus) error {
	if !CanTransitionSession(from, to) {
		return apperrors.Conflict("invalid session transition " + string(from) + " -> " + string(to))
	}
	return nil
}
