//go:build unix

package runner

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/store"
)

type testEnv struct {
	runner  *Runner
	store   *store.MemoryStore
	workDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	workDir := t.TempDir()
	cfg := config.WorkerConfig{
		ID:                  "worker-1",
		LogDir:              t.TempDir(),
		AllowedWorkingDirs:  []string{workDir},
		HeartbeatIntervalMS: 30000,
		StaleJobThresholdMS: 120000,
	}
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)
	return &testEnv{
		runner:  New(st, eb, cfg, logger.Default()),
		store:   st,
		workDir: workDir,
	}
}

func (e *testEnv) seedTemplate(t *testing.T, tokens []string, args map[string]any, mutate func(cap *domain.Capability)) *domain.Execution {
	t.Helper()
	ctx := context.Background()

	agent := &domain.Agent{
		Name:       "tools",
		BinaryPath: "/bin/echo",
		WorkingDir: e.workDir,
		Active:     true,
	}
	require.NoError(t, e.store.CreateAgent(ctx, agent))

	cap := &domain.Capability{
		AgentID:         agent.ID,
		Key:             "run",
		InteractionMode: domain.ModeTemplate,
		CommandTokens:   tokens,
	}
	if mutate != nil {
		mutate(cap)
	}
	require.NoError(t, e.store.CreateCapability(ctx, cap))

	task := &domain.Task{Title: "test task", Status: domain.TaskStatusInProgress}
	require.NoError(t, e.store.CreateTask(ctx, task))

	exec := &domain.Execution{
		TaskID:       task.ID,
		AgentID:      agent.ID,
		CapabilityID: cap.ID,
		Mode:         domain.ModeTemplate,
		Args:         args,
		Status:       domain.ExecutionStatusQueued,
	}
	require.NoError(t, e.store.CreateExecution(ctx, exec))
	return exec
}

func TestRunExecutionTemplateSuccess(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/echo", "hello", "{{name}}"}, map[string]any{"name": "world"}, nil)

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)

	data, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[stdout] hello world")
}

func TestRunExecutionNonZeroExit(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/sh", "-c", "exit 3"}, nil, nil)

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Equal(t, "exit code 3", got.Reason)
}

func TestRunExecutionTimeout(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/sleep", "30"}, nil, func(cap *domain.Capability) {
		cap.TimeoutSec = 1
	})

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusTimedOut, got.Status)
	assert.Nil(t, got.ExitCode)

	data, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[system] Timeout after 1s. Sending SIGTERM.")
}

func TestRunExecutionOutputLimit(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/echo", strings.Repeat("a", 256)}, nil, func(cap *domain.Capability) {
		cap.MaxOutputBytes = 16
	})

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "output limit exceeded", got.Reason)

	data, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[system] Output limit exceeded. Terminating.")

	// The limit bounds the log size: at most one chunk plus the system
	// line past the threshold.
	assert.GreaterOrEqual(t, got.LogByteSize, int64(16))
	assert.LessOrEqual(t, got.LogByteSize, int64(16+512))
}

func TestRunExecutionOutputLimitCountsLogBytes(t *testing.T) {
	env := newTestEnv(t)
	// Raw output is 11 bytes, under the limit; the written log line with
	// its stream prefix is 20 bytes, over it.
	exec := env.seedTemplate(t, []string{"/bin/echo", strings.Repeat("a", 10)}, nil, func(cap *domain.Capability) {
		cap.MaxOutputBytes = 16
	})

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "output limit exceeded", got.Reason)
}

func TestRunExecutionCancelledWhileQueued(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/echo", "hi"}, nil, nil)

	status, matched, err := env.store.RequestExecutionCancel(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, domain.ExecutionStatusCancelled, status)

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestRunExecutionCancelWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/sleep", "30"}, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- env.runner.RunExecution(context.Background(), exec.ID, "worker-1")
	}()

	require.Eventually(t, func() bool {
		got, err := env.store.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == domain.ExecutionStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	status, matched, err := env.store.RequestExecutionCancel(context.Background(), exec.ID)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, domain.ExecutionStatusCancelling, status)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.Reason)
}

func TestRunExecutionWorkingDirOutsideRoots(t *testing.T) {
	env := newTestEnv(t)
	outside := t.TempDir()
	exec := env.seedTemplate(t, []string{"/bin/echo", "hi"}, nil, nil)

	task := &domain.Task{
		Title:        "escape attempt",
		Status:       domain.TaskStatusInProgress,
		InputContext: &domain.InputContext{WorkingDir: outside},
	}
	require.NoError(t, env.store.CreateTask(context.Background(), task))
	exec2 := &domain.Execution{
		TaskID:       task.ID,
		AgentID:      exec.AgentID,
		CapabilityID: exec.CapabilityID,
		Mode:         domain.ModeTemplate,
		Status:       domain.ExecutionStatusQueued,
	}
	require.NoError(t, env.store.CreateExecution(context.Background(), exec2))

	require.NoError(t, env.runner.RunExecution(context.Background(), exec2.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Reason, "outside allowed roots")

	// A rejected run is still claimed, so it follows queued to running to
	// failed and leaves the violation in the log.
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
	data, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "outside allowed roots")
}

func TestRunExecutionCapturesUsage(t *testing.T) {
	env := newTestEnv(t)
	resultLine := `{"type":"result","subtype":"success","total_cost_usd":0.42,"num_turns":3,"duration_ms":1200}`
	exec := env.seedTemplate(t, []string{"/bin/echo", resultLine}, nil, nil)

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, got.Status)
	require.NotNil(t, got.CostUSD)
	assert.InDelta(t, 0.42, *got.CostUSD, 0.0001)
	require.NotNil(t, got.NumTurns)
	assert.Equal(t, 3, *got.NumTurns)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(1200), *got.DurationMS)
}

func TestRunExecutionAppendsTaskEvent(t *testing.T) {
	env := newTestEnv(t)
	exec := env.seedTemplate(t, []string{"/bin/echo", "hi"}, nil, nil)

	require.NoError(t, env.runner.RunExecution(context.Background(), exec.ID, "worker-1"))

	events, err := env.store.ListTaskEvents(context.Background(), exec.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventExecutionCompleted, events[0].EventType)
	assert.Equal(t, exec.ID, events[0].Payload["execution_id"])
	assert.Equal(t, "succeeded", events[0].Payload["status"])
}

func TestTerminalStatus(t *testing.T) {
	zero, three := 0, 3

	status, reason := terminalStatus(childResult{limitExceeded: true, exitCode: &zero})
	assert.Equal(t, domain.ExecutionStatusFailed, status)
	assert.Equal(t, "output limit exceeded", reason)

	status, _ = terminalStatus(childResult{exitCode: nil})
	assert.Equal(t, domain.ExecutionStatusTimedOut, status)

	status, reason = terminalStatus(childResult{exitCode: &zero})
	assert.Equal(t, domain.ExecutionStatusSucceeded, status)
	assert.Empty(t, reason)

	status, reason = terminalStatus(childResult{exitCode: &three})
	assert.Equal(t, domain.ExecutionStatusFailed, status)
	assert.Equal(t, "exit code 3", reason)
}
