//go:build unix

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/store"
)

func newTestWorker(t *testing.T) (*Worker, *store.MemoryStore, *queue.MemoryQueue, string) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	workDir := t.TempDir()
	cfg := &config.Config{
		Worker: config.WorkerConfig{
			ID:                  "worker-1",
			PollIntervalMS:      20,
			MaxConcurrentJobs:   2,
			LogDir:              t.TempDir(),
			StaleJobThresholdMS: 120000,
			HeartbeatIntervalMS: 30000,
			AllowedWorkingDirs:  []string{workDir},
		},
	}
	return New(cfg, st, q, nil, logger.Default()), st, q, workDir
}

func seedEchoExecution(t *testing.T, st *store.MemoryStore, workDir string) *domain.Execution {
	t.Helper()
	ctx := context.Background()

	agent := &domain.Agent{Name: "tools", BinaryPath: "/bin/echo", WorkingDir: workDir, Active: true}
	require.NoError(t, st.CreateAgent(ctx, agent))
	cap := &domain.Capability{
		AgentID:         agent.ID,
		Key:             "echo",
		InteractionMode: domain.ModeTemplate,
		CommandTokens:   []string{"/bin/echo", "done"},
	}
	require.NoError(t, st.CreateCapability(ctx, cap))
	task := &domain.Task{Title: "t", Status: domain.TaskStatusInProgress}
	require.NoError(t, st.CreateTask(ctx, task))

	exec := &domain.Execution{
		TaskID:       task.ID,
		AgentID:      agent.ID,
		CapabilityID: cap.ID,
		Mode:         domain.ModeTemplate,
		Status:       domain.ExecutionStatusQueued,
	}
	require.NoError(t, st.CreateExecution(ctx, exec))
	return exec
}

func TestWorkerProcessesQueuedExecution(t *testing.T) {
	w, st, q, workDir := newTestWorker(t)
	exec := seedEchoExecution(t, st, workDir)

	_, err := q.Enqueue(context.Background(), queue.QueueExecuteCapability,
		queue.ExecuteCapabilityPayload{ExecutionID: exec.ID},
		queue.DefaultOptions(queue.QueueExecuteCapability))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == domain.ExecutionStatusSucceeded
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("worker did not shut down")
	}

	pending, err := q.PendingCount(context.Background(), queue.QueueExecuteCapability)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestHandleExecuteRejectsBadPayload(t *testing.T) {
	w, _, _, _ := newTestWorker(t)
	err := w.handleExecute(context.Background(), &queue.Job{Payload: []byte("not json")})
	assert.Error(t, err)
}

func TestReconcileOrphansFinalizesDeadExecutions(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	exec := &domain.Execution{Mode: domain.ModeTemplate, Status: domain.ExecutionStatusQueued}
	require.NoError(t, st.CreateExecution(ctx, exec))
	ok, err := st.MarkExecutionRunning(ctx, exec.ID, "worker-1", "/tmp/log", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	w.reconcileOrphans(ctx)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "worker restarted, execution orphaned", got.Reason)
}

func TestReconcileOrphansIgnoresOtherWorkers(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	exec := &domain.Execution{Mode: domain.ModeTemplate, Status: domain.ExecutionStatusQueued}
	require.NoError(t, st.CreateExecution(ctx, exec))
	ok, err := st.MarkExecutionRunning(ctx, exec.ID, "worker-2", "/tmp/log", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	w.reconcileOrphans(ctx)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
}

func TestReconcileOrphansParksResumableSessions(t *testing.T) {
	w, st, q, _ := newTestWorker(t)
	ctx := context.Background()

	withRef := &domain.Session{Status: domain.SessionStatusStarting}
	require.NoError(t, st.CreateSession(ctx, withRef))
	ok, err := st.ClaimSession(ctx, withRef.ID, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.SetSessionRef(ctx, withRef.ID, "provider-ref-1"))

	withoutRef := &domain.Session{Status: domain.SessionStatusStarting}
	require.NoError(t, st.CreateSession(ctx, withoutRef))
	ok, err = st.ClaimSession(ctx, withoutRef.ID, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	w.reconcileOrphans(ctx)

	got, err := st.GetSession(ctx, withRef.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusIdle, got.Status)

	got, err = st.GetSession(ctx, withoutRef.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, got.Status)

	// Only the resumable session gets a cold-resume job.
	pending, err := q.PendingCount(ctx, queue.QueueRunSession)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestCheckDiskSpaceCreatesLogDir(t *testing.T) {
	dir := t.TempDir() + "/nested/logs"
	err := checkDiskSpace(dir)
	// The only acceptable failure is a genuinely full disk.
	if err != nil {
		assert.Contains(t, err.Error(), "insufficient disk space")
	}
	assert.DirExists(t, dir)
}
