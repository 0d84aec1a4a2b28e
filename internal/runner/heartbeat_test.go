package runner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/store"
)

func seedRunningExecution(t *testing.T, st *store.MemoryStore, workerID string, heartbeat time.Time) *domain.Execution {
	t.Helper()
	ctx := context.Background()

	exec := &domain.Execution{
		Mode:   domain.ModeTemplate,
		Status: domain.ExecutionStatusQueued,
	}
	require.NoError(t, st.CreateExecution(ctx, exec))

	ok, err := st.MarkExecutionRunning(ctx, exec.ID, workerID, "/tmp/log", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.UpdateExecutionHeartbeat(ctx, exec.ID, heartbeat))
	return exec
}

func TestReaperFinalizesStaleExecutions(t *testing.T) {
	st := store.NewMemoryStore()
	threshold := 2 * time.Minute
	reaper := NewReaper(st, queue.NewMemoryQueue(), threshold, logger.Default())

	stale := seedRunningExecution(t, st, "w1", time.Now().UTC().Add(-10*time.Minute))
	fresh := seedRunningExecution(t, st, "w1", time.Now().UTC())

	reaper.ReapOnce(context.Background())

	got, err := st.GetExecution(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusTimedOut, got.Status)
	assert.Equal(t, "heartbeat lost - worker stale", got.Reason)

	got, err = st.GetExecution(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
}

func seedStaleActiveSession(t *testing.T, st *store.MemoryStore, sessionRef string) *domain.Session {
	t.Helper()
	ctx := context.Background()

	sess := &domain.Session{Status: domain.SessionStatusStarting}
	require.NoError(t, st.CreateSession(ctx, sess))

	ok, err := st.ClaimSession(ctx, sess.ID, "w1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.UpdateSessionStatusIf(ctx, sess.ID,
		[]domain.SessionStatus{domain.SessionStatusStarting}, domain.SessionStatusActive)
	require.NoError(t, err)
	require.True(t, ok)
	if sessionRef != "" {
		require.NoError(t, st.SetSessionRef(ctx, sess.ID, sessionRef))
	}
	require.NoError(t, st.UpdateSessionHeartbeat(ctx, sess.ID, time.Now().UTC().Add(-10*time.Minute)))
	return sess
}

func TestReaperParksResumableStaleSessions(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	reaper := NewReaper(st, q, 2*time.Minute, logger.Default())

	sess := seedStaleActiveSession(t, st, "ref-123")

	reaper.ReapOnce(ctx)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusIdle, got.Status)

	// The cold resume is queued right away, not left for a future message.
	pending, err := q.PendingCount(ctx, queue.QueueRunSession)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestReaperEndsUnresumableStaleSessions(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	reaper := NewReaper(st, q, 2*time.Minute, logger.Default())

	sess := seedStaleActiveSession(t, st, "")

	reaper.ReapOnce(ctx)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, got.Status)

	pending, err := q.PendingCount(ctx, queue.QueueRunSession)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReaperLeavesTerminalRowsAlone(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	reaper := NewReaper(st, queue.NewMemoryQueue(), 2*time.Minute, logger.Default())

	exec := seedRunningExecution(t, st, "w1", time.Now().UTC().Add(-10*time.Minute))
	now := time.Now().UTC()
	zero := 0
	matched, err := st.FinalizeExecutionIf(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusRunning},
		store.ExecutionUpdate{Status: domain.ExecutionStatusSucceeded, ExitCode: &zero, EndedAt: &now})
	require.NoError(t, err)
	require.True(t, matched)

	reaper.ReapOnce(ctx)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusSucceeded, got.Status)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}

func TestWorkerHeartbeatUpserts(t *testing.T) {
	st := store.NewMemoryStore()
	hb := NewWorkerHeartbeat(st, "w1", time.Hour, logger.Default())
	hb.RunningJobs = func() int { return 2 }

	hb.beat(context.Background())

	got, err := st.GetWorkerHeartbeat(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, 2, got.RunningJobs)
	assert.WithinDuration(t, time.Now().UTC(), got.LastSeenAt, 5*time.Second)
}
