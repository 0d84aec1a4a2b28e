package runner

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/store"
)

const staleExecutionReason = "heartbeat lost - worker stale"

// Reaper finalises executions and parks sessions whose heartbeats have gone
// stale, kills any process groups they left behind on this host, and
// re-enqueues resumable sessions so another worker picks them up.
type Reaper struct {
	store     store.Store
	queue     queue.Queue
	threshold time.Duration
	logger    *logger.Logger
}

// NewReaper creates a reaper with the given staleness threshold.
func NewReaper(st store.Store, q queue.Queue, threshold time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{store: st, queue: q, threshold: threshold, logger: log}
}

// Run reaps on a half-threshold cadence until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.threshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs one reap pass. The status transitions happen in single
// guarded updates, so concurrent reapers cannot double-finalise a row; only
// the matched rows get their processes killed.
func (r *Reaper) ReapOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.threshold)

	execs, err := r.store.ReapStaleExecutions(ctx, cutoff, staleExecutionReason)
	if err != nil {
		r.logger.Error("execution reap failed", zap.Error(err))
	}
	for _, exec := range execs {
		r.logger.Warn("reaped stale execution",
			zap.String("execution_id", exec.ID),
			zap.String("worker_id", exec.WorkerID))
		killProcessGroup(exec.PID)
	}

	sessions, err := r.store.ReapStaleSessions(ctx, cutoff)
	if err != nil {
		r.logger.Error("session reap failed", zap.Error(err))
	}
	for _, sess := range sessions {
		r.logger.Warn("reaped stale session",
			zap.String("session_id", sess.ID),
			zap.String("worker_id", sess.WorkerID),
			zap.String("status", string(sess.Status)))
		killProcessGroup(sess.PID)

		// Parked-idle sessions still have a provider conversation to pick
		// back up; hand them straight to the queue.
		if sess.Status == domain.SessionStatusIdle && r.queue != nil {
			if _, err := r.queue.Enqueue(ctx, queue.QueueRunSession,
				queue.RunSessionPayload{SessionID: sess.ID},
				queue.DefaultOptions(queue.QueueRunSession)); err != nil {
				r.logger.Error("failed to re-enqueue reaped session",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}
	}
}

// killProcessGroup force-kills a recorded process group if it still exists
// on this host. A missing pid or a dead group is not an error.
func killProcessGroup(pid *int) {
	if pid == nil || *pid <= 0 {
		return
	}
	_ = syscall.Kill(-*pid, syscall.SIGKILL)
}

// ProcessAlive reports whether a pid still exists on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// WorkerHeartbeat periodically upserts this worker's liveness row.
type WorkerHeartbeat struct {
	store    store.Store
	workerID string
	interval time.Duration
	logger   *logger.Logger

	// RunningJobs is sampled at each beat.
	RunningJobs func() int
}

// NewWorkerHeartbeat creates the per-worker heartbeat task.
func NewWorkerHeartbeat(st store.Store, workerID string, interval time.Duration, log *logger.Logger) *WorkerHeartbeat {
	return &WorkerHeartbeat{store: st, workerID: workerID, interval: interval, logger: log}
}

// Run beats until the context is cancelled.
func (h *WorkerHeartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *WorkerHeartbeat) beat(ctx context.Context) {
	running := 0
	if h.RunningJobs != nil {
		running = h.RunningJobs()
	}
	err := h.store.UpsertWorkerHeartbeat(ctx, &domain.WorkerHeartbeat{
		WorkerID:    h.workerID,
		LastSeenAt:  time.Now().UTC(),
		RunningJobs: running,
	})
	if err != nil {
		h.logger.Warn("worker heartbeat failed", zap.Error(err))
	}
}
