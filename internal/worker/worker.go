// Package worker runs the claim loops and background tasks of one worker
// process: job polling, execution and session running, heartbeats, the stale
// reaper, and graceful drain on shutdown.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/runner"
	"github.com/agendo/agendo/internal/store"
)

const (
	drainTimeout          = 25 * time.Second
	releaseExpiredPeriod  = 30 * time.Second
	orphanedExecutionNote = "worker restarted, execution orphaned"
)

// Worker owns the processing loops of one worker process.
type Worker struct {
	cfg    *config.Config
	store  store.Store
	queue  queue.Queue
	runner *runner.Runner
	logger *logger.Logger

	sem     *semaphore.Weighted
	jobs    sync.WaitGroup
	running atomic.Int32
}

// New creates a worker.
func New(cfg *config.Config, st store.Store, q queue.Queue, eb bus.EventBus, log *logger.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		store:  st,
		queue:  q,
		runner: runner.New(st, eb, cfg.Worker, log),
		logger: log.WithWorkerID(cfg.Worker.ID),
		sem:    semaphore.NewWeighted(int64(cfg.Worker.MaxConcurrentJobs)),
	}
}

// Run performs startup checks and processes jobs until ctx is cancelled,
// then drains.
func (w *Worker) Run(ctx context.Context) error {
	if err := checkDiskSpace(w.cfg.Worker.LogDir); err != nil {
		return err
	}
	w.reconcileOrphans(context.Background())

	// Background loops stop as soon as shutdown begins. Sessions are parked
	// at that point too; only one-shot executions get the drain window.
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	execCtx, stopExecutions := context.WithCancel(context.Background())
	defer stopExecutions()

	heartbeat := runner.NewWorkerHeartbeat(w.store, w.cfg.Worker.ID, w.cfg.Worker.HeartbeatInterval(), w.logger)
	heartbeat.RunningJobs = func() int { return int(w.running.Load()) }
	reaper := runner.NewReaper(w.store, w.queue, w.cfg.Worker.StaleJobThreshold(), w.logger)

	go heartbeat.Run(loopCtx)
	go reaper.Run(loopCtx)
	go w.releaseExpiredLoop(loopCtx)
	go w.claimLoop(loopCtx, queue.QueueExecuteCapability, func(job *queue.Job) error {
		return w.handleExecute(execCtx, job)
	})
	go w.claimLoop(loopCtx, queue.QueueRunSession, func(job *queue.Job) error {
		return w.handleSession(loopCtx, job)
	})

	w.logger.Info("worker started",
		zap.Int("max_concurrent_jobs", w.cfg.Worker.MaxConcurrentJobs),
		zap.Duration("poll_interval", w.cfg.Worker.PollInterval()))

	<-ctx.Done()
	w.logger.Info("shutdown requested, draining")

	stopLoops()
	drained := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		w.logger.Info("drain complete")
	case <-time.After(drainTimeout):
		w.logger.Warn("drain timeout, force-stopping executions")
		stopExecutions()
		w.jobs.Wait()
	}
	return nil
}

// claimLoop polls one queue and dispatches claimed jobs onto the shared
// concurrency budget.
func (w *Worker) claimLoop(ctx context.Context, queueName string, handle func(job *queue.Job) error) {
	ticker := time.NewTicker(w.cfg.Worker.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !w.sem.TryAcquire(1) {
			continue
		}
		jobs, err := w.queue.Claim(ctx, queueName, w.cfg.Worker.ID, 1)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() == nil {
				w.logger.Error("claim failed", zap.String("queue", queueName), zap.Error(err))
			}
			continue
		}
		if len(jobs) == 0 {
			w.sem.Release(1)
			continue
		}

		job := jobs[0]
		w.jobs.Add(1)
		w.running.Add(1)
		go func() {
			defer w.sem.Release(1)
			defer w.jobs.Done()
			defer w.running.Add(-1)
			w.process(job, handle)
		}()
	}
}

func (w *Worker) process(job *queue.Job, handle func(job *queue.Job) error) {
	log := w.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue))

	if err := handle(job); err != nil {
		log.Warn("job failed", zap.Error(err))
		if failErr := w.queue.Fail(context.Background(), job.ID, err); failErr != nil {
			log.Error("failed to record job failure", zap.Error(failErr))
		}
		return
	}
	if err := w.queue.Complete(context.Background(), job.ID); err != nil {
		log.Error("failed to complete job", zap.Error(err))
	}
}

func (w *Worker) handleExecute(ctx context.Context, job *queue.Job) error {
	var payload queue.ExecuteCapabilityPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid execute payload: %w", err)
	}
	return w.runner.RunExecution(ctx, payload.ExecutionID, w.cfg.Worker.ID)
}

func (w *Worker) handleSession(ctx context.Context, job *queue.Job) error {
	var payload queue.RunSessionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid session payload: %w", err)
	}
	return w.runner.RunSession(ctx, payload.SessionID, w.cfg.Worker.ID)
}

func (w *Worker) releaseExpiredLoop(ctx context.Context) {
	ticker := time.NewTicker(releaseExpiredPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := w.queue.ReleaseExpired(ctx)
			if err != nil {
				w.logger.Error("release of expired claims failed", zap.Error(err))
				continue
			}
			if released > 0 {
				w.logger.Warn("released expired claims", zap.Int("count", released))
			}
		}
	}
}

// reconcileOrphans resolves rows this worker id left behind in a previous
// incarnation: dead processes are finalised, surviving ones are killed so
// the database is the single source of truth again.
func (w *Worker) reconcileOrphans(ctx context.Context) {
	execs, err := w.store.ListExecutionsByWorker(ctx, w.cfg.Worker.ID, []domain.ExecutionStatus{
		domain.ExecutionStatusRunning, domain.ExecutionStatusCancelling,
	})
	if err != nil {
		w.logger.Error("orphan scan failed", zap.Error(err))
	}
	for _, exec := range execs {
		if exec.PID != nil && runner.ProcessAlive(*exec.PID) {
			w.logger.Warn("killing surviving orphan process",
				zap.String("execution_id", exec.ID),
				zap.Int("pid", *exec.PID))
			_ = syscall.Kill(-*exec.PID, syscall.SIGKILL)
		}
		now := time.Now().UTC()
		if _, err := w.store.FinalizeExecutionIf(ctx, exec.ID,
			[]domain.ExecutionStatus{domain.ExecutionStatusRunning, domain.ExecutionStatusCancelling},
			store.ExecutionUpdate{
				Status:  domain.ExecutionStatusFailed,
				Reason:  orphanedExecutionNote,
				EndedAt: &now,
			}); err != nil {
			w.logger.Error("orphan finalisation failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		} else {
			w.logger.Warn("orphaned execution failed",
				zap.String("execution_id", exec.ID))
		}
	}

	sessions, err := w.store.ListSessionsByWorker(ctx, w.cfg.Worker.ID, []domain.SessionStatus{
		domain.SessionStatusStarting, domain.SessionStatusActive, domain.SessionStatusAwaitingInput,
	})
	if err != nil {
		w.logger.Error("orphan session scan failed", zap.Error(err))
	}
	for _, sess := range sessions {
		if sess.PID != nil && runner.ProcessAlive(*sess.PID) {
			_ = syscall.Kill(-*sess.PID, syscall.SIGKILL)
		}
		// With a provider ref the conversation survives as a cold resume.
		to := domain.SessionStatusEnded
		if sess.SessionRef != "" {
			to = domain.SessionStatusIdle
		}
		matched, err := w.store.UpdateSessionStatusIf(ctx, sess.ID, []domain.SessionStatus{
			domain.SessionStatusStarting, domain.SessionStatusActive, domain.SessionStatusAwaitingInput,
		}, to)
		if err != nil {
			w.logger.Error("orphan session reconciliation failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			continue
		}
		w.logger.Warn("orphaned session reconciled",
			zap.String("session_id", sess.ID),
			zap.String("status", string(to)))

		// A parked-idle session is re-enqueued immediately so any worker can
		// cold-resume the provider conversation.
		if matched && to == domain.SessionStatusIdle {
			if _, err := w.queue.Enqueue(ctx, queue.QueueRunSession,
				queue.RunSessionPayload{SessionID: sess.ID},
				queue.DefaultOptions(queue.QueueRunSession)); err != nil {
				w.logger.Error("failed to re-enqueue orphaned session",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			}
		}
	}
}
