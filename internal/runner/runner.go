// Package runner executes claimed jobs: one-shot capability runs, long-lived
// sessions, and the background heartbeat/reaper tasks.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/common/tracing"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/runlog"
	"github.com/agendo/agendo/internal/safety"
	"github.com/agendo/agendo/internal/store"
)

const (
	killGracePeriod     = 5 * time.Second
	messagePollInterval = 500 * time.Millisecond
	cancelPollInterval  = time.Second
)

// Runner orchestrates execution runs for one worker.
type Runner struct {
	store  store.Store
	bus    bus.EventBus
	cfg    config.WorkerConfig
	logger *logger.Logger
}

// New creates a runner.
func New(st store.Store, eb bus.EventBus, cfg config.WorkerConfig, log *logger.Logger) *Runner {
	return &Runner{store: st, bus: eb, cfg: cfg, logger: log}
}

// RunExecution performs one complete capability run. Errors returned before
// the run is finalised are retryable by the queue; once a terminal status is
// recorded the method returns nil regardless of what the child did.
func (r *Runner) RunExecution(ctx context.Context, executionID, workerID string) error {
	ctx, span := tracing.Tracer("agendo-runner").Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("worker.id", workerID)))
	defer span.End()

	log := r.logger.WithFields(
		zap.String("execution_id", executionID),
		zap.String("worker_id", workerID))

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		log.Info("execution already terminal, skipping", zap.String("status", string(exec.Status)))
		return nil
	}

	agent, err := r.store.GetAgent(ctx, exec.AgentID)
	if err != nil {
		return err
	}
	cap, err := r.store.GetCapability(ctx, exec.CapabilityID)
	if err != nil {
		return err
	}
	task, err := r.store.GetTask(ctx, exec.TaskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	logPath := runlog.LogFilePath(r.cfg.LogDir, exec.ID, now)
	writer, err := runlog.NewWriter(logPath, func(ctx context.Context, byteSize, lineCount int64) error {
		return r.store.UpdateExecutionLogStats(ctx, exec.ID, byteSize, lineCount)
	}, log)
	if err != nil {
		return err
	}

	claimed, err := r.store.MarkExecutionRunning(ctx, exec.ID, workerID, logPath, now)
	if err != nil {
		writer.Close()
		return err
	}
	if !claimed {
		// Lost the claim race or was cancelled while queued.
		writer.Close()
		_ = os.Remove(logPath)
		log.Info("execution no longer queued, skipping")
		return nil
	}

	r.publishStatus(ctx, exec.ID, domain.ExecutionStatusRunning)

	// Safety checks run after the claim so a rejected run still follows the
	// running to failed path. A violation finalises the execution rather
	// than bouncing the job back to the queue.
	prep, err := r.prepare(exec, agent, cap, task)
	if err != nil {
		_ = writer.Write(runlog.StreamSystem, err.Error())
		writer.Close()
		byteSize, lineCount := writer.Stats()
		if statsErr := r.store.UpdateExecutionLogStats(ctx, exec.ID, byteSize, lineCount); statsErr != nil {
			log.Warn("failed to record final log stats", zap.Error(statsErr))
		}
		r.failRun(ctx, exec, task, err.Error(), log)
		return nil
	}

	if exec.Mode == domain.ModePrompt && prep.prompt != "" {
		if err := r.store.SetExecutionResolvedPrompt(ctx, exec.ID, prep.prompt); err != nil {
			log.Warn("failed to store resolved prompt", zap.Error(err))
		}
	}

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go r.executionHeartbeatLoop(runCtx, exec.ID)

	result := r.runChild(runCtx, exec, cap, prep, writer, log)

	writer.Close()
	byteSize, lineCount := writer.Stats()
	if err := r.store.UpdateExecutionLogStats(ctx, exec.ID, byteSize, lineCount); err != nil {
		log.Warn("failed to record final log stats", zap.Error(err))
	}

	if result.spawnErr != nil {
		// Nothing ran; hand the job back to the queue for retry.
		return result.spawnErr
	}

	r.scanUsage(ctx, exec.ID, logPath, log)
	r.finalize(ctx, exec, task, result, log)
	CleanupMessages(exec.ID)
	return nil
}

// preparedRun is everything computed before the child starts.
type preparedRun struct {
	adapter      adapter.Adapter
	opts         adapter.SpawnOpts
	initialInput string
	prompt       string
}

// prepare runs the safety gauntlet and resolves the payload.
func (r *Runner) prepare(exec *domain.Execution, agent *domain.Agent, cap *domain.Capability, task *domain.Task) (*preparedRun, error) {
	workingDir := agent.WorkingDir
	var envOverrides map[string]string
	if task.InputContext != nil {
		if task.InputContext.WorkingDir != "" {
			workingDir = task.InputContext.WorkingDir
		}
		envOverrides = task.InputContext.Env
	}

	resolvedDir, err := safety.ValidateWorkingDir(workingDir, r.cfg.AllowedWorkingDirs)
	if err != nil {
		return nil, err
	}
	if err := safety.ValidateArgs(cap.ArgsSchema, exec.Args); err != nil {
		return nil, err
	}

	ad, err := adapter.New(agent, cap, r.logger)
	if err != nil {
		return nil, err
	}

	prep := &preparedRun{
		adapter: ad,
		opts: adapter.SpawnOpts{
			Cwd:            resolvedDir,
			Env:            safety.BuildChildEnv(agent.EnvAllowlist, envOverrides),
			ExecutionID:    exec.ID,
			TimeoutSec:     cap.TimeoutSec,
			MaxOutputBytes: cap.MaxOutputBytes,
			ExtraArgs:      exec.ExtraArgs,
			Model:          cap.Model,
		},
	}

	switch exec.Mode {
	case domain.ModePrompt:
		if err := safety.ValidateBinary(agent.BinaryPath); err != nil {
			return nil, err
		}
		prep.prompt = ResolvePrompt(cap.PromptTemplate, task, exec.Args)
		prep.initialInput = prep.prompt
	case domain.ModeTemplate:
		argv, err := safety.BuildCommandArgs(cap.CommandTokens, exec.Args)
		if err != nil {
			return nil, err
		}
		if len(argv) > 0 && filepath.IsAbs(argv[0]) {
			if err := safety.ValidateBinary(argv[0]); err != nil {
				return nil, err
			}
		}
		prep.initialInput = strings.Join(argv, " ")
	default:
		return nil, fmt.Errorf("unknown execution mode %q", exec.Mode)
	}
	return prep, nil
}

// childResult captures how the child ended.
type childResult struct {
	spawnErr      error
	exitCode      *int
	limitExceeded bool
	timedOut      bool
}

// runChild spawns the agent, wires the data path, and awaits exit.
func (r *Runner) runChild(ctx context.Context, exec *domain.Execution, cap *domain.Capability, prep *preparedRun, writer *runlog.Writer, log *logger.Logger) childResult {
	var proc adapter.ManagedProcess
	var err error
	if exec.ParentExecutionID != "" && exec.SessionRef != "" {
		_ = writer.Write(runlog.StreamSystem, "Resuming session: "+exec.SessionRef)
		proc, err = prep.adapter.Resume(ctx, exec.SessionRef, prep.initialInput, prep.opts)
	} else {
		proc, err = prep.adapter.Spawn(ctx, prep.initialInput, prep.opts)
	}
	if err != nil {
		_ = writer.Write(runlog.StreamSystem, "Spawn failed: "+err.Error())
		return childResult{spawnErr: err}
	}

	if err := r.store.SetExecutionPID(ctx, exec.ID, proc.PID(), proc.TmuxSession()); err != nil {
		log.Warn("failed to stamp pid", zap.Error(err))
	}

	exited := make(chan struct{})
	var limitExceeded atomic.Bool
	var timedOut atomic.Bool
	var sessionRefOnce sync.Once

	terminate := func(systemLine string) {
		_ = writer.Write(runlog.StreamSystem, systemLine)
		_ = proc.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-exited:
			case <-time.After(killGracePeriod):
				_ = writer.Write(runlog.StreamSystem, "Grace period expired.")
				_ = proc.Signal(syscall.SIGKILL)
			}
		}()
	}

	proc.OnData(func(chunk string) {
		if err := writer.Write(runlog.StreamStdout, chunk); err != nil {
			log.Warn("log write failed", zap.Error(err))
		}
		r.publishLog(ctx, exec.ID, chunk)

		if ref := prep.adapter.ExtractSessionID(chunk); ref != "" {
			sessionRefOnce.Do(func() {
				if err := r.store.SetExecutionSessionRef(context.Background(), exec.ID, ref); err != nil {
					log.Warn("failed to store session ref", zap.Error(err))
				}
			})
		}

		// The limit applies to the written log, prefixes included, so one
		// in-flight chunk is the most it can overshoot by.
		if byteSize, _ := writer.Stats(); cap.MaxOutputBytes > 0 && byteSize >= cap.MaxOutputBytes && !limitExceeded.Swap(true) {
			terminate("Output limit exceeded. Terminating.")
		}
	})

	proc.OnStderr(func(chunk string) {
		if err := writer.Write(runlog.StreamStderr, chunk); err != nil {
			log.Warn("log write failed", zap.Error(err))
		}
		r.publishLog(ctx, exec.ID, chunk)

		if byteSize, _ := writer.Stats(); cap.MaxOutputBytes > 0 && byteSize >= cap.MaxOutputBytes && !limitExceeded.Swap(true) {
			terminate("Output limit exceeded. Terminating.")
		}
	})

	var timeoutTimer *time.Timer
	if cap.TimeoutSec > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(cap.TimeoutSec)*time.Second, func() {
			if !timedOut.Swap(true) {
				terminate(fmt.Sprintf("Timeout after %ds. Sending SIGTERM.", cap.TimeoutSec))
			}
		})
	}

	go r.pollMessages(ctx, exec.ID, prep.adapter, writer, exited)
	go r.watchCancel(ctx, exec.ID, terminate, exited)

	exitCode := proc.Wait()
	close(exited)
	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}

	return childResult{
		exitCode:      exitCode,
		limitExceeded: limitExceeded.Load(),
		timedOut:      timedOut.Load(),
	}
}

// finalize computes the terminal status and applies it under the race guard.
func (r *Runner) finalize(ctx context.Context, exec *domain.Execution, task *domain.Task, result childResult, log *logger.Logger) {
	status, reason := terminalStatus(result)
	now := time.Now().UTC()

	matched, err := r.store.FinalizeExecutionIf(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusRunning},
		store.ExecutionUpdate{Status: status, ExitCode: result.exitCode, Reason: reason, EndedAt: &now})
	if err != nil {
		log.Error("finalisation failed", zap.Error(err))
		return
	}
	if !matched {
		// A concurrent cancel moved the row to cancelling; honor it.
		current, err := r.store.GetExecution(ctx, exec.ID)
		if err != nil {
			log.Error("failed to reload execution after finalisation race", zap.Error(err))
			return
		}
		if current.Status == domain.ExecutionStatusCancelling {
			status = domain.ExecutionStatusCancelled
			reason = "cancelled by user"
			if _, err := r.store.FinalizeExecutionIf(ctx, exec.ID,
				[]domain.ExecutionStatus{domain.ExecutionStatusCancelling},
				store.ExecutionUpdate{Status: status, ExitCode: result.exitCode, Reason: reason, EndedAt: &now}); err != nil {
				log.Error("cancellation finalisation failed", zap.Error(err))
				return
			}
		} else {
			status = current.Status
		}
	}

	log.Info("execution finished",
		zap.String("status", string(status)),
		zap.String("reason", reason))

	r.publishStatus(ctx, exec.ID, status)
	r.appendEvent(ctx, task.ID, domain.EventExecutionCompleted, map[string]any{
		"execution_id": exec.ID,
		"status":       string(status),
		"reason":       reason,
	})
}

func terminalStatus(result childResult) (domain.ExecutionStatus, string) {
	switch {
	case result.limitExceeded:
		return domain.ExecutionStatusFailed, "output limit exceeded"
	case result.exitCode == nil:
		return domain.ExecutionStatusTimedOut, "killed before exit"
	case *result.exitCode == 0:
		return domain.ExecutionStatusSucceeded, ""
	default:
		return domain.ExecutionStatusFailed, fmt.Sprintf("exit code %d", *result.exitCode)
	}
}

// failRun fails an execution that reached running but never spawned a
// child, honoring a concurrent cancel the same way finalize does.
func (r *Runner) failRun(ctx context.Context, exec *domain.Execution, task *domain.Task, reason string, log *logger.Logger) {
	status := domain.ExecutionStatusFailed
	now := time.Now().UTC()

	matched, err := r.store.FinalizeExecutionIf(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionStatusRunning},
		store.ExecutionUpdate{Status: status, Reason: reason, EndedAt: &now})
	if err != nil {
		log.Error("finalisation failed", zap.Error(err))
		return
	}
	if !matched {
		current, err := r.store.GetExecution(ctx, exec.ID)
		if err != nil {
			log.Error("failed to reload execution after finalisation race", zap.Error(err))
			return
		}
		if current.Status == domain.ExecutionStatusCancelling {
			status = domain.ExecutionStatusCancelled
			reason = "cancelled by user"
			if _, err := r.store.FinalizeExecutionIf(ctx, exec.ID,
				[]domain.ExecutionStatus{domain.ExecutionStatusCancelling},
				store.ExecutionUpdate{Status: status, Reason: reason, EndedAt: &now}); err != nil {
				log.Error("cancellation finalisation failed", zap.Error(err))
				return
			}
		} else {
			status = current.Status
			reason = current.Reason
		}
	}

	log.Info("execution rejected",
		zap.String("status", string(status)),
		zap.String("reason", reason))

	r.publishStatus(ctx, exec.ID, status)
	r.appendEvent(ctx, task.ID, domain.EventExecutionCompleted, map[string]any{
		"execution_id": exec.ID,
		"status":       string(status),
		"reason":       reason,
	})
}

// pollMessages delivers message-drop files to the adapter, one at a time.
func (r *Runner) pollMessages(ctx context.Context, executionID string, ad adapter.Adapter, writer *runlog.Writer, exited <-chan struct{}) {
	dir := MessageDir(executionID)
	ticker := time.NewTicker(messagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case <-ticker.C:
			content, ok, err := NextMessage(dir)
			if err != nil {
				r.logger.Warn("message poll failed", zap.String("execution_id", executionID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			_ = writer.Write(runlog.StreamUser, content)
			if err := ad.SendMessage(ctx, content); err != nil {
				r.logger.Warn("failed to deliver message", zap.String("execution_id", executionID), zap.Error(err))
			}
		}
	}
}

// watchCancel re-polls the execution status and terminates the child when a
// cancel arrives.
func (r *Runner) watchCancel(ctx context.Context, executionID string, terminate func(string), exited <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case <-ticker.C:
			exec, err := r.store.GetExecution(ctx, executionID)
			if err != nil {
				continue
			}
			if exec.Status == domain.ExecutionStatusCancelling {
				terminate("Cancellation requested. Sending SIGTERM.")
				return
			}
		}
	}
}

func (r *Runner) executionHeartbeatLoop(ctx context.Context, executionID string) {
	interval := r.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.UpdateExecutionHeartbeat(ctx, executionID, time.Now().UTC()); err != nil {
				r.logger.Warn("execution heartbeat failed",
					zap.String("execution_id", executionID),
					zap.Error(err))
			}
		}
	}
}

// scanUsage reads the finished log once, looking for a Claude-style result
// record with usage figures.
func (r *Runner) scanUsage(ctx context.Context, executionID, logPath string, log *logger.Logger) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return
	}
	for _, raw := range strings.Split(string(data), "\n") {
		line := runlog.ParseLine(raw)
		if line.Stream != runlog.StreamStdout {
			continue
		}
		var record struct {
			Type         string   `json:"type"`
			Subtype      string   `json:"subtype"`
			TotalCostUSD *float64 `json:"total_cost_usd"`
			NumTurns     *int     `json:"num_turns"`
			DurationMS   *int64   `json:"duration_ms"`
		}
		if err := json.Unmarshal([]byte(line.Content), &record); err != nil {
			continue
		}
		if record.Type != "result" {
			continue
		}
		if record.TotalCostUSD == nil && record.NumTurns == nil && record.DurationMS == nil {
			continue
		}
		if err := r.store.SetExecutionUsage(ctx, executionID, record.TotalCostUSD, record.NumTurns, record.DurationMS); err != nil {
			log.Warn("failed to record usage", zap.Error(err))
		}
		return
	}
}

func (r *Runner) publishStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(bus.EventTypeStatus, r.cfg.ID, map[string]any{
		"execution_id": executionID,
		"status":       string(status),
	})
	if err := r.bus.Publish(ctx, bus.SubjectExecution(executionID), event); err != nil {
		r.logger.Debug("status publish failed", zap.Error(err))
	}
}

func (r *Runner) publishLog(ctx context.Context, executionID, content string) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(bus.EventTypeLog, r.cfg.ID, map[string]any{
		"execution_id": executionID,
		"content":      content,
	})
	if err := r.bus.Publish(ctx, bus.SubjectExecution(executionID), event); err != nil {
		r.logger.Debug("log publish failed", zap.Error(err))
	}
}

func (r *Runner) appendEvent(ctx context.Context, taskID, eventType string, payload map[string]any) {
	if taskID == "" {
		return
	}
	if err := r.store.AppendTaskEvent(ctx, &domain.TaskEvent{
		TaskID:    taskID,
		Actor:     r.cfg.ID,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		r.logger.Warn("failed to append task event", zap.Error(err))
	}
}
