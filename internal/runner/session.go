package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/common/tracing"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/runlog"
	"github.com/agendo/agendo/internal/safety"
)

const (
	sessionIdleTimeout    = 30 * time.Minute
	sessionWatchInterval  = time.Second
	sessionRestartTimeout = 10 * time.Second
)

// RunSession supervises one long-lived session until it ends, goes idle, or
// the context is cancelled. Errors returned before the child spawns are
// retryable by the queue.
func (r *Runner) RunSession(ctx context.Context, sessionID, workerID string) error {
	ctx, span := tracing.Tracer("agendo-runner").Start(ctx, "session.run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("worker.id", workerID)))
	defer span.End()

	log := r.logger.WithFields(
		zap.String("session_id", sessionID),
		zap.String("worker_id", workerID))

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		log.Info("session already ended, skipping")
		return nil
	}

	agent, err := r.store.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return err
	}
	cap, err := r.store.GetCapability(ctx, sess.CapabilityID)
	if err != nil {
		return err
	}
	task, err := r.store.GetTask(ctx, sess.TaskID)
	if err != nil {
		return err
	}

	claimed, err := r.store.ClaimSession(ctx, sess.ID, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("session not claimable, skipping", zap.String("status", string(sess.Status)))
		return nil
	}

	run := &sessionRun{
		runner:  r,
		session: sess,
		agent:   agent,
		cap:     cap,
		task:    task,
		log:     log,
	}
	return run.run(ctx)
}

// sessionRun is the state of one supervised session on this worker.
type sessionRun struct {
	runner  *Runner
	session *domain.Session
	agent   *domain.Agent
	cap     *domain.Capability
	task    *domain.Task
	log     *logger.Logger

	adapter adapter.Adapter
	proc    adapter.ManagedProcess
	writer  *runlog.Writer
	opts    adapter.SpawnOpts

	// activity is poked on any output or injected message; the idle
	// timeout measures against it.
	activity chan struct{}
	exited   chan *int
}

func (s *sessionRun) run(ctx context.Context) error {
	r := s.runner

	workingDir := s.agent.WorkingDir
	var envOverrides map[string]string
	if s.task.InputContext != nil {
		if s.task.InputContext.WorkingDir != "" {
			workingDir = s.task.InputContext.WorkingDir
		}
		envOverrides = s.task.InputContext.Env
	}
	resolvedDir, err := safety.ValidateWorkingDir(workingDir, r.cfg.AllowedWorkingDirs)
	if err != nil {
		s.end(ctx, err.Error())
		return nil
	}
	if err := safety.ValidateBinary(s.agent.BinaryPath); err != nil {
		s.end(ctx, err.Error())
		return nil
	}

	s.adapter, err = adapter.New(s.agent, s.cap, r.logger)
	if err != nil {
		s.end(ctx, err.Error())
		return nil
	}

	now := time.Now().UTC()
	logPath := s.session.LogPath
	if logPath == "" {
		logPath = runlog.LogFilePath(r.cfg.LogDir, s.session.ID, now)
		if err := r.store.SetSessionLogPath(ctx, s.session.ID, logPath); err != nil {
			s.log.Warn("failed to record session log path", zap.Error(err))
		}
	}
	s.writer, err = runlog.NewWriter(logPath, nil, s.log)
	if err != nil {
		return err
	}
	defer s.writer.Close()

	s.opts = adapter.SpawnOpts{
		Cwd:            resolvedDir,
		Env:            safety.BuildChildEnv(s.agent.EnvAllowlist, envOverrides),
		ExecutionID:    s.session.ID,
		PermissionMode: s.session.PermissionMode,
		Model:          s.cap.Model,
	}

	s.activity = make(chan struct{}, 1)
	if err := s.spawn(ctx, s.session.SessionRef, s.session.InitialPrompt); err != nil {
		// Nothing ran; hand the job back to the queue.
		return err
	}

	if _, err := r.store.UpdateSessionStatusIf(ctx, s.session.ID,
		[]domain.SessionStatus{domain.SessionStatusStarting}, domain.SessionStatusActive); err != nil {
		s.log.Warn("failed to mark session active", zap.Error(err))
	}
	s.publishStatus(ctx, domain.SessionStatusActive)
	r.appendEvent(ctx, s.task.ID, domain.EventSessionStarted, map[string]any{
		"session_id": s.session.ID,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.heartbeatLoop(runCtx)
	go s.messageLoop(runCtx)

	return s.superviseLoop(ctx, runCtx)
}

// superviseLoop waits for whichever comes first: child exit, idle timeout, an
// external end or permission-mode change, or worker shutdown.
func (s *sessionRun) superviseLoop(ctx, runCtx context.Context) error {
	watch := time.NewTicker(sessionWatchInterval)
	defer watch.Stop()
	idle := time.NewTimer(sessionIdleTimeout)
	defer idle.Stop()

	permissionMode := s.session.PermissionMode

	for {
		select {
		case <-ctx.Done():
			// Worker shutdown. Stop the child; the session stays resumable
			// when a provider ref was captured.
			s.terminateChild()
			if s.session.SessionRef != "" {
				s.setStatus(context.Background(), []domain.SessionStatus{
					domain.SessionStatusStarting, domain.SessionStatusActive, domain.SessionStatusAwaitingInput,
				}, domain.SessionStatusIdle)
			} else {
				s.end(context.Background(), "worker shutdown")
			}
			return nil

		case <-s.exited:
			s.end(ctx, "agent exited")
			return nil

		case <-s.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(sessionIdleTimeout)

		case <-idle.C:
			s.log.Info("session idle timeout, parking")
			s.terminateChild()
			s.setStatus(ctx, []domain.SessionStatus{
				domain.SessionStatusActive, domain.SessionStatusAwaitingInput,
			}, domain.SessionStatusIdle)
			s.publishStatus(ctx, domain.SessionStatusIdle)
			return nil

		case <-watch.C:
			current, err := s.runner.store.GetSession(ctx, s.session.ID)
			if err != nil {
				continue
			}
			if current.Status == domain.SessionStatusEnded {
				// Ended externally; bring the child down to match.
				s.terminateChild()
				s.publishStatus(ctx, domain.SessionStatusEnded)
				s.runner.appendEvent(ctx, s.task.ID, domain.EventSessionEnded, map[string]any{
					"session_id": s.session.ID,
					"reason":     "ended by user",
				})
				return nil
			}
			if current.PermissionMode != permissionMode {
				permissionMode = current.PermissionMode
				if err := s.restart(ctx, permissionMode); err != nil {
					s.log.Warn("permission mode restart failed", zap.Error(err))
					s.end(ctx, "restart failed: "+err.Error())
					return nil
				}
				// An end requested mid-restart wins over the restart.
				if after, err := s.runner.store.GetSession(ctx, s.session.ID); err == nil && after.Status == domain.SessionStatusEnded {
					s.terminateChild()
					return nil
				}
			}
		}
	}
}

// spawn starts or resumes the agent and wires the output path.
func (s *sessionRun) spawn(ctx context.Context, sessionRef, initialInput string) error {
	var proc adapter.ManagedProcess
	var err error
	if sessionRef != "" {
		_ = s.writer.Write(runlog.StreamSystem, "Resuming session: "+sessionRef)
		proc, err = s.adapter.Resume(ctx, sessionRef, initialInput, s.opts)
	} else {
		proc, err = s.adapter.Spawn(ctx, initialInput, s.opts)
	}
	if err != nil {
		_ = s.writer.Write(runlog.StreamSystem, "Spawn failed: "+err.Error())
		return err
	}
	s.proc = proc

	if err := s.runner.store.SetSessionPID(ctx, s.session.ID, proc.PID(), proc.TmuxSession()); err != nil {
		s.log.Warn("failed to stamp session pid", zap.Error(err))
	}

	exited := make(chan *int, 1)
	s.exited = exited
	proc.OnExit(func(code *int) {
		exited <- code
	})

	proc.OnData(func(chunk string) {
		_ = s.writer.Write(runlog.StreamStdout, chunk)
		s.publishOutput(ctx, chunk)
		s.poke()

		if s.session.SessionRef == "" {
			if ref := s.adapter.ExtractSessionID(chunk); ref != "" {
				s.session.SessionRef = ref
				if err := s.runner.store.SetSessionRef(context.Background(), s.session.ID, ref); err != nil {
					s.log.Warn("failed to store session ref", zap.Error(err))
				}
			}
		}

		// A result record marks the end of a turn for stream-json agents;
		// other agents simply stay active until input or the idle timeout.
		if isTurnBoundary(chunk) {
			s.setStatus(context.Background(), []domain.SessionStatus{domain.SessionStatusActive},
				domain.SessionStatusAwaitingInput)
			s.publishStatus(context.Background(), domain.SessionStatusAwaitingInput)
		}
	})

	proc.OnStderr(func(chunk string) {
		_ = s.writer.Write(runlog.StreamStderr, chunk)
		s.poke()
	})
	return nil
}

// restart gracefully replaces the child to apply a new permission mode. The
// conversation continues through the provider session ref.
func (s *sessionRun) restart(ctx context.Context, permissionMode string) error {
	if s.session.SessionRef == "" {
		return fmt.Errorf("no session ref captured, cannot restart")
	}
	s.log.Info("restarting session for permission mode change",
		zap.String("permission_mode", permissionMode))

	s.terminateChild()
	s.opts.PermissionMode = permissionMode
	_ = s.writer.Write(runlog.StreamSystem, "Permission mode changed to "+permissionMode+". Restarting agent.")
	return s.spawn(ctx, s.session.SessionRef, "")
}

// terminateChild stops the current child and waits for it to go away.
func (s *sessionRun) terminateChild() {
	if s.proc == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.proc.Terminate(killGracePeriod)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sessionRestartTimeout):
	}
	s.proc = nil
}

// messageLoop injects user messages and team inbox items into the agent.
func (s *sessionRun) messageLoop(ctx context.Context) {
	ticker := time.NewTicker(messagePollInterval)
	defer ticker.Stop()

	dirs := []string{MessageDir(s.session.ID)}
	if s.session.TeamID != "" {
		dirs = append(dirs, TeamInboxDir(s.session.TeamID, s.session.ID))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dir := range dirs {
				content, ok, err := NextMessage(dir)
				if err != nil {
					s.log.Warn("session message poll failed", zap.Error(err))
					continue
				}
				if !ok {
					continue
				}
				s.deliver(ctx, content)
			}
		}
	}
}

func (s *sessionRun) deliver(ctx context.Context, content string) {
	_ = s.writer.Write(runlog.StreamUser, content)
	s.poke()
	s.setStatus(ctx, []domain.SessionStatus{domain.SessionStatusAwaitingInput}, domain.SessionStatusActive)
	if err := s.adapter.SendMessage(ctx, content); err != nil {
		s.log.Warn("failed to deliver session message", zap.Error(err))
	}
}

func (s *sessionRun) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.runner.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runner.store.UpdateSessionHeartbeat(ctx, s.session.ID, time.Now().UTC()); err != nil {
				s.log.Warn("session heartbeat failed", zap.Error(err))
			}
		}
	}
}

// end marks the session ended and records why.
func (s *sessionRun) end(ctx context.Context, reason string) {
	if s.writer != nil {
		_ = s.writer.Write(runlog.StreamSystem, "Session ended: "+reason)
	}
	s.setStatus(ctx, []domain.SessionStatus{
		domain.SessionStatusStarting, domain.SessionStatusActive,
		domain.SessionStatusAwaitingInput, domain.SessionStatusIdle,
	}, domain.SessionStatusEnded)
	s.publishStatus(ctx, domain.SessionStatusEnded)
	s.runner.appendEvent(ctx, s.task.ID, domain.EventSessionEnded, map[string]any{
		"session_id": s.session.ID,
		"reason":     reason,
	})
}

func (s *sessionRun) setStatus(ctx context.Context, expect []domain.SessionStatus, to domain.SessionStatus) {
	if _, err := s.runner.store.UpdateSessionStatusIf(ctx, s.session.ID, expect, to); err != nil {
		s.log.Warn("session status update failed",
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func (s *sessionRun) poke() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

func (s *sessionRun) publishOutput(ctx context.Context, content string) {
	if s.runner.bus == nil {
		return
	}
	event := bus.NewEvent(bus.EventTypeSessionOutput, s.runner.cfg.ID, map[string]any{
		"session_id": s.session.ID,
		"content":    content,
	})
	if err := s.runner.bus.Publish(ctx, bus.SubjectSession(s.session.ID), event); err != nil {
		s.log.Debug("session output publish failed", zap.Error(err))
	}
}

func (s *sessionRun) publishStatus(ctx context.Context, status domain.SessionStatus) {
	if s.runner.bus == nil {
		return
	}
	event := bus.NewEvent(bus.EventTypeSessionStatus, s.runner.cfg.ID, map[string]any{
		"session_id": s.session.ID,
		"status":     string(status),
	})
	if err := s.runner.bus.Publish(ctx, bus.SubjectSession(s.session.ID), event); err != nil {
		s.log.Debug("session status publish failed", zap.Error(err))
	}
}

// isTurnBoundary reports whether a stream-json chunk is a turn-final result
// record.
func isTurnBoundary(chunk string) bool {
	var record struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(chunk), &record); err != nil {
		return false
	}
	return record.Type == "result"
}
