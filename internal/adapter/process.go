package adapter

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// process wraps an exec.Cmd running in its own process group. It implements
// ManagedProcess for all adapters; protocol adapters keep the stdout pipe
// for themselves and push extracted text through emit instead.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu       sync.Mutex
	onData   func(chunk string)
	onStderr func(chunk string)
	onExit   func(exitCode *int)
	buffered []outChunk
	exitCode *int
	exitSent bool

	// readers tracks the goroutines draining the stdout and stderr pipes.
	// cmd.Wait closes the pipes, so waitLoop must not run until every
	// reader has hit EOF.
	readers sync.WaitGroup

	exited chan struct{}
	logger *logger.Logger
}

// startProcess launches the command in its own process group. When
// forwardOutput is true the stdout and stderr pipes are pumped to the data
// callback and the exit watcher starts immediately; protocol adapters pass
// false, register their own stdout reader via addReader, and then call
// beginWait.
func startProcess(cmd *exec.Cmd, forwardOutput bool, log *logger.Logger) (*process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
		logger: log.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	p.addReader(func() { p.pumpTo(stderr, p.emitStderr) })
	if forwardOutput {
		p.addReader(func() { p.pump(stdout) })
		p.beginWait()
	}
	return p, nil
}

// addReader runs fn in a goroutine counted by the reader WaitGroup. All
// readers must be registered before beginWait.
func (p *process) addReader(fn func()) {
	p.readers.Add(1)
	go func() {
		defer p.readers.Done()
		fn()
	}()
}

// beginWait starts the exit watcher once every pipe reader is registered.
func (p *process) beginWait() {
	go p.waitLoop()
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) TmuxSession() string { return "" }

func (p *process) OnData(fn func(chunk string)) {
	p.mu.Lock()
	p.onData = fn
	stderrFn := p.onStderr
	pending := p.buffered
	p.buffered = nil
	p.mu.Unlock()

	for _, chunk := range pending {
		if chunk.stderr && stderrFn != nil {
			stderrFn(chunk.data)
		} else {
			fn(chunk.data)
		}
	}
}

func (p *process) OnStderr(fn func(chunk string)) {
	p.mu.Lock()
	p.onStderr = fn
	var pending []outChunk
	var rest []outChunk
	for _, chunk := range p.buffered {
		if chunk.stderr {
			pending = append(pending, chunk)
		} else {
			rest = append(rest, chunk)
		}
	}
	p.buffered = rest
	p.mu.Unlock()

	for _, chunk := range pending {
		fn(chunk.data)
	}
}

func (p *process) OnExit(fn func(exitCode *int)) {
	p.mu.Lock()
	p.onExit = fn
	done := p.exitSent
	code := p.exitCode
	p.mu.Unlock()

	if done {
		fn(code)
	}
}

func (p *process) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *process) Terminate(grace time.Duration) {
	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed", zap.Error(err))
	}
	select {
	case <-p.exited:
	case <-time.After(grace):
		if err := p.Signal(syscall.SIGKILL); err != nil {
			p.logger.Debug("SIGKILL failed", zap.Error(err))
		}
	}
}

func (p *process) Wait() *int {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// writeLine writes one line to the child's stdin.
func (p *process) writeLine(line string) error {
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

func (p *process) closeStdin() {
	_ = p.stdin.Close()
}

// outChunk is a buffered output chunk awaiting callback registration.
type outChunk struct {
	stderr bool
	data   string
}

// emit delivers one output chunk to the data callback, buffering until the
// callback is registered.
func (p *process) emit(chunk string) {
	p.mu.Lock()
	fn := p.onData
	if fn == nil {
		p.buffered = append(p.buffered, outChunk{data: chunk})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(chunk)
}

// emitStderr delivers a stderr chunk, falling back to the data callback when
// no stderr callback is registered.
func (p *process) emitStderr(chunk string) {
	p.mu.Lock()
	fn := p.onStderr
	if fn == nil {
		fn = p.onData
	}
	if fn == nil {
		p.buffered = append(p.buffered, outChunk{stderr: true, data: chunk})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(chunk)
}

func (p *process) pump(r io.Reader) {
	p.pumpTo(r, p.emit)
}

func (p *process) pumpTo(r io.Reader, deliver func(chunk string)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			deliver(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (p *process) waitLoop() {
	// Pipe readers must finish before Wait, which closes the pipes and
	// discards any buffered output.
	p.readers.Wait()
	err := p.cmd.Wait()

	var exitCode *int
	if err == nil {
		zero := 0
		exitCode = &zero
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		// A signal-killed child has no exit code.
		if code := exitErr.ExitCode(); code >= 0 {
			exitCode = &code
		}
	}

	p.mu.Lock()
	p.exitCode = exitCode
	p.exitSent = true
	fn := p.onExit
	p.mu.Unlock()

	close(p.exited)
	if fn != nil {
		fn(exitCode)
	}
}
