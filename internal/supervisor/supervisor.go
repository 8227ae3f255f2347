package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/iambrandonn/agentq/internal/protocol"
)

const (
	readChunkSize = 4096

	// drainGrace bounds how long exit handling waits for readers after the
	// process is reaped. A grandchild that inherited the pipes can keep them
	// open indefinitely.
	drainGrace = 2 * time.Second
)

// Spec describes the subprocess to launch
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// TTY spawns the process under a pseudo-terminal. stdout and stderr are
	// merged onto the terminal and written input is echoed back as output.
	TTY bool
}

// Chunk is one raw read from the process output. Reads are not split on
// newlines so prompts without a trailing newline are delivered promptly.
type Chunk struct {
	Channel protocol.Channel
	Data    []byte
}

// ExitResult describes how the process ended
type ExitResult struct {
	Code int
	Err  error
}

// AgentSupervisor manages a single agent subprocess
type AgentSupervisor struct {
	spec   Spec
	logger *slog.Logger

	mu       sync.Mutex
	process  *exec.Cmd
	stdin    io.WriteCloser
	readers  []io.Closer
	running  bool
	stopping bool
	exit     ExitResult

	output   chan Chunk
	exitChan chan struct{} // closed once the process is reaped and output drained
}

// NewAgentSupervisor creates a new agent supervisor
func NewAgentSupervisor(spec Spec, logger *slog.Logger) *AgentSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentSupervisor{
		spec:     spec,
		logger:   logger,
		output:   make(chan Chunk, 256),
		exitChan: make(chan struct{}),
	}
}

// Start launches the agent subprocess
func (s *AgentSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.process != nil {
		return fmt.Errorf("agent already started")
	}
	if s.spec.Command == "" {
		return fmt.Errorf("agent command is empty")
	}

	s.logger.Info("starting agent", "cmd", s.spec.Command, "args", s.spec.Args, "dir", s.spec.Dir, "tty", s.spec.TTY)

	proc := exec.Command(s.spec.Command, s.spec.Args...)
	proc.Dir = s.spec.Dir

	// Inherit parent environment first, then apply overrides
	proc.Env = os.Environ()
	for k, v := range s.spec.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	if s.spec.TTY {
		err = s.startTTY(proc)
	} else {
		err = s.startPipes(proc)
	}
	if err != nil {
		return err
	}

	s.process = proc
	s.running = true

	s.logger.Info("agent started", "pid", proc.Process.Pid)

	return nil
}

// startPipes wires plain os pipes rather than exec's StdoutPipe so that
// reaping the process does not close the read ends before output is drained.
func (s *AgentSupervisor) startPipes(proc *exec.Cmd) error {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	proc.Stdin = stdinR
	proc.Stdout = stdoutW
	proc.Stderr = stderrW
	setProcessGroup(proc)

	if err := proc.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("failed to start process: %w", err)
	}

	// The child holds its own copies now
	closeAll(stdinR, stdoutW, stderrW)

	s.stdin = stdinW
	s.readers = []io.Closer{stdoutR, stderrR}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.readStream(&wg, stdoutR, protocol.ChannelStdout)
	go s.readStream(&wg, stderrR, protocol.ChannelStderr)
	go s.waitForExit(proc, &wg)

	return nil
}

func (s *AgentSupervisor) startTTY(proc *exec.Cmd) error {
	ptmx, err := pty.Start(proc)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}

	s.stdin = ptmx
	s.readers = []io.Closer{ptmx}

	var wg sync.WaitGroup
	wg.Add(1)
	go s.readStream(&wg, ptmx, protocol.ChannelStdout)
	go s.waitForExit(proc, &wg)

	return nil
}

// Stop terminates the process group: SIGTERM first, SIGKILL once grace
// elapses. It returns when the process has been reaped or ctx is done.
func (s *AgentSupervisor) Stop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	proc := s.process
	stdin := s.stdin
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("stopping agent", "pid", proc.Process.Pid)

	if err := terminateProcessGroup(proc); err != nil {
		s.logger.Debug("terminate signal failed", "pid", proc.Process.Pid, "error", err)
	}
	if stdin != nil && !s.spec.TTY {
		_ = stdin.Close()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.exitChan:
		s.logger.Info("agent stopped", "pid", proc.Process.Pid)
		return nil
	case <-timer.C:
		s.logger.Warn("agent did not stop gracefully, killing", "pid", proc.Process.Pid)
		_ = killProcessGroup(proc)
	case <-ctx.Done():
		_ = killProcessGroup(proc)
		return ctx.Err()
	}

	select {
	case <-s.exitChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends one newline-terminated line to the process input
func (s *AgentSupervisor) Write(line string) error {
	s.mu.Lock()
	stdin := s.stdin
	running := s.running
	s.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("agent not running")
	}

	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// Output returns the channel of output chunks. It is closed after the
// process exits and its streams are drained.
func (s *AgentSupervisor) Output() <-chan Chunk {
	return s.output
}

// Done is closed once the process has exited and Output has been closed
func (s *AgentSupervisor) Done() <-chan struct{} {
	return s.exitChan
}

// Exit returns the exit result. Only meaningful after Done is closed.
func (s *AgentSupervisor) Exit() ExitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// PID returns the process id, or 0 before Start
func (s *AgentSupervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil || s.process.Process == nil {
		return 0
	}
	return s.process.Process.Pid
}

// IsRunning returns true if the agent is running
func (s *AgentSupervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *AgentSupervisor) readStream(wg *sync.WaitGroup, r io.Reader, channel protocol.Channel) {
	defer wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.output <- Chunk{Channel: channel, Data: data}
		}
		if err != nil {
			// A pty master reports EIO once the child side is gone
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				s.logger.Debug("agent stream read failed", "channel", channel, "error", err)
			}
			return
		}
	}
}

func (s *AgentSupervisor) waitForExit(proc *exec.Cmd, readers *sync.WaitGroup) {
	err := proc.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainGrace):
		s.logger.Warn("agent output not drained after exit, closing streams", "pid", proc.Process.Pid)
		s.mu.Lock()
		closeAll(s.readers...)
		s.mu.Unlock()
		<-drained
	}

	code := -1
	if proc.ProcessState != nil {
		code = proc.ProcessState.ExitCode()
	}

	s.mu.Lock()
	s.running = false
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	closeAll(s.readers...)
	stopping := s.stopping
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.exit = ExitResult{Code: code, Err: err}
	} else {
		s.exit = ExitResult{Code: code}
	}
	s.mu.Unlock()

	close(s.output)
	close(s.exitChan)

	if code != 0 && !stopping {
		s.logger.Warn("agent process exited", "pid", proc.Process.Pid, "exit_code", code, "error", err)
	} else {
		s.logger.Info("agent process exited", "pid", proc.Process.Pid, "exit_code", code)
	}
}

func closeAll[T io.Closer](closers ...T) {
	for _, c := range closers {
		_ = c.Close()
	}
}
