package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iambrandonn/agentq/internal/config"
	"github.com/iambrandonn/agentq/internal/fsutil"
)

// SmokeUser is the user id smoke commands run as
const SmokeUser = "smoke"

// Workspace is a throwaway agentq workspace wired to the fake agent
type Workspace struct {
	Dir        string
	ConfigPath string
	Bins       *Binaries
	Env        map[string]string
}

// NewWorkspace writes an agentq.yaml into dir that uses a shared sqlite
// store and runs the fake agent as the default provider
func NewWorkspace(dir string, bins *Binaries) (*Workspace, error) {
	if bins == nil || bins.AgentQ == "" || bins.FakeAgent == "" {
		return nil, fmt.Errorf("agentq and fake agent binaries are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.Queue.DefaultProvider = "fake"
	cfg.Queue.PollTimeoutMs = 100
	cfg.Queue.ReadyTimeoutS = 10
	cfg.Queue.TaskTimeoutS = 30
	cfg.Instances.SilenceThresholdMs = 300
	cfg.Instances.StopGraceS = 2
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == "fake" {
			cfg.Providers[i].Command = bins.FakeAgent
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, config.FileName)
	if err := cfg.SaveToFile(path); err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir, ConfigPath: path, Bins: bins}, nil
}

// Server is a running 'agentq serve' process
type Server struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	done   chan error
}

// Serve starts 'agentq serve' in the background
func (w *Workspace) Serve(ctx context.Context) (*Server, error) {
	stderr := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, w.Bins.AgentQ, "serve", "--config", w.ConfigPath, "--log-level", "debug")
	cmd.Dir = w.Dir
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.Env = mergeEnv(os.Environ(), w.Env)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agentq serve: %w", err)
	}

	s := &Server{cmd: cmd, stderr: stderr, done: make(chan error, 1)}
	go func() { s.done <- cmd.Wait() }()
	return s, nil
}

// Stop sends SIGTERM and waits for the server to exit
func (s *Server) Stop(timeout time.Duration) error {
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal server: %w", err)
	}
	select {
	case err := <-s.done:
		return err
	case <-time.After(timeout):
		_ = s.cmd.Process.Kill()
		return fmt.Errorf("server did not exit within %s", timeout)
	}
}

// Logs returns everything the server has written so far. Only call after Stop.
func (s *Server) Logs() string {
	return s.stderr.String()
}

// Run executes one agentq client command as SmokeUser
func (w *Workspace) Run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	full := append([]string{"--config", w.ConfigPath, "--user", SmokeUser}, args...)
	cmd := exec.CommandContext(ctx, w.Bins.AgentQ, full...)
	cmd.Dir = w.Dir
	cmd.Env = mergeEnv(os.Environ(), w.Env)

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err = cmd.Run()
	return out.String(), errOut.String(), err
}

// RunJSON executes a client command with --json and decodes its output into v
func (w *Workspace) RunJSON(ctx context.Context, v any, args ...string) error {
	stdout, stderr, err := w.Run(ctx, append(args, "--json")...)
	if err != nil {
		return fmt.Errorf("agentq %v: %w\n%s", args, err, stderr)
	}
	if err := json.Unmarshal([]byte(stdout), v); err != nil {
		return fmt.Errorf("agentq %v: invalid JSON output: %w\n%s", args, err, stdout)
	}
	return nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	gomod, err := fsutil.FindUp(dir, "go.mod")
	if err != nil {
		return "", fmt.Errorf("go.mod not found (starting from %s): %w", dir, err)
	}
	return filepath.Dir(gomod), nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
