//go:build !windows

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect reads output until the process exits and returns it per channel
func collect(t *testing.T, s *AgentSupervisor, timeout time.Duration) (stdout, stderr string) {
	t.Helper()

	var out, errOut strings.Builder
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-s.Output():
			if !ok {
				return out.String(), errOut.String()
			}
			if chunk.Channel == protocol.ChannelStderr {
				errOut.Write(chunk.Data)
			} else {
				out.Write(chunk.Data)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for agent output to close")
			return "", ""
		}
	}
}

func TestSupervisorCapturesOutputAndExitCode(t *testing.T) {
	s := NewAgentSupervisor(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo hello; echo oops 1>&2; exit 3`},
	}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}
	if s.PID() == 0 {
		t.Error("expected a pid after start")
	}

	stdout, stderr := collect(t, s, 5*time.Second)
	<-s.Done()

	if stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", stdout)
	}
	if stderr != "oops\n" {
		t.Errorf("expected stderr %q, got %q", "oops\n", stderr)
	}
	if code := s.Exit().Code; code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if s.IsRunning() {
		t.Error("agent should not be running after exit")
	}
}

func TestSupervisorDeliversPromptWithoutNewline(t *testing.T) {
	s := NewAgentSupervisor(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf 'Proceed? (y/n) '; read ans; echo "got $ans"`},
	}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}

	select {
	case chunk := <-s.Output():
		if string(chunk.Data) != "Proceed? (y/n) " {
			t.Fatalf("expected prompt chunk, got %q", chunk.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prompt was not delivered")
	}

	if err := s.Write("y"); err != nil {
		t.Fatalf("failed to write response: %v", err)
	}

	stdout, _ := collect(t, s, 5*time.Second)
	if stdout != "got y\n" {
		t.Errorf("expected %q, got %q", "got y\n", stdout)
	}
}

func TestSupervisorStopTerminatesProcessGroup(t *testing.T) {
	s := NewAgentSupervisor(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo started; sleep 30; echo never`},
	}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}

	select {
	case <-s.Output():
	case <-time.After(5 * time.Second):
		t.Fatal("agent never produced output")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.Stop(ctx, 2*time.Second); err != nil {
		t.Fatalf("failed to stop agent: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stop took %v; sleeping grandchild kept the agent alive", elapsed)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Stop returns")
	}

	if err := s.Stop(ctx, time.Second); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestSupervisorStopKillsAfterGrace(t *testing.T) {
	s := NewAgentSupervisor(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `trap '' TERM; echo ready; while :; do sleep 0.1; done`},
	}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}

	select {
	case <-s.Output():
	case <-time.After(5 * time.Second):
		t.Fatal("agent never produced output")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Stop(ctx, 300*time.Millisecond); err != nil {
		t.Fatalf("failed to stop agent: %v", err)
	}
	if s.IsRunning() {
		t.Error("agent should be killed after the grace period")
	}
}

func TestSupervisorWriteAfterExitFails(t *testing.T) {
	s := NewAgentSupervisor(Spec{Command: "/bin/sh", Args: []string{"-c", "exit 0"}}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}
	collect(t, s, 5*time.Second)

	if err := s.Write("hello"); err == nil {
		t.Error("expected write to an exited agent to fail")
	}
}

func TestSupervisorRejectsDoubleStart(t *testing.T) {
	s := NewAgentSupervisor(Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}}, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start agent: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background(), time.Second) })

	if err := s.Start(); err == nil {
		t.Error("expected second Start to fail")
	}
}

func TestSupervisorStartFailure(t *testing.T) {
	s := NewAgentSupervisor(Spec{Command: "/nonexistent/agentq-agent"}, testLogger())
	if err := s.Start(); err == nil {
		t.Fatal("expected start of a missing binary to fail")
	}
	if s.IsRunning() {
		t.Error("failed start must not report running")
	}
}

func TestSupervisorTTY(t *testing.T) {
	s := NewAgentSupervisor(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", `if [ -t 0 ]; then echo tty; else echo notty; fi`},
		TTY:     true,
	}, testLogger())

	if err := s.Start(); err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	stdout, _ := collect(t, s, 5*time.Second)
	if !strings.Contains(stdout, "tty") || strings.Contains(stdout, "notty") {
		t.Errorf("expected the agent to see a terminal, got %q", stdout)
	}
}
