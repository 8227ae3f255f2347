package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

func TestSmokeQueueWait(t *testing.T) {
	ws, _ := startSmoke(t)
	ctx := context.Background()

	stdout, stderr, err := ws.Run(ctx, "queue", "--wait", "--timeout", "60s", "summarize the repo")
	if err != nil {
		t.Fatalf("queue --wait failed: %v\nstdout:%s\nstderr:%s", err, stdout, stderr)
	}
	if !strings.Contains(stdout, "Status:    completed") {
		t.Fatalf("expected completed task detail, got:\n%s", stdout)
	}
	if !strings.Contains(stdout, "working on summarize the repo") {
		t.Fatalf("expected agent output in result, got:\n%s", stdout)
	}

	var tasks []*protocol.Task
	if err := ws.RunJSON(ctx, &tasks, "tasks"); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Status != protocol.TaskStatusCompleted {
		t.Fatalf("unexpected task list: %+v", tasks)
	}

	journal, _, err := ws.Run(ctx, "journal", "--kind", "task")
	if err != nil {
		t.Fatalf("journal failed: %v", err)
	}
	for _, event := range []string{protocol.EventTaskQueued, protocol.EventTaskStarted, protocol.EventTaskCompleted} {
		if !strings.Contains(journal, event) {
			t.Fatalf("expected %s in journal:\n%s", event, journal)
		}
	}
}

func TestSmokeAskAndRespond(t *testing.T) {
	ws, _ := startSmoke(t)
	ctx := context.Background()

	var task protocol.Task
	if err := ws.RunJSON(ctx, &task, "queue", "please ask before writing"); err != nil {
		t.Fatal(err)
	}

	var waiting *protocol.Notification
	poll(t, 30*time.Second, func() bool {
		var notes []*protocol.Notification
		if err := ws.RunJSON(ctx, &notes, "notifications", "--unread"); err != nil {
			t.Logf("notifications: %v", err)
			return false
		}
		for _, n := range notes {
			if n.TaskID == task.ID && n.Type == protocol.NotificationAIWaiting {
				waiting = n
				return true
			}
		}
		return false
	})

	if strings.Join(waiting.ResponseOptions, "/") != "Yes/No" {
		t.Fatalf("expected Yes/No options, got %v", waiting.ResponseOptions)
	}

	if _, stderr, err := ws.Run(ctx, "notifications", "respond", waiting.ID, "y"); err != nil {
		t.Fatalf("respond failed: %v\n%s", err, stderr)
	}

	var done protocol.Task
	poll(t, 30*time.Second, func() bool {
		if err := ws.RunJSON(ctx, &done, "task", task.ID); err != nil {
			return false
		}
		return done.Status.IsTerminal()
	})
	if done.Status != protocol.TaskStatusCompleted || !strings.Contains(done.Result, "got y") {
		t.Fatalf("expected completed task with answer, got %s: %q (%s)", done.Status, done.Result, done.Error)
	}
}

func TestSmokeCancelProcessing(t *testing.T) {
	ws, _ := startSmoke(t)
	ctx := context.Background()

	var task protocol.Task
	if err := ws.RunJSON(ctx, &task, "queue", "hang for a while"); err != nil {
		t.Fatal(err)
	}

	poll(t, 30*time.Second, func() bool {
		var got protocol.Task
		return ws.RunJSON(ctx, &got, "task", task.ID) == nil && got.Status == protocol.TaskStatusProcessing
	})

	stdout, stderr, err := ws.Run(ctx, "cancel", task.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v\n%s", err, stderr)
	}
	if !strings.Contains(stdout, "requested") {
		t.Fatalf("expected a cancellation request, got %q", stdout)
	}

	poll(t, 30*time.Second, func() bool {
		var got protocol.Task
		return ws.RunJSON(ctx, &got, "task", task.ID) == nil && got.Status == protocol.TaskStatusFailed
	})
}

func startSmoke(t *testing.T) (*Workspace, *Server) {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build binaries")
	}

	repoRoot, err := DetectRepoRoot()
	if err != nil {
		t.Fatalf("failed to locate repo root: %v", err)
	}

	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "gocache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("failed to create gocache: %v", err)
	}
	t.Setenv("GOCACHE", cacheDir)

	ctx := context.Background()
	bins, err := BuildBinaries(ctx, repoRoot, filepath.Join(tempDir, "bin"))
	if err != nil {
		t.Fatalf("failed to build binaries: %v", err)
	}

	ws, err := NewWorkspace(filepath.Join(tempDir, "workspace"), bins)
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	srv, err := ws.Serve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(30 * time.Second); err != nil {
			t.Errorf("server stop: %v\n%s", err, srv.Logs())
		}
	})
	return ws, srv
}

func poll(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
