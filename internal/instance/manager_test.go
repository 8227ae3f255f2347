package instance

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/provider"
	"github.com/iambrandonn/agentq/internal/store"
	"github.com/iambrandonn/agentq/pkg/testharness"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (r *recorder) waiting() []WaitingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WaitingEvent
	for _, ev := range r.events {
		if w, ok := ev.(WaitingEvent); ok {
			out = append(out, w)
		}
	}
	return out
}

func (r *recorder) stopped() []StoppedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StoppedEvent
	for _, ev := range r.events {
		if s, ok := ev.(StoppedEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) stdout() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, ev := range r.events {
		if m, ok := ev.(MessageEvent); ok && m.Message.Channel == protocol.ChannelStdout {
			b.WriteString(m.Message.Content)
		}
	}
	return b.String()
}

func isReady(ev Event) bool {
	_, ok := ev.(ReadyEvent)
	return ok
}

func isError(ev Event) bool {
	_, ok := ev.(ErrorEvent)
	return ok
}

type fixture struct {
	mgr   *Manager
	store *store.MemoryStore
	rec   *recorder
	root  string
}

func newFixture(t *testing.T, cfg Config, defs ...provider.Definition) *fixture {
	t.Helper()

	if len(defs) == 0 {
		defs = []provider.Definition{testharness.ShellProvider("sh")}
	}
	root := t.TempDir()
	cfg.WorkspaceRoot = root
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = time.Minute
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 2 * time.Second
	}

	st := store.NewMemoryStore(0)
	mgr := NewManager(cfg, testharness.Registry(defs...), st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	mgr.Subscribe(rec.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = st.Close()
	})

	return &fixture{mgr: mgr, store: st, rec: rec, root: root}
}

func (f *fixture) createReady(t *testing.T, user string) *protocol.Instance {
	t.Helper()
	inst, err := f.mgr.CreateInstance(context.Background(), user, "sh")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.WaitReady(ctx, inst.ID))
	return inst
}

func (f *fixture) status(t *testing.T, id string) protocol.InstanceStatus {
	t.Helper()
	inst, err := f.mgr.Get(id)
	if err != nil {
		return protocol.InstanceStatusStopped
	}
	return inst.Status
}

func TestCreateInstanceEnforcesCapacityUnderConcurrency(t *testing.T) {
	f := newFixture(t, Config{MaxPerUser: 2})

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.CreateInstance(context.Background(), "alice", "sh")
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, protocol.KindCapacity):
			assert.True(t, protocol.IsRetryable(err))
			rejected++
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, callers-2, rejected)
	assert.Len(t, f.mgr.ListByUser("alice"), 2)

	// Rejected calls never spawned or prepared a working directory
	entries, err := os.ReadDir(filepath.Join(f.root, "instances", "alice"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Capacity is per user
	_, err = f.mgr.CreateInstance(context.Background(), "bob", "sh")
	assert.NoError(t, err)
}

func TestCreateInstanceValidation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.mgr.CreateInstance(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, protocol.KindValidation)

	_, err = f.mgr.CreateInstance(context.Background(), "", "sh")
	assert.ErrorIs(t, err, protocol.KindValidation)

	assert.Empty(t, f.mgr.List())
}

func TestCreateInstanceSpawnFailureIsProcessError(t *testing.T) {
	f := newFixture(t, Config{}, provider.Definition{Name: "missing", Command: "/nonexistent/agent-binary"})

	_, err := f.mgr.CreateInstance(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, protocol.KindProcess)
	assert.Empty(t, f.mgr.List())
}

func TestCreateInstancePersistsRecord(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.Eventually(t, func() bool {
		data, err := f.store.Get(context.Background(), "instance:"+inst.ID)
		if err != nil {
			return false
		}
		var rec protocol.Instance
		if json.Unmarshal(data, &rec) != nil {
			return false
		}
		return rec.Status == protocol.InstanceStatusReady && rec.UserID == "alice" && rec.Provider == "sh"
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, filepath.Join(f.root, "instances", "alice", inst.ID), inst.WorkDir)
	assert.NotZero(t, inst.PID)
}

func TestReadyPatternTransitionsExactlyOnce(t *testing.T) {
	def := provider.Definition{
		Name:         "slow",
		Command:      "/bin/sh",
		Args:         []string{"-c", "echo booting; sleep 0.3; echo Ready; echo Ready again; sleep 30"},
		ReadyPattern: "Ready",
	}
	f := newFixture(t, Config{}, def)

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "slow")
	require.NoError(t, err)
	assert.Equal(t, protocol.InstanceStatusStarting, inst.Status)

	require.Eventually(t, func() bool {
		return strings.Contains(f.rec.stdout(), "booting")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.InstanceStatusStarting, f.status(t, inst.ID))

	require.Eventually(t, func() bool {
		return f.status(t, inst.ID) == protocol.InstanceStatusReady
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(f.rec.stdout(), "Ready again")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.rec.count(isReady))
}

func TestProviderWithoutReadyPatternIsReadyImmediately(t *testing.T) {
	f := newFixture(t, Config{}, provider.Definition{Name: "cat", Command: "/bin/cat"})

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "cat")
	require.NoError(t, err)
	assert.Equal(t, protocol.InstanceStatusReady, inst.Status)
	assert.Equal(t, 1, f.rec.count(isReady))
}

func TestSendCommandRequiresReady(t *testing.T) {
	def := provider.Definition{
		Name:         "never",
		Command:      "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
		ReadyPattern: "Ready",
	}
	f := newFixture(t, Config{}, def)

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "never")
	require.NoError(t, err)

	before, err := f.mgr.Get(inst.ID)
	require.NoError(t, err)

	err = f.mgr.SendCommand(inst.ID, "do X", "task-1")
	assert.ErrorIs(t, err, protocol.KindValidation)

	after, err := f.mgr.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected command must not mutate the instance")

	err = f.mgr.SendCommand("missing", "do X", "task-1")
	assert.ErrorIs(t, err, protocol.KindNotFound)
}

func TestSendCommandOnBusyInstanceFails(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "hang", "task-1"))
	busy, err := f.mgr.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InstanceStatusBusy, busy.Status)
	assert.Equal(t, "task-1", busy.CurrentTaskID)

	err = f.mgr.SendCommand(inst.ID, "do Y", "task-2")
	assert.ErrorIs(t, err, protocol.KindValidation)

	after, err := f.mgr.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", after.CurrentTaskID)
}

func TestSendResponseRequiresBusy(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	assert.ErrorIs(t, f.mgr.SendResponse(inst.ID, "y"), protocol.KindValidation)
	assert.ErrorIs(t, f.mgr.SendResponse("missing", "y"), protocol.KindNotFound)
}

func TestMessagesCarryTaskAndOrder(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "do X", "task-1"))
	require.Eventually(t, func() bool {
		return strings.Contains(f.rec.stdout(), "Done.")
	}, 5*time.Second, 10*time.Millisecond)

	out := f.rec.stdout()
	assert.Less(t, strings.Index(out, "Ready"), strings.Index(out, "working on do X"))
	assert.Less(t, strings.Index(out, "working on do X"), strings.Index(out, "Done."))

	tagged := f.rec.count(func(ev Event) bool {
		m, ok := ev.(MessageEvent)
		return ok && m.Message.TaskID == "task-1"
	})
	assert.Greater(t, tagged, 0)

	stdout, _, err := f.mgr.Tail(inst.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"working on do X", "Done."}, stdout)
}

func TestWaitingFiresOncePerSilenceWindow(t *testing.T) {
	f := newFixture(t, Config{SilenceThreshold: 200 * time.Millisecond})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "ask", "task-1"))

	require.Eventually(t, func() bool {
		return len(f.rec.waiting()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	w := f.rec.waiting()[0]
	assert.Equal(t, inst.ID, w.InstanceID)
	assert.Equal(t, "alice", w.UserID)
	assert.Equal(t, "task-1", w.TaskID)
	require.NotEmpty(t, w.Lines)
	assert.Equal(t, "Proceed? (y/n) ", w.Lines[len(w.Lines)-1])

	// Continued silence in the same window never re-fires
	time.Sleep(600 * time.Millisecond)
	assert.Len(t, f.rec.waiting(), 1)

	require.NoError(t, f.mgr.SendResponse(inst.ID, "y"))
	require.Eventually(t, func() bool {
		return strings.Contains(f.rec.stdout(), "got y")
	}, 3*time.Second, 10*time.Millisecond)

	// The instance stays busy until released, so the next silence is a new window
	require.Eventually(t, func() bool {
		return len(f.rec.waiting()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, f.rec.waiting(), 2)
}

func TestWaitingNeverFiresWhenNotBusy(t *testing.T) {
	f := newFixture(t, Config{SilenceThreshold: 100 * time.Millisecond})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "hang", "task-1"))
	require.True(t, f.mgr.Release(inst.ID, "task-1"))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, f.rec.waiting())
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "do X", "task-1"))

	assert.False(t, f.mgr.Release(inst.ID, "other-task"))
	assert.True(t, f.mgr.Release(inst.ID, "task-1"))
	assert.False(t, f.mgr.Release(inst.ID, "task-1"))
	assert.False(t, f.mgr.Release("missing", "task-1"))

	got, err := f.mgr.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.InstanceStatusReady, got.Status)
	assert.Empty(t, got.CurrentTaskID)
}

func TestAcquireReusesAndReserves(t *testing.T) {
	f := newFixture(t, Config{MaxPerUser: 3})
	ready := f.createReady(t, "alice")

	a, err := f.mgr.Acquire(context.Background(), "alice", "sh", "task-1")
	require.NoError(t, err)
	assert.Equal(t, ready.ID, a.ID, "a ready instance of the same user and provider is reused")

	// Reserved instances are not handed out twice
	b, err := f.mgr.Acquire(context.Background(), "alice", "sh", "task-2")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	assert.ErrorIs(t, f.mgr.SendCommand(a.ID, "do X", "task-2"), protocol.KindValidation)
	assert.NoError(t, f.mgr.SendCommand(a.ID, "do X", "task-1"))

	// Other users never share instances
	c, err := f.mgr.Acquire(context.Background(), "bob", "sh", "task-3")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, b.ID, c.ID)

	// Releasing an unused reservation frees the instance
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.WaitReady(ctx, b.ID))
	assert.True(t, f.mgr.Release(b.ID, "task-2"))
	d, err := f.mgr.Acquire(context.Background(), "alice", "sh", "task-4")
	require.NoError(t, err)
	assert.Equal(t, b.ID, d.ID)
}

func TestStopInstanceIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.mgr.StopInstance(ctx, inst.ID))
	require.NoError(t, f.mgr.StopInstance(ctx, inst.ID))
	require.NoError(t, f.mgr.StopInstance(ctx, "never-existed"))

	_, err := f.mgr.Get(inst.ID)
	assert.ErrorIs(t, err, protocol.KindNotFound)

	_, err = f.store.Get(ctx, "instance:"+inst.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Len(t, f.rec.stopped(), 1)
}

func TestStopBusyInstanceReportsTask(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")
	require.NoError(t, f.mgr.SendCommand(inst.ID, "hang", "task-9"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.StopInstance(ctx, inst.ID))

	stopped := f.rec.stopped()
	require.Len(t, stopped, 1)
	assert.Equal(t, "task-9", stopped[0].TaskID)
}

func TestProcessExitDeregistersWithExitCode(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "crash", "task-1"))

	require.Eventually(t, func() bool {
		return len(f.rec.stopped()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ev := f.rec.stopped()[0]
	assert.Equal(t, 3, ev.ExitCode)
	assert.Equal(t, "task-1", ev.TaskID)
	assert.Equal(t, "alice", ev.UserID)

	_, err := f.mgr.Get(inst.ID)
	assert.ErrorIs(t, err, protocol.KindNotFound)
	assert.Empty(t, f.mgr.ListByUser("alice"))
}

func TestErrorPatternMovesToErrorAndStops(t *testing.T) {
	f := newFixture(t, Config{})
	inst := f.createReady(t, "alice")

	require.NoError(t, f.mgr.SendCommand(inst.ID, "fail", "task-1"))

	require.Eventually(t, func() bool {
		return f.rec.count(isError) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var errEv ErrorEvent
	f.rec.count(func(ev Event) bool {
		if e, ok := ev.(ErrorEvent); ok {
			errEv = e
			return true
		}
		return false
	})
	assert.Equal(t, "task-1", errEv.TaskID)
	assert.Contains(t, errEv.Content, "fatal: boom")

	require.Eventually(t, func() bool {
		return len(f.rec.stopped()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task-1", f.rec.stopped()[0].TaskID)
	assert.Equal(t, protocol.InstanceStatusStopped, f.status(t, inst.ID))
}

func TestErrorPatternStopsUnboundInstance(t *testing.T) {
	noisy := provider.Definition{
		Name:          "noisy",
		Command:       "/bin/sh",
		Args:          []string{"-c", "echo Ready; sleep 0.2; echo 'fatal: disk full' >&2; sleep 30"},
		ReadyPattern:  "Ready",
		ErrorPatterns: []string{"fatal"},
	}
	f := newFixture(t, Config{MaxPerUser: 1}, noisy)

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "noisy")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.rec.count(isError) == 1 && len(f.rec.stopped()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.rec.stopped()[0].TaskID)
	assert.Empty(t, f.mgr.ListByUser("alice"))

	_, err = f.store.Get(context.Background(), recordKey(inst.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The capacity slot is free again
	next, err := f.mgr.CreateInstance(context.Background(), "alice", "noisy")
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, next.ID)
}

func TestWaitReadyFailsWhenProcessExits(t *testing.T) {
	def := provider.Definition{
		Name:         "dies",
		Command:      "/bin/sh",
		Args:         []string{"-c", "echo starting; exit 1"},
		ReadyPattern: "Ready",
	}
	f := newFixture(t, Config{}, def)

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "dies")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Either WaitReady observed the exit or the instance was already gone
	err = f.mgr.WaitReady(ctx, inst.ID)
	require.Error(t, err)
	kind := protocol.KindOf(err)
	assert.True(t, kind == protocol.KindProcess || kind == protocol.KindNotFound, "unexpected error %v", err)
	require.Eventually(t, func() bool { return len(f.rec.stopped()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.rec.count(isReady))
}

func TestWaitReadyHonoursContext(t *testing.T) {
	def := provider.Definition{
		Name:         "never",
		Command:      "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
		ReadyPattern: "Ready",
	}
	f := newFixture(t, Config{}, def)

	inst, err := f.mgr.CreateInstance(context.Background(), "alice", "never")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.mgr.WaitReady(ctx, inst.ID), context.DeadlineExceeded)
}

func TestSweepIdleStopsInactiveInstances(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 150 * time.Millisecond})
	idle := f.createReady(t, "alice")

	time.Sleep(300 * time.Millisecond)
	fresh := f.createReady(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Equal(t, 1, f.mgr.SweepIdle(ctx))

	_, err := f.mgr.Get(idle.ID)
	assert.ErrorIs(t, err, protocol.KindNotFound)
	_, err = f.mgr.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestSweeperSchedule(t *testing.T) {
	f := newFixture(t, Config{SweepSchedule: "not a schedule"})
	assert.Error(t, f.mgr.StartSweeper())

	g := newFixture(t, Config{SweepSchedule: "@every 1s"})
	require.NoError(t, g.mgr.StartSweeper())
	assert.Error(t, g.mgr.StartSweeper(), "sweeper cannot be started twice")
	g.mgr.StopSweeper()
	g.mgr.StopSweeper()
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, Config{})
	f.createReady(t, "alice")
	f.createReady(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(ctx))

	assert.Empty(t, f.mgr.List())
	assert.Len(t, f.rec.stopped(), 2)

	_, err := f.mgr.CreateInstance(ctx, "alice", "sh")
	assert.ErrorIs(t, err, protocol.KindProcess)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t, Config{})

	var mu sync.Mutex
	n := 0
	unsubscribe := f.mgr.Subscribe(func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	f.createReady(t, "alice")
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, n)
}
