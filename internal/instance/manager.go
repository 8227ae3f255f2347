// Package instance owns the pool of supervised agent processes: their state
// machine, output buffers, silence-based wait detection and idle cleanup.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/provider"
	"github.com/iambrandonn/agentq/internal/pubsub"
	"github.com/iambrandonn/agentq/internal/store"
	"github.com/iambrandonn/agentq/internal/supervisor"
	"github.com/iambrandonn/agentq/internal/workspace"
)

const (
	storeTimeout = 5 * time.Second

	// readyProbeTail is how much of the previous stdout chunk is kept so a
	// ready pattern split across reads still matches
	readyProbeTail = 256
)

// Config holds Manager tunables
type Config struct {
	WorkspaceRoot       string
	MaxPerUser          int
	SilenceThreshold    time.Duration
	IdleTimeout         time.Duration
	SweepSchedule       string
	OutputBufferLines   int
	WaitingContextLines int
	RecordTTL           time.Duration
	StopGrace           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 3
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 3 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 60s"
	}
	if c.OutputBufferLines <= 0 {
		c.OutputBufferLines = 1000
	}
	if c.WaitingContextLines <= 0 {
		c.WaitingContextLines = 5
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// instance is the manager-private record. All fields below sup are guarded
// by Manager.mu.
type instance struct {
	id       string
	userID   string
	provider *provider.Provider
	workDir  string
	sup      *supervisor.AgentSupervisor

	status        protocol.InstanceStatus
	currentTaskID string
	reservedFor   string // task that claimed this instance via Acquire
	createdAt     time.Time
	lastActivity  time.Time
	stdout        *LineBuffer
	stderr        *LineBuffer
	readyTail     string
	stopping      bool
	deregistered  bool

	waitGen   uint64
	waitTimer *time.Timer

	readyCh   chan struct{} // closed on ready
	brokenCh  chan struct{} // closed on error or exit
	brokeOnce sync.Once
	finished  chan struct{} // closed after deregistration and StoppedEvent

	persistMu sync.Mutex
}

func (inst *instance) snapshot() *protocol.Instance {
	return &protocol.Instance{
		ID:             inst.id,
		UserID:         inst.userID,
		Provider:       inst.provider.Name,
		Status:         inst.status,
		PID:            inst.sup.PID(),
		WorkDir:        inst.workDir,
		CurrentTaskID:  inst.currentTaskID,
		CreatedAt:      inst.createdAt,
		LastActivityAt: inst.lastActivity,
	}
}

func (inst *instance) markBroken() {
	inst.brokeOnce.Do(func() { close(inst.brokenCh) })
}

// Manager supervises agent instances
type Manager struct {
	cfg       Config
	providers *provider.Registry
	store     store.Store
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	pending   map[string]int // user -> capacity slots reserved by in-progress spawns
	closed    bool

	subs pubsub.Registry[Event]
	cron *cron.Cron
}

// NewManager creates an instance manager
func NewManager(cfg Config, providers *provider.Registry, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		providers: providers,
		store:     st,
		logger:    logger,
		instances: make(map[string]*instance),
		pending:   make(map[string]int),
	}
}

// Subscribe registers fn for every event and returns an unsubscribe func
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.subs.Subscribe(fn)
}

// CreateInstance spawns a new instance of providerName owned by userID
func (m *Manager) CreateInstance(ctx context.Context, userID, providerName string) (*protocol.Instance, error) {
	return m.create(ctx, userID, providerName, "")
}

func (m *Manager) create(ctx context.Context, userID, providerName, reserveFor string) (*protocol.Instance, error) {
	if userID == "" {
		return nil, protocol.ValidationError("createInstance", "user id is required")
	}
	p, err := m.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Reserve the capacity slot before spawning
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, protocol.ProcessError("createInstance", nil, "instance manager is shut down")
	}
	owned := m.pending[userID]
	for _, inst := range m.instances {
		if inst.userID == userID {
			owned++
		}
	}
	if owned >= m.cfg.MaxPerUser {
		m.mu.Unlock()
		return nil, protocol.CapacityError("createInstance", "user %s already owns %d instances (max %d)", userID, owned, m.cfg.MaxPerUser)
	}
	m.pending[userID]++
	m.mu.Unlock()

	unreserve := func() {
		m.pending[userID]--
		if m.pending[userID] <= 0 {
			delete(m.pending, userID)
		}
	}

	id := uuid.NewString()
	workDir, err := workspace.CreateInstanceDir(m.cfg.WorkspaceRoot, userID, id)
	if err != nil {
		m.mu.Lock()
		unreserve()
		m.mu.Unlock()
		return nil, protocol.ProcessError("createInstance", err, "failed to prepare working directory")
	}

	logger := m.logger.With("instance_id", id, "user_id", userID, "provider", p.Name)
	env := map[string]string{
		"AGENTQ_INSTANCE_ID": id,
		"AGENTQ_USER_ID":     userID,
	}
	for k, v := range p.Env {
		env[k] = v
	}
	sup := supervisor.NewAgentSupervisor(supervisor.Spec{
		Command: p.Command,
		Args:    p.Args,
		Env:     env,
		Dir:     workDir,
		TTY:     p.TTY,
	}, logger)

	if err := sup.Start(); err != nil {
		m.mu.Lock()
		unreserve()
		m.mu.Unlock()
		_ = os.RemoveAll(workDir)
		return nil, protocol.ProcessError("createInstance", err, "failed to spawn provider %s", p.Name)
	}

	now := time.Now()
	inst := &instance{
		id:           id,
		userID:       userID,
		provider:     p,
		workDir:      workDir,
		sup:          sup,
		status:       protocol.InstanceStatusStarting,
		reservedFor:  reserveFor,
		createdAt:    now,
		lastActivity: now,
		stdout:       NewLineBuffer(m.cfg.OutputBufferLines),
		stderr:       NewLineBuffer(m.cfg.OutputBufferLines),
		readyCh:      make(chan struct{}),
		brokenCh:     make(chan struct{}),
		finished:     make(chan struct{}),
	}

	readyNow := !p.HasReadyPattern()
	if readyNow {
		inst.status = protocol.InstanceStatusReady
		close(inst.readyCh)
	}

	m.mu.Lock()
	unreserve()
	m.instances[id] = inst
	snap := inst.snapshot()
	m.mu.Unlock()

	logger.Info("instance created", "pid", snap.PID, "work_dir", workDir)

	m.persist(inst)
	if readyNow {
		m.subs.Publish(ReadyEvent{InstanceID: id, UserID: userID, Provider: p.Name, At: now})
	}
	go m.consume(inst)

	return snap, nil
}

// Acquire returns an instance reserved for taskID: an existing ready one
// owned by userID on providerName, or a newly created one. Only the
// reserving task may SendCommand to it until Release.
func (m *Manager) Acquire(ctx context.Context, userID, providerName, taskID string) (*protocol.Instance, error) {
	m.mu.Lock()
	var candidates []*instance
	for _, inst := range m.instances {
		if inst.userID == userID && inst.provider.Name == providerName &&
			inst.status == protocol.InstanceStatusReady && inst.reservedFor == "" && !inst.stopping {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].createdAt.Before(candidates[j].createdAt)
		})
		inst := candidates[0]
		inst.reservedFor = taskID
		snap := inst.snapshot()
		m.mu.Unlock()
		m.logger.Debug("reusing ready instance", "instance_id", snap.ID, "task_id", taskID)
		return snap, nil
	}
	m.mu.Unlock()

	return m.create(ctx, userID, providerName, taskID)
}

// WaitReady blocks until the instance is ready, fails, or ctx is done
func (m *Manager) WaitReady(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return protocol.NotFoundError("waitReady", "instance %s not found", id)
	}

	select {
	case <-inst.readyCh:
		m.mu.Lock()
		status := inst.status
		m.mu.Unlock()
		if status == protocol.InstanceStatusError || status == protocol.InstanceStatusStopped {
			return protocol.ProcessError("waitReady", nil, "instance %s is %s", id, status)
		}
		return nil
	case <-inst.brokenCh:
		return protocol.ProcessError("waitReady", nil, "instance %s failed before becoming ready", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand writes command to a ready instance and marks it busy with taskID
func (m *Manager) SendCommand(id, command, taskID string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return protocol.NotFoundError("sendCommand", "instance %s not found", id)
	}
	if inst.status != protocol.InstanceStatusReady || inst.stopping {
		status := inst.status
		m.mu.Unlock()
		return protocol.ValidationError("sendCommand", "instance %s is %s, not ready", id, status)
	}
	if inst.reservedFor != "" && inst.reservedFor != taskID {
		m.mu.Unlock()
		return protocol.ValidationError("sendCommand", "instance %s is reserved for task %s", id, inst.reservedFor)
	}

	inst.status = protocol.InstanceStatusBusy
	inst.currentTaskID = taskID
	inst.reservedFor = ""
	inst.lastActivity = time.Now()
	m.armWaitLocked(inst)
	m.mu.Unlock()

	if err := inst.sup.Write(command); err != nil {
		m.mu.Lock()
		if inst.status == protocol.InstanceStatusBusy && inst.currentTaskID == taskID {
			inst.status = protocol.InstanceStatusReady
			inst.currentTaskID = ""
			m.disarmWaitLocked(inst)
		}
		m.mu.Unlock()
		return protocol.ProcessError("sendCommand", err, "failed to write command to instance %s", id)
	}

	m.logger.Debug("command sent", "instance_id", id, "task_id", taskID)
	m.persist(inst)
	return nil
}

// SendResponse forwards a human reply to a busy instance
func (m *Manager) SendResponse(id, response string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return protocol.NotFoundError("sendResponse", "instance %s not found", id)
	}
	if inst.status != protocol.InstanceStatusBusy {
		status := inst.status
		m.mu.Unlock()
		return protocol.ValidationError("sendResponse", "instance %s is %s, not busy", id, status)
	}
	inst.lastActivity = time.Now()
	m.armWaitLocked(inst)
	m.mu.Unlock()

	if err := inst.sup.Write(response); err != nil {
		return protocol.ProcessError("sendResponse", err, "failed to write response to instance %s", id)
	}

	m.logger.Debug("response sent", "instance_id", id)
	return nil
}

// Release returns an instance serving or reserved for taskID to the pool.
// It reports whether anything changed; repeated calls are no-ops.
func (m *Manager) Release(id, taskID string) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	released := false
	switch {
	case inst.status == protocol.InstanceStatusBusy && inst.currentTaskID == taskID:
		inst.status = protocol.InstanceStatusReady
		inst.currentTaskID = ""
		inst.lastActivity = time.Now()
		m.disarmWaitLocked(inst)
		released = true
	case inst.reservedFor == taskID && taskID != "":
		inst.reservedFor = ""
		released = true
	}
	m.mu.Unlock()

	if released {
		m.logger.Debug("instance released", "instance_id", id, "task_id", taskID)
		m.persist(inst)
	}
	return released
}

// StopInstance terminates the process and waits for deregistration.
// Unknown ids and repeated calls are no-ops.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	alreadyStopping := inst.stopping
	inst.stopping = true
	m.disarmWaitLocked(inst)
	m.mu.Unlock()

	if !alreadyStopping {
		m.logger.Info("stopping instance", "instance_id", id)
		if err := inst.sup.Stop(ctx, m.cfg.StopGrace); err != nil {
			return protocol.ProcessError("stopInstance", err, "failed to stop instance %s", id)
		}
	}

	select {
	case <-inst.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of one instance
func (m *Manager) Get(id string) (*protocol.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, protocol.NotFoundError("getInstance", "instance %s not found", id)
	}
	return inst.snapshot(), nil
}

// ListByUser returns snapshots of the user's instances, oldest first
func (m *Manager) ListByUser(userID string) []*protocol.Instance {
	return m.list(func(inst *instance) bool { return inst.userID == userID })
}

// List returns snapshots of every instance, oldest first
func (m *Manager) List() []*protocol.Instance {
	return m.list(func(*instance) bool { return true })
}

func (m *Manager) list(keep func(*instance) bool) []*protocol.Instance {
	m.mu.Lock()
	out := make([]*protocol.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if keep(inst) {
			out = append(out, inst.snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tail returns up to n recent stdout lines and stderr lines of an instance
func (m *Manager) Tail(id string, n int) (stdout, stderr []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, nil, protocol.NotFoundError("tail", "instance %s not found", id)
	}
	return inst.stdout.Tail(n), inst.stderr.Tail(n), nil
}

// Shutdown stops the sweeper and every instance
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopSweeper()

	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = m.StopInstance(ctx, id)
		}(i, id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// consume drains the supervisor's output for the life of the process
func (m *Manager) consume(inst *instance) {
	for chunk := range inst.sup.Output() {
		m.handleChunk(inst, chunk)
	}
	<-inst.sup.Done()
	m.handleExit(inst)
}

func (m *Manager) handleChunk(inst *instance, chunk supervisor.Chunk) {
	text := string(chunk.Data)
	now := time.Now()

	var events []Event
	statusChanged := false
	broke := false

	m.mu.Lock()
	inst.lastActivity = now

	msg := protocol.Message{
		InstanceID: inst.id,
		TaskID:     inst.currentTaskID,
		Channel:    chunk.Channel,
		Content:    text,
		Timestamp:  now,
	}

	if chunk.Channel == protocol.ChannelStderr {
		inst.stderr.Write(text)
		events = append(events, MessageEvent{Message: msg})
		if inst.provider.MatchesError(text) && inst.status != protocol.InstanceStatusError {
			inst.status = protocol.InstanceStatusError
			m.disarmWaitLocked(inst)
			inst.markBroken()
			statusChanged = true
			broke = true
			events = append(events, ErrorEvent{
				InstanceID: inst.id,
				UserID:     inst.userID,
				TaskID:     inst.currentTaskID,
				Content:    text,
				At:         now,
			})
		}
	} else {
		inst.stdout.Write(text)
		if inst.status == protocol.InstanceStatusStarting {
			probe := inst.readyTail + text
			if inst.provider.IsReady(probe) {
				inst.status = protocol.InstanceStatusReady
				close(inst.readyCh)
				statusChanged = true
				events = append(events, ReadyEvent{
					InstanceID: inst.id,
					UserID:     inst.userID,
					Provider:   inst.provider.Name,
					At:         now,
				})
			} else {
				inst.readyTail = tail(probe, readyProbeTail)
			}
		}
		// Ready precedes the chunk that carried the pattern
		events = append(events, MessageEvent{Message: msg})
	}

	if inst.status == protocol.InstanceStatusBusy {
		m.armWaitLocked(inst)
	}
	failed := inst.status == protocol.InstanceStatusError
	m.mu.Unlock()

	if statusChanged {
		m.persist(inst)
		if failed {
			m.logger.Warn("instance reported an error", "instance_id", inst.id, "stderr", text)
		}
	}
	for _, ev := range events {
		m.subs.Publish(ev)
	}

	// An instance in error is never reused; stop it so it releases its
	// capacity slot whether or not a task was bound. The stop runs off the
	// reader goroutine because it waits for this goroutine to drain.
	if broke {
		go m.stopBroken(inst.id)
	}
}

func (m *Manager) stopBroken(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace+storeTimeout)
	defer cancel()
	if err := m.StopInstance(ctx, id); err != nil {
		m.logger.Warn("failed to stop instance after error", "instance_id", id, "error", err)
	}
}

func (m *Manager) handleExit(inst *instance) {
	exit := inst.sup.Exit()

	m.mu.Lock()
	inst.status = protocol.InstanceStatusStopped
	taskID := inst.currentTaskID
	m.disarmWaitLocked(inst)
	inst.deregistered = true
	delete(m.instances, inst.id)
	inst.markBroken()
	m.mu.Unlock()

	inst.persistMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := m.store.Delete(ctx, recordKey(inst.id)); err != nil {
		m.logger.Warn("failed to delete instance record", "instance_id", inst.id, "error", err)
	}
	cancel()
	inst.persistMu.Unlock()

	m.logger.Info("instance stopped", "instance_id", inst.id, "exit_code", exit.Code, "task_id", taskID)

	m.subs.Publish(StoppedEvent{
		InstanceID: inst.id,
		UserID:     inst.userID,
		TaskID:     taskID,
		ExitCode:   exit.Code,
		At:         time.Now(),
	})
	close(inst.finished)
}

// armWaitLocked (re)starts the silence timer. A generation tag makes any
// previously scheduled firing a no-op.
func (m *Manager) armWaitLocked(inst *instance) {
	inst.waitGen++
	gen := inst.waitGen
	if inst.waitTimer != nil {
		inst.waitTimer.Stop()
	}
	inst.waitTimer = time.AfterFunc(m.cfg.SilenceThreshold, func() {
		m.onSilence(inst, gen)
	})
}

func (m *Manager) disarmWaitLocked(inst *instance) {
	inst.waitGen++
	if inst.waitTimer != nil {
		inst.waitTimer.Stop()
		inst.waitTimer = nil
	}
}

func (m *Manager) onSilence(inst *instance, gen uint64) {
	m.mu.Lock()
	if inst.waitGen != gen || inst.status != protocol.InstanceStatusBusy || inst.stopping {
		m.mu.Unlock()
		return
	}
	// Consume the generation so this window fires once
	inst.waitGen++
	inst.waitTimer = nil
	ev := WaitingEvent{
		InstanceID: inst.id,
		UserID:     inst.userID,
		TaskID:     inst.currentTaskID,
		Lines:      inst.stdout.Tail(m.cfg.WaitingContextLines),
		At:         time.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("instance appears to be waiting for input", "instance_id", inst.id, "task_id", ev.TaskID)
	m.subs.Publish(ev)
}

func (m *Manager) persist(inst *instance) {
	inst.persistMu.Lock()
	defer inst.persistMu.Unlock()

	m.mu.Lock()
	if inst.deregistered {
		m.mu.Unlock()
		return
	}
	snap := inst.snapshot()
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("failed to encode instance record", "instance_id", inst.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Set(ctx, recordKey(inst.id), data, m.cfg.RecordTTL); err != nil {
		m.logger.Warn("failed to persist instance record", "instance_id", inst.id, "error", err)
	}
}

func recordKey(id string) string {
	return "instance:" + id
}

// LoadRecords reads the instance records persisted by every manager sharing
// st, oldest first. Records of exited instances are deleted on exit, so the
// result describes live processes, possibly owned by another process.
func LoadRecords(ctx context.Context, st store.Store, userID string) ([]*protocol.Instance, error) {
	keys, err := st.Keys(ctx, recordKey("*"))
	if err != nil {
		return nil, err
	}

	out := make([]*protocol.Instance, 0, len(keys))
	for _, key := range keys {
		data, err := st.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var inst protocol.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		if userID != "" && inst.UserID != userID {
			continue
		}
		out = append(out, &inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
