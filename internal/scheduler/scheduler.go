// Package scheduler owns the durable FIFO task queue: admission through a
// single consumer loop, instance acquisition, completion detection and the
// hard per-task timeout.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/agentq/internal/instance"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/provider"
	"github.com/iambrandonn/agentq/internal/pubsub"
	"github.com/iambrandonn/agentq/internal/store"
)

const (
	storeTimeout = 5 * time.Second

	// completionTail is how much of the previous stdout chunk is re-tested
	// so a completion pattern split across reads still matches
	completionTail = 256

	userTaskIndexMax = 1000
	messageLogMax    = 5000
)

// ErrCancelled is recorded on tasks cancelled by a caller
var ErrCancelled = errors.New("cancelled by user")

// InstancePool is the subset of the instance manager the scheduler drives
type InstancePool interface {
	Acquire(ctx context.Context, userID, providerName, taskID string) (*protocol.Instance, error)
	WaitReady(ctx context.Context, id string) error
	SendCommand(id, command, taskID string) error
	Release(id, taskID string) bool
	StopInstance(ctx context.Context, id string) error
	Subscribe(fn func(instance.Event)) func()
}

// Config holds scheduler tunables
type Config struct {
	QueueKey        string
	PollTimeout     time.Duration
	ReadyTimeout    time.Duration
	TaskTimeout     time.Duration
	StoreBackoff    time.Duration
	RecordTTL       time.Duration
	ResultChunks    int
	DefaultProvider string
}

func (c Config) withDefaults() Config {
	if c.QueueKey == "" {
		c.QueueKey = "agentq:queue"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 5 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 7 * 24 * time.Hour
	}
	if c.ResultChunks <= 0 {
		c.ResultChunks = 50
	}
	return c
}

// QueueStats summarizes queue and task state
type QueueStats struct {
	QueueDepth int            `json:"queue_depth"`
	InFlight   int            `json:"in_flight"`
	Queued     int            `json:"queued"`
	Processing int            `json:"processing"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	ByProvider map[string]int `json:"by_provider"`
}

// running is the in-memory working state of a processing task
type running struct {
	task     *protocol.Task
	provider *provider.Provider
	timer    *time.Timer
	prevTail string
	chunks   []string // recent stdout chunks, oldest first
	done     bool

	// persistMu orders record writes so a terminal record is never
	// overwritten by an earlier processing snapshot
	persistMu sync.Mutex
}

// Scheduler runs queued tasks against agent instances
type Scheduler struct {
	cfg       Config
	store     store.Store
	pool      InstancePool
	providers *provider.Registry
	logger    *slog.Logger

	mu         sync.Mutex
	inflight   map[string]*running
	byInstance map[string]string // instance id -> task id

	// admitMu serializes admission with cancellation of queued records
	admitMu sync.Mutex

	subs        pubsub.Registry[Event]
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewScheduler creates a scheduler and subscribes it to pool events
func NewScheduler(cfg Config, st store.Store, pool InstancePool, providers *provider.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      st,
		pool:       pool,
		providers:  providers,
		logger:     logger,
		inflight:   make(map[string]*running),
		byInstance: make(map[string]string),
	}
	s.unsubscribe = pool.Subscribe(s.handleInstanceEvent)
	return s
}

// Subscribe registers fn for task lifecycle events
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	return s.subs.Subscribe(fn)
}

// QueueTask validates and enqueues a command. It returns once the task is
// durably queued and never waits for assignment.
func (s *Scheduler) QueueTask(ctx context.Context, userID, sessionID, command, providerName string, metadata map[string]string) (*protocol.Task, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, protocol.ValidationError("queueTask", "user id is required")
	}
	if strings.TrimSpace(command) == "" {
		return nil, protocol.ValidationError("queueTask", "command is required")
	}
	if strings.ContainsAny(command, "\r\n") {
		return nil, protocol.ValidationError("queueTask", "command must be a single line")
	}
	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	if providerName == "" {
		return nil, protocol.ValidationError("queueTask", "provider is required (no default configured)")
	}
	if _, err := s.providers.Get(providerName); err != nil {
		return nil, err
	}

	task := &protocol.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Provider:  providerName,
		Command:   command,
		Status:    protocol.TaskStatusQueued,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.saveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.indexTask(ctx, task); err != nil {
		s.discardTask(task.ID)
		return nil, err
	}

	data, err := json.Marshal(task)
	if err != nil {
		s.discardTask(task.ID)
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	if err := s.store.Push(ctx, s.cfg.QueueKey, data); err != nil {
		// Never reachable by the consumer; drop the record so it is not
		// reported as queued forever
		s.discardTask(task.ID)
		return nil, err
	}

	s.logger.Info("task queued", "task_id", task.ID, "user_id", userID, "provider", providerName)
	s.subs.Publish(TaskQueued{Task: task.Clone()})

	return task.Clone(), nil
}

// Run is the single consumer loop. It is the only place tasks enter
// processing, so admission is FIFO. Store failures are logged and retried
// after a fixed backoff; Run returns only when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("consumer loop started", "queue", s.cfg.QueueKey)
	defer s.logger.Info("consumer loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := s.store.BlockingPop(ctx, s.cfg.QueueKey, s.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("queue pop failed, backing off", "error", err, "backoff", s.cfg.StoreBackoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.StoreBackoff):
			}
			continue
		}
		if data == nil {
			continue
		}

		var task protocol.Task
		if err := json.Unmarshal(data, &task); err != nil {
			s.logger.Error("dropping undecodable queue item", "error", err)
			continue
		}

		s.admit(ctx, &task)
	}
}

// Wait blocks until every processTask goroutine has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close detaches the scheduler from the instance pool
func (s *Scheduler) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// admit moves a dequeued task into processing and hands it to processTask
func (s *Scheduler) admit(ctx context.Context, queued *protocol.Task) {
	s.admitMu.Lock()

	task := queued
	stored, raw, err := s.loadTaskRaw(ctx, queued.ID)
	switch {
	case err == nil:
		task = stored
	case errors.Is(err, protocol.KindNotFound):
		// Record expired while queued; the queue item is still authoritative
	default:
		s.logger.Warn("could not read task record, admitting queued copy", "task_id", queued.ID, "error", err)
	}

	if task.Status != protocol.TaskStatusQueued {
		s.admitMu.Unlock()
		s.logger.Info("skipping dequeued task", "task_id", task.ID, "status", task.Status)
		return
	}

	p, err := s.providers.Get(task.Provider)
	if err != nil {
		s.admitMu.Unlock()
		s.failUnadmitted(ctx, task, err)
		return
	}

	now := time.Now().UTC()
	task.Status = protocol.TaskStatusProcessing
	task.StartedAt = &now

	// Another process sharing the store may cancel the queued record between
	// the read above and this write; only a record still equal to what was
	// read is moved to processing.
	if !s.claim(ctx, task, raw) {
		s.admitMu.Unlock()
		s.logger.Info("skipping task changed before admission", "task_id", task.ID)
		return
	}

	run := &running{task: task, provider: p}
	s.mu.Lock()
	s.inflight[task.ID] = run
	s.mu.Unlock()
	s.admitMu.Unlock()

	s.logger.Info("task processing", "task_id", task.ID, "user_id", task.UserID, "provider", task.Provider)
	s.subs.Publish(TaskStarted{Task: task.Clone()})

	s.wg.Add(1)
	go s.processTask(ctx, task.ID, task.UserID, task.Provider, task.Command)
}

// processTask acquires an instance, binds it and sends the command. The
// rest of the task is driven by instance events and the timeout.
func (s *Scheduler) processTask(ctx context.Context, taskID, userID, providerName, command string) {
	defer s.wg.Done()

	inst, err := s.pool.Acquire(ctx, userID, providerName, taskID)
	if err != nil {
		s.CompleteTask(taskID, protocol.TaskStatusFailed, err)
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	err = s.pool.WaitReady(readyCtx, inst.ID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = protocol.ProcessError("processTask", err, "instance %s not ready within %s", inst.ID, s.cfg.ReadyTimeout)
		}
		s.pool.Release(inst.ID, taskID)
		s.CompleteTask(taskID, protocol.TaskStatusFailed, err)
		s.stopInstanceAsync(inst.ID)
		return
	}

	s.mu.Lock()
	run, ok := s.inflight[taskID]
	if !ok || run.done {
		// Cancelled or timed out while acquiring
		s.mu.Unlock()
		s.pool.Release(inst.ID, taskID)
		return
	}
	run.task.InstanceID = inst.ID
	s.byInstance[inst.ID] = taskID
	run.timer = time.AfterFunc(s.cfg.TaskTimeout, func() {
		s.CompleteTask(taskID, protocol.TaskStatusFailed,
			protocol.TaskTimeoutError("processTask", "task exceeded %s", s.cfg.TaskTimeout))
	})
	snapshot := run.task.Clone()
	s.mu.Unlock()

	s.persistRunning(ctx, run, snapshot, "binding")

	if err := s.pool.SendCommand(inst.ID, command, taskID); err != nil {
		s.CompleteTask(taskID, protocol.TaskStatusFailed, err)
		return
	}

	// A completion that ran before SendCommand released only the
	// reservation; the instance is busy again and must be handed back.
	s.mu.Lock()
	done := run.done
	s.mu.Unlock()
	if done {
		s.pool.Release(inst.ID, taskID)
		s.logger.Debug("task finished before dispatch, instance released", "task_id", taskID, "instance_id", inst.ID)
		return
	}

	s.logger.Debug("command dispatched", "task_id", taskID, "instance_id", inst.ID)
}

// persistRunning saves a processing snapshot unless the task already
// reached a terminal state
func (s *Scheduler) persistRunning(ctx context.Context, run *running, snapshot *protocol.Task, stage string) {
	run.persistMu.Lock()
	defer run.persistMu.Unlock()

	s.mu.Lock()
	done := run.done
	s.mu.Unlock()
	if done {
		return
	}
	if err := s.saveTask(ctx, snapshot); err != nil {
		s.logger.Warn("failed to persist task "+stage, "task_id", snapshot.ID, "error", err)
	}
}

func (s *Scheduler) handleInstanceEvent(ev instance.Event) {
	switch e := ev.(type) {
	case instance.MessageEvent:
		s.onMessage(e.Message)

	case instance.StoppedEvent:
		if taskID, ok := s.boundTask(e.InstanceID); ok {
			s.CompleteTask(taskID, protocol.TaskStatusFailed,
				protocol.ProcessError("instanceStopped", nil, "instance %s exited with code %d", e.InstanceID, e.ExitCode))
		}

	case instance.ErrorEvent:
		if taskID, ok := s.boundTask(e.InstanceID); ok {
			// The manager stops the instance itself
			s.CompleteTask(taskID, protocol.TaskStatusFailed,
				protocol.ProcessError("instanceError", nil, "instance %s reported: %s", e.InstanceID, strings.TrimSpace(e.Content)))
		}
	}
}

func (s *Scheduler) onMessage(msg protocol.Message) {
	s.mu.Lock()
	taskID, ok := s.byInstance[msg.InstanceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	run := s.inflight[taskID]
	if run == nil || run.done {
		s.mu.Unlock()
		return
	}

	msg.TaskID = taskID
	run.task.Messages = append(run.task.Messages, msg)

	completed := false
	if msg.Channel == protocol.ChannelStdout {
		run.chunks = append(run.chunks, msg.Content)
		if len(run.chunks) > s.cfg.ResultChunks {
			run.chunks = run.chunks[len(run.chunks)-s.cfg.ResultChunks:]
		}
		probe := run.prevTail + msg.Content
		completed = run.provider.MatchesCompletion(probe)
		run.prevTail = tail(probe, completionTail)
	}
	s.mu.Unlock()

	if data, err := json.Marshal(msg); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.appendMessage(ctx, taskID, data); err != nil {
			s.logger.Warn("failed to persist task message", "task_id", taskID, "error", err)
		}
		cancel()
	}

	if completed {
		s.CompleteTask(taskID, protocol.TaskStatusCompleted, nil)
	}
}

// CompleteTask moves a processing task to a terminal status. The first
// caller wins; later calls return false and change nothing.
func (s *Scheduler) CompleteTask(taskID string, status protocol.TaskStatus, taskErr error) bool {
	if !status.IsTerminal() {
		return false
	}

	s.mu.Lock()
	run, ok := s.inflight[taskID]
	if !ok || run.done {
		s.mu.Unlock()
		return false
	}
	run.done = true
	if run.timer != nil {
		run.timer.Stop()
	}
	delete(s.inflight, taskID)
	if id := run.task.InstanceID; id != "" && s.byInstance[id] == taskID {
		delete(s.byInstance, id)
	}

	now := time.Now().UTC()
	t := run.task
	t.Status = status
	t.CompletedAt = &now
	if status == protocol.TaskStatusCompleted {
		t.Result = strings.Join(run.chunks, "")
	}
	if taskErr != nil {
		t.Error = taskErr.Error()
		t.ErrorKind = protocol.KindOf(taskErr)
	}
	final := t.Clone()
	s.mu.Unlock()

	if final.InstanceID != "" {
		s.pool.Release(final.InstanceID, taskID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	run.persistMu.Lock()
	if err := s.saveTask(ctx, final); err != nil {
		s.logger.Error("failed to persist completed task", "task_id", taskID, "error", err)
	}
	run.persistMu.Unlock()
	if err := s.store.ExpireList(ctx, messagesKey(taskID), s.cfg.RecordTTL); err != nil {
		s.logger.Warn("failed to set message log expiry", "task_id", taskID, "error", err)
	}

	if status == protocol.TaskStatusCompleted {
		s.logger.Info("task completed", "task_id", taskID, "instance_id", final.InstanceID)
	} else {
		s.logger.Warn("task failed", "task_id", taskID, "instance_id", final.InstanceID, "error", final.Error)
	}
	s.subs.Publish(TaskCompleted{Task: final})
	return true
}

// CancelTask fails a processing or still-queued task. It returns false for
// tasks that are already terminal.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	if s.CompleteTask(taskID, protocol.TaskStatusFailed, ErrCancelled) {
		return true, nil
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	// Admitted between the two checks
	if s.IsProcessing(taskID) {
		return s.CompleteTask(taskID, protocol.TaskStatusFailed, ErrCancelled), nil
	}

	task, raw, err := s.loadTaskRaw(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != protocol.TaskStatusQueued {
		return false, nil
	}

	now := time.Now().UTC()
	task.Status = protocol.TaskStatusFailed
	task.Error = ErrCancelled.Error()
	task.CompletedAt = &now
	data, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	swapped, err := s.store.CompareAndSet(ctx, taskKey(taskID), raw, data, s.cfg.RecordTTL)
	if err != nil {
		return false, err
	}
	if !swapped {
		// Admitted (here or by another process) or cancelled since the read
		return s.CompleteTask(taskID, protocol.TaskStatusFailed, ErrCancelled), nil
	}

	s.logger.Info("queued task cancelled", "task_id", taskID)
	s.subs.Publish(TaskCompleted{Task: task.Clone()})
	return true, nil
}

// IsProcessing reports whether this process is executing taskID
func (s *Scheduler) IsProcessing(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.inflight[taskID]
	return ok && !run.done
}

// TaskForInstance returns the task currently bound to an instance
func (s *Scheduler) TaskForInstance(instanceID string) (string, bool) {
	return s.boundTask(instanceID)
}

// GetTask returns a task with its message log
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	s.mu.Lock()
	if run, ok := s.inflight[taskID]; ok {
		t := run.task.Clone()
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	raw, err := s.store.ListRange(ctx, messagesKey(taskID), 0, -1)
	if err != nil {
		return nil, err
	}
	for _, item := range raw {
		var msg protocol.Message
		if err := json.Unmarshal(item, &msg); err != nil {
			continue
		}
		task.Messages = append(task.Messages, msg)
	}
	return task, nil
}

// GetUserTasks returns up to limit of the user's tasks, newest first,
// without message logs
func (s *Scheduler) GetUserTasks(ctx context.Context, userID string, limit int) ([]*protocol.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.store.ListRange(ctx, userTasksKey(userID), -limit, -1)
	if err != nil {
		return nil, err
	}

	tasks := make([]*protocol.Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := string(ids[i])

		s.mu.Lock()
		run, live := s.inflight[id]
		var t *protocol.Task
		if live {
			t = run.task.Clone()
		}
		s.mu.Unlock()

		if t == nil {
			t, err = s.loadTask(ctx, id)
			if errors.Is(err, protocol.KindNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		t.Messages = nil
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetQueueStats reports queue depth, in-flight count and task totals
func (s *Scheduler) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	depth, err := s.store.ListLen(ctx, s.cfg.QueueKey)
	if err != nil {
		return nil, err
	}

	keys, err := s.store.Keys(ctx, "task:*")
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{QueueDepth: depth, ByProvider: make(map[string]int)}
	for _, key := range keys {
		if strings.HasSuffix(key, ":messages") {
			continue
		}
		task, err := s.loadTask(ctx, strings.TrimPrefix(key, "task:"))
		if err != nil {
			continue
		}
		switch task.Status {
		case protocol.TaskStatusQueued:
			stats.Queued++
		case protocol.TaskStatusProcessing:
			stats.Processing++
		case protocol.TaskStatusCompleted:
			stats.Completed++
		case protocol.TaskStatusFailed:
			stats.Failed++
		}
		stats.ByProvider[task.Provider]++
	}

	s.mu.Lock()
	stats.InFlight = len(s.inflight)
	s.mu.Unlock()

	return stats, nil
}

// Recover fails task records left processing by a process that died.
// Call it before Run, when nothing is in flight locally.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, "task:*")
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, key := range keys {
		if strings.HasSuffix(key, ":messages") {
			continue
		}
		id := strings.TrimPrefix(key, "task:")
		if s.IsProcessing(id) {
			continue
		}
		task, err := s.loadTask(ctx, id)
		if err != nil || task.Status != protocol.TaskStatusProcessing {
			continue
		}

		orphan := protocol.ProcessError("recover", nil, "orphaned: owning process exited while the task was processing")
		now := time.Now().UTC()
		task.Status = protocol.TaskStatusFailed
		task.Error = orphan.Error()
		task.ErrorKind = orphan.Kind
		task.CompletedAt = &now
		if err := s.saveTask(ctx, task); err != nil {
			return recovered, err
		}

		recovered++
		s.logger.Warn("orphaned task failed", "task_id", id)
		s.subs.Publish(TaskCompleted{Task: task.Clone()})
	}
	return recovered, nil
}

func (s *Scheduler) boundTask(instanceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byInstance[instanceID]
	return id, ok
}

func (s *Scheduler) stopInstanceAsync(instanceID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.pool.StopInstance(ctx, instanceID); err != nil {
			s.logger.Warn("failed to stop instance", "instance_id", instanceID, "error", err)
		}
	}()
}

// failUnadmitted records a terminal failure for a task that never reached processing
func (s *Scheduler) failUnadmitted(ctx context.Context, task *protocol.Task, cause error) {
	now := time.Now().UTC()
	task.Status = protocol.TaskStatusFailed
	task.Error = cause.Error()
	task.ErrorKind = protocol.KindOf(cause)
	task.CompletedAt = &now
	if err := s.saveTask(ctx, task); err != nil {
		s.logger.Warn("failed to persist task failure", "task_id", task.ID, "error", err)
	}
	s.logger.Warn("task rejected at admission", "task_id", task.ID, "error", cause)
	s.subs.Publish(TaskCompleted{Task: task.Clone()})
}

// claim persists an admitted task. With the raw record it was read from,
// the write only lands if the record is unchanged; it reports false when
// someone else got there first.
func (s *Scheduler) claim(ctx context.Context, task *protocol.Task, raw []byte) bool {
	if raw == nil {
		if err := s.saveTask(ctx, task); err != nil {
			s.logger.Warn("failed to persist task admission", "task_id", task.ID, "error", err)
		}
		return true
	}

	data, err := encodeTask(task)
	if err != nil {
		s.logger.Warn("failed to encode task admission", "task_id", task.ID, "error", err)
		return true
	}
	swapped, err := s.store.CompareAndSet(ctx, taskKey(task.ID), raw, data, s.cfg.RecordTTL)
	if err != nil {
		s.logger.Warn("failed to persist task admission", "task_id", task.ID, "error", err)
		return true
	}
	return swapped
}

func (s *Scheduler) indexTask(ctx context.Context, task *protocol.Task) error {
	key := userTasksKey(task.UserID)
	if err := s.store.ListPush(ctx, key, []byte(task.ID), userTaskIndexMax); err != nil {
		return err
	}
	// The index lives as long as the user's newest task record
	return s.store.ExpireList(ctx, key, s.cfg.RecordTTL)
}

func (s *Scheduler) appendMessage(ctx context.Context, taskID string, data []byte) error {
	if err := s.store.ListPush(ctx, messagesKey(taskID), data, messageLogMax); err != nil {
		return err
	}
	return s.store.ExpireList(ctx, messagesKey(taskID), s.cfg.RecordTTL)
}

// discardTask removes the record of a task that never made it onto the queue
func (s *Scheduler) discardTask(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, taskKey(taskID)); err != nil {
		s.logger.Warn("failed to discard unqueued task", "task_id", taskID, "error", err)
	}
}

func (s *Scheduler) saveTask(ctx context.Context, task *protocol.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, taskKey(task.ID), data, s.cfg.RecordTTL)
}

func (s *Scheduler) loadTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	task, _, err := s.loadTaskRaw(ctx, taskID)
	return task, err
}

// loadTaskRaw also returns the stored bytes for a later CompareAndSet
func (s *Scheduler) loadTaskRaw(ctx context.Context, taskID string) (*protocol.Task, []byte, error) {
	data, err := s.store.Get(ctx, taskKey(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, protocol.NotFoundError("getTask", "task %s not found", taskID)
	}
	if err != nil {
		return nil, nil, err
	}
	var task protocol.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	return &task, data, nil
}

func encodeTask(task *protocol.Task) ([]byte, error) {
	record := *task
	record.Messages = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return data, nil
}

func taskKey(id string) string         { return "task:" + id }
func messagesKey(id string) string     { return "task:" + id + ":messages" }
func userTasksKey(userID string) string { return "user:" + userID + ":tasks" }

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
