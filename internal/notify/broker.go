// Package notify turns waiting agents into human-addressed notifications and
// routes the replies back.
package notify

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
	"github.com/iambrandonn/agentq/internal/pubsub"
	"github.com/iambrandonn/agentq/internal/store"
)

const userIndexMax = 500

// TaskChecker reports whether a task is still being executed
type TaskChecker interface {
	IsProcessing(taskID string) bool
}

// Config holds broker tunables
type Config struct {
	ResponseTimeout time.Duration
	RecordTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Minute
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 7 * 24 * time.Hour
	}
	return c
}

type pending struct {
	taskID string
	timer  *time.Timer
}

// Broker creates notifications and tracks their response windows
type Broker struct {
	cfg    Config
	store  store.Store
	tasks  TaskChecker
	logger *slog.Logger

	// mu guards pending and serializes read-modify-write of records
	mu      sync.Mutex
	pending map[string]*pending

	subs pubsub.Registry[Event]
}

// NewBroker creates a broker. tasks guards HandleWaiting against finished tasks.
func NewBroker(cfg Config, st store.Store, tasks TaskChecker, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:     cfg.withDefaults(),
		store:   st,
		tasks:   tasks,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Subscribe registers fn for broker events
func (b *Broker) Subscribe(fn func(Event)) func() {
	return b.subs.Subscribe(fn)
}

// HandleWaiting creates an ai_waiting notification for the task bound to a
// silent instance. It returns nil without error when the task is no longer
// processing.
func (b *Broker) HandleWaiting(ctx context.Context, ev instance.WaitingEvent) (*protocol.Notification, error) {
	if ev.TaskID == "" || !b.tasks.IsProcessing(ev.TaskID) {
		b.logger.Debug("ignoring waiting signal", "instance_id", ev.InstanceID, "task_id", ev.TaskID)
		return nil, nil
	}

	options := Classify(ev.Lines)
	now := time.Now().UTC()
	n := &protocol.Notification{
		ID:               uuid.NewString(),
		UserID:           ev.UserID,
		TaskID:           ev.TaskID,
		InstanceID:       ev.InstanceID,
		Type:             protocol.NotificationAIWaiting,
		Title:            "Agent is waiting for input",
		Message:          lastLine(ev.Lines),
		Context:          append([]string(nil), ev.Lines...),
		RequiresResponse: true,
		ResponseOptions:  options,
		CreatedAt:        now,
		ExpiresAt:        now.Add(b.cfg.ResponseTimeout),
	}

	b.mu.Lock()
	if err := b.create(ctx, n); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	id := n.ID
	b.pending[id] = &pending{
		taskID: n.TaskID,
		timer:  time.AfterFunc(b.cfg.ResponseTimeout, func() { b.expire(id) }),
	}
	b.mu.Unlock()

	b.logger.Info("notification created",
		"notification_id", n.ID, "task_id", n.TaskID, "user_id", n.UserID, "options", len(options))
	b.subs.Publish(NotificationCreated{Notification: clone(n)})
	return clone(n), nil
}

// HandleUserResponse records a human reply. Missing notifications are
// NotFound; foreign owners, informational notifications and repeated
// answers are ValidationErrors; answers after expiry are ResponseTimeout.
func (b *Broker) HandleUserResponse(ctx context.Context, notificationID, userID, response string) (*protocol.UserResponse, error) {
	response = strings.TrimRight(response, "\r\n")
	if strings.ContainsAny(response, "\r\n") {
		return nil, protocol.ValidationError("handleUserResponse", "response must be a single line")
	}

	b.mu.Lock()
	n, err := b.load(ctx, notificationID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if n.UserID != userID {
		b.mu.Unlock()
		return nil, protocol.ValidationError("handleUserResponse", "notification %s belongs to another user", notificationID)
	}
	if !n.RequiresResponse {
		b.mu.Unlock()
		return nil, protocol.ValidationError("handleUserResponse", "notification %s does not take a response", notificationID)
	}
	if n.Responded {
		b.mu.Unlock()
		return nil, protocol.ValidationError("handleUserResponse", "notification %s was already answered", notificationID)
	}
	if n.Expired(time.Now()) {
		b.mu.Unlock()
		return nil, protocol.ResponseTimeoutError("handleUserResponse", "notification %s expired at %s", notificationID, n.ExpiresAt.Format(time.RFC3339))
	}

	resp := &protocol.UserResponse{
		NotificationID: n.ID,
		UserID:         userID,
		TaskID:         n.TaskID,
		InstanceID:     n.InstanceID,
		Response:       response,
		RespondedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	if err := b.store.Set(ctx, responseKey(n.ID), data, b.cfg.RecordTTL); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	n.Responded = true
	n.Read = true
	if err := b.save(ctx, n); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.stopTimerLocked(n.ID)
	b.mu.Unlock()

	b.logger.Info("response received", "notification_id", n.ID, "task_id", n.TaskID, "user_id", userID)
	b.subs.Publish(ResponseReceived{Notification: clone(n), Response: resp})
	return resp, nil
}

// NotifyTaskCompleted creates an informational task_complete notification,
// or an error notification for a failed task
func (b *Broker) NotifyTaskCompleted(ctx context.Context, task *protocol.Task) (*protocol.Notification, error) {
	if task == nil || !task.Status.IsTerminal() {
		return nil, protocol.ValidationError("notifyTaskCompleted", "task is not finished")
	}

	n := &protocol.Notification{
		ID:         uuid.NewString(),
		UserID:     task.UserID,
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
		Type:       protocol.NotificationTaskComplete,
		Title:      "Task completed",
		Message:    summarize(task.Command),
		CreatedAt:  time.Now().UTC(),
	}
	if task.Status == protocol.TaskStatusFailed {
		n.Type = protocol.NotificationError
		n.Title = "Task failed"
		n.Message = task.Error
	}

	b.mu.Lock()
	err := b.create(ctx, n)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.subs.Publish(NotificationCreated{Notification: clone(n)})
	return clone(n), nil
}

// CancelForTask stops the response timers of a finished task and returns
// how many were pending
func (b *Broker) CancelForTask(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, p := range b.pending {
		if p.taskID == taskID {
			p.timer.Stop()
			delete(b.pending, id)
			n++
		}
	}
	return n
}

// Pending returns the number of armed response timers
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops every response timer
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, id)
	}
}

// GetNotification returns one of the user's notifications
func (b *Broker) GetNotification(ctx context.Context, userID, notificationID string) (*protocol.Notification, error) {
	n, err := b.load(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, protocol.NotFoundError("getNotification", "notification %s not found", notificationID)
	}
	return n, nil
}

// GetUserNotifications lists the user's notifications newest first
func (b *Broker) GetUserNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*protocol.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.store.ListRange(ctx, userNotificationsKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}

	out := make([]*protocol.Notification, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		n, err := b.load(ctx, string(ids[i]))
		if errors.Is(err, protocol.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkAsRead flags one of the user's notifications as read
func (b *Broker) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.load(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return protocol.NotFoundError("markAsRead", "notification %s not found", notificationID)
	}
	if n.Read {
		return nil
	}
	n.Read = true
	return b.save(ctx, n)
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	if _, ok := b.pending[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := b.load(ctx, id)
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("expired notification unreadable", "notification_id", id, "error", err)
		return
	}
	if n.Responded {
		return
	}

	b.logger.Warn("notification expired without a response", "notification_id", id, "task_id", n.TaskID)
	b.subs.Publish(ResponseTimeout{
		Notification: n,
		Err:          protocol.ResponseTimeoutError("responseTimeout", "no response to notification %s within %s", id, b.cfg.ResponseTimeout),
	})
}

func (b *Broker) stopTimerLocked(id string) {
	if p, ok := b.pending[id]; ok {
		p.timer.Stop()
		delete(b.pending, id)
	}
}

func (b *Broker) create(ctx context.Context, n *protocol.Notification) error {
	if err := b.save(ctx, n); err != nil {
		return err
	}
	key := userNotificationsKey(n.UserID)
	if err := b.store.ListPush(ctx, key, []byte(n.ID), userIndexMax); err != nil {
		return err
	}
	// The index lives as long as the newest notification it points at
	return b.store.ExpireList(ctx, key, b.cfg.RecordTTL)
}

func (b *Broker) save(ctx context.Context, n *protocol.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return b.store.Set(ctx, notificationKey(n.ID), data, b.cfg.RecordTTL)
}

func (b *Broker) load(ctx context.Context, id string) (*protocol.Notification, error) {
	data, err := b.store.Get(ctx, notificationKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NotFoundError("getNotification", "notification %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var n protocol.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification %s: %w", id, err)
	}
	return &n, nil
}

func clone(n *protocol.Notification) *protocol.Notification {
	c := *n
	c.Context = append([]string(nil), n.Context...)
	c.ResponseOptions = append([]string(nil), n.ResponseOptions...)
	return &c
}

func summarize(command string) string {
	const limit = 120
	if len(command) <= limit {
		return command
	}
	return command[:limit] + "..."
}

func notificationKey(id string) string       { return "notification:" + id }
func responseKey(id string) string           { return "response:" + id }
func userNotificationsKey(uid string) string { return "user:" + uid + ":notifications" }
