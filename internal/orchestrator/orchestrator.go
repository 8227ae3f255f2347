// Package orchestrator assembles the instance manager, task scheduler and
// notification broker around one durable store and exposes the operations
// callers use.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/agentq/internal/config"
	"github.com/iambrandonn/agentq/internal/eventlog"
	"github.com/iambrandonn/agentq/internal/instance"
	"github.com/iambrandonn/agentq/internal/monitor"
	"github.com/iambrandonn/agentq/internal/notify"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/provider"
	"github.com/iambrandonn/agentq/internal/scheduler"
	"github.com/iambrandonn/agentq/internal/store"
	"github.com/iambrandonn/agentq/internal/workspace"
)

const shutdownSlack = 10 * time.Second

// Orchestrator owns every component and their subscriptions
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	providers *provider.Registry
	instances *instance.Manager
	scheduler *scheduler.Scheduler
	broker    *notify.Broker
	sampler   *monitor.Sampler
	journal   *eventlog.EventLog

	// pids remembers sampled processes so their handles can be dropped on exit
	pidMu sync.Mutex
	pids  map[string]int

	unsubscribe []func()
}

// New validates cfg, prepares the workspace, opens the store and journal,
// and wires the components together. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace: %w", err)
	}

	providers, err := loadProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Backend:    cfg.Store.Backend,
		Path:       cfg.Resolve(cfg.Store.Path),
		GCInterval: seconds(cfg.Store.GCIntervalS),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	journal, err := eventlog.NewEventLog(workspace.JournalPath(cfg.WorkspaceRoot), logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	recordTTL := time.Duration(cfg.Retention.RecordTTLHours) * time.Hour

	instances := instance.NewManager(instance.Config{
		WorkspaceRoot:       cfg.WorkspaceRoot,
		MaxPerUser:          cfg.Instances.MaxPerUser,
		SilenceThreshold:    millis(cfg.Instances.SilenceThresholdMs),
		IdleTimeout:         seconds(cfg.Instances.IdleTimeoutS),
		SweepSchedule:       cfg.Instances.SweepSchedule,
		OutputBufferLines:   cfg.Instances.OutputBufferLines,
		WaitingContextLines: cfg.Instances.WaitingContextLines,
		RecordTTL:           recordTTL,
		StopGrace:           seconds(cfg.Instances.StopGraceS),
	}, providers, st, logger.With("component", "instances"))

	sched := scheduler.NewScheduler(scheduler.Config{
		QueueKey:        cfg.Queue.Key,
		PollTimeout:     millis(cfg.Queue.PollTimeoutMs),
		ReadyTimeout:    seconds(cfg.Queue.ReadyTimeoutS),
		TaskTimeout:     seconds(cfg.Queue.TaskTimeoutS),
		StoreBackoff:    seconds(cfg.Queue.StoreBackoffS),
		RecordTTL:       recordTTL,
		ResultChunks:    cfg.Queue.ResultChunks,
		DefaultProvider: cfg.Queue.DefaultProvider,
	}, st, instances, providers, logger.With("component", "scheduler"))

	broker := notify.NewBroker(notify.Config{
		ResponseTimeout: seconds(cfg.Notifications.ResponseTimeoutS),
		RecordTTL:       recordTTL,
	}, st, sched, logger.With("component", "notify"))

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		providers: providers,
		instances: instances,
		scheduler: sched,
		broker:    broker,
		sampler:   monitor.NewSampler(logger),
		journal:   journal,
		pids:      make(map[string]int),
	}

	o.unsubscribe = append(o.unsubscribe,
		instances.Subscribe(o.onInstanceEvent),
		sched.Subscribe(o.onTaskEvent),
		broker.Subscribe(o.onNotifyEvent),
	)

	return o, nil
}

func loadProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	providers, err := provider.NewRegistry(cfg.Providers...)
	if err != nil {
		return nil, err
	}
	if cfg.ProvidersFile == "" {
		return providers, nil
	}

	defs, err := provider.LoadFile(cfg.Resolve(cfg.ProvidersFile))
	if err != nil {
		return nil, err
	}
	added, err := providers.RegisterNew(defs)
	if err != nil {
		return nil, err
	}
	logger.Debug("providers file loaded", "path", cfg.ProvidersFile, "added", added)
	return providers, nil
}

// Run recovers orphaned tasks, then runs the task and control consumers,
// the idle sweeper and the providers-file watcher until ctx is done. On return every
// instance has been stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.scheduler.Recover(ctx); err != nil {
		o.logger.Warn("orphan recovery failed", "error", err)
	} else if n > 0 {
		o.logger.Info("failed orphaned tasks", "count", n)
	}

	if err := o.instances.StartSweeper(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return o.runControl(gctx)
	})
	if o.cfg.ProvidersFile != "" {
		g.Go(func() error {
			return o.providers.Watch(gctx, o.cfg.Resolve(o.cfg.ProvidersFile), o.logger)
		})
	}

	o.logger.Info("orchestrator running",
		"workspace", o.cfg.WorkspaceRoot,
		"store", o.cfg.Store.Backend,
		"providers", o.providers.Names())

	runErr := g.Wait()

	grace := seconds(o.cfg.Instances.StopGraceS) + shutdownSlack
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := o.instances.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("instance shutdown incomplete", "error", err)
	}
	o.scheduler.Wait()

	o.logger.Info("orchestrator stopped")
	return runErr
}

// Close releases the journal and the store. Call after Run has returned.
func (o *Orchestrator) Close() error {
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.scheduler.Close()
	o.broker.Close()

	var firstErr error
	if err := o.journal.Close(); err != nil {
		firstErr = err
	}
	if err := o.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Providers returns the provider registry
func (o *Orchestrator) Providers() *provider.Registry {
	return o.providers
}

// JournalPath returns the NDJSON journal location
func (o *Orchestrator) JournalPath() string {
	return workspace.JournalPath(o.cfg.WorkspaceRoot)
}

// QueueTask enqueues a command for userID. provider may be empty to use
// the configured default.
func (o *Orchestrator) QueueTask(ctx context.Context, userID, sessionID, command, providerName string, metadata map[string]string) (*protocol.Task, error) {
	return o.scheduler.QueueTask(ctx, userID, sessionID, command, providerName, metadata)
}

// GetTask returns a task with its message log
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	return o.scheduler.GetTask(ctx, taskID)
}

// GetUserTasks returns the user's newest tasks
func (o *Orchestrator) GetUserTasks(ctx context.Context, userID string, limit int) ([]*protocol.Task, error) {
	return o.scheduler.GetUserTasks(ctx, userID, limit)
}

// CancelTask fails a queued or processing task
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return o.scheduler.CancelTask(ctx, taskID)
}

// GetQueueStats reports queue depth and task counts
func (o *Orchestrator) GetQueueStats(ctx context.Context) (*scheduler.QueueStats, error) {
	return o.scheduler.GetQueueStats(ctx)
}

// CreateInstance starts an instance ahead of demand
func (o *Orchestrator) CreateInstance(ctx context.Context, userID, providerName string) (*protocol.Instance, error) {
	return o.instances.CreateInstance(ctx, userID, providerName)
}

// GetUserInstances lists the user's live instances
func (o *Orchestrator) GetUserInstances(userID string) []*protocol.Instance {
	return o.instances.ListByUser(userID)
}

// ListInstanceRecords lists persisted instance records, including those
// owned by another process sharing the store
func (o *Orchestrator) ListInstanceRecords(ctx context.Context, userID string) ([]*protocol.Instance, error) {
	return instance.LoadRecords(ctx, o.store, userID)
}

// StopInstance terminates an instance; unknown ids are a no-op
func (o *Orchestrator) StopInstance(ctx context.Context, instanceID string) error {
	return o.instances.StopInstance(ctx, instanceID)
}

// GetNotifications lists the user's notifications newest first
func (o *Orchestrator) GetNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*protocol.Notification, error) {
	return o.broker.GetUserNotifications(ctx, userID, unreadOnly, limit)
}

// GetNotification returns one of the user's notifications
func (o *Orchestrator) GetNotification(ctx context.Context, userID, notificationID string) (*protocol.Notification, error) {
	return o.broker.GetNotification(ctx, userID, notificationID)
}

// RespondToNotification answers an ai_waiting notification. The reply is
// only accepted while the instance is still busy on the notification's task.
func (o *Orchestrator) RespondToNotification(ctx context.Context, userID, notificationID, response string) (*protocol.UserResponse, error) {
	n, err := o.broker.GetNotification(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}

	if n.RequiresResponse && !n.Responded {
		inst, err := o.instances.Get(n.InstanceID)
		if err != nil || inst.Status != protocol.InstanceStatusBusy || inst.CurrentTaskID != n.TaskID {
			return nil, protocol.ValidationError("respondToNotification",
				"task %s is no longer waiting on instance %s", n.TaskID, n.InstanceID)
		}
	}

	return o.broker.HandleUserResponse(ctx, notificationID, userID, response)
}

// MarkAsRead flags a notification as read
func (o *Orchestrator) MarkAsRead(ctx context.Context, userID, notificationID string) error {
	return o.broker.MarkAsRead(ctx, userID, notificationID)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
