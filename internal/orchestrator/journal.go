package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/iambrandonn/agentq/internal/instance"
	"github.com/iambrandonn/agentq/internal/notify"
	"github.com/iambrandonn/agentq/internal/protocol"
	"github.com/iambrandonn/agentq/internal/scheduler"
)

const handlerTimeout = 5 * time.Second

// onInstanceEvent turns silence into notifications and records lifecycle
// transitions. Output chunks are persisted by the scheduler, not journaled.
func (o *Orchestrator) onInstanceEvent(ev instance.Event) {
	switch e := ev.(type) {
	case instance.MessageEvent:
		return

	case instance.ReadyEvent:
		o.record(&protocol.JournalRecord{
			Kind:       protocol.RecordKindInstance,
			Event:      protocol.EventInstanceReady,
			UserID:     e.UserID,
			InstanceID: e.InstanceID,
			Detail:     "provider: " + e.Provider,
		})

	case instance.WaitingEvent:
		o.record(&protocol.JournalRecord{
			Kind:       protocol.RecordKindInstance,
			Event:      protocol.EventInstanceWaiting,
			UserID:     e.UserID,
			TaskID:     e.TaskID,
			InstanceID: e.InstanceID,
		})

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if _, err := o.broker.HandleWaiting(ctx, e); err != nil {
			o.logger.Error("failed to create waiting notification",
				"instance_id", e.InstanceID, "task_id", e.TaskID, "error", err)
		}

	case instance.ErrorEvent:
		o.record(&protocol.JournalRecord{
			Kind:       protocol.RecordKindInstance,
			Event:      protocol.EventInstanceError,
			UserID:     e.UserID,
			TaskID:     e.TaskID,
			InstanceID: e.InstanceID,
			Detail:     e.Content,
		})

	case instance.StoppedEvent:
		o.sampler.Forget(o.forgetPID(e.InstanceID))
		o.record(&protocol.JournalRecord{
			Kind:       protocol.RecordKindInstance,
			Event:      protocol.EventInstanceStopped,
			UserID:     e.UserID,
			TaskID:     e.TaskID,
			InstanceID: e.InstanceID,
			Detail:     fmt.Sprintf("exit code %d", e.ExitCode),
		})
	}
}

func (o *Orchestrator) onTaskEvent(ev scheduler.Event) {
	task := ev.Snapshot()
	rec := &protocol.JournalRecord{
		Kind:       protocol.RecordKindTask,
		UserID:     task.UserID,
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
		Status:     string(task.Status),
	}

	switch ev.(type) {
	case scheduler.TaskQueued:
		rec.Event = protocol.EventTaskQueued
		rec.Detail = "provider: " + task.Provider

	case scheduler.TaskStarted:
		rec.Event = protocol.EventTaskStarted

	case scheduler.TaskCompleted:
		rec.Event = protocol.EventTaskCompleted
		rec.Detail = task.Error

		if n := o.broker.CancelForTask(task.ID); n > 0 {
			o.logger.Debug("cancelled response timers", "task_id", task.ID, "count", n)
		}
		if o.cfg.Notifications.NotifyCompletion {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			_, err := o.broker.NotifyTaskCompleted(ctx, task)
			cancel()
			if err != nil {
				o.logger.Error("failed to create completion notification", "task_id", task.ID, "error", err)
			}
		}
	}

	o.record(rec)
}

func (o *Orchestrator) onNotifyEvent(ev notify.Event) {
	switch e := ev.(type) {
	case notify.NotificationCreated:
		n := e.Notification
		o.record(&protocol.JournalRecord{
			Kind:           protocol.RecordKindNotification,
			Event:          protocol.EventNotificationCreated,
			UserID:         n.UserID,
			TaskID:         n.TaskID,
			InstanceID:     n.InstanceID,
			NotificationID: n.ID,
			Status:         string(n.Type),
		})

	case notify.ResponseReceived:
		resp := e.Response
		if err := o.instances.SendResponse(resp.InstanceID, resp.Response); err != nil {
			o.logger.Error("failed to forward response",
				"notification_id", resp.NotificationID, "instance_id", resp.InstanceID, "error", err)
		}
		o.record(&protocol.JournalRecord{
			Kind:           protocol.RecordKindNotification,
			Event:          protocol.EventResponseReceived,
			UserID:         resp.UserID,
			TaskID:         resp.TaskID,
			InstanceID:     resp.InstanceID,
			NotificationID: resp.NotificationID,
		})

	case notify.ResponseTimeout:
		n := e.Notification
		o.logger.Warn("response window closed", "notification_id", n.ID, "task_id", n.TaskID, "error", e.Err)
		o.record(&protocol.JournalRecord{
			Kind:           protocol.RecordKindNotification,
			Event:          protocol.EventResponseTimeout,
			UserID:         n.UserID,
			TaskID:         n.TaskID,
			InstanceID:     n.InstanceID,
			NotificationID: n.ID,
			Detail:         e.Err.Error(),
		})
	}
}

func (o *Orchestrator) record(rec *protocol.JournalRecord) {
	if err := o.journal.Write(rec); err != nil {
		o.logger.Warn("journal write failed", "event", rec.Event, "error", err)
	}
}
