package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

// ControlOp names a request a client process hands to the serving process
type ControlOp string

const (
	ControlRespond      ControlOp = "respond"
	ControlCancel       ControlOp = "cancel"
	ControlStopInstance ControlOp = "stop_instance"
)

// ControlRequest is queued by clients that do not own the live instances.
// The serving process pops it and applies it with the local operation.
type ControlRequest struct {
	Op             ControlOp `json:"op"`
	UserID         string    `json:"user_id,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
	Response       string    `json:"response,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	InstanceID     string    `json:"instance_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (r *ControlRequest) validate() error {
	switch r.Op {
	case ControlRespond:
		if r.UserID == "" || r.NotificationID == "" {
			return protocol.ValidationError("submitControl", "respond requires user and notification ids")
		}
	case ControlCancel:
		if r.TaskID == "" {
			return protocol.ValidationError("submitControl", "cancel requires a task id")
		}
	case ControlStopInstance:
		if r.InstanceID == "" {
			return protocol.ValidationError("submitControl", "stop_instance requires an instance id")
		}
	default:
		return protocol.ValidationError("submitControl", "unknown control op %q", r.Op)
	}
	return nil
}

func (o *Orchestrator) controlKey() string {
	return o.cfg.Queue.Key + ":control"
}

// SubmitControl queues req for the serving process
func (o *Orchestrator) SubmitControl(ctx context.Context, req *ControlRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	req.SubmittedAt = time.Now().UTC()
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode control request: %w", err)
	}
	return o.store.Push(ctx, o.controlKey(), data)
}

// runControl applies control requests until ctx is done
func (o *Orchestrator) runControl(ctx context.Context) error {
	poll := millis(o.cfg.Queue.PollTimeoutMs)
	backoff := seconds(o.cfg.Queue.StoreBackoffS)

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := o.store.BlockingPop(ctx, o.controlKey(), poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("control queue unavailable", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		if data == nil {
			continue
		}

		var req ControlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			o.logger.Warn("dropping malformed control request", "error", err)
			continue
		}
		if err := o.applyControl(ctx, &req); err != nil {
			o.logger.Warn("control request rejected", "op", req.Op, "error", err)
		}
	}
}

func (o *Orchestrator) applyControl(ctx context.Context, req *ControlRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	switch req.Op {
	case ControlRespond:
		_, err := o.RespondToNotification(ctx, req.UserID, req.NotificationID, req.Response)
		return err
	case ControlCancel:
		ok, err := o.CancelTask(ctx, req.TaskID)
		if err == nil && ok {
			o.logger.Info("task cancelled by client", "task_id", req.TaskID)
		}
		return err
	default:
		return o.StopInstance(ctx, req.InstanceID)
	}
}
