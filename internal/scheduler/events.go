package scheduler

import "github.com/iambrandonn/agentq/internal/protocol"

// Event is a task lifecycle event: TaskQueued, TaskStarted or TaskCompleted.
// Each carries a copy of the task.
type Event interface {
	Snapshot() *protocol.Task
}

// TaskQueued fires after a task is durably enqueued
type TaskQueued struct{ Task *protocol.Task }

// TaskStarted fires when the consumer loop admits a task into processing
type TaskStarted struct{ Task *protocol.Task }

// TaskCompleted fires once per task when it reaches a terminal status
type TaskCompleted struct{ Task *protocol.Task }

func (e TaskQueued) Snapshot() *protocol.Task    { return e.Task }
func (e TaskStarted) Snapshot() *protocol.Task   { return e.Task }
func (e TaskCompleted) Snapshot() *protocol.Task { return e.Task }
