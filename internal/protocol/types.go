package protocol

import (
	"time"
)

// InstanceStatus represents the lifecycle state of a supervised agent process
type InstanceStatus string

const (
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusReady    InstanceStatus = "ready"
	InstanceStatusBusy     InstanceStatus = "busy"
	InstanceStatusError    InstanceStatus = "error"
	InstanceStatusStopped  InstanceStatus = "stopped"
)

// TaskStatus represents the state of a queued command
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transition can leave this status
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Channel identifies the output stream a message was read from
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
)

// NotificationType categorizes human-addressed notifications
type NotificationType string

const (
	NotificationAIWaiting    NotificationType = "ai_waiting"
	NotificationTaskComplete NotificationType = "task_complete"
	NotificationError        NotificationType = "error"
	NotificationInfo         NotificationType = "info"
)

// Instance is a point-in-time copy of a supervised agent process.
// The process handle itself never leaves the instance manager.
type Instance struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Provider       string         `json:"provider"`
	Status         InstanceStatus `json:"status"`
	PID            int            `json:"pid,omitempty"`
	WorkDir        string         `json:"work_dir,omitempty"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// Message is one chunk of process output
type Message struct {
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Channel    Channel   `json:"channel"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Task is one queued command and its execution record
type Task struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Provider    string            `json:"provider"`
	Command     string            `json:"command"`
	Status      TaskStatus        `json:"status"`
	InstanceID  string            `json:"instance_id,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   Kind              `json:"error_kind,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Messages != nil {
		c.Messages = make([]Message, len(t.Messages))
		copy(c.Messages, t.Messages)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Notification is a human-addressed record, optionally requiring a reply
type Notification struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	TaskID           string           `json:"task_id"`
	InstanceID       string           `json:"instance_id,omitempty"`
	Type             NotificationType `json:"type"`
	Title            string           `json:"title"`
	Message          string           `json:"message,omitempty"`
	Context          []string         `json:"context,omitempty"`
	RequiresResponse bool             `json:"requires_response"`
	ResponseOptions  []string         `json:"response_options,omitempty"`
	Read             bool             `json:"read"`
	Responded        bool             `json:"responded"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// Expired reports whether the response window has closed at the given time
func (n *Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// UserResponse links a human reply back to the waiting instance
type UserResponse struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	TaskID         string    `json:"task_id"`
	InstanceID     string    `json:"instance_id"`
	Response       string    `json:"response"`
	RespondedAt    time.Time `json:"responded_at"`
}
