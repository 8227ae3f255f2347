package protocol

import "time"

// RecordKind identifies the subject of a journal record
type RecordKind string

const (
	RecordKindTask         RecordKind = "task"
	RecordKindInstance     RecordKind = "instance"
	RecordKindNotification RecordKind = "notification"
)

// Valid reports whether k is a known record kind
func (k RecordKind) Valid() bool {
	switch k {
	case RecordKindTask, RecordKindInstance, RecordKindNotification:
		return true
	}
	return false
}

// Journal event names
const (
	EventTaskQueued          = "task_queued"
	EventTaskStarted         = "task_started"
	EventTaskCompleted       = "task_completed"
	EventInstanceReady       = "instance_ready"
	EventInstanceWaiting     = "instance_waiting"
	EventInstanceError       = "instance_error"
	EventInstanceStopped     = "instance_stopped"
	EventNotificationCreated = "notification_created"
	EventResponseReceived    = "response_received"
	EventResponseTimeout     = "response_timeout"
)

// JournalRecord is one line of the NDJSON lifecycle journal
type JournalRecord struct {
	Kind           RecordKind `json:"kind"`
	Event          string     `json:"event"`
	UserID         string     `json:"user_id,omitempty"`
	TaskID         string     `json:"task_id,omitempty"`
	InstanceID     string     `json:"instance_id,omitempty"`
	NotificationID string     `json:"notification_id,omitempty"`
	Status         string     `json:"status,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}
