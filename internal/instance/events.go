package instance

import (
	"time"

	"github.com/iambrandonn/agentq/internal/protocol"
)

// Event is emitted by the Manager. Concrete types: ReadyEvent, MessageEvent,
// WaitingEvent, ErrorEvent, StoppedEvent.
type Event interface {
	Instance() string
	isEvent()
}

// ReadyEvent fires once when an instance leaves starting
type ReadyEvent struct {
	InstanceID string
	UserID     string
	Provider   string
	At         time.Time
}

// MessageEvent carries one output chunk
type MessageEvent struct {
	Message protocol.Message
}

// WaitingEvent fires when a busy instance has been silent for the
// threshold. Lines holds the most recent buffered output.
type WaitingEvent struct {
	InstanceID string
	UserID     string
	TaskID     string
	Lines      []string
	At         time.Time
}

// ErrorEvent fires when stderr matches a provider error pattern
type ErrorEvent struct {
	InstanceID string
	UserID     string
	TaskID     string
	Content    string
	At         time.Time
}

// StoppedEvent fires after the process has exited and been deregistered
type StoppedEvent struct {
	InstanceID string
	UserID     string
	TaskID     string // task the instance was serving, if any
	ExitCode   int
	At         time.Time
}

func (e ReadyEvent) Instance() string   { return e.InstanceID }
func (e MessageEvent) Instance() string { return e.Message.InstanceID }
func (e WaitingEvent) Instance() string { return e.InstanceID }
func (e ErrorEvent) Instance() string   { return e.InstanceID }
func (e StoppedEvent) Instance() string { return e.InstanceID }

func (ReadyEvent) isEvent()   {}
func (MessageEvent) isEvent() {}
func (WaitingEvent) isEvent() {}
func (ErrorEvent) isEvent()   {}
func (StoppedEvent) isEvent() {}
