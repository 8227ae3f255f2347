package notify

import "github.com/iambrandonn/agentq/internal/protocol"

// Event is emitted by the Broker: NotificationCreated, ResponseReceived or
// ResponseTimeout.
type Event interface {
	isEvent()
}

// NotificationCreated fires after a notification is persisted
type NotificationCreated struct {
	Notification *protocol.Notification
}

// ResponseReceived fires once per answered notification. The consumer
// forwards Response.Response to Response.InstanceID.
type ResponseReceived struct {
	Notification *protocol.Notification
	Response     *protocol.UserResponse
}

// ResponseTimeout fires when a notification expires unanswered. The task
// is left processing.
type ResponseTimeout struct {
	Notification *protocol.Notification
	Err          error
}

func (NotificationCreated) isEvent() {}
func (ResponseReceived) isEvent()    {}
func (ResponseTimeout) isEvent()     {}
