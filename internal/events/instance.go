package events

import "time"

// Event type constants for instance events.
const (
	TypeInstanceStarted   = "instance_started"
	TypeInstancePaused    = "instance_paused"
	TypeInstanceResumed   = "instance_resumed"
	TypeInstanceCompleted = "instance_completed"
	TypeInstanceFailed    = "instance_failed"
	TypeInstanceCancelled = "instance_cancelled"
)

// InstanceStartedEvent is emitted after an instance is created.
type InstanceStartedEvent struct {
	BaseEvent
	Version string `json:"version"`
	Parent  string `json:"parent_instance_id,omitempty"`
}

// NewInstanceStartedEvent creates a new instance started event.
func NewInstanceStartedEvent(workflowID, instanceID, version, parent string) InstanceStartedEvent {
	return InstanceStartedEvent{
		BaseEvent: NewBaseEvent(TypeInstanceStarted, workflowID, instanceID),
		Version:   version,
		Parent:    parent,
	}
}

// InstancePausedEvent is emitted when only blocked branches remain.
type InstancePausedEvent struct {
	BaseEvent
	Waiting []string `json:"waiting"`
}

// NewInstancePausedEvent creates a new instance paused event.
func NewInstancePausedEvent(workflowID, instanceID string, waiting []string) InstancePausedEvent {
	return InstancePausedEvent{
		BaseEvent: NewBaseEvent(TypeInstancePaused, workflowID, instanceID),
		Waiting:   waiting,
	}
}

// InstanceResumedEvent is emitted when a paused or recovered instance runs again.
type InstanceResumedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NewInstanceResumedEvent creates a new instance resumed event.
func NewInstanceResumedEvent(workflowID, instanceID, reason string) InstanceResumedEvent {
	return InstanceResumedEvent{
		BaseEvent: NewBaseEvent(TypeInstanceResumed, workflowID, instanceID),
		Reason:    reason,
	}
}

// InstanceCompletedEvent is emitted once per instance on success.
type InstanceCompletedEvent struct {
	BaseEvent
	Duration time.Duration `json:"duration"`
}

// NewInstanceCompletedEvent creates a new instance completed event.
func NewInstanceCompletedEvent(workflowID, instanceID string, duration time.Duration) InstanceCompletedEvent {
	return InstanceCompletedEvent{
		BaseEvent: NewBaseEvent(TypeInstanceCompleted, workflowID, instanceID),
		Duration:  duration,
	}
}

// InstanceFailedEvent is emitted once per instance on failure.
type InstanceFailedEvent struct {
	BaseEvent
	Phase string `json:"phase_id,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// NewInstanceFailedEvent creates a new instance failed event.
func NewInstanceFailedEvent(workflowID, instanceID, phase, code string, err error) InstanceFailedEvent {
	return InstanceFailedEvent{
		BaseEvent: NewBaseEvent(TypeInstanceFailed, workflowID, instanceID),
		Phase:     phase,
		Code:      code,
		Error:     errString(err),
	}
}

// InstanceCancelledEvent is emitted when an instance is cancelled.
type InstanceCancelledEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// NewInstanceCancelledEvent creates a new instance cancelled event.
func NewInstanceCancelledEvent(workflowID, instanceID, reason string) InstanceCancelledEvent {
	return InstanceCancelledEvent{
		BaseEvent: NewBaseEvent(TypeInstanceCancelled, workflowID, instanceID),
		Reason:    reason,
	}
}

// IsTerminal reports whether the event type ends an instance.
func IsTerminal(eventType string) bool {
	switch eventType {
	case TypeInstanceCompleted, TypeInstanceFailed, TypeInstanceCancelled:
		return true
	}
	return false
}
