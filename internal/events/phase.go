package events

import "time"

// Event type constants for phase events.
const (
	TypePhaseStarted     = "phase_started"
	TypePhaseProgress    = "phase_progress"
	TypePhaseCompleted   = "phase_completed"
	TypePhaseFailed      = "phase_failed"
	TypeGateEvaluated    = "gate_evaluated"
	TypeApprovalRequired = "approval_required"
	TypeApprovalResolved = "approval_resolved"
)

// PhaseStartedEvent is emitted once the running execution row is committed.
type PhaseStartedEvent struct {
	BaseEvent
	Phase       string `json:"phase_id"`
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind"`
}

// NewPhaseStartedEvent creates a new phase started event.
func NewPhaseStartedEvent(workflowID, instanceID, phase, execID, kind string) PhaseStartedEvent {
	return PhaseStartedEvent{
		BaseEvent:   NewBaseEvent(TypePhaseStarted, workflowID, instanceID),
		Phase:       phase,
		ExecutionID: execID,
		Kind:        kind,
	}
}

// PhaseProgressEvent carries one progress chunk from a runner.
type PhaseProgressEvent struct {
	BaseEvent
	Phase       string  `json:"phase_id"`
	ExecutionID string  `json:"execution_id"`
	Attempt     int     `json:"attempt"`
	Text        string  `json:"text"`
	Percent     float64 `json:"percent,omitempty"`
}

// NewPhaseProgressEvent creates a new phase progress event.
func NewPhaseProgressEvent(workflowID, instanceID, phase, execID string, attempt int, text string, percent float64) PhaseProgressEvent {
	return PhaseProgressEvent{
		BaseEvent:   NewBaseEvent(TypePhaseProgress, workflowID, instanceID),
		Phase:       phase,
		ExecutionID: execID,
		Attempt:     attempt,
		Text:        text,
		Percent:     percent,
	}
}

// PhaseCompletedEvent is emitted when a phase execution commits successfully.
type PhaseCompletedEvent struct {
	BaseEvent
	Phase       string        `json:"phase_id"`
	ExecutionID string        `json:"execution_id"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Next        []string      `json:"next,omitempty"`
}

// NewPhaseCompletedEvent creates a new phase completed event.
func NewPhaseCompletedEvent(workflowID, instanceID, phase, execID string, attempts int, duration time.Duration, next []string) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		BaseEvent:   NewBaseEvent(TypePhaseCompleted, workflowID, instanceID),
		Phase:       phase,
		ExecutionID: execID,
		Attempts:    attempts,
		Duration:    duration,
		Next:        next,
	}
}

// PhaseFailedEvent is emitted when a phase execution fails for good.
type PhaseFailedEvent struct {
	BaseEvent
	Phase       string `json:"phase_id"`
	ExecutionID string `json:"execution_id"`
	Attempts    int    `json:"attempts"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error"`
}

// NewPhaseFailedEvent creates a new phase failed event.
func NewPhaseFailedEvent(workflowID, instanceID, phase, execID string, attempts int, code string, err error) PhaseFailedEvent {
	return PhaseFailedEvent{
		BaseEvent:   NewBaseEvent(TypePhaseFailed, workflowID, instanceID),
		Phase:       phase,
		ExecutionID: execID,
		Attempts:    attempts,
		Code:        code,
		Error:       errString(err),
	}
}

// GateEvaluatedEvent reports a quality gate verdict.
type GateEvaluatedEvent struct {
	BaseEvent
	Phase    string   `json:"phase_id"`
	Result   string   `json:"result"`
	Criteria string   `json:"criteria"`
	Score    *float64 `json:"score,omitempty"`
}

// NewGateEvaluatedEvent creates a new gate evaluated event.
func NewGateEvaluatedEvent(workflowID, instanceID, phase, result, criteria string, score *float64) GateEvaluatedEvent {
	return GateEvaluatedEvent{
		BaseEvent: NewBaseEvent(TypeGateEvaluated, workflowID, instanceID),
		Phase:     phase,
		Result:    result,
		Criteria:  criteria,
		Score:     score,
	}
}

// ApprovalRequiredEvent is emitted when a branch parks on a user-approval phase.
type ApprovalRequiredEvent struct {
	BaseEvent
	Phase       string `json:"phase_id"`
	ExecutionID string `json:"execution_id"`
	Reviews     string `json:"reviews,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// NewApprovalRequiredEvent creates a new approval required event.
func NewApprovalRequiredEvent(workflowID, instanceID, phase, execID, reviews, prompt string) ApprovalRequiredEvent {
	return ApprovalRequiredEvent{
		BaseEvent:   NewBaseEvent(TypeApprovalRequired, workflowID, instanceID),
		Phase:       phase,
		ExecutionID: execID,
		Reviews:     reviews,
		Prompt:      prompt,
	}
}

// ApprovalResolvedEvent is emitted after an approve or reject decision commits.
type ApprovalResolvedEvent struct {
	BaseEvent
	Phase    string `json:"phase_id"`
	Approved bool   `json:"approved"`
	Edited   bool   `json:"edited,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NewApprovalResolvedEvent creates a new approval resolved event.
func NewApprovalResolvedEvent(workflowID, instanceID, phase string, approved, edited bool, reason string) ApprovalResolvedEvent {
	return ApprovalResolvedEvent{
		BaseEvent: NewBaseEvent(TypeApprovalResolved, workflowID, instanceID),
		Phase:     phase,
		Approved:  approved,
		Edited:    edited,
		Reason:    reason,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
