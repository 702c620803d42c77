package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// InstanceID identifies one run of a workflow definition.
type InstanceID string

// ExecutionID identifies one phase execution row.
type ExecutionID string

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusComplete  InstanceStatus = "complete"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusComplete || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	switch s {
	case InstanceStatusPending:
		return next == InstanceStatusRunning || next == InstanceStatusCancelled || next == InstanceStatusFailed
	case InstanceStatusRunning:
		return next == InstanceStatusPaused || next == InstanceStatusComplete ||
			next == InstanceStatusFailed || next == InstanceStatusCancelled || next == InstanceStatusRunning
	case InstanceStatusPaused:
		return next == InstanceStatusRunning || next == InstanceStatusCancelled
	default:
		return false
	}
}

// ExecutionStatus is the state of one phase execution.
type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "pending"
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusComplete ExecutionStatus = "complete"
	ExecutionStatusFailed   ExecutionStatus = "failed"
	ExecutionStatusBlocked  ExecutionStatus = "blocked"
	ExecutionStatusSkipped  ExecutionStatus = "skipped"
)

// GateVerdict is the outcome of a quality gate.
type GateVerdict string

const (
	GatePass    GateVerdict = "pass"
	GateFail    GateVerdict = "fail"
	GatePending GateVerdict = "pending"
)

// Activation is one entry of an instance's active phase set.
type Activation struct {
	ExecID  ExecutionID `json:"exec_id"`
	PhaseID PhaseID     `json:"phase_id"`
	From    PhaseID     `json:"from,omitempty"`
	// Blocked activations wait for an approval or a nested instance.
	Blocked   bool       `json:"blocked,omitempty"`
	WaitingOn InstanceID `json:"waiting_on,omitempty"`
}

// JoinState tracks the branches that reached a parallel-join in the current generation.
type JoinState struct {
	Generation int         `json:"generation"`
	Arrived    []PhaseID   `json:"arrived"`
	ExecID     ExecutionID `json:"exec_id"`
}

// HasArrived reports whether the predecessor already reached the join this generation.
func (j *JoinState) HasArrived(from PhaseID) bool {
	for _, p := range j.Arrived {
		if p == from {
			return true
		}
	}
	return false
}

// Instance is one execution run of a workflow definition.
type Instance struct {
	ID               InstanceID             `json:"id"`
	WorkflowID       WorkflowID             `json:"workflow_id"`
	Version          string                 `json:"version"`
	Status           InstanceStatus         `json:"status"`
	Active           []Activation           `json:"active"`
	Joins            map[PhaseID]*JoinState `json:"joins,omitempty"`
	Context          ExecutionContext       `json:"context"`
	ParentInstanceID InstanceID             `json:"parent_instance_id,omitempty"`
	ParentPhaseID    PhaseID                `json:"parent_phase_id,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Revision         int64                  `json:"revision"`
	CheckpointSeq    int64                  `json:"checkpoint_seq"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// ActiveIDs returns the phase ids of the active set in order.
func (i *Instance) ActiveIDs() []PhaseID {
	ids := make([]PhaseID, 0, len(i.Active))
	for _, a := range i.Active {
		ids = append(ids, a.PhaseID)
	}
	return ids
}

// Runnable returns the activations that are not blocked.
func (i *Instance) Runnable() []Activation {
	out := make([]Activation, 0, len(i.Active))
	for _, a := range i.Active {
		if !a.Blocked {
			out = append(out, a)
		}
	}
	return out
}

// Activation returns the active entry with the given execution id.
func (i *Instance) Activation(id ExecutionID) (Activation, bool) {
	for _, a := range i.Active {
		if a.ExecID == id {
			return a, true
		}
	}
	return Activation{}, false
}

// BlockedOn returns the blocked activation for the phase, if any.
func (i *Instance) BlockedOn(phaseID PhaseID) (Activation, bool) {
	for _, a := range i.Active {
		if a.PhaseID == phaseID && a.Blocked {
			return a, true
		}
	}
	return Activation{}, false
}

// Clone returns a deep copy of the instance suitable for speculative mutation.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Active = append([]Activation(nil), i.Active...)
	if i.Joins != nil {
		c.Joins = make(map[PhaseID]*JoinState, len(i.Joins))
		for k, v := range i.Joins {
			js := *v
			js.Arrived = append([]PhaseID(nil), v.Arrived...)
			c.Joins[k] = &js
		}
	}
	c.Context = i.Context.Clone()
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// PhaseExecution is one attempt-resolved run of a phase. Loops produce one row per iteration.
type PhaseExecution struct {
	ID              ExecutionID            `json:"id"`
	InstanceID      InstanceID             `json:"instance_id"`
	PhaseID         PhaseID                `json:"phase_id"`
	Kind            PhaseKind              `json:"kind"`
	Status          ExecutionStatus        `json:"status"`
	Attempts        int                    `json:"attempts"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ChildInstanceID InstanceID             `json:"child_instance_id,omitempty"`
}

// QualityGateResult records one gate evaluation.
type QualityGateResult struct {
	ID          string                 `json:"id"`
	InstanceID  InstanceID             `json:"instance_id"`
	PhaseID     PhaseID                `json:"phase_id"`
	ExecutionID ExecutionID            `json:"execution_id"`
	GateKind    string                 `json:"gate_kind"`
	Criteria    string                 `json:"criteria"`
	Result      GateVerdict            `json:"result"`
	Score       *float64               `json:"score,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Checkpoint is a durable snapshot taken after a transition.
type Checkpoint struct {
	ID         string     `json:"id"`
	InstanceID InstanceID `json:"instance_id"`
	PhaseID    PhaseID    `json:"phase_id,omitempty"`
	Seq        int64      `json:"seq"`
	Snapshot   []byte     `json:"snapshot"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CheckpointState is the decoded form of Checkpoint.Snapshot.
type CheckpointState struct {
	Status  InstanceStatus         `json:"status"`
	Context []ContextWrite         `json:"context"`
	Active  []Activation           `json:"active"`
	Joins   map[PhaseID]*JoinState `json:"joins,omitempty"`
}

// NewCheckpointState captures the resumable part of an instance.
func NewCheckpointState(inst *Instance) CheckpointState {
	c := inst.Clone()
	return CheckpointState{
		Status:  c.Status,
		Context: c.Context.Writes,
		Active:  c.Active,
		Joins:   c.Joins,
	}
}

// Encode serializes the checkpoint state.
func (s CheckpointState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint state: %w", err)
	}
	return data, nil
}

// DecodeCheckpointState parses a checkpoint snapshot.
func DecodeCheckpointState(data []byte) (*CheckpointState, error) {
	var s CheckpointState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint state: %w", err)
	}
	return &s, nil
}

// VersionLock pins a definition version while an instance depends on it.
type VersionLock struct {
	ID         string     `json:"id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	Version    string     `json:"version"`
	InstanceID InstanceID `json:"instance_id"`
	Active     bool       `json:"active"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}
