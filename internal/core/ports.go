package core

import (
	"context"
	"time"
)

// =============================================================================
// Phase Runner Port
// =============================================================================

// RunRequest is what the engine hands to a phase runner.
type RunRequest struct {
	InstanceID InstanceID
	PhaseID    PhaseID
	Kind       PhaseKind
	Spec       RunnerSpec
	// Context is a read-only snapshot of the execution context.
	Context map[string]interface{}
	Attempt int
	// Input carries text sent to the instance while this phase runs.
	// Interactive runners read from it; others may ignore it.
	Input <-chan string
}

// Progress is one chunk of progress reported by a runner.
type Progress struct {
	Text    string    `json:"text"`
	Percent float64   `json:"percent,omitempty"`
	At      time.Time `json:"at"`
}

// ProgressFunc receives progress chunks while a runner works.
type ProgressFunc func(Progress)

// RunResult is the final output of a runner invocation.
type RunResult struct {
	// Output is the structured result. Gate phases must always set it.
	Output map[string]interface{}
	// Text is free-form output kept alongside the structured result.
	Text string
}

// PhaseRunner performs the actual work of a phase.
// Failures should be reported with ErrRunner so the retryable flag is explicit;
// any other error is treated as non-retryable.
type PhaseRunner interface {
	Run(ctx context.Context, req RunRequest, progress ProgressFunc) (*RunResult, error)
}

// PhaseRunnerFunc adapts a function to PhaseRunner.
type PhaseRunnerFunc func(ctx context.Context, req RunRequest, progress ProgressFunc) (*RunResult, error)

// Run implements PhaseRunner.
func (f PhaseRunnerFunc) Run(ctx context.Context, req RunRequest, progress ProgressFunc) (*RunResult, error) {
	return f(ctx, req, progress)
}

// =============================================================================
// State Store Port
// =============================================================================

// DefinitionSummary is a lightweight listing entry for a stored definition.
type DefinitionSummary struct {
	ID        WorkflowID `json:"id"`
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Phases    int        `json:"phases"`
	Locked    bool       `json:"locked"`
	CreatedAt time.Time  `json:"created_at"`
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	WorkflowID WorkflowID
	Statuses   []InstanceStatus
	Parent     InstanceID
	// TopLevel excludes nested instances.
	TopLevel bool
	Limit    int
}

// Transition is one atomic state change of an instance.
// Instance.Revision must hold the revision the change was computed from.
type Transition struct {
	Instance   *Instance
	Executions []*PhaseExecution
	GateResult *QualityGateResult
	Checkpoint *Checkpoint
}

// StateStore owns every runtime entity. The orchestrator is its only writer.
type StateStore interface {
	// SaveDefinition stores a definition version. It fails with VERSION_LOCKED
	// when the version exists with different content and an instance holds a lock on it.
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error
	// GetDefinition loads a definition. An empty version selects the latest one.
	GetDefinition(ctx context.Context, id WorkflowID, version string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]DefinitionSummary, error)

	// CreateInstance persists a new instance, acquires its version lock and
	// writes the initial checkpoint in one transaction.
	CreateInstance(ctx context.Context, inst *Instance, cp *Checkpoint) error
	// LockVersion pins workflowID@version for instanceID. It is idempotent per instance.
	LockVersion(ctx context.Context, workflowID WorkflowID, version string, instanceID InstanceID) (*VersionLock, error)
	ActiveLocks(ctx context.Context, workflowID WorkflowID, version string) ([]*VersionLock, error)

	GetInstance(ctx context.Context, id InstanceID) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// CommitTransition writes executions, gate result, instance state and checkpoint
	// atomically. Replaying an applied transition is a no-op. A stale revision
	// fails with CONCURRENCY_CONFLICT.
	CommitTransition(ctx context.Context, t *Transition) error

	GetPhaseExecution(ctx context.Context, id ExecutionID) (*PhaseExecution, error)
	ListPhaseExecutions(ctx context.Context, id InstanceID) ([]*PhaseExecution, error)
	ListGateResults(ctx context.Context, id InstanceID) ([]*QualityGateResult, error)
	ListCheckpoints(ctx context.Context, id InstanceID) ([]*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, id InstanceID) (*Checkpoint, error)

	Close() error
}
