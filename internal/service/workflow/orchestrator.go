// Package workflow drives workflow instances through their phase graphs.
//
// An Orchestrator owns every write to instance state. Each instance is driven
// in waves: the runnable activations are started together, their phase
// runners execute concurrently, and the results are committed one transition
// at a time in active-set order. Approvals and nested instances park their
// branch as a blocked activation instead of holding a goroutine.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/condition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxParallel bounds concurrent phase executions per wave. Zero means unlimited.
	MaxParallel int
	// RunnerTimeout caps one runner invocation. Zero disables it.
	RunnerTimeout time.Duration
	// LivenessTimeout fails an invocation that reports no progress for this long.
	// Zero disables the watchdog.
	LivenessTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:     4,
		RunnerTimeout:   30 * time.Minute,
		LivenessTimeout: 5 * time.Minute,
	}
}

// OrchestratorDeps holds the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Store   core.StateStore
	Runner  core.PhaseRunner
	Emitter *events.Emitter
	Retry   *service.RetryPolicy
	Limits  *service.RateLimiterRegistry
	Metrics *service.MetricsCollector
	Logger  *logging.Logger
	Config  Config
}

// StartOptions configures a new instance.
type StartOptions struct {
	// Version pins the definition version. Empty selects the latest.
	Version string
	// Input seeds the execution context under the "input" key.
	Input map[string]interface{}
}

// Orchestrator is the execution state machine.
type Orchestrator struct {
	store   core.StateStore
	runner  core.PhaseRunner
	emitter *events.Emitter
	retry   *service.RetryPolicy
	limits  *service.RateLimiterRegistry
	metrics *service.MetricsCollector
	logger  *logging.Logger
	config  Config

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[core.InstanceID]*instanceRun
	indexes map[string]*graph.Index
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("phase runner is required")
	}
	if deps.Retry == nil {
		deps.Retry = service.DefaultRetryPolicy()
	}
	if deps.Metrics == nil {
		deps.Metrics = service.NewMetricsCollector()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Config.MaxParallel < 0 {
		deps.Config.MaxParallel = DefaultConfig().MaxParallel
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   deps.Store,
		runner:  deps.Runner,
		emitter: deps.Emitter,
		retry:   deps.Retry,
		limits:  deps.Limits,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		config:  deps.Config,
		base:    base,
		cancel:  cancel,
		runs:    make(map[core.InstanceID]*instanceRun),
		indexes: make(map[string]*graph.Index),
	}, nil
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *service.MetricsCollector {
	return o.metrics
}

// Close stops every driver and waits for them to exit. Running instances stay
// running in the store and can be picked up again with Recover.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Start validates the definition, creates an instance and drives it in the
// background. ctx bounds only the creation; the instance outlives it.
func (o *Orchestrator) Start(ctx context.Context, workflowID core.WorkflowID, opts StartOptions) (*core.Instance, error) {
	def, err := o.store.GetDefinition(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, err
	}
	idx, err := o.indexFor(def)
	if err != nil {
		return nil, err
	}

	inst, err := o.createInstance(ctx, def, idx, opts.Input, "", "", core.InstanceID(uuid.NewString()))
	if err != nil {
		return nil, err
	}

	r := o.runFor(inst.ID, o.base)
	o.ensureDriving(r)
	return inst.Clone(), nil
}

// createInstance persists a pending instance whose active set is the start set.
func (o *Orchestrator) createInstance(
	ctx context.Context,
	def *core.WorkflowDefinition,
	idx *graph.Index,
	input map[string]interface{},
	parentID core.InstanceID,
	parentPhase core.PhaseID,
	id core.InstanceID,
) (*core.Instance, error) {
	now := time.Now().UTC()
	inst := &core.Instance{
		ID:               id,
		WorkflowID:       def.ID,
		Version:          def.Version,
		Status:           core.InstanceStatusPending,
		ParentInstanceID: parentID,
		ParentPhaseID:    parentPhase,
		CheckpointSeq:    1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, p := range idx.StartPhases() {
		inst.Active = append(inst.Active, core.Activation{
			ExecID:  core.ExecutionID(uuid.NewString()),
			PhaseID: p,
		})
	}
	if input != nil {
		inst.Context.Append("", "input", input)
	}

	cp, err := newCheckpoint(inst, "", 1)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateInstance(ctx, inst, cp); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	o.logger.WithInstance(string(inst.ID)).Info("instance created",
		"workflow_id", def.ID,
		"version", def.Version,
		"parent_instance_id", parentID,
		"start_phases", len(inst.Active),
	)
	o.metrics.RecordInstance(core.InstanceStatusRunning)
	o.emitter.Emit(events.NewInstanceStartedEvent(string(def.ID), string(inst.ID), def.Version, string(parentID)))
	return inst, nil
}

// Wait blocks until the instance is no longer being driven, that is until it
// is terminal or paused, and returns its stored state.
func (o *Orchestrator) Wait(ctx context.Context, id core.InstanceID) (*core.Instance, error) {
	for {
		o.mu.Lock()
		r := o.runs[id]
		o.mu.Unlock()
		if r == nil {
			return o.store.GetInstance(ctx, id)
		}

		r.mu.Lock()
		driving, idle := r.driving, r.idle
		r.mu.Unlock()
		if !driving {
			return o.store.GetInstance(ctx, id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle:
		}
	}
}

// indexFor validates def once per reference and caches its index.
func (o *Orchestrator) indexFor(def *core.WorkflowDefinition) (*graph.Index, error) {
	ref := def.Ref()
	o.mu.Lock()
	idx, ok := o.indexes[ref]
	o.mu.Unlock()
	if ok {
		return idx, nil
	}

	idx, err := graph.Build(def, graph.WithExpressionCheck(condition.Check))
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.indexes[ref] = idx
	o.mu.Unlock()
	return idx, nil
}

// indexOf loads the locked definition of an instance.
func (o *Orchestrator) indexOf(ctx context.Context, inst *core.Instance) (*graph.Index, error) {
	o.mu.Lock()
	idx, ok := o.indexes[fmt.Sprintf("%s@%s", inst.WorkflowID, inst.Version)]
	o.mu.Unlock()
	if ok {
		return idx, nil
	}
	def, err := o.store.GetDefinition(ctx, inst.WorkflowID, inst.Version)
	if err != nil {
		return nil, err
	}
	return o.indexFor(def)
}

func newCheckpoint(inst *core.Instance, phaseID core.PhaseID, seq int64) (*core.Checkpoint, error) {
	snapshot, err := core.NewCheckpointState(inst).Encode()
	if err != nil {
		return nil, err
	}
	return &core.Checkpoint{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		PhaseID:    phaseID,
		Seq:        seq,
		Snapshot:   snapshot,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
