package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
)

// instanceRun is the in-memory side of one instance: the lock serializing its
// commits, the driver flag, and the handles of its in-flight invocations.
type instanceRun struct {
	id     core.InstanceID
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	driving bool
	idle    chan struct{} // closed when the driver stops
	handles map[core.ExecutionID]*handle
}

// handle is a pollable, cancellable in-flight runner invocation.
type handle struct {
	phaseID core.PhaseID
	cancel  context.CancelCauseFunc
	input   chan string
	started time.Time
}

const inputBuffer = 16

// runFor returns the run of an instance, creating it under parent.
func (o *Orchestrator) runFor(id core.InstanceID, parent context.Context) *instanceRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		return r
	}
	ctx, cancel := context.WithCancel(parent)
	idle := make(chan struct{})
	close(idle)
	r := &instanceRun{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
		handles: make(map[core.ExecutionID]*handle),
	}
	o.runs[id] = r
	return r
}

// forget drops the run of a terminal instance.
func (o *Orchestrator) forget(r *instanceRun) {
	o.mu.Lock()
	if o.runs[r.id] == r {
		delete(o.runs, r.id)
	}
	o.mu.Unlock()
	r.cancel()
}

// claim marks r as driven. It returns false when a driver is already active.
func (r *instanceRun) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.driving {
		return false
	}
	r.driving = true
	r.idle = make(chan struct{})
	return true
}

// ensureDriving starts a background driver unless one is active.
func (o *Orchestrator) ensureDriving(r *instanceRun) {
	if !r.claim() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(r)
	}()
}

// release stops driving when nothing is runnable. It re-reads the instance
// under the commit lock so a concurrent approval cannot be lost. A terminal
// instance stays claimed until stop is called after its terminal hooks ran.
func (o *Orchestrator) release(r *instanceRun) (*core.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := o.store.GetInstance(context.Background(), r.id)
	if err == nil && inst.Status.Terminal() {
		return inst, true
	}
	if err == nil && r.ctx.Err() == nil && len(inst.Runnable()) > 0 {
		return inst, false
	}
	r.stopLocked()
	if err != nil {
		o.logger.WithInstance(string(r.id)).Error("reading instance", "error", err)
		return nil, true
	}
	return inst, true
}

// stop ends the claim and wakes waiters.
func (r *instanceRun) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *instanceRun) stopLocked() {
	if !r.driving {
		return
	}
	r.driving = false
	close(r.idle)
}

func (r *instanceRun) addHandle(execID core.ExecutionID, phaseID core.PhaseID, cancel context.CancelCauseFunc) *handle {
	h := &handle{
		phaseID: phaseID,
		cancel:  cancel,
		input:   make(chan string, inputBuffer),
		started: time.Now(),
	}
	r.mu.Lock()
	r.handles[execID] = h
	r.mu.Unlock()
	return h
}

func (r *instanceRun) removeHandle(execID core.ExecutionID) {
	r.mu.Lock()
	delete(r.handles, execID)
	r.mu.Unlock()
}

// InFlight describes a running invocation.
type InFlight struct {
	ExecutionID core.ExecutionID `json:"execution_id"`
	PhaseID     core.PhaseID     `json:"phase_id"`
	StartedAt   time.Time        `json:"started_at"`
}

// InFlight lists the runner invocations currently executing for an instance.
func (o *Orchestrator) InFlight(id core.InstanceID) []InFlight {
	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InFlight, 0, len(r.handles))
	for execID, h := range r.handles {
		out = append(out, InFlight{ExecutionID: execID, PhaseID: h.phaseID, StartedAt: h.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// mutation is the result of applying a change to a freshly read instance.
type mutation struct {
	phaseID    core.PhaseID
	executions []*core.PhaseExecution
	gate       *core.QualityGateResult
	events     []events.Event
	after      []func()
}

func (m *mutation) emit(ev events.Event) {
	m.events = append(m.events, ev)
}

func (m *mutation) execution(e *core.PhaseExecution) {
	for i, existing := range m.executions {
		if existing.ID == e.ID {
			m.executions[i] = e
			return
		}
	}
	m.executions = append(m.executions, e)
}

// mutateFunc computes a mutation against inst, changing it in place.
// A nil mutation means nothing to commit.
type mutateFunc func(inst *core.Instance) (*mutation, error)

// commit applies fn to the current instance and commits the transition.
// A concurrency conflict is retried once after re-reading; a second conflict
// fails the instance. Terminal instances are returned untouched.
func (o *Orchestrator) commit(ctx context.Context, r *instanceRun, fn mutateFunc) (*core.Instance, error) {
	inst, m, err := o.commitLocked(ctx, r, fn)
	if err == nil && m != nil {
		for _, after := range m.after {
			after()
		}
	}
	return inst, err
}

func (o *Orchestrator) commitLocked(ctx context.Context, r *instanceRun, fn mutateFunc) (*core.Instance, *mutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 1; ; attempt++ {
		inst, err := o.store.GetInstance(ctx, r.id)
		if err != nil {
			return nil, nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil, nil
		}
		wasPaused := inst.Status == core.InstanceStatusPaused

		m, err := fn(inst)
		if err != nil {
			return inst, nil, err
		}
		if m == nil {
			return inst, nil, nil
		}
		o.settle(inst, m, wasPaused)
		inst.UpdatedAt = time.Now().UTC()

		cp, err := newCheckpoint(inst, m.phaseID, inst.CheckpointSeq+1)
		if err != nil {
			return inst, nil, err
		}
		err = o.store.CommitTransition(ctx, &core.Transition{
			Instance:   inst,
			Executions: m.executions,
			GateResult: m.gate,
			Checkpoint: cp,
		})
		if core.IsCode(err, core.CodeConcurrencyConflict) && attempt == 1 {
			o.logger.WithInstance(string(r.id)).Warn("concurrent modification, re-reading instance", "error", err)
			continue
		}
		if core.IsCode(err, core.CodeConcurrencyConflict) {
			o.failDiverged(ctx, r.id, err)
			return inst, nil, err
		}
		if err != nil {
			return inst, nil, err
		}

		for _, ev := range m.events {
			o.emitter.Emit(ev)
		}
		if inst.Status.Terminal() {
			o.metrics.RecordInstance(inst.Status)
		}
		return inst, m, nil
	}
}

// failDiverged marks an instance failed after repeated conflicting writes.
// The caller holds the run lock.
func (o *Orchestrator) failDiverged(ctx context.Context, id core.InstanceID, cause error) {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil || inst.Status.Terminal() {
		return
	}
	m := &mutation{}
	o.terminate(inst, m, core.InstanceStatusFailed, cause.Error())
	m.emit(events.NewInstanceFailedEvent(string(inst.WorkflowID), string(inst.ID), "", core.CodeConcurrencyConflict, cause))
	cp, err := newCheckpoint(inst, "", inst.CheckpointSeq+1)
	if err != nil {
		return
	}
	if err := o.store.CommitTransition(ctx, &core.Transition{Instance: inst, Executions: m.executions, Checkpoint: cp}); err != nil {
		o.logger.WithInstance(string(id)).Error("failing diverged instance", "error", err)
		return
	}
	for _, ev := range m.events {
		o.emitter.Emit(ev)
	}
	o.metrics.RecordInstance(core.InstanceStatusFailed)
}
