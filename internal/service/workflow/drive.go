package workflow

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
)

// outcome is what executing one activation produced. Outcomes are computed
// concurrently and applied sequentially.
type outcome struct {
	act      core.Activation
	phase    *core.Phase
	result   *core.RunResult
	err      error
	attempts int
	started  time.Time
	finished time.Time
	child    core.InstanceID
}

// drive runs waves until nothing is runnable, then releases the instance.
// The caller must have claimed r.
func (o *Orchestrator) drive(r *instanceRun) {
	logger := o.logger.WithInstance(string(r.id))
	for {
		if r.ctx.Err() == nil {
			more, err := o.wave(r)
			if err != nil {
				logger.Error("driving instance", "error", err)
			} else if more {
				continue
			}
		}
		inst, done := o.release(r)
		if !done {
			continue
		}
		if inst != nil && inst.Status.Terminal() {
			o.finished(inst)
			o.forget(r)
			r.stop()
		}
		return
	}
}

// driveInline claims and drives r on the calling goroutine.
func (o *Orchestrator) driveInline(r *instanceRun) {
	if !r.claim() {
		return
	}
	o.drive(r)
}

// finished runs once an instance reaches a terminal status.
func (o *Orchestrator) finished(inst *core.Instance) {
	ctx := context.Background()
	if inst.Status != core.InstanceStatusComplete {
		o.cancelChildren(ctx, inst.ID, "parent "+string(inst.Status))
	}
	if inst.ParentInstanceID != "" {
		o.resumeParent(ctx, inst)
	}
}

// wave executes the runnable activations of an instance once.
// It reports whether anything ran.
func (o *Orchestrator) wave(r *instanceRun) (bool, error) {
	ctx := r.ctx
	current, err := o.store.GetInstance(ctx, r.id)
	if err != nil {
		return false, err
	}
	if current.Status.Terminal() || len(current.Runnable()) == 0 {
		return false, nil
	}
	idx, err := o.indexOf(ctx, current)
	if err != nil {
		o.failInstance(ctx, r, "", err)
		return false, err
	}

	var acts []core.Activation
	inst, err := o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
		acts = inst.Runnable()
		if len(acts) == 0 {
			return nil, nil
		}
		m := &mutation{}
		now := time.Now().UTC()
		if inst.Status == core.InstanceStatusPending {
			inst.Status = core.InstanceStatusRunning
		}
		for _, a := range acts {
			p, _ := idx.Phase(a.PhaseID)
			m.execution(&core.PhaseExecution{
				ID:         a.ExecID,
				InstanceID: inst.ID,
				PhaseID:    a.PhaseID,
				Kind:       p.Kind,
				Status:     core.ExecutionStatusRunning,
				StartedAt:  &now,
			})
			m.emit(events.NewPhaseStartedEvent(string(inst.WorkflowID), string(inst.ID), string(a.PhaseID), string(a.ExecID), string(p.Kind)))
		}
		return m, nil
	})
	if err != nil {
		return false, err
	}
	if inst.Status.Terminal() || len(acts) == 0 {
		return false, nil
	}

	snapshot := inst.Context.Snapshot()
	outcomes := make([]outcome, len(acts))
	var g errgroup.Group
	if o.config.MaxParallel > 0 {
		g.SetLimit(o.config.MaxParallel)
	}
	for i, a := range acts {
		p, _ := idx.Phase(a.PhaseID)
		g.Go(func() error {
			outcomes[i] = o.execute(r, inst, p, a, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		out := outcomes[i]
		if out.err != nil && r.ctx.Err() != nil {
			// Cancelled or shutting down. The activation stays for Resume.
			continue
		}
		inst, err = o.commit(context.Background(), r, func(inst *core.Instance) (*mutation, error) {
			return o.apply(inst, idx, out)
		})
		if err != nil {
			return false, err
		}
		if inst.Status.Terminal() {
			r.cancel()
			break
		}
	}
	return true, nil
}

// execute performs the work of one activation. It never mutates instance state.
func (o *Orchestrator) execute(r *instanceRun, inst *core.Instance, p *core.Phase, a core.Activation, snapshot map[string]interface{}) outcome {
	out := outcome{act: a, phase: p, started: time.Now().UTC()}

	switch p.Kind {
	case core.PhaseKindPlanning, core.PhaseKindWriting, core.PhaseKindGate:
		out.result, out.attempts, out.err = o.invoke(r, inst, p, a, snapshot)
	case core.PhaseKindSubWorkflow:
		out.child, out.err = o.runChild(r, inst, p, a, snapshot)
		out.attempts = 1
	case core.PhaseKindLoop, core.PhaseKindUserApproval, core.PhaseKindParallelSplit, core.PhaseKindParallelJoin:
		// Control phases are resolved when applied.
	}
	out.finished = time.Now().UTC()
	return out
}

// failInstance fails an instance outside of phase routing.
func (o *Orchestrator) failInstance(ctx context.Context, r *instanceRun, phaseID core.PhaseID, cause error) {
	_, err := o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
		m := &mutation{phaseID: phaseID}
		o.fail(inst, m, phaseID, cause)
		return m, nil
	})
	if err != nil {
		o.logger.WithInstance(string(r.id)).Error("failing instance", "error", err)
	}
	r.cancel()
}

// resumeParent completes the parent phase blocked on a finished nested instance.
func (o *Orchestrator) resumeParent(ctx context.Context, child *core.Instance) {
	parent, err := o.store.GetInstance(ctx, child.ParentInstanceID)
	if err != nil {
		o.logger.WithInstance(string(child.ID)).Error("loading parent instance", "error", err)
		return
	}
	pr := o.runFor(parent.ID, o.runContext(parent))
	idx, err := o.indexOf(ctx, parent)
	if err != nil {
		o.logger.WithInstance(string(parent.ID)).Error("loading parent definition", "error", err)
		return
	}

	_, err = o.commit(ctx, pr, func(inst *core.Instance) (*mutation, error) {
		for _, a := range inst.Active {
			if !a.Blocked || a.WaitingOn != child.ID {
				continue
			}
			p, _ := idx.Phase(a.PhaseID)
			now := time.Now().UTC()
			return o.apply(inst, idx, outcome{act: a, phase: p, child: child.ID, attempts: 1, started: now, finished: now})
		}
		return nil, nil
	})
	if err != nil {
		o.logger.WithInstance(string(parent.ID)).Error("resuming parent instance", "error", err)
	}
	// A driver either continues the parent or, when it is terminal now,
	// runs its terminal hooks.
	o.ensureDriving(pr)
}

// cancelChildren cancels the non-terminal nested instances of id.
func (o *Orchestrator) cancelChildren(ctx context.Context, id core.InstanceID, reason string) {
	children, err := o.store.ListInstances(ctx, core.InstanceFilter{Parent: id})
	if err != nil {
		o.logger.WithInstance(string(id)).Warn("listing nested instances", "error", err)
		return
	}
	for _, c := range children {
		if c.Status.Terminal() {
			continue
		}
		if err := o.Cancel(ctx, c.ID, reason); err != nil && !core.IsCode(err, core.CodeInvalidState) {
			o.logger.WithInstance(string(c.ID)).Warn("cancelling nested instance", "error", err)
		}
	}
}
