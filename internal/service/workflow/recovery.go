package workflow

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// RecoveryResult reports what Recover did with one instance.
type RecoveryResult struct {
	InstanceID core.InstanceID     `json:"instance_id"`
	WorkflowID core.WorkflowID     `json:"workflow_id"`
	Status     core.InstanceStatus `json:"status"`
	Action     string              `json:"action"`
	Error      string              `json:"error,omitempty"`
}

// Recovery actions.
const (
	RecoveryResumed  = "resumed"
	RecoveryUnparked = "unparked"
	RecoveryFailed   = "failed"
)

// Resume re-drives an instance from its latest checkpoint. Activations that
// were running when the process stopped run again under their execution ids,
// so their rows are rewritten rather than duplicated. Resuming an instance
// that is already driven is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id core.InstanceID) (*core.Instance, error) {
	r, inst, _, err := o.target(ctx, id)
	if err != nil {
		return nil, err
	}

	cp, err := o.store.LatestCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.Seq != inst.CheckpointSeq {
		o.logger.WithInstance(string(id)).Warn("instance diverged from its checkpoint, restoring",
			"instance_seq", inst.CheckpointSeq, "checkpoint_seq", cp.Seq)
		state, err := core.DecodeCheckpointState(cp.Snapshot)
		if err != nil {
			return nil, err
		}
		inst, err = o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
			inst.Active = state.Active
			inst.Joins = state.Joins
			inst.Context = core.ExecutionContext{Writes: state.Context}
			return &mutation{phaseID: cp.PhaseID}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	o.logger.WithInstance(string(id)).Info("resuming instance",
		"status", inst.Status, "active", len(inst.Active), "checkpoint_seq", inst.CheckpointSeq)
	o.ensureDriving(r)
	return inst.Clone(), nil
}

// Recover resumes every instance left running by a previous process.
// Nested instances are resumed only when their parent is parked waiting on
// them; otherwise the parent re-runs the sub-workflow phase, which reuses the
// nested instance. Parked parents whose nested instance already finished are
// unparked.
func (o *Orchestrator) Recover(ctx context.Context) ([]RecoveryResult, error) {
	insts, err := o.store.ListInstances(ctx, core.InstanceFilter{
		Statuses: []core.InstanceStatus{core.InstanceStatusPending, core.InstanceStatusRunning, core.InstanceStatusPaused},
	})
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	var results []RecoveryResult
	for _, inst := range insts {
		if inst.Status == core.InstanceStatusPaused {
			results = append(results, o.unpark(ctx, inst)...)
			continue
		}
		if inst.ParentInstanceID != "" && !o.parkedOn(ctx, inst) {
			continue
		}

		res := RecoveryResult{InstanceID: inst.ID, WorkflowID: inst.WorkflowID, Status: inst.Status, Action: RecoveryResumed}
		if resumed, err := o.Resume(ctx, inst.ID); err != nil {
			res.Action = RecoveryFailed
			res.Error = err.Error()
			o.logger.WithInstance(string(inst.ID)).Error("recovering instance", "error", err)
		} else {
			res.Status = resumed.Status
		}
		results = append(results, res)
	}
	o.logger.Info("recovery complete", "instances", len(results))
	return results, nil
}

// parkedOn reports whether the parent of child is blocked waiting on it.
func (o *Orchestrator) parkedOn(ctx context.Context, child *core.Instance) bool {
	parent, err := o.store.GetInstance(ctx, child.ParentInstanceID)
	if err != nil || parent.Status.Terminal() {
		return false
	}
	for _, a := range parent.Active {
		if a.Blocked && a.WaitingOn == child.ID {
			return true
		}
	}
	return false
}

// unpark resolves the blocked sub-workflow activations of a paused instance
// whose nested instance finished without resuming it.
func (o *Orchestrator) unpark(ctx context.Context, inst *core.Instance) []RecoveryResult {
	var results []RecoveryResult
	for _, a := range inst.Active {
		if !a.Blocked || a.WaitingOn == "" {
			continue
		}
		child, err := o.store.GetInstance(ctx, a.WaitingOn)
		if err != nil || !child.Status.Terminal() {
			continue
		}
		o.resumeParent(ctx, child)
		results = append(results, RecoveryResult{
			InstanceID: inst.ID,
			WorkflowID: inst.WorkflowID,
			Status:     inst.Status,
			Action:     RecoveryUnparked,
		})
	}
	return results
}
