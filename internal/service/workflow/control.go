package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/graph"
)

// target loads an instance for a control operation.
func (o *Orchestrator) target(ctx context.Context, id core.InstanceID) (*instanceRun, *core.Instance, *graph.Index, error) {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if inst.Status.Terminal() {
		return nil, inst, nil, notControllable(inst)
	}
	idx, err := o.indexOf(ctx, inst)
	if err != nil {
		return nil, inst, nil, err
	}
	return o.runFor(inst.ID, o.runContext(inst)), inst, idx, nil
}

func notControllable(inst *core.Instance) error {
	return core.ErrState(core.CodeInvalidState,
		fmt.Sprintf("instance %s is %s", inst.ID, inst.Status))
}

// pendingApproval returns the blocked activation of a user-approval phase or
// of a work phase that requires approval.
func pendingApproval(inst *core.Instance, idx *graph.Index, phaseID core.PhaseID) (core.Activation, *core.Phase, error) {
	p, ok := idx.Phase(phaseID)
	if !ok {
		return core.Activation{}, nil, core.ErrNotFound("phase", string(phaseID))
	}
	a, ok := inst.BlockedOn(phaseID)
	if !ok || (p.Kind != core.PhaseKindUserApproval && !p.Approval) || a.WaitingOn != "" {
		return core.Activation{}, nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("phase %s of instance %s is not awaiting approval", phaseID, inst.ID))
	}
	return a, p, nil
}

// Approve resolves a pending approval. A non-nil edited output replaces the
// stored output of the reviewed phase before the branch continues.
func (o *Orchestrator) Approve(ctx context.Context, id core.InstanceID, phaseID core.PhaseID, edited map[string]interface{}) error {
	r, _, idx, err := o.target(ctx, id)
	if err != nil {
		return err
	}

	applied := false
	inst, err := o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
		a, p, err := pendingApproval(inst, idx, phaseID)
		if err != nil {
			return nil, err
		}
		applied = true
		m := &mutation{phaseID: phaseID}

		reviews := reviewedPhase(p, a)
		if edited != nil && reviews != "" && reviews != p.ID {
			inst.Context.Append(phaseID, string(reviews), core.CloneValue(edited))
		}
		decision := map[string]interface{}{"approved": true, "edited": edited != nil}
		if edited != nil && reviews == p.ID {
			decision["output"] = edited
		}
		exec := resolvedApproval(inst, a, p, recordDecision(inst, p, decision))
		m.emit(events.NewApprovalResolvedEvent(string(inst.WorkflowID), string(inst.ID), string(phaseID), true, edited != nil, ""))

		env := routeEnv(inst, nil)
		outgoing := idx.Outgoing(phaseID)
		edges := make([]core.Edge, 0, len(outgoing))
		for _, e := range outgoing {
			switch strings.ToLower(e.Label) {
			case core.LabelReject:
				continue
			case core.LabelApprove:
				if e.Condition == "" || evalEdge(e, env) {
					edges = append(edges, e)
				}
			default:
				if follows(e, env) {
					edges = append(edges, e)
				}
			}
		}
		if len(edges) == 0 && len(outgoing) > 0 {
			o.failPhase(inst, m, exec, core.ErrExecution(core.CodeDeadEnd,
				fmt.Sprintf("no outgoing edge of %s follows an approval", phaseID)))
			return m, nil
		}
		return m, o.advanceEdges(inst, idx, m, a, p, exec, edges)
	})
	if err != nil {
		return err
	}
	if !applied {
		return notControllable(inst)
	}

	o.logger.WithInstance(string(id)).WithPhase(string(phaseID)).Info("approval granted", "edited", edited != nil)
	o.ensureDriving(r)
	return nil
}

// Reject resolves a pending approval negatively. The branch follows its
// reject edges; without any the instance fails with the reason.
func (o *Orchestrator) Reject(ctx context.Context, id core.InstanceID, phaseID core.PhaseID, reason string) error {
	r, _, idx, err := o.target(ctx, id)
	if err != nil {
		return err
	}

	applied := false
	inst, err := o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
		a, p, err := pendingApproval(inst, idx, phaseID)
		if err != nil {
			return nil, err
		}
		applied = true
		m := &mutation{phaseID: phaseID}

		decision := map[string]interface{}{"approved": false, "reason": reason}
		exec := resolvedApproval(inst, a, p, recordDecision(inst, p, decision))
		m.emit(events.NewApprovalResolvedEvent(string(inst.WorkflowID), string(inst.ID), string(phaseID), false, false, reason))

		env := routeEnv(inst, nil)
		var edges []core.Edge
		for _, e := range idx.Outgoing(phaseID) {
			if strings.EqualFold(e.Label, core.LabelReject) && (e.Condition == "" || evalEdge(e, env)) {
				edges = append(edges, e)
			}
		}
		if len(edges) == 0 {
			msg := fmt.Sprintf("approval %s rejected", phaseID)
			if reason != "" {
				msg += ": " + reason
			}
			o.failPhase(inst, m, exec, core.ErrExecution(core.CodeApprovalRejected, msg))
			return m, nil
		}
		return m, o.advanceEdges(inst, idx, m, a, p, exec, edges)
	})
	if err != nil {
		return err
	}
	if !applied {
		return notControllable(inst)
	}

	o.logger.WithInstance(string(id)).WithPhase(string(phaseID)).Info("approval rejected", "reason", reason)
	o.ensureDriving(r)
	return nil
}

// recordDecision writes an approval decision to the context and returns the
// stored value. A user-approval phase stores the decision itself; a work phase
// keeps its output, replaced by an edited one if given, under "approval".
func recordDecision(inst *core.Instance, p *core.Phase, decision map[string]interface{}) map[string]interface{} {
	if p.Kind == core.PhaseKindUserApproval {
		inst.Context.Append(p.ID, string(p.ID), decision)
		return decision
	}
	output, _ := inst.Context.Snapshot()[string(p.ID)].(map[string]interface{})
	if edited, ok := decision["output"].(map[string]interface{}); ok {
		output = core.CloneValue(edited).(map[string]interface{})
		delete(decision, "output")
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	output["approval"] = decision
	inst.Context.Append(p.ID, string(p.ID), output)
	return output
}

func resolvedApproval(inst *core.Instance, a core.Activation, p *core.Phase, decision map[string]interface{}) *core.PhaseExecution {
	now := time.Now().UTC()
	return &core.PhaseExecution{
		ID:          a.ExecID,
		InstanceID:  inst.ID,
		PhaseID:     p.ID,
		Kind:        p.Kind,
		Status:      core.ExecutionStatusComplete,
		Attempts:    1,
		CompletedAt: &now,
		Output:      decision,
	}
}

// Cancel moves a non-terminal instance to cancelled. In-flight invocations
// are cancelled and nested instances follow.
func (o *Orchestrator) Cancel(ctx context.Context, id core.InstanceID, reason string) error {
	r, _, _, err := o.target(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	applied := false
	inst, err := o.commit(ctx, r, func(inst *core.Instance) (*mutation, error) {
		applied = true
		m := &mutation{}
		o.terminate(inst, m, core.InstanceStatusCancelled, reason)
		m.emit(events.NewInstanceCancelledEvent(string(inst.WorkflowID), string(inst.ID), reason))
		return m, nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return notControllable(inst)
	}

	o.logger.WithInstance(string(id)).Info("instance cancelled", "reason", reason)
	r.cancel()
	// The driver observes the terminal status and cascades to nested instances.
	o.ensureDriving(r)
	return nil
}

// SendInput forwards text to the interactive invocations running for an instance.
func (o *Orchestrator) SendInput(ctx context.Context, id core.InstanceID, text string) error {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return notControllable(inst)
	}

	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r == nil {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("instance %s has no running phase", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("instance %s has no running phase", id))
	}
	delivered := 0
	for _, h := range r.handles {
		select {
		case h.input <- text:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return core.ErrState(core.CodeInvalidState, fmt.Sprintf("input buffer of instance %s is full", id))
	}
	return nil
}
