package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// childID derives the nested instance id from the parent execution, so a
// restarted phase finds the instance it created before.
func childID(execID core.ExecutionID) core.InstanceID {
	return core.InstanceID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(execID)).String())
}

// runChild creates or reuses the nested instance of a sub-workflow phase and
// drives it on the calling goroutine until it stops.
func (o *Orchestrator) runChild(r *instanceRun, inst *core.Instance, p *core.Phase, a core.Activation, snapshot map[string]interface{}) (core.InstanceID, error) {
	ctx := r.ctx
	id := childID(a.ExecID)

	child, err := o.store.GetInstance(ctx, id)
	switch {
	case err == nil:
		o.logger.WithInstance(string(inst.ID)).WithPhase(string(p.ID)).Info("reusing nested instance",
			"child_instance_id", id, "status", child.Status)
	case core.IsCode(err, core.CodeNotFound):
		workflowID, version := core.ParseWorkflowRef(p.SubWorkflow)
		def, err := o.store.GetDefinition(ctx, workflowID, version)
		if err != nil {
			return "", o.subWorkflowError(inst, p, id, fmt.Sprintf("loading %s: %v", p.SubWorkflow, err)).WithCause(err)
		}
		idx, err := o.indexFor(def)
		if err != nil {
			return "", o.subWorkflowError(inst, p, id, fmt.Sprintf("validating %s: %v", p.SubWorkflow, err)).WithCause(err)
		}
		if _, err := o.createInstance(ctx, def, idx, project(snapshot, p.Project), inst.ID, p.ID, id); err != nil {
			return "", err
		}
	default:
		return "", err
	}

	cr := o.runFor(id, r.ctx)
	o.driveInline(cr)
	if err := r.ctx.Err(); err != nil {
		return id, err
	}
	return id, nil
}

// project builds the input of a nested instance from the parent snapshot.
// Without paths the whole snapshot is copied.
func project(snapshot map[string]interface{}, paths []string) map[string]interface{} {
	if len(paths) == 0 {
		return core.CloneValue(snapshot).(map[string]interface{})
	}
	seed := make(map[string]interface{}, len(paths))
	for _, path := range paths {
		if v, ok := core.Lookup(snapshot, path); ok {
			core.SetPath(seed, path, core.CloneValue(v))
		}
	}
	return seed
}

// runContext is the parent context for the run of inst. Nested instances
// live under their parent's run so cancelling the parent stops them.
func (o *Orchestrator) runContext(inst *core.Instance) context.Context {
	if inst.ParentInstanceID == "" {
		return o.base
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if pr, ok := o.runs[inst.ParentInstanceID]; ok {
		return pr.ctx
	}
	return o.base
}
