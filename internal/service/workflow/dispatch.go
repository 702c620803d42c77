package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/condition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/graph"
)

// apply folds one outcome into inst. It is called under the commit lock on a
// freshly read instance and must be safe to repeat after a conflict.
func (o *Orchestrator) apply(inst *core.Instance, idx *graph.Index, out outcome) (*mutation, error) {
	a, ok := inst.Activation(out.act.ExecID)
	if !ok {
		return nil, nil
	}
	p := out.phase
	m := &mutation{phaseID: p.ID}
	exec := &core.PhaseExecution{
		ID:          a.ExecID,
		InstanceID:  inst.ID,
		PhaseID:     p.ID,
		Kind:        p.Kind,
		Status:      core.ExecutionStatusComplete,
		Attempts:    out.attempts,
		StartedAt:   timePtr(out.started),
		CompletedAt: timePtr(out.finished),
	}

	if out.err != nil {
		o.failPhase(inst, m, exec, out.err)
		return m, nil
	}

	var err error
	switch p.Kind {
	case core.PhaseKindPlanning, core.PhaseKindWriting:
		err = o.applyWork(inst, idx, m, a, p, exec, out.result)
	case core.PhaseKindGate:
		err = o.applyGate(inst, idx, m, a, p, exec, out.result)
	case core.PhaseKindLoop:
		err = o.applyLoop(inst, idx, m, a, p, exec)
	case core.PhaseKindUserApproval:
		o.block(inst, m, a, exec, "")
		m.emit(events.NewApprovalRequiredEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID),
			string(a.ExecID), string(reviewedPhase(p, a)), p.Name))
		return m, nil
	case core.PhaseKindSubWorkflow:
		return o.applySubWorkflow(inst, idx, m, a, p, exec, out.child)
	case core.PhaseKindParallelSplit, core.PhaseKindParallelJoin:
		err = o.advance(inst, idx, m, a, p, exec, routeEnv(inst, nil), nil)
	}
	if err != nil {
		o.failPhase(inst, m, exec, err)
	}
	return m, nil
}

func (o *Orchestrator) applyWork(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution, res *core.RunResult) error {
	output := outputOf(res)
	exec.Output = output
	inst.Context.Append(p.ID, string(p.ID), output)
	if p.Approval {
		o.block(inst, m, a, exec, "")
		m.emit(events.NewApprovalRequiredEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID),
			string(a.ExecID), string(reviewedPhase(p, a)), p.Name))
		return nil
	}
	return o.advance(inst, idx, m, a, p, exec, routeEnv(inst, nil), nil)
}

// reviewedPhase is the phase whose output an approval of p may replace. A
// work phase reviews itself unless Reviews says otherwise.
func reviewedPhase(p *core.Phase, a core.Activation) core.PhaseID {
	switch {
	case p.Reviews != "":
		return p.Reviews
	case p.Kind == core.PhaseKindUserApproval:
		return a.From
	default:
		return p.ID
	}
}

func (o *Orchestrator) applyGate(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution, res *core.RunResult) error {
	if res == nil || res.Output == nil {
		return core.ErrValidation(core.CodeUntypedGateOutput,
			fmt.Sprintf("gate %s received no structured output", p.ID))
	}
	expr, err := condition.Compile(p.Condition)
	if err != nil {
		return err
	}

	env := routeEnv(inst, res.Output)
	verdict := core.GateFail
	if expr.Eval(env) {
		verdict = core.GatePass
	}
	env["result"] = string(verdict)

	var score *float64
	if v, ok := condition.Number(res.Output["score"]); ok {
		score = &v
	}

	stored := core.CloneValue(res.Output).(map[string]interface{})
	stored["result"] = string(verdict)
	if score != nil {
		stored["score"] = *score
	}
	exec.Output = stored
	inst.Context.Append(p.ID, string(p.ID), stored)

	gateKind := p.GateKind
	if gateKind == "" {
		gateKind = "condition"
	}
	m.gate = &core.QualityGateResult{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		PhaseID:     p.ID,
		ExecutionID: a.ExecID,
		GateKind:    gateKind,
		Criteria:    p.Condition,
		Result:      verdict,
		Score:       score,
		Detail:      core.CloneValue(res.Output).(map[string]interface{}),
		CreatedAt:   time.Now().UTC(),
	}
	o.metrics.RecordGate(verdict)
	m.emit(events.NewGateEvaluatedEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID),
		string(verdict), p.Condition, score))

	o.logger.WithInstance(string(inst.ID)).WithPhase(string(p.ID)).Info("gate evaluated",
		"result", verdict, "criteria", p.Condition)

	edges := make([]core.Edge, 0)
	for _, e := range idx.Outgoing(p.ID) {
		label := strings.ToLower(e.Label)
		switch {
		case label == core.LabelPass || label == core.LabelFail:
			if label != string(verdict) {
				continue
			}
			if e.Condition != "" && !evalEdge(e, env) {
				continue
			}
			edges = append(edges, e)
		case e.Kind == core.EdgeKindConditional:
			if evalEdge(e, env) {
				edges = append(edges, e)
			}
		default:
			if verdict == core.GatePass {
				edges = append(edges, e)
			}
		}
	}
	if len(edges) == 0 && len(idx.Outgoing(p.ID)) > 0 {
		return core.ErrExecution(core.CodeUnhandledGateFailure,
			fmt.Sprintf("gate %s returned %s and no edge handles it", p.ID, verdict))
	}
	return o.advance(inst, idx, m, a, p, exec, env, edges)
}

func (o *Orchestrator) applyLoop(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution) error {
	snapshot := inst.Context.Snapshot()
	iteration := loopIteration(snapshot, p.ID)

	env := routeEnv(inst, nil)
	env["iteration"] = iteration

	var (
		label string
		state map[string]interface{}
	)
	switch {
	case p.Condition != "" && evalCondition(p.Condition, env):
		label = core.LabelExit
		state = map[string]interface{}{"iteration": iteration, "done": true}
	case iteration < p.MaxIterations:
		label = core.LabelBody
		state = map[string]interface{}{"iteration": iteration + 1}
	default:
		label = core.LabelExhausted
		state = map[string]interface{}{"iteration": iteration, "done": true, "exhausted": true}
	}
	exec.Output = state
	inst.Context.Append(p.ID, string(p.ID), state)

	var edges []core.Edge
	for _, e := range idx.Outgoing(p.ID) {
		switch {
		case strings.EqualFold(e.Label, label):
			edges = append(edges, e)
		case label == core.LabelExit && e.Label == "" && e.Kind != core.EdgeKindLoopBack && follows(e, env):
			// Unlabelled forward edges leave the loop too.
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 && label == core.LabelExhausted {
		return core.ErrExecution(core.CodeLoopExhausted,
			fmt.Sprintf("loop %s reached %d iterations without meeting its exit condition", p.ID, p.MaxIterations))
	}
	return o.advanceEdges(inst, idx, m, a, p, exec, edges)
}

func (o *Orchestrator) applySubWorkflow(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution, childID core.InstanceID) (*mutation, error) {
	exec.ChildInstanceID = childID
	child, err := o.store.GetInstance(context.Background(), childID)
	if err != nil {
		o.failPhase(inst, m, exec, o.subWorkflowError(inst, p, childID, err.Error()).WithCause(err))
		return m, nil
	}

	switch child.Status {
	case core.InstanceStatusComplete:
		output := child.Context.Snapshot()
		delete(output, "input")
		exec.Output = output
		inst.Context.Append(p.ID, string(p.ID), output)
		if err := o.advance(inst, idx, m, a, p, exec, routeEnv(inst, nil), nil); err != nil {
			o.failPhase(inst, m, exec, err)
		}
	case core.InstanceStatusFailed, core.InstanceStatusCancelled:
		o.failPhase(inst, m, exec, o.subWorkflowError(inst, p, childID,
			fmt.Sprintf("nested instance %s %s: %s", childID, child.Status, child.Error)))
	default:
		if a.Blocked && a.WaitingOn == childID {
			return nil, nil
		}
		o.block(inst, m, a, exec, childID)
	}
	return m, nil
}

func (o *Orchestrator) subWorkflowError(inst *core.Instance, p *core.Phase, childID core.InstanceID, msg string) *core.DomainError {
	return core.ErrExecution(core.CodeSubWorkflowFailed, msg).
		WithDetail("parent_instance_id", string(inst.ID)).
		WithDetail("parent_phase_id", string(p.ID)).
		WithDetail("child_instance_id", string(childID))
}

// advance completes exec and follows the given edges, or the generically
// routed ones when edges is nil.
func (o *Orchestrator) advance(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution, env map[string]interface{}, edges []core.Edge) error {
	if edges == nil {
		outgoing := idx.Outgoing(p.ID)
		edges = make([]core.Edge, 0, len(outgoing))
		for _, e := range outgoing {
			if follows(e, env) {
				edges = append(edges, e)
			}
		}
		if len(edges) == 0 && len(outgoing) > 0 {
			return core.ErrExecution(core.CodeDeadEnd,
				fmt.Sprintf("no outgoing edge of %s matched", p.ID))
		}
	}
	return o.advanceEdges(inst, idx, m, a, p, exec, edges)
}

func (o *Orchestrator) advanceEdges(inst *core.Instance, idx *graph.Index, m *mutation, a core.Activation, p *core.Phase, exec *core.PhaseExecution, edges []core.Edge) error {
	removeActivation(inst, a.ExecID)
	next := make([]string, 0, len(edges))
	for _, e := range edges {
		o.activate(inst, idx, m, p.ID, e.Target)
		next = append(next, string(e.Target))
	}
	exec.Status = core.ExecutionStatusComplete
	m.execution(exec)
	o.metrics.RecordPhase(p.Kind, false)
	m.emit(events.NewPhaseCompletedEvent(string(inst.WorkflowID), string(inst.ID), string(p.ID), string(exec.ID),
		exec.Attempts, durationOf(exec), next))
	return nil
}

// activate adds target to the active set. Parallel joins record an arrival
// instead and activate once every predecessor of this generation arrived.
func (o *Orchestrator) activate(inst *core.Instance, idx *graph.Index, m *mutation, from, target core.PhaseID) {
	tp, _ := idx.Phase(target)
	if tp.Kind != core.PhaseKindParallelJoin {
		inst.Active = append(inst.Active, core.Activation{
			ExecID:  core.ExecutionID(uuid.NewString()),
			PhaseID: target,
			From:    from,
		})
		return
	}

	if inst.Joins == nil {
		inst.Joins = make(map[core.PhaseID]*core.JoinState)
	}
	js, ok := inst.Joins[target]
	if !ok {
		js = &core.JoinState{Generation: 1}
		inst.Joins[target] = js
	}
	if js.ExecID == "" {
		js.ExecID = core.ExecutionID(uuid.NewString())
	}
	if !js.HasArrived(from) {
		js.Arrived = append(js.Arrived, from)
	}

	need := idx.JoinPredecessors(target)
	if len(js.Arrived) < need {
		m.execution(&core.PhaseExecution{
			ID:         js.ExecID,
			InstanceID: inst.ID,
			PhaseID:    target,
			Kind:       tp.Kind,
			Status:     core.ExecutionStatusBlocked,
		})
		return
	}

	inst.Active = append(inst.Active, core.Activation{ExecID: js.ExecID, PhaseID: target, From: from})
	js.Generation++
	js.Arrived = nil
	js.ExecID = ""
}

// block parks an activation until an approval or a nested instance resolves it.
func (o *Orchestrator) block(inst *core.Instance, m *mutation, a core.Activation, exec *core.PhaseExecution, waitingOn core.InstanceID) {
	for i := range inst.Active {
		if inst.Active[i].ExecID == a.ExecID {
			inst.Active[i].Blocked = true
			inst.Active[i].WaitingOn = waitingOn
		}
	}
	exec.Status = core.ExecutionStatusBlocked
	exec.CompletedAt = nil
	m.execution(exec)
}

// failPhase marks exec failed and fails the instance.
func (o *Orchestrator) failPhase(inst *core.Instance, m *mutation, exec *core.PhaseExecution, cause error) {
	exec.Status = core.ExecutionStatusFailed
	exec.Error = cause.Error()
	exec.Output = nil
	m.execution(exec)
	o.metrics.RecordPhase(exec.Kind, true)
	m.emit(events.NewPhaseFailedEvent(string(inst.WorkflowID), string(inst.ID), string(exec.PhaseID), string(exec.ID),
		exec.Attempts, errorCode(cause), cause))
	o.logger.WithInstance(string(inst.ID)).WithPhase(string(exec.PhaseID)).Error("phase failed",
		"error", cause, "attempts", exec.Attempts)
	o.fail(inst, m, exec.PhaseID, cause)
}

// fail moves inst to failed.
func (o *Orchestrator) fail(inst *core.Instance, m *mutation, phaseID core.PhaseID, cause error) {
	o.terminate(inst, m, core.InstanceStatusFailed, cause.Error())
	m.emit(events.NewInstanceFailedEvent(string(inst.WorkflowID), string(inst.ID), string(phaseID), errorCode(cause), cause))
}

// terminate ends inst. Remaining activations are recorded as skipped.
func (o *Orchestrator) terminate(inst *core.Instance, m *mutation, status core.InstanceStatus, msg string) {
	now := time.Now().UTC()
	for _, a := range inst.Active {
		if pending(m, a.ExecID) {
			continue
		}
		m.execution(&core.PhaseExecution{
			ID:          a.ExecID,
			InstanceID:  inst.ID,
			PhaseID:     a.PhaseID,
			Kind:        o.kindOf(inst, a.PhaseID),
			Status:      core.ExecutionStatusSkipped,
			CompletedAt: &now,
			Error:       msg,
		})
	}
	inst.Active = nil
	inst.Status = status
	inst.Error = msg
	inst.CompletedAt = &now
}

// settle derives the instance status from its active set after a mutation.
func (o *Orchestrator) settle(inst *core.Instance, m *mutation, wasPaused bool) {
	if inst.Status.Terminal() {
		return
	}
	if len(inst.Active) == 0 {
		if starved := starvedJoins(inst); len(starved) > 0 {
			o.fail(inst, m, starved[0], core.ErrExecution(core.CodeDeadEnd,
				fmt.Sprintf("parallel join %s can never complete", starved[0])))
			return
		}
		now := time.Now().UTC()
		inst.Status = core.InstanceStatusComplete
		inst.CompletedAt = &now
		m.emit(events.NewInstanceCompletedEvent(string(inst.WorkflowID), string(inst.ID), now.Sub(inst.CreatedAt)))
		o.logger.WithInstance(string(inst.ID)).Info("instance complete")
		return
	}

	if len(inst.Runnable()) == 0 {
		if inst.Status != core.InstanceStatusPaused {
			inst.Status = core.InstanceStatusPaused
			waiting := make([]string, 0, len(inst.Active))
			for _, a := range inst.Active {
				waiting = append(waiting, string(a.PhaseID))
			}
			m.emit(events.NewInstancePausedEvent(string(inst.WorkflowID), string(inst.ID), waiting))
		}
		return
	}

	inst.Status = core.InstanceStatusRunning
	if wasPaused {
		m.emit(events.NewInstanceResumedEvent(string(inst.WorkflowID), string(inst.ID), "unblocked"))
	}
}

// kindOf resolves a phase kind from the cached index of inst.
func (o *Orchestrator) kindOf(inst *core.Instance, id core.PhaseID) core.PhaseKind {
	o.mu.Lock()
	idx := o.indexes[fmt.Sprintf("%s@%s", inst.WorkflowID, inst.Version)]
	o.mu.Unlock()
	if idx == nil {
		return ""
	}
	if p, ok := idx.Phase(id); ok {
		return p.Kind
	}
	return ""
}

func starvedJoins(inst *core.Instance) []core.PhaseID {
	var out []core.PhaseID
	for id, js := range inst.Joins {
		if len(js.Arrived) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// follows applies the generic routing rule to one edge.
func follows(e core.Edge, env map[string]interface{}) bool {
	switch e.Kind {
	case core.EdgeKindConditional:
		return evalEdge(e, env)
	case core.EdgeKindLoopBack:
		return e.Condition == "" || evalEdge(e, env)
	default:
		return true
	}
}

func evalEdge(e core.Edge, env map[string]interface{}) bool {
	return evalCondition(e.Condition, env)
}

// evalCondition evaluates a validated expression. An empty one is true.
func evalCondition(expr string, env map[string]interface{}) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	ok, err := condition.Evaluate(expr, env)
	return err == nil && ok
}

// routeEnv is the context snapshot with extra top-level fields.
func routeEnv(inst *core.Instance, extra map[string]interface{}) map[string]interface{} {
	env := inst.Context.Snapshot()
	for k, v := range extra {
		env[k] = core.CloneValue(v)
	}
	return env
}

// loopIteration reads the counter of a loop. A finished loop starts over.
func loopIteration(snapshot map[string]interface{}, id core.PhaseID) int {
	state, ok := snapshot[string(id)].(map[string]interface{})
	if !ok || state["done"] == true {
		return 0
	}
	n, _ := condition.Number(state["iteration"])
	return int(n)
}

func outputOf(res *core.RunResult) map[string]interface{} {
	if res == nil {
		return map[string]interface{}{}
	}
	if res.Output == nil {
		return map[string]interface{}{"text": res.Text}
	}
	out := core.CloneValue(res.Output).(map[string]interface{})
	if res.Text != "" {
		if _, exists := out["text"]; !exists {
			out["text"] = res.Text
		}
	}
	return out
}

func removeActivation(inst *core.Instance, id core.ExecutionID) {
	kept := inst.Active[:0]
	for _, a := range inst.Active {
		if a.ExecID != id {
			kept = append(kept, a)
		}
	}
	inst.Active = kept
}

func pending(m *mutation, id core.ExecutionID) bool {
	for _, e := range m.executions {
		if e.ID == id {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		return domErr.Code
	}
	return "INTERNAL"
}

func durationOf(e *core.PhaseExecution) time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
