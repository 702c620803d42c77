// Package graph validates workflow definitions and indexes them for execution.
// Phases and edges live in flat tables addressed by position; loop-back edges
// are ordinary edges distinguished only by their kind.
package graph

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// ExpressionCheck reports whether a condition expression is well formed.
type ExpressionCheck func(expr string) error

// Option configures validation.
type Option func(*options)

type options struct {
	checkExpr ExpressionCheck
}

// WithExpressionCheck validates every phase and edge condition with check.
func WithExpressionCheck(check ExpressionCheck) Option {
	return func(o *options) {
		o.checkExpr = check
	}
}

// Index is a validated, read-only view of a definition.
type Index struct {
	def       *core.WorkflowDefinition
	pos       map[core.PhaseID]int
	out       [][]int // phase position -> edge positions, definition order
	in        [][]int // phase position -> incoming edge positions
	joinPreds map[core.PhaseID]int
	starts    []core.PhaseID
}

// Build validates def and returns its index.
func Build(def *core.WorkflowDefinition, opts ...Option) (*Index, error) {
	if err := Validate(def, opts...); err != nil {
		return nil, err
	}
	return newIndex(def), nil
}

func newIndex(def *core.WorkflowDefinition) *Index {
	idx := &Index{
		def:       def,
		pos:       make(map[core.PhaseID]int, len(def.Phases)),
		out:       make([][]int, len(def.Phases)),
		in:        make([][]int, len(def.Phases)),
		joinPreds: make(map[core.PhaseID]int),
	}
	for i, p := range def.Phases {
		idx.pos[p.ID] = i
	}
	for i, e := range def.Edges {
		src, ok1 := idx.pos[e.Source]
		dst, ok2 := idx.pos[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		idx.out[src] = append(idx.out[src], i)
		idx.in[dst] = append(idx.in[dst], i)
	}
	for i, p := range def.Phases {
		if forwardIncoming(def, idx.in[i]) == 0 {
			idx.starts = append(idx.starts, p.ID)
		}
		if p.Kind == core.PhaseKindParallelJoin {
			idx.joinPreds[p.ID] = len(idx.predecessorSet(i))
		}
	}
	return idx
}

// forwardIncoming counts incoming edges that are not loop-back edges.
func forwardIncoming(def *core.WorkflowDefinition, edges []int) int {
	n := 0
	for _, ei := range edges {
		if def.Edges[ei].Kind != core.EdgeKindLoopBack {
			n++
		}
	}
	return n
}

func (idx *Index) predecessorSet(pos int) map[core.PhaseID]struct{} {
	preds := make(map[core.PhaseID]struct{})
	for _, ei := range idx.in[pos] {
		e := idx.def.Edges[ei]
		if e.Kind == core.EdgeKindLoopBack {
			continue
		}
		preds[e.Source] = struct{}{}
	}
	return preds
}

// Definition returns the indexed definition.
func (idx *Index) Definition() *core.WorkflowDefinition {
	return idx.def
}

// Phase returns the phase with the given id.
func (idx *Index) Phase(id core.PhaseID) (*core.Phase, bool) {
	i, ok := idx.pos[id]
	if !ok {
		return nil, false
	}
	return &idx.def.Phases[i], true
}

// Outgoing returns the outgoing edges of a phase in definition order.
func (idx *Index) Outgoing(id core.PhaseID) []core.Edge {
	i, ok := idx.pos[id]
	if !ok {
		return nil
	}
	edges := make([]core.Edge, 0, len(idx.out[i]))
	for _, ei := range idx.out[i] {
		edges = append(edges, idx.def.Edges[ei])
	}
	return edges
}

// StartPhases returns the phases without forward incoming edges.
func (idx *Index) StartPhases() []core.PhaseID {
	return append([]core.PhaseID(nil), idx.starts...)
}

// JoinPredecessors returns how many distinct branches feed a parallel-join.
// The count is derived once when the index is built.
func (idx *Index) JoinPredecessors(id core.PhaseID) int {
	return idx.joinPreds[id]
}

// Validate checks that def is a well-formed workflow graph.
func Validate(def *core.WorkflowDefinition, opts ...Option) error {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if def == nil || len(def.Phases) == 0 {
		return core.ErrValidation(core.CodeNoStartPhase, "workflow has no phases")
	}

	seen := make(map[core.PhaseID]bool, len(def.Phases))
	for _, p := range def.Phases {
		if p.ID == "" {
			return core.ErrValidation(core.CodeInvalidPhaseConfig, "phase with empty id")
		}
		if seen[p.ID] {
			return core.ErrValidation(core.CodeDuplicatePhase, fmt.Sprintf("duplicate phase id %s", p.ID))
		}
		seen[p.ID] = true
		if !p.Kind.Valid() {
			return core.ErrValidation(core.CodeInvalidPhaseConfig, fmt.Sprintf("phase %s has unknown kind %q", p.ID, p.Kind))
		}
	}

	for _, e := range def.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			return core.ErrValidation(core.CodeDanglingEdge,
				fmt.Sprintf("edge %s -> %s references an unknown phase", e.Source, e.Target)).
				WithDetail("source", string(e.Source)).
				WithDetail("target", string(e.Target))
		}
		if !e.Kind.Valid() {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("edge %s -> %s has unknown kind %q", e.Source, e.Target, e.Kind))
		}
		if e.Kind == core.EdgeKindConditional && strings.TrimSpace(e.Condition) == "" {
			return core.ErrValidation(core.CodeInvalidExpression,
				fmt.Sprintf("conditional edge %s -> %s has no condition", e.Source, e.Target))
		}
	}

	idx := newIndex(def)
	if len(idx.starts) == 0 {
		return core.ErrValidation(core.CodeNoStartPhase, "workflow has no phase without incoming edges")
	}

	reached := idx.reachable()
	for _, p := range def.Phases {
		if !reached[p.ID] {
			return core.ErrValidation(core.CodeUnreachablePhase,
				fmt.Sprintf("phase %s is not reachable from any start phase", p.ID)).
				WithDetail("phase_id", string(p.ID))
		}
	}

	if cycle := idx.findCycle(); cycle != nil {
		return core.ErrValidation(core.CodeCycleDetected,
			fmt.Sprintf("cycle without loop-back edge: %s", joinIDs(cycle))).
			WithDetail("cycle", cycle)
	}

	for i := range def.Phases {
		if err := idx.validatePhase(&def.Phases[i]); err != nil {
			return err
		}
	}
	if err := validateDependencies(def); err != nil {
		return err
	}

	if o.checkExpr != nil {
		for _, p := range def.Phases {
			if p.Condition == "" {
				continue
			}
			if err := o.checkExpr(p.Condition); err != nil {
				return core.ErrValidation(core.CodeInvalidExpression,
					fmt.Sprintf("phase %s condition: %v", p.ID, err)).WithCause(err)
			}
		}
		for _, e := range def.Edges {
			if e.Condition == "" {
				continue
			}
			if err := o.checkExpr(e.Condition); err != nil {
				return core.ErrValidation(core.CodeInvalidExpression,
					fmt.Sprintf("edge %s -> %s condition: %v", e.Source, e.Target, err)).WithCause(err)
			}
		}
	}

	return nil
}

func (idx *Index) validatePhase(p *core.Phase) error {
	if p.Runner.Command != "" && strings.TrimSpace(p.Runner.Command) == "" {
		return core.ErrValidation(core.CodeInvalidPhaseConfig, fmt.Sprintf("phase %s has a blank runner command", p.ID))
	}
	if p.Approval && p.Kind != core.PhaseKindPlanning && p.Kind != core.PhaseKindWriting &&
		p.Kind != core.PhaseKindUserApproval {
		return core.ErrValidation(core.CodeInvalidPhaseConfig,
			fmt.Sprintf("%s phase %s cannot require approval", p.Kind, p.ID))
	}
	switch p.Kind {
	case core.PhaseKindGate:
		if strings.TrimSpace(p.Condition) == "" {
			return core.ErrValidation(core.CodeInvalidPhaseConfig, fmt.Sprintf("gate %s has no condition", p.ID))
		}
	case core.PhaseKindLoop:
		if p.MaxIterations <= 0 {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("loop %s needs a positive max_iterations", p.ID))
		}
		hasBody := false
		for _, e := range idx.Outgoing(p.ID) {
			if strings.EqualFold(e.Label, core.LabelBody) {
				hasBody = true
			}
		}
		if !hasBody {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("loop %s has no %q edge", p.ID, core.LabelBody))
		}
	case core.PhaseKindSubWorkflow:
		if strings.TrimSpace(p.SubWorkflow) == "" {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("sub-workflow %s references no workflow", p.ID))
		}
	case core.PhaseKindPlanning, core.PhaseKindWriting, core.PhaseKindUserApproval,
		core.PhaseKindParallelSplit, core.PhaseKindParallelJoin:
	}
	return nil
}

// validateDependencies checks sub-workflow references against a non-empty
// manifest. A version pinned on both sides must agree.
func validateDependencies(def *core.WorkflowDefinition) error {
	if len(def.Dependencies) == 0 {
		return nil
	}
	declared := make(map[core.WorkflowID]string, len(def.Dependencies))
	for _, d := range def.Dependencies {
		declared[core.WorkflowID(strings.TrimSpace(d.Name))] = strings.TrimSpace(d.Version)
	}
	for _, p := range def.Phases {
		if p.Kind != core.PhaseKindSubWorkflow {
			continue
		}
		id, version := core.ParseWorkflowRef(p.SubWorkflow)
		want, ok := declared[id]
		if !ok {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("sub-workflow %s references %s, which is not in dependencies", p.ID, id))
		}
		if version != "" && want != "" && version != want {
			return core.ErrValidation(core.CodeInvalidPhaseConfig,
				fmt.Sprintf("sub-workflow %s pins %s@%s but dependencies declare %s", p.ID, id, version, want))
		}
	}
	return nil
}

// findCycle runs a DFS over forward edges and returns the first cycle found.
func (idx *Index) findCycle() []core.PhaseID {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(idx.def.Phases))
	stack := make([]core.PhaseID, 0)

	var dfs func(i int) []core.PhaseID
	dfs = func(i int) []core.PhaseID {
		color[i] = grey
		stack = append(stack, idx.def.Phases[i].ID)
		for _, ei := range idx.out[i] {
			e := idx.def.Edges[ei]
			if e.Kind == core.EdgeKindLoopBack {
				continue
			}
			next := idx.pos[e.Target]
			switch color[next] {
			case white:
				if c := dfs(next); c != nil {
					return c
				}
			case grey:
				start := 0
				for k, id := range stack {
					if id == e.Target {
						start = k
					}
				}
				cycle := append([]core.PhaseID(nil), stack[start:]...)
				return append(cycle, e.Target)
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range idx.def.Phases {
		if color[i] == white {
			if c := dfs(i); c != nil {
				return c
			}
		}
	}
	return nil
}

// reachable walks every edge kind from the start set.
func (idx *Index) reachable() map[core.PhaseID]bool {
	seen := make(map[core.PhaseID]bool)
	queue := append([]core.PhaseID(nil), idx.starts...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range idx.Outgoing(id) {
			if !seen[e.Target] {
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// StartPhases returns every phase of def with zero forward incoming edges.
func StartPhases(def *core.WorkflowDefinition) ([]core.Phase, error) {
	idx := newIndex(def)
	if len(idx.starts) == 0 {
		return nil, core.ErrValidation(core.CodeNoStartPhase, "workflow has no phase without incoming edges")
	}
	phases := make([]core.Phase, 0, len(idx.starts))
	for _, id := range idx.starts {
		p, _ := idx.Phase(id)
		phases = append(phases, *p)
	}
	return phases, nil
}

// OutgoingEdges returns the outgoing edges of phaseID in definition order.
func OutgoingEdges(def *core.WorkflowDefinition, phaseID core.PhaseID) []core.Edge {
	edges := make([]core.Edge, 0)
	for _, e := range def.Edges {
		if e.Source == phaseID {
			edges = append(edges, e)
		}
	}
	return edges
}

func joinIDs(ids []core.PhaseID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}
