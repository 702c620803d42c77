package core

import "fmt"

// PhaseID identifies a phase within one workflow definition.
type PhaseID string

// PhaseKind is the tag of the phase variant.
type PhaseKind string

const (
	// PhaseKindPlanning produces a plan through the phase runner.
	PhaseKindPlanning PhaseKind = "planning"
	// PhaseKindWriting produces content through the phase runner.
	PhaseKindWriting PhaseKind = "writing"
	// PhaseKindGate asks the runner for a verdict and routes on pass/fail.
	PhaseKindGate PhaseKind = "gate"
	// PhaseKindLoop re-enters its body until the exit condition holds or the cap is hit.
	PhaseKindLoop PhaseKind = "loop"
	// PhaseKindUserApproval pauses its branch until a human approves or rejects.
	PhaseKindUserApproval PhaseKind = "user-approval"
	// PhaseKindSubWorkflow runs a nested instance of another definition.
	PhaseKindSubWorkflow PhaseKind = "sub-workflow"
	// PhaseKindParallelSplit activates all of its targets concurrently.
	PhaseKindParallelSplit PhaseKind = "parallel-split"
	// PhaseKindParallelJoin waits for every incoming branch.
	PhaseKindParallelJoin PhaseKind = "parallel-join"
)

// AllPhaseKinds returns every phase kind.
func AllPhaseKinds() []PhaseKind {
	return []PhaseKind{
		PhaseKindPlanning,
		PhaseKindWriting,
		PhaseKindGate,
		PhaseKindLoop,
		PhaseKindUserApproval,
		PhaseKindSubWorkflow,
		PhaseKindParallelSplit,
		PhaseKindParallelJoin,
	}
}

// Valid checks if a phase kind is known.
func (k PhaseKind) Valid() bool {
	switch k {
	case PhaseKindPlanning, PhaseKindWriting, PhaseKindGate, PhaseKindLoop,
		PhaseKindUserApproval, PhaseKindSubWorkflow, PhaseKindParallelSplit, PhaseKindParallelJoin:
		return true
	default:
		return false
	}
}

// InvokesRunner reports whether phases of this kind call the phase runner.
func (k PhaseKind) InvokesRunner() bool {
	return k == PhaseKindPlanning || k == PhaseKindWriting || k == PhaseKindGate
}

// String returns the string representation of the kind.
func (k PhaseKind) String() string {
	return string(k)
}

// ParsePhaseKind converts a string to a PhaseKind with validation.
func ParsePhaseKind(s string) (PhaseKind, error) {
	k := PhaseKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("invalid phase kind: %s", s)
	}
	return k, nil
}

// EdgeKind is the tag of an edge.
type EdgeKind string

const (
	EdgeKindDefault     EdgeKind = "default"
	EdgeKindConditional EdgeKind = "conditional"
	EdgeKindLoopBack    EdgeKind = "loop-back"
)

// Valid checks if an edge kind is known.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeKindDefault, EdgeKindConditional, EdgeKindLoopBack:
		return true
	default:
		return false
	}
}

// Edge labels with routing meaning for control phases.
const (
	LabelPass      = "pass"
	LabelFail      = "fail"
	LabelBody      = "body"
	LabelExit      = "exit"
	LabelExhausted = "exhausted"
	LabelApprove   = "approve"
	LabelReject    = "reject"
)

// RunnerSpec is an already-resolved reference to the external runner configuration.
type RunnerSpec struct {
	Name    string                 `json:"name" yaml:"name" toml:"name"`
	Command string                 `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string               `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// Position is the cosmetic canvas position of a phase.
type Position struct {
	X float64 `json:"x" yaml:"x" toml:"x"`
	Y float64 `json:"y" yaml:"y" toml:"y"`
}

// Phase is one node of a workflow graph.
type Phase struct {
	ID            PhaseID    `json:"id" yaml:"id" toml:"id"`
	Name          string     `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Kind          PhaseKind  `json:"kind" yaml:"kind" toml:"kind"`
	Runner        RunnerSpec `json:"runner,omitempty" yaml:"runner,omitempty" toml:"runner,omitempty"`
	Condition     string     `json:"condition,omitempty" yaml:"condition,omitempty" toml:"condition,omitempty"`
	GateKind      string     `json:"gate_kind,omitempty" yaml:"gate_kind,omitempty" toml:"gate_kind,omitempty"`
	MaxIterations int        `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	// Approval holds a planning or writing phase for approve/reject once its
	// runner returns. The output is stored but no edge is followed until then.
	Approval bool `json:"approval,omitempty" yaml:"approval,omitempty" toml:"approval,omitempty"`
	// Reviews names the phase whose stored output an approval may overwrite.
	// Empty means the predecessor that activated the approval.
	Reviews PhaseID `json:"reviews,omitempty" yaml:"reviews,omitempty" toml:"reviews,omitempty"`
	// SubWorkflow references the nested definition as "id" or "id@version".
	SubWorkflow string `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty" toml:"sub_workflow,omitempty"`
	// Project lists context paths copied into a nested instance. Empty copies the whole snapshot.
	Project  []string `json:"project,omitempty" yaml:"project,omitempty" toml:"project,omitempty"`
	Position Position `json:"position" yaml:"position,omitempty" toml:"position,omitempty"`
}

// Edge connects two phases.
type Edge struct {
	Source    PhaseID  `json:"source" yaml:"source" toml:"source"`
	Target    PhaseID  `json:"target" yaml:"target" toml:"target"`
	Kind      EdgeKind `json:"kind" yaml:"kind" toml:"kind"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty" toml:"condition,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty" toml:"label,omitempty"`
}
