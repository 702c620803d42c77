package testutil

import (
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// NewTestStore opens a SQLite store in a temporary directory and closes it on cleanup.
func NewTestStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store, err := state.NewSQLiteStore(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewTestDefinition creates a definition with sensible defaults for tests.
// Use functional options to add phases and edges.
func NewTestDefinition(id string, opts ...func(*core.WorkflowDefinition)) *core.WorkflowDefinition {
	def := &core.WorkflowDefinition{
		ID:      core.WorkflowID(id),
		Name:    id,
		Version: "1.0.0",
	}
	for _, opt := range opts {
		opt(def)
	}
	return def
}

// WithVersion sets the definition version.
func WithVersion(v string) func(*core.WorkflowDefinition) {
	return func(d *core.WorkflowDefinition) {
		d.Version = v
	}
}

// WithPhase appends a phase of the given kind.
func WithPhase(id string, kind core.PhaseKind, opts ...func(*core.Phase)) func(*core.WorkflowDefinition) {
	return func(d *core.WorkflowDefinition) {
		p := core.Phase{
			ID:     core.PhaseID(id),
			Name:   id,
			Kind:   kind,
			Runner: core.RunnerSpec{Name: "mock"},
		}
		for _, opt := range opts {
			opt(&p)
		}
		d.Phases = append(d.Phases, p)
	}
}

// WithEdge appends a default edge.
func WithEdge(source, target string) func(*core.WorkflowDefinition) {
	return WithLabeledEdge(source, target, core.EdgeKindDefault, "", "")
}

// WithLabeledEdge appends an edge with kind, label and condition.
func WithLabeledEdge(source, target string, kind core.EdgeKind, label, cond string) func(*core.WorkflowDefinition) {
	return func(d *core.WorkflowDefinition) {
		d.Edges = append(d.Edges, core.Edge{
			Source:    core.PhaseID(source),
			Target:    core.PhaseID(target),
			Kind:      kind,
			Label:     label,
			Condition: cond,
		})
	}
}

// Condition sets a phase condition.
func Condition(expr string) func(*core.Phase) {
	return func(p *core.Phase) {
		p.Condition = expr
	}
}

// MaxIterations sets a loop cap.
func MaxIterations(n int) func(*core.Phase) {
	return func(p *core.Phase) {
		p.MaxIterations = n
	}
}

// SubWorkflow sets the nested workflow reference and projected paths.
func SubWorkflow(ref string, project ...string) func(*core.Phase) {
	return func(p *core.Phase) {
		p.SubWorkflow = ref
		p.Project = project
	}
}

// RequireApproval holds a work phase for approval after it runs.
func RequireApproval() func(*core.Phase) {
	return func(p *core.Phase) {
		p.Approval = true
	}
}

// Reviews sets the phase whose output an approval may overwrite.
func Reviews(id string) func(*core.Phase) {
	return func(p *core.Phase) {
		p.Reviews = core.PhaseID(id)
		p.Approval = true
	}
}
