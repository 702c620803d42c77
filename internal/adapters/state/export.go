package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// InstanceExport is the portable dump of one instance and its history.
type InstanceExport struct {
	Instance    *core.Instance            `json:"instance"`
	Definition  *core.WorkflowDefinition  `json:"definition"`
	Executions  []*core.PhaseExecution    `json:"executions"`
	GateResults []*core.QualityGateResult `json:"gate_results"`
	Checkpoints []*core.Checkpoint        `json:"checkpoints"`
	Children    []*InstanceExport         `json:"children,omitempty"`
}

// BuildExport collects an instance, its definition, its history and its nested instances.
func BuildExport(ctx context.Context, store core.StateStore, id core.InstanceID) (*InstanceExport, error) {
	inst, err := store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := store.GetDefinition(ctx, inst.WorkflowID, inst.Version)
	if err != nil {
		return nil, err
	}
	execs, err := store.ListPhaseExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	gates, err := store.ListGateResults(ctx, id)
	if err != nil {
		return nil, err
	}
	cps, err := store.ListCheckpoints(ctx, id)
	if err != nil {
		return nil, err
	}

	exp := &InstanceExport{
		Instance:    inst,
		Definition:  def,
		Executions:  execs,
		GateResults: gates,
		Checkpoints: cps,
	}

	children, err := store.ListInstances(ctx, core.InstanceFilter{Parent: id})
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		c, err := BuildExport(ctx, store, child.ID)
		if err != nil {
			return nil, err
		}
		exp.Children = append(exp.Children, c)
	}
	return exp, nil
}

// ExportInstance writes the export of id to path atomically.
func ExportInstance(ctx context.Context, store core.StateStore, id core.InstanceID, path string) error {
	exp, err := BuildExport(ctx, store, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling export: %w", err)
	}
	if err := atomicWriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}
