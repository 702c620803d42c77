package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowID identifies a workflow definition across versions.
type WorkflowID string

// Dependency is an entry of a definition's dependency manifest. When the
// manifest is non-empty every sub-workflow reference must be listed in it.
type Dependency struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
}

// WorkflowDefinition is the immutable description of a workflow graph.
type WorkflowDefinition struct {
	ID           WorkflowID   `json:"id" yaml:"id" toml:"id"`
	Name         string       `json:"name" yaml:"name" toml:"name"`
	Version      string       `json:"version" yaml:"version" toml:"version"`
	Phases       []Phase      `json:"phases" yaml:"phases" toml:"phases"`
	Edges        []Edge       `json:"edges" yaml:"edges" toml:"edges"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at,omitempty" yaml:"-" toml:"-"`
}

// Phase returns the phase with the given id.
func (d *WorkflowDefinition) Phase(id PhaseID) (*Phase, bool) {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return &d.Phases[i], true
		}
	}
	return nil, false
}

// Ref returns the "id@version" reference of the definition.
func (d *WorkflowDefinition) Ref() string {
	return fmt.Sprintf("%s@%s", d.ID, d.Version)
}

// Digest returns a content hash used to detect mutation of a stored version.
func (d *WorkflowDefinition) Digest() (string, error) {
	clone := *d
	clone.CreatedAt = time.Time{}
	data, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("marshaling definition: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ParseWorkflowRef splits "id@version" into its parts. Version is empty when omitted.
func ParseWorkflowRef(ref string) (WorkflowID, string) {
	id, version, _ := strings.Cut(ref, "@")
	return WorkflowID(strings.TrimSpace(id)), strings.TrimSpace(version)
}
