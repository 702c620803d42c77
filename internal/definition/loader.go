// Package definition loads already-authored workflow definitions from files
// and imports them into the state store.
package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/condition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

// Format is a definition file encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	case ".json":
		return FormatJSON, true
	}
	return "", false
}

// Parse decodes a definition. Unknown fields are rejected so that typos in
// phase or edge attributes do not silently change routing.
func Parse(data []byte, format Format) (*core.WorkflowDefinition, error) {
	var def core.WorkflowDefinition
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
			return nil, parseError(format, err)
		}
	case FormatTOML:
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&def)
		if err != nil {
			return nil, parseError(format, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, parseError(format, fmt.Errorf("unknown field %q", undecoded[0].String()))
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, parseError(format, err)
		}
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unsupported definition format %q", format))
	}

	if def.ID == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "definition id required")
	}
	if def.Version == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("definition %s: version required", def.ID))
	}
	for i := range def.Edges {
		if def.Edges[i].Kind == "" {
			def.Edges[i].Kind = core.EdgeKindDefault
		}
	}
	return &def, nil
}

func parseError(format Format, err error) error {
	return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("parsing %s definition: %v", format, err)).WithCause(err)
}

// MaxFileBytes caps the size of a definition file.
const MaxFileBytes = 4 << 20

// LoadFile reads and parses one definition file.
func LoadFile(path string) (*core.WorkflowDefinition, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("%s: unsupported extension", path))
	}
	data, err := fsutil.ReadFileScoped(path, MaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate runs the graph checks the orchestrator applies at start time.
func Validate(def *core.WorkflowDefinition) error {
	return graph.Validate(def, graph.WithExpressionCheck(condition.Check))
}

// ImportResult reports one imported file.
type ImportResult struct {
	Path       string          `json:"path"`
	WorkflowID core.WorkflowID `json:"workflow_id,omitempty"`
	Version    string          `json:"version,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Importer validates definitions and stores them.
type Importer struct {
	store  core.StateStore
	logger *logging.Logger
}

// NewImporter creates an importer. A nil logger discards output.
func NewImporter(store core.StateStore, logger *logging.Logger) *Importer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Importer{store: store, logger: logger}
}

// Import validates and saves def.
func (im *Importer) Import(ctx context.Context, def *core.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if err := im.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	im.logger.WithWorkflow(string(def.ID)).Info("definition imported", "version", def.Version, "phases", len(def.Phases))
	return nil
}

// ImportFile loads, validates and saves one file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*core.WorkflowDefinition, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := im.Import(ctx, def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ImportDir imports every definition file directly under dir in name order.
// A bad file is reported in its result and does not stop the others.
func (im *Importer) ImportDir(ctx context.Context, dir string) ([]ImportResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	results := make([]ImportResult, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		res := ImportResult{Path: path}
		def, err := im.ImportFile(ctx, path)
		if err != nil {
			res.Error = err.Error()
			im.logger.Warn("definition import failed", "path", path, "error", err)
		} else {
			res.WorkflowID = def.ID
			res.Version = def.Version
		}
		results = append(results, res)
	}
	return results, nil
}
