package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

const reviewDefinition = `id: review
version: 1.0.0
phases:
  - id: draft
    kind: writing
    runner:
      name: echo
  - id: review
    kind: user-approval
    approval: true
    reviews: draft
  - id: publish
    kind: writing
    runner:
      name: echo
edges:
  - source: draft
    target: review
  - source: review
    target: publish
    label: approve
`

const runnerScript = `#!/bin/sh
cat >/dev/null
echo '{"type":"result","output":{"summary":"done"}}'
`

// setupProject chdirs into a fresh project with a config naming one runner.
func setupProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldDir) })

	viper.Reset()
	cfgFile, quiet, noColor, serverAddr = "", false, true, ""
	runVersion, runInput, runWait, runJSON = "", "", false, false
	statusJSON, workflowsJSON, initForce = false, false, false
	approveOutputFile, rejectReason, cancelReason, exportOut = "", "", "", ""

	script := filepath.Join(dir, "runner.sh")
	require.NoError(t, os.WriteFile(script, []byte(runnerScript), 0o755)) //nolint:gosec // test runner must be executable

	cfg := "log:\n  level: error\nrunner:\n  commands:\n    echo:\n      path: " + script + "\n"
	require.NoError(t, os.MkdirAll(".quorum-flow", 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(".quorum-flow", "config.yaml"), []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile("review.yaml", []byte(reviewDefinition), 0o600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func openStore(t *testing.T) core.StateStore {
	t.Helper()
	store, err := state.NewStateStore(filepath.Join(".quorum-flow", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func latestInstance(t *testing.T) *core.Instance {
	t.Helper()
	store := openStore(t)
	insts, err := store.ListInstances(t.Context(), core.InstanceFilter{TopLevel: true})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	return insts[0]
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	oldDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(oldDir) }()
	viper.Reset()
	initForce = false

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized quorum-flow project")

	data, err := os.ReadFile(filepath.Join(".quorum-flow", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, string(data))
	assert.DirExists(t, filepath.Join(".quorum-flow", "workflows"))

	_, err = execute(t, "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	setupProject(t)

	out, err := execute(t, "validate", "review.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "review@1.0.0 is valid (3 phases, 2 edges)")

	cyclic := "id: loop\nversion: 1.0.0\nphases:\n  - id: a\n    kind: writing\n    runner: {name: echo}\n" +
		"  - id: b\n    kind: writing\n    runner: {name: echo}\n" +
		"  - id: c\n    kind: writing\n    runner: {name: echo}\n" +
		"edges:\n  - {source: a, target: b}\n  - {source: b, target: c}\n  - {source: c, target: b}\n"
	require.NoError(t, os.WriteFile("loop.yaml", []byte(cyclic), 0o600))
	_, err = execute(t, "validate", "loop.yaml")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeCycleDetected), err.Error())

	_, err = execute(t, "validate", "missing.yaml")
	assert.Error(t, err)
}

func TestImportAndWorkflows(t *testing.T) {
	setupProject(t)

	out, err := execute(t, "import", "review.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "imported review@1.0.0")

	out, err = execute(t, "workflows", "--json")
	require.NoError(t, err)
	var defs []core.DefinitionSummary
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, core.WorkflowID("review"), defs[0].ID)
	workflowsJSON = false

	out, err = execute(t, "workflows")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "review")
}

func TestImportDirectoryReportsFailures(t *testing.T) {
	setupProject(t)
	require.NoError(t, os.MkdirAll("defs", 0o750))
	require.NoError(t, os.WriteFile(filepath.Join("defs", "a.yaml"), []byte(reviewDefinition), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join("defs", "b.json"), []byte(`{"id": "x"}`), 0o600))

	out, err := execute(t, "import", "defs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 definitions failed")
	assert.Contains(t, out, "ok    ")
	assert.Contains(t, out, "FAIL  ")
}

func TestRunApproveExport(t *testing.T) {
	setupProject(t)
	_, err := execute(t, "import", "review.yaml")
	require.NoError(t, err)

	out, err := execute(t, "run", "review", "--input", `{"topic":"durability"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "awaiting approval")

	inst := latestInstance(t)
	require.Equal(t, core.InstanceStatusPaused, inst.Status)

	out, err = execute(t, "status", string(inst.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "review@1.0.0")
	assert.Contains(t, out, "draft")

	out, err = execute(t, "approve", string(inst.ID), "review")
	require.NoError(t, err)
	assert.Contains(t, out, "complete")

	exportPath := filepath.Join(t.TempDir(), "audit.json")
	_, err = execute(t, "export", string(inst.ID), "--out", exportPath)
	require.NoError(t, err)

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var exp state.InstanceExport
	require.NoError(t, json.Unmarshal(data, &exp))
	assert.Equal(t, core.InstanceStatusComplete, exp.Instance.Status)
	assert.Len(t, exp.Executions, 3)
}

func TestRejectAndCancel(t *testing.T) {
	setupProject(t)
	_, err := execute(t, "import", "review.yaml")
	require.NoError(t, err)
	_, err = execute(t, "run", "review")
	require.NoError(t, err)
	inst := latestInstance(t)

	_, err = execute(t, "reject", string(inst.ID), "review")
	assert.ErrorContains(t, err, "required flag")

	_, err = execute(t, "cancel", string(inst.ID), "--reason", "not needed")
	require.NoError(t, err)

	store := openStore(t)
	got, err := store.GetInstance(t.Context(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceStatusCancelled, got.Status)

	_, err = execute(t, "cancel", string(inst.ID))
	assert.True(t, core.IsCode(err, core.CodeInvalidState))
}

func TestRunUnknownWorkflow(t *testing.T) {
	setupProject(t)
	_, err := execute(t, "run", "ghost")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound), err.Error())
}

func TestInputRequiresServer(t *testing.T) {
	setupProject(t)
	_, err := execute(t, "input", "some-instance", "hello")
	assert.ErrorContains(t, err, "--server")
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2024-01-15")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quorum-flow v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2024-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestMissingConfigFile(t *testing.T) {
	setupProject(t)
	_, err := execute(t, "workflows", "--config", "nope.yaml")
	assert.ErrorContains(t, err, "config file")
	cfgFile = ""
}

func TestParseJSONObject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"edited"}`), 0o600))

	tests := []struct {
		name    string
		value   string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", value: ""},
		{name: "inline", value: `{"a":1}`, want: map[string]interface{}{"a": 1.0}},
		{name: "file", value: "@" + path, want: map[string]interface{}{"title": "edited"}},
		{name: "not an object", value: `[1,2]`, wantErr: true},
		{name: "missing file", value: "@" + filepath.Join(dir, "nope.json"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJSONObject(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcdefg...", TruncateString(strings.Repeat("abcdefghij", 3), 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}
