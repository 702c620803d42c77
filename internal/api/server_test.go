package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/testutil"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	t      *testing.T
	store  core.StateStore
	runner *testutil.MockRunner
	bus    *events.EventBus
	orch   *workflow.Orchestrator
	server *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:      t,
		store:  testutil.NewTestStore(t),
		runner: testutil.NewMockRunner(),
		bus:    events.New(256),
	}
	orch, err := workflow.NewOrchestrator(workflow.OrchestratorDeps{
		Store:   env.store,
		Runner:  env.runner,
		Emitter: events.NewEmitter(env.bus, nil),
		Retry: service.NewRetryPolicy(service.WithSleep(func(context.Context, time.Duration) error {
			return nil
		})),
	})
	require.NoError(t, err)
	env.orch = orch
	env.server = NewServer(env.store, orch, env.bus, WithHeartbeat(50*time.Millisecond))
	t.Cleanup(func() {
		orch.Close()
		env.bus.Close()
	})
	return env
}

func (e *testEnv) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if buf.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitStatus(id core.InstanceID, status core.InstanceStatus) *core.Instance {
	e.t.Helper()
	var inst *core.Instance
	require.Eventually(e.t, func() bool {
		got, err := e.store.GetInstance(context.Background(), id)
		if err != nil {
			return false
		}
		inst = got
		return got.Status == status
	}, testTimeout, 5*time.Millisecond)
	return inst
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func approvalDefinition() *core.WorkflowDefinition {
	return testutil.NewTestDefinition("approval",
		testutil.WithPhase("draft", core.PhaseKindWriting),
		testutil.WithPhase("review", core.PhaseKindUserApproval, testutil.Reviews("draft")),
		testutil.WithPhase("publish", core.PhaseKindWriting),
		testutil.WithEdge("draft", "review"),
		testutil.WithLabeledEdge("review", "publish", core.EdgeKindDefault, core.LabelApprove, ""),
	)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestImportAndListWorkflows(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/workflows", approvalDefinition())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode[[]core.DefinitionSummary](t, rec)
	require.Len(t, defs, 1)
	assert.Equal(t, core.WorkflowID("approval"), defs[0].ID)
	assert.Equal(t, 3, defs[0].Phases)
}

func TestImportWorkflow_YAML(t *testing.T) {
	env := newTestEnv(t)
	body := "id: tiny\nversion: 1.0.0\nphases:\n  - id: only\n    kind: writing\n"

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	_, err := env.store.GetDefinition(context.Background(), "tiny", "1.0.0")
	assert.NoError(t, err)
}

func TestImportWorkflow_InvalidGraph(t *testing.T) {
	env := newTestEnv(t)
	def := testutil.NewTestDefinition("cyclic",
		testutil.WithPhase("start", core.PhaseKindPlanning),
		testutil.WithPhase("a", core.PhaseKindWriting),
		testutil.WithPhase("b", core.PhaseKindWriting),
		testutil.WithEdge("start", "a"),
		testutil.WithEdge("a", "b"),
		testutil.WithEdge("b", "a"),
	)

	rec := env.do(http.MethodPost, "/api/v1/workflows", def)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, core.CodeCycleDetected, decode[ErrorResponse](t, rec).Code)
}

func TestImportWorkflow_VersionLocked(t *testing.T) {
	env := newTestEnv(t)
	env.runner.On("draft", testutil.Step{Block: true})
	def := approvalDefinition()
	require.NoError(t, env.store.SaveDefinition(context.Background(), def))
	_, err := env.orch.Start(context.Background(), "approval", workflow.StartOptions{})
	require.NoError(t, err)

	changed := approvalDefinition()
	changed.Name = "mutated in place"
	rec := env.do(http.MethodPost, "/api/v1/workflows", changed)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeVersionLocked, decode[ErrorResponse](t, rec).Code)
}

func TestGetWorkflow_ETag(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))

	rec := env.do(http.MethodGet, "/api/v1/workflows/approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, "approval", decode[map[string]interface{}](t, rec)["id"])

	rec = env.do(http.MethodGet, "/api/v1/workflows/approval", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartApproveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))

	rec := env.do(http.MethodPost, "/api/v1/workflows/approval/start", StartRequest{Input: map[string]interface{}{"topic": "go"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[InstanceResponse](t, rec)
	id := started.ID

	env.waitStatus(id, core.InstanceStatusPaused)

	rec = env.do(http.MethodGet, "/api/v1/instances/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[InstanceResponse](t, rec)
	assert.Equal(t, []core.PhaseID{"review"}, got.Waiting)
	assert.Equal(t, map[string]interface{}{"topic": "go"}, got.Snapshot["input"])

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(id)+"/approve", ApproveRequest{PhaseID: "publish"})
	assert.Equal(t, http.StatusConflict, rec.Code, "publish is not awaiting approval")

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(id)+"/approve", ApproveRequest{
		PhaseID: "review",
		Output:  map[string]interface{}{"text": "edited"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env.waitStatus(id, core.InstanceStatusComplete)

	rec = env.do(http.MethodGet, "/api/v1/instances/"+string(id)+"/executions?phase_id=publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execs := decode[[]core.PhaseExecution](t, rec)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionStatusComplete, execs[0].Status)

	rec = env.do(http.MethodGet, "/api/v1/instances/"+string(id)+"/checkpoints/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decode[CheckpointResponse](t, rec)
	assert.Equal(t, core.InstanceStatusComplete, cp.State.Status)

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(id)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a complete instance cannot be cancelled")
}

func TestRejectAndCancel(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))

	inst, err := env.orch.Start(context.Background(), "approval", workflow.StartOptions{})
	require.NoError(t, err)
	env.waitStatus(inst.ID, core.InstanceStatusPaused)

	rec := env.do(http.MethodPost, "/api/v1/instances/"+string(inst.ID)+"/reject", RejectRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(inst.ID)+"/reject", RejectRequest{PhaseID: "review", Reason: "off topic"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	failed := env.waitStatus(inst.ID, core.InstanceStatusFailed)
	assert.Contains(t, failed.Error, "off topic")

	second, err := env.orch.Start(context.Background(), "approval", workflow.StartOptions{})
	require.NoError(t, err)
	env.waitStatus(second.ID, core.InstanceStatusPaused)

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(second.ID)+"/cancel", CancelRequest{Reason: "not needed"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.waitStatus(second.ID, core.InstanceStatusCancelled)
}

func TestInput(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), testutil.NewTestDefinition("chat",
		testutil.WithPhase("talk", core.PhaseKindWriting),
	)))
	env.runner.On("talk", testutil.Step{WaitInput: true})

	inst, err := env.orch.Start(context.Background(), "chat", workflow.StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.orch.InFlight(inst.ID)) == 1 }, testTimeout, 5*time.Millisecond)

	rec := env.do(http.MethodPost, "/api/v1/instances/"+string(inst.ID)+"/input", InputRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(inst.ID)+"/input", InputRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	done := env.waitStatus(inst.ID, core.InstanceStatusComplete)
	assert.Equal(t, "hello", done.Context.Snapshot()["talk"].(map[string]interface{})["input"])

	rec = env.do(http.MethodPost, "/api/v1/instances/"+string(inst.ID)+"/input", InputRequest{Text: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListInstances(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))
	for i := 0; i < 3; i++ {
		inst, err := env.orch.Start(context.Background(), "approval", workflow.StartOptions{})
		require.NoError(t, err)
		env.waitStatus(inst.ID, core.InstanceStatusPaused)
	}

	rec := env.do(http.MethodGet, "/api/v1/instances?status=paused,running&workflow_id=approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]InstanceResponse](t, rec), 3)

	rec = env.do(http.MethodGet, "/api/v1/instances?status=complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]InstanceResponse](t, rec))

	rec = env.do(http.MethodGet, "/api/v1/instances?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/instances/nope/executions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/workflows/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/workflows/ghost/start", `{"bogus": true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), testutil.NewTestDefinition("once",
		testutil.WithPhase("write", core.PhaseKindWriting),
	)))
	inst, err := env.orch.Start(context.Background(), "once", workflow.StartOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = env.orch.Wait(ctx, inst.ID)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[MetricsResponse](t, rec)
	assert.Equal(t, 1, m.Engine.InstancesStarted)
	assert.Equal(t, 1, m.Engine.InstancesCompleted)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	env.server = NewServer(env.store, env.orch, env.bus, WithCORSOrigins([]string{"http://localhost:5173"}))

	rec := env.do(http.MethodGet, "/health", nil, "Origin", "http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodGet, "/health", nil, "Origin", "http://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
