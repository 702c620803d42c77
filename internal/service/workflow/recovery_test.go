package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/testutil"
)

// restart builds a second orchestrator over the store of h, as a new process would.
func restart(t *testing.T, h *harness) (*Orchestrator, *testutil.MockRunner) {
	t.Helper()
	runner := testutil.NewMockRunner()
	orch, err := NewOrchestrator(OrchestratorDeps{
		Store:  h.store,
		Runner: runner,
		Retry:  service.NewRetryPolicy(service.WithSleep(noSleep)),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch, runner
}

func TestRecover_ResumesInterruptedInstance(t *testing.T) {
	h := newHarness(t)
	h.save(testutil.NewTestDefinition("crash",
		testutil.WithPhase("plan", core.PhaseKindPlanning),
		testutil.WithPhase("write", core.PhaseKindWriting),
		testutil.WithPhase("edit", core.PhaseKindWriting),
		testutil.WithEdge("plan", "write"),
		testutil.WithEdge("write", "edit"),
	))
	h.runner.On("write", testutil.Step{Block: true})

	started, err := h.orch.Start(context.Background(), "crash", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.runner.CallCount("write") == 1 }, testTimeout, 5*time.Millisecond)

	// Simulate a process exit while write is in flight.
	h.orch.Close()
	before, err := h.store.GetInstance(context.Background(), started.ID)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStatusRunning, before.Status)
	require.Len(t, before.Active, 1)
	interrupted := before.Active[0].ExecID

	orch, runner := restart(t, h)
	results, err := orch.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, started.ID, results[0].InstanceID)
	assert.Equal(t, RecoveryResumed, results[0].Action)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	inst, err := orch.Wait(ctx, started.ID)
	require.NoError(t, err)
	require.Equal(t, core.InstanceStatusComplete, inst.Status)

	assert.Equal(t, 0, runner.CallCount("plan"), "completed phases are not re-run")
	assert.Equal(t, 1, runner.CallCount("write"))
	assert.Equal(t, 1, runner.CallCount("edit"))

	rows := h.executions(inst.ID, "write")
	require.Len(t, rows, 1, "the interrupted execution is rewritten, not duplicated")
	assert.Equal(t, interrupted, rows[0].ID)
	assert.Equal(t, core.ExecutionStatusComplete, rows[0].Status)
}

func TestRecover_LeavesPausedInstancesParked(t *testing.T) {
	h := newHarness(t)
	h.save(approvalFlow(false))

	inst := h.start("approval", nil)
	require.Equal(t, core.InstanceStatusPaused, inst.Status)
	h.orch.Close()

	orch, _ := restart(t, h)
	results, err := orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, orch.Approve(context.Background(), inst.ID, "review", nil))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	done, err := orch.Wait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceStatusComplete, done.Status)
}

func TestRecover_ChildApprovedAfterRestartResumesParent(t *testing.T) {
	h := newHarness(t)
	h.save(
		childFlow(
			testutil.WithPhase("sign-off", core.PhaseKindUserApproval),
			testutil.WithEdge("c1", "sign-off"),
		),
		parentFlow("child"),
	)

	inst := h.start("parent", nil)
	require.Equal(t, core.InstanceStatusPaused, inst.Status)
	child := childOf(t, h, inst.ID)
	h.orch.Close()

	// Neither run exists in the new process until the approval arrives.
	orch, _ := restart(t, h)
	require.NoError(t, orch.Approve(context.Background(), child.ID, "sign-off", nil))
	h.eventually(child.ID, core.InstanceStatusComplete)
	h.eventually(inst.ID, core.InstanceStatusComplete)

	results, err := orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results, "nothing is left to recover")
}

func TestResume_TerminalInstance(t *testing.T) {
	h := newHarness(t)
	h.save(testutil.NewTestDefinition("once",
		testutil.WithPhase("write", core.PhaseKindWriting),
	))

	inst := h.start("once", nil)
	require.Equal(t, core.InstanceStatusComplete, inst.Status)

	_, err := h.orch.Resume(context.Background(), inst.ID)
	assert.True(t, core.IsCode(err, core.CodeInvalidState))
}

func TestResume_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.save(approvalFlow(false))

	inst := h.start("approval", nil)
	for i := 0; i < 3; i++ {
		resumed, err := h.orch.Resume(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, core.InstanceStatusPaused, resumed.Status)
	}
	after := h.wait(inst.ID)
	assert.Equal(t, inst.CheckpointSeq, after.CheckpointSeq, "resume of a consistent instance writes nothing")
}
