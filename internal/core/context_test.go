package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_SnapshotReplaysInOrder(t *testing.T) {
	var c ExecutionContext
	c.Append("draft", "draft", map[string]interface{}{"text": "v1"})
	c.Append("review", "review", map[string]interface{}{"score": 40.0})
	c.Append("draft", "draft", map[string]interface{}{"text": "v2"})

	require.Equal(t, 3, c.Len())
	assert.Equal(t, int64(3), c.Writes[2].Seq)

	early := c.SnapshotAt(1)
	assert.Equal(t, map[string]interface{}{"draft": map[string]interface{}{"text": "v1"}}, early)

	full := c.Snapshot()
	v, ok := Lookup(full, "draft.text")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	v, ok = Lookup(full, "review.score")
	require.True(t, ok)
	assert.Equal(t, 40.0, v)
}

func TestExecutionContext_SnapshotIsolation(t *testing.T) {
	var c ExecutionContext
	out := map[string]interface{}{"items": []interface{}{"a"}}
	c.Append("p", "p", out)

	// Mutating the caller's value must not leak into the log.
	out["items"] = []interface{}{"b"}

	snap := c.Snapshot()
	snap["p"].(map[string]interface{})["extra"] = true

	again := c.Snapshot()
	assert.Equal(t, []interface{}{"a"}, again["p"].(map[string]interface{})["items"])
	_, leaked := again["p"].(map[string]interface{})["extra"]
	assert.False(t, leaked)
}

func TestLookupMissing(t *testing.T) {
	snap := map[string]interface{}{"a": map[string]interface{}{"b": 1}}
	_, ok := Lookup(snap, "a.c")
	assert.False(t, ok)
	_, ok = Lookup(snap, "a.b.c")
	assert.False(t, ok)
	_, ok = Lookup(snap, "x")
	assert.False(t, ok)
}

func TestSetPath(t *testing.T) {
	dst := map[string]interface{}{}
	SetPath(dst, "draft.meta.words", 120)
	v, ok := Lookup(dst, "draft.meta.words")
	require.True(t, ok)
	assert.Equal(t, 120, v)
}

func TestInstanceStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to InstanceStatus
		want     bool
	}{
		{InstanceStatusPending, InstanceStatusRunning, true},
		{InstanceStatusRunning, InstanceStatusPaused, true},
		{InstanceStatusPaused, InstanceStatusRunning, true},
		{InstanceStatusPaused, InstanceStatusCancelled, true},
		{InstanceStatusPaused, InstanceStatusComplete, false},
		{InstanceStatusComplete, InstanceStatusRunning, false},
		{InstanceStatusFailed, InstanceStatusRunning, false},
		{InstanceStatusCancelled, InstanceStatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCheckpointState_RoundTrip(t *testing.T) {
	inst := &Instance{
		ID:     "i-1",
		Status: InstanceStatusRunning,
		Active: []Activation{{ExecID: "e-1", PhaseID: "draft"}},
		Joins:  map[PhaseID]*JoinState{"join": {Generation: 1, Arrived: []PhaseID{"a"}}},
	}
	inst.Context.Append("draft", "draft", map[string]interface{}{"text": "x"})

	data, err := NewCheckpointState(inst).Encode()
	require.NoError(t, err)
	state, err := DecodeCheckpointState(data)
	require.NoError(t, err)

	assert.Equal(t, InstanceStatusRunning, state.Status)
	assert.Equal(t, inst.Active, state.Active)
	assert.True(t, state.Joins["join"].HasArrived("a"))
	require.Len(t, state.Context, 1)
	assert.Equal(t, "draft", state.Context[0].Key)
}

func TestParseWorkflowRef(t *testing.T) {
	id, v := ParseWorkflowRef("essay@1.2.0")
	assert.Equal(t, WorkflowID("essay"), id)
	assert.Equal(t, "1.2.0", v)

	id, v = ParseWorkflowRef("essay")
	assert.Equal(t, WorkflowID("essay"), id)
	assert.Empty(t, v)
}
