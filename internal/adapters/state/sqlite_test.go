package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDefinition(version string) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID:      "review",
		Name:    "Review",
		Version: version,
		Phases: []core.Phase{
			{ID: "draft", Kind: core.PhaseKindWriting},
			{ID: "check", Kind: core.PhaseKindGate, Condition: "score >= 0.8"},
		},
		Edges: []core.Edge{
			{Source: "draft", Target: "check", Kind: core.EdgeKindDefault},
		},
	}
}

func testInstance(id string, def *core.WorkflowDefinition) *core.Instance {
	now := time.Now().UTC()
	return &core.Instance{
		ID:         core.InstanceID(id),
		WorkflowID: def.ID,
		Version:    def.Version,
		Status:     core.InstanceStatusRunning,
		Active:     []core.Activation{{ExecID: core.ExecutionID(id + "-e1"), PhaseID: "draft"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func checkpointFor(inst *core.Instance, seq int64) *core.Checkpoint {
	snap, _ := core.NewCheckpointState(inst).Encode()
	return &core.Checkpoint{
		ID:         fmt.Sprintf("%s-cp-%d", inst.ID, seq),
		InstanceID: inst.ID,
		Seq:        seq,
		Snapshot:   snap,
	}
}

func createTestInstance(t *testing.T, store *SQLiteStore, id string) (*core.WorkflowDefinition, *core.Instance) {
	t.Helper()
	ctx := context.Background()
	def := testDefinition("1.0.0")
	if err := store.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("SaveDefinition() error = %v", err)
	}
	inst := testInstance(id, def)
	if err := store.CreateInstance(ctx, inst, checkpointFor(inst, 0)); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return def, inst
}

func TestSQLiteStore_DefinitionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.2.0", "1.10.0", "1.9.3"} {
		if err := store.SaveDefinition(ctx, testDefinition(v)); err != nil {
			t.Fatalf("SaveDefinition(%s) error = %v", v, err)
		}
	}

	def, err := store.GetDefinition(ctx, "review", "1.2.0")
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if len(def.Phases) != 2 || def.Phases[1].Condition != "score >= 0.8" {
		t.Errorf("GetDefinition() phases = %+v", def.Phases)
	}

	latest, err := store.GetDefinition(ctx, "review", "")
	if err != nil {
		t.Fatalf("GetDefinition(latest) error = %v", err)
	}
	if latest.Version != "1.10.0" {
		t.Errorf("latest version = %s, want 1.10.0", latest.Version)
	}

	list, err := store.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListDefinitions() error = %v", err)
	}
	if len(list) != 3 {
		t.Errorf("ListDefinitions() len = %d, want 3", len(list))
	}

	_, err = store.GetDefinition(ctx, "missing", "")
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Errorf("GetDefinition(missing) error = %v, want not found", err)
	}
}

func TestSQLiteStore_SaveDefinitionRespectsLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def, inst := createTestInstance(t, store, "inst-1")

	// Identical content is accepted even while locked.
	if err := store.SaveDefinition(ctx, testDefinition(def.Version)); err != nil {
		t.Fatalf("SaveDefinition(identical) error = %v", err)
	}

	changed := testDefinition(def.Version)
	changed.Phases[1].Condition = "score >= 0.9"
	err := store.SaveDefinition(ctx, changed)
	if !core.IsCode(err, core.CodeVersionLocked) {
		t.Fatalf("SaveDefinition(changed) error = %v, want VERSION_LOCKED", err)
	}

	locks, err := store.ActiveLocks(ctx, def.ID, def.Version)
	if err != nil {
		t.Fatalf("ActiveLocks() error = %v", err)
	}
	if len(locks) != 1 || locks[0].InstanceID != inst.ID {
		t.Fatalf("ActiveLocks() = %+v", locks)
	}

	// Finishing the instance releases the lock.
	inst.Status = core.InstanceStatusComplete
	inst.Active = nil
	now := time.Now().UTC()
	inst.CompletedAt = &now
	if err := store.CommitTransition(ctx, &core.Transition{Instance: inst, Checkpoint: checkpointFor(inst, 1)}); err != nil {
		t.Fatalf("CommitTransition() error = %v", err)
	}
	if err := store.SaveDefinition(ctx, changed); err != nil {
		t.Fatalf("SaveDefinition(after release) error = %v", err)
	}
	reloaded, _ := store.GetDefinition(ctx, def.ID, def.Version)
	if reloaded.Phases[1].Condition != "score >= 0.9" {
		t.Errorf("definition not updated: %s", reloaded.Phases[1].Condition)
	}
}

func TestSQLiteStore_LockVersionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def, inst := createTestInstance(t, store, "inst-1")

	first, err := store.LockVersion(ctx, def.ID, def.Version, inst.ID)
	if err != nil {
		t.Fatalf("LockVersion() error = %v", err)
	}
	second, err := store.LockVersion(ctx, def.ID, def.Version, inst.ID)
	if err != nil {
		t.Fatalf("LockVersion() again error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("lock ids differ: %s vs %s", first.ID, second.ID)
	}
	locks, _ := store.ActiveLocks(ctx, def.ID, def.Version)
	if len(locks) != 1 {
		t.Errorf("ActiveLocks() len = %d, want 1", len(locks))
	}
}

func TestSQLiteStore_CreateInstanceRequiresDefinition(t *testing.T) {
	store := newTestStore(t)
	inst := testInstance("orphan", testDefinition("9.9.9"))
	err := store.CreateInstance(context.Background(), inst, checkpointFor(inst, 0))
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Fatalf("CreateInstance() error = %v, want not found", err)
	}
}

func TestSQLiteStore_CommitTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	started := time.Now().UTC()
	exec := &core.PhaseExecution{
		ID:         "inst-1-e1",
		InstanceID: inst.ID,
		PhaseID:    "draft",
		Kind:       core.PhaseKindWriting,
		Status:     core.ExecutionStatusRunning,
		StartedAt:  &started,
	}
	if err := store.CommitTransition(ctx, &core.Transition{
		Instance:   inst,
		Executions: []*core.PhaseExecution{exec},
		Checkpoint: checkpointFor(inst, 1),
	}); err != nil {
		t.Fatalf("CommitTransition(start) error = %v", err)
	}
	if inst.Revision != 2 {
		t.Errorf("Revision = %d, want 2", inst.Revision)
	}

	done := time.Now().UTC()
	exec.Status = core.ExecutionStatusComplete
	exec.Attempts = 1
	exec.CompletedAt = &done
	exec.Output = map[string]interface{}{"text": "hello"}
	inst.Context.Append("draft", "draft", map[string]interface{}{"text": "hello"})
	inst.Active = []core.Activation{{ExecID: "inst-1-e2", PhaseID: "check", From: "draft"}}
	if err := store.CommitTransition(ctx, &core.Transition{
		Instance:   inst,
		Executions: []*core.PhaseExecution{exec},
		Checkpoint: checkpointFor(inst, 2),
	}); err != nil {
		t.Fatalf("CommitTransition(complete) error = %v", err)
	}

	got, err := store.GetPhaseExecution(ctx, "inst-1-e1")
	if err != nil {
		t.Fatalf("GetPhaseExecution() error = %v", err)
	}
	if got.Status != core.ExecutionStatusComplete || got.Attempts != 1 || got.Output["text"] != "hello" {
		t.Errorf("execution = %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	loaded, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if loaded.Revision != 3 || loaded.CheckpointSeq != 2 {
		t.Errorf("revision/seq = %d/%d, want 3/2", loaded.Revision, loaded.CheckpointSeq)
	}
	if loaded.Context.Len() != 1 {
		t.Errorf("context writes = %d, want 1", loaded.Context.Len())
	}
	if ids := loaded.ActiveIDs(); len(ids) != 1 || ids[0] != "check" {
		t.Errorf("active = %v", ids)
	}
}

func TestSQLiteStore_CommitTransitionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	exec := &core.PhaseExecution{
		ID: "inst-1-e1", InstanceID: inst.ID, PhaseID: "check",
		Kind: core.PhaseKindGate, Status: core.ExecutionStatusComplete, Attempts: 1,
	}
	score := 0.9
	gate := &core.QualityGateResult{
		ID: "g1", InstanceID: inst.ID, PhaseID: "check", ExecutionID: exec.ID,
		GateKind: "score", Criteria: "score >= 0.8", Result: core.GatePass, Score: &score,
	}
	cp := checkpointFor(inst, 1)

	tr := &core.Transition{Instance: inst, Executions: []*core.PhaseExecution{exec}, GateResult: gate, Checkpoint: cp}
	if err := store.CommitTransition(ctx, tr); err != nil {
		t.Fatalf("CommitTransition() error = %v", err)
	}

	// Replaying with a stale revision must still be a no-op, not a conflict.
	replay := inst.Clone()
	replay.Revision = 1
	if err := store.CommitTransition(ctx, &core.Transition{
		Instance: replay, Executions: []*core.PhaseExecution{exec}, GateResult: gate, Checkpoint: cp,
	}); err != nil {
		t.Fatalf("CommitTransition(replay) error = %v", err)
	}
	if replay.Revision != inst.Revision {
		t.Errorf("replay revision = %d, want %d", replay.Revision, inst.Revision)
	}

	gates, err := store.ListGateResults(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ListGateResults() error = %v", err)
	}
	if len(gates) != 1 {
		t.Fatalf("gate results = %d, want 1", len(gates))
	}
	if gates[0].Score == nil || *gates[0].Score != 0.9 {
		t.Errorf("score = %v", gates[0].Score)
	}
	cps, _ := store.ListCheckpoints(ctx, inst.ID)
	if len(cps) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(cps))
	}
}

func TestSQLiteStore_CommitTransitionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	stale := inst.Clone()
	if err := store.CommitTransition(ctx, &core.Transition{Instance: inst, Checkpoint: checkpointFor(inst, 1)}); err != nil {
		t.Fatalf("CommitTransition() error = %v", err)
	}
	err := store.CommitTransition(ctx, &core.Transition{Instance: stale, Checkpoint: checkpointFor(stale, 2)})
	if !core.IsCode(err, core.CodeConcurrencyConflict) {
		t.Fatalf("CommitTransition(stale) error = %v, want CONCURRENCY_CONFLICT", err)
	}
}

func TestSQLiteStore_CommitTransitionRacingSameSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	winner := inst.Clone()
	loser := inst.Clone()

	winner.Context.Append("draft", "writer", "a")
	if err := store.CommitTransition(ctx, &core.Transition{Instance: winner, Checkpoint: checkpointFor(winner, 1)}); err != nil {
		t.Fatalf("CommitTransition(winner) error = %v", err)
	}

	loser.Context.Append("draft", "writer", "b")
	loser.Status = core.InstanceStatusPaused
	cp := checkpointFor(loser, 1)
	cp.ID = "other-writer-cp-1"
	err := store.CommitTransition(ctx, &core.Transition{Instance: loser, Checkpoint: cp})
	if !core.IsCode(err, core.CodeConcurrencyConflict) {
		t.Fatalf("CommitTransition(loser) error = %v, want CONCURRENCY_CONFLICT", err)
	}

	loaded, err := store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if loaded.Status != core.InstanceStatusRunning {
		t.Errorf("status = %s, want running", loaded.Status)
	}
	if got := loaded.Context.Snapshot()["writer"]; got != "a" {
		t.Errorf("stored writer = %v, want a", got)
	}
}

func TestSQLiteStore_LatestCheckpointMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	for seq := int64(1); seq <= 5; seq++ {
		inst.Context.Append("draft", "n", seq)
		if err := store.CommitTransition(ctx, &core.Transition{Instance: inst, Checkpoint: checkpointFor(inst, seq)}); err != nil {
			t.Fatalf("CommitTransition(%d) error = %v", seq, err)
		}
		latest, err := store.LatestCheckpoint(ctx, inst.ID)
		if err != nil {
			t.Fatalf("LatestCheckpoint() error = %v", err)
		}
		if latest.Seq != seq {
			t.Errorf("latest seq = %d, want %d", latest.Seq, seq)
		}
		state, err := core.DecodeCheckpointState(latest.Snapshot)
		if err != nil {
			t.Fatalf("DecodeCheckpointState() error = %v", err)
		}
		if len(state.Context) != int(seq) {
			t.Errorf("snapshot writes = %d, want %d", len(state.Context), seq)
		}
	}
}

func TestSQLiteStore_ConcurrentInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def := testDefinition("1.0.0")
	if err := store.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("SaveDefinition() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := testInstance("inst-"+string(rune('a'+i)), def)
			if err := store.CreateInstance(ctx, inst, checkpointFor(inst, 0)); err != nil {
				errs <- err
				return
			}
			for seq := int64(1); seq <= 3; seq++ {
				if err := store.CommitTransition(ctx, &core.Transition{Instance: inst, Checkpoint: checkpointFor(inst, seq)}); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write error = %v", err)
	}

	list, err := store.ListInstances(ctx, core.InstanceFilter{WorkflowID: def.ID})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(list) != 8 {
		t.Errorf("ListInstances() len = %d, want 8", len(list))
	}
	locks, _ := store.ActiveLocks(ctx, def.ID, def.Version)
	if len(locks) != 8 {
		t.Errorf("ActiveLocks() len = %d, want 8", len(locks))
	}
}

func TestSQLiteStore_ListInstancesFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def, parent := createTestInstance(t, store, "parent")

	child := testInstance("child", def)
	child.ParentInstanceID = parent.ID
	child.ParentPhaseID = "draft"
	child.Status = core.InstanceStatusPaused
	if err := store.CreateInstance(ctx, child, checkpointFor(child, 0)); err != nil {
		t.Fatalf("CreateInstance(child) error = %v", err)
	}

	top, _ := store.ListInstances(ctx, core.InstanceFilter{TopLevel: true})
	if len(top) != 1 || top[0].ID != parent.ID {
		t.Errorf("top-level = %v", top)
	}
	kids, _ := store.ListInstances(ctx, core.InstanceFilter{Parent: parent.ID})
	if len(kids) != 1 || kids[0].ParentPhaseID != "draft" {
		t.Errorf("children = %v", kids)
	}
	paused, _ := store.ListInstances(ctx, core.InstanceFilter{Statuses: []core.InstanceStatus{core.InstanceStatusPaused}})
	if len(paused) != 1 || paused[0].ID != child.ID {
		t.Errorf("paused = %v", paused)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()
	def := testDefinition("1.0.0")
	_ = store.SaveDefinition(ctx, def)
	inst := testInstance("inst-1", def)
	if err := store.CreateInstance(ctx, inst, checkpointFor(inst, 0)); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	_ = store.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(reopen) error = %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.Status != core.InstanceStatusRunning || got.Revision != 1 {
		t.Errorf("instance = %+v", got)
	}
}

func TestExportInstance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, inst := createTestInstance(t, store, "inst-1")

	out := filepath.Join(t.TempDir(), "exports", "inst-1.json")
	if err := ExportInstance(ctx, store, inst.ID, out); err != nil {
		t.Fatalf("ExportInstance() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var exp InstanceExport
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if exp.Instance.ID != inst.ID || exp.Definition.Version != "1.0.0" || len(exp.Checkpoints) != 1 {
		t.Errorf("export = %+v", exp)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2", "1.9.9", 1},
		{"v1.1", "1.1", 0},
		{"1.0.0-beta", "1.0.0-alpha", 1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
