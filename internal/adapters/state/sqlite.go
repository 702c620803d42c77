package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

const timeLayout = time.RFC3339Nano

// SQLiteStore implements core.StateStore with SQLite storage.
// Writes to one instance are serialized in-process; SQLite serializes the
// commit itself, so writes to distinct instances never wait on each other's logic.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	locks  sync.Map // core.InstanceID -> *sync.Mutex
	defsMu sync.Mutex
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{dbPath: dbPath}
	for _, opt := range opts {
		opt(s)
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL for concurrent readers, immediate transactions so writers queue on busy_timeout
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) instanceLock(id core.InstanceID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// =============================================================================
// Definitions
// =============================================================================

// SaveDefinition stores a definition version.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *core.WorkflowDefinition) error {
	if def.ID == "" || def.Version == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "definition needs an id and a version")
	}
	digest, err := def.Digest()
	if err != nil {
		return err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	s.defsMu.Lock()
	defer s.defsMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT digest FROM definitions WHERE id = ? AND version = ?", def.ID, def.Version).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
		body, err = json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshaling definition: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO definitions (id, version, name, digest, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, def.ID, def.Version, def.Name, digest, string(body), formatTime(def.CreatedAt), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting definition: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading definition: %w", err)
	case existing == digest:
		return nil
	default:
		var holder string
		err = tx.QueryRowContext(ctx, `
			SELECT instance_id FROM version_locks
			WHERE workflow_id = ? AND version = ? AND active = 1
			ORDER BY acquired_at LIMIT 1
		`, def.ID, def.Version).Scan(&holder)
		if err == nil {
			return core.ErrVersionLocked(def.ID, def.Version, core.InstanceID(holder))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking version locks: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE definitions SET name = ?, digest = ?, body = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`, def.Name, digest, string(body), formatTime(now), def.ID, def.Version)
		if err != nil {
			return fmt.Errorf("updating definition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetDefinition loads a definition. An empty version selects the highest version.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id core.WorkflowID, version string) (*core.WorkflowDefinition, error) {
	if version == "" {
		versions, err := s.definitionVersions(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, core.ErrNotFound("workflow", string(id))
		}
		version = versions[len(versions)-1]
	}

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM definitions WHERE id = ? AND version = ?", id, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("workflow", fmt.Sprintf("%s@%s", id, version))
	}
	if err != nil {
		return nil, fmt.Errorf("loading definition: %w", err)
	}

	var def core.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}
	return &def, nil
}

func (s *SQLiteStore) definitionVersions(ctx context.Context, id core.WorkflowID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM definitions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
	return versions, rows.Err()
}

// ListDefinitions returns a summary of every stored definition version.
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]core.DefinitionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.version, d.body, d.created_at,
			EXISTS (SELECT 1 FROM version_locks l
				WHERE l.workflow_id = d.id AND l.version = d.version AND l.active = 1)
		FROM definitions d
		ORDER BY d.id, d.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	defer rows.Close()

	var out []core.DefinitionSummary
	for rows.Next() {
		var (
			sum       core.DefinitionSummary
			body      string
			createdAt string
			locked    int
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Version, &body, &createdAt, &locked); err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		var def core.WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err == nil {
			sum.Phases = len(def.Phases)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.Locked = locked == 1
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// Instances and locks
// =============================================================================

// CreateInstance inserts the instance, its version lock and its first checkpoint.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *core.Instance, cp *core.Checkpoint) error {
	mu := s.instanceLock(inst.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM definitions WHERE id = ? AND version = ?", inst.WorkflowID, inst.Version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking definition: %w", err)
	}
	if exists == 0 {
		return core.ErrNotFound("workflow", fmt.Sprintf("%s@%s", inst.WorkflowID, inst.Version))
	}

	if inst.Revision == 0 {
		inst.Revision = 1
	}
	row, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances (
			id, workflow_id, version, status, active, joins, context,
			parent_instance_id, parent_phase_id, error, revision, checkpoint_seq,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID, inst.WorkflowID, inst.Version, inst.Status, row.active, row.joins, row.context,
		nullableString(string(inst.ParentInstanceID)), nullableString(string(inst.ParentPhaseID)),
		nullableString(inst.Error), inst.Revision, inst.CheckpointSeq,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt), nullableTime(inst.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	if _, err := s.lockVersionTx(ctx, tx, inst.WorkflowID, inst.Version, inst.ID); err != nil {
		return err
	}

	if cp != nil {
		if err := insertCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LockVersion pins workflowID@version for instanceID.
func (s *SQLiteStore) LockVersion(ctx context.Context, workflowID core.WorkflowID, version string, instanceID core.InstanceID) (*core.VersionLock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lock, err := s.lockVersionTx(ctx, tx, workflowID, version, instanceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return lock, nil
}

func (s *SQLiteStore) lockVersionTx(ctx context.Context, tx *sql.Tx, workflowID core.WorkflowID, version string, instanceID core.InstanceID) (*core.VersionLock, error) {
	lock := &core.VersionLock{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Version:    version,
		InstanceID: instanceID,
		Active:     true,
		AcquiredAt: time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO version_locks (id, workflow_id, version, instance_id, active, acquired_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (workflow_id, version, instance_id) DO NOTHING
	`, lock.ID, workflowID, version, instanceID, formatTime(lock.AcquiredAt))
	if err != nil {
		return nil, fmt.Errorf("acquiring version lock: %w", err)
	}

	var (
		active     int
		acquiredAt string
		releasedAt sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, active, acquired_at, released_at FROM version_locks
		WHERE workflow_id = ? AND version = ? AND instance_id = ?
	`, workflowID, version, instanceID).Scan(&lock.ID, &active, &acquiredAt, &releasedAt)
	if err != nil {
		return nil, fmt.Errorf("reading version lock: %w", err)
	}
	lock.Active = active == 1
	lock.AcquiredAt = parseTime(acquiredAt)
	lock.ReleasedAt = parseNullTime(releasedAt)
	return lock, nil
}

// ActiveLocks lists the locks currently held on workflowID@version.
func (s *SQLiteStore) ActiveLocks(ctx context.Context, workflowID core.WorkflowID, version string) ([]*core.VersionLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, acquired_at FROM version_locks
		WHERE workflow_id = ? AND version = ? AND active = 1
		ORDER BY acquired_at
	`, workflowID, version)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	defer rows.Close()

	var locks []*core.VersionLock
	for rows.Next() {
		lock := &core.VersionLock{WorkflowID: workflowID, Version: version, Active: true}
		var acquiredAt string
		if err := rows.Scan(&lock.ID, &lock.InstanceID, &acquiredAt); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		lock.AcquiredAt = parseTime(acquiredAt)
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

const instanceColumns = `id, workflow_id, version, status, active, joins, context,
	parent_instance_id, parent_phase_id, error, revision, checkpoint_seq,
	created_at, updated_at, completed_at`

// GetInstance loads one instance.
func (s *SQLiteStore) GetInstance(ctx context.Context, id core.InstanceID) (*core.Instance, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE id = ?", id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("instance", string(id))
	}
	return inst, err
}

// ListInstances returns instances matching filter, newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, filter core.InstanceFilter) ([]*core.Instance, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Parent != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.Parent)
	}
	if filter.TopLevel {
		where = append(where, "parent_instance_id IS NULL")
	}

	query := "SELECT " + instanceColumns + " FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var out []*core.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// Transitions
// =============================================================================

// CommitTransition applies t atomically.
func (s *SQLiteStore) CommitTransition(ctx context.Context, t *core.Transition) error {
	if t == nil || t.Instance == nil || t.Checkpoint == nil {
		return core.ErrValidation(core.CodeInvalidState, "transition needs an instance and a checkpoint")
	}
	inst := t.Instance

	mu := s.instanceLock(inst.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The same checkpoint at an existing seq means this transition was
	// already applied. A different checkpoint at that seq lost a race.
	var storedID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM checkpoints WHERE instance_id = ? AND seq = ?", inst.ID, t.Checkpoint.Seq).Scan(&storedID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("checking checkpoint: %w", err)
	default:
		var current int64
		if err := tx.QueryRowContext(ctx, "SELECT revision FROM instances WHERE id = ?", inst.ID).Scan(&current); err != nil {
			return fmt.Errorf("reading revision: %w", err)
		}
		if storedID != t.Checkpoint.ID {
			return core.ErrConcurrencyConflict(inst.ID, inst.Revision, current)
		}
		inst.Revision = current
		return nil
	}

	row, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE instances SET
			status = ?, active = ?, joins = ?, context = ?, error = ?,
			revision = revision + 1, checkpoint_seq = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND revision = ?
	`,
		inst.Status, row.active, row.joins, row.context, nullableString(inst.Error),
		t.Checkpoint.Seq, formatTime(inst.UpdatedAt), nullableTime(inst.CompletedAt),
		inst.ID, inst.Revision,
	)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}
	if affected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, "SELECT revision FROM instances WHERE id = ?", inst.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound("instance", string(inst.ID))
		}
		if err != nil {
			return fmt.Errorf("reading revision: %w", err)
		}
		return core.ErrConcurrencyConflict(inst.ID, inst.Revision, current)
	}

	for _, exec := range t.Executions {
		if err := upsertExecution(ctx, tx, exec); err != nil {
			return fmt.Errorf("writing execution %s: %w", exec.ID, err)
		}
	}

	if t.GateResult != nil {
		if err := insertGateResult(ctx, tx, t.GateResult); err != nil {
			return err
		}
	}

	if err := insertCheckpoint(ctx, tx, t.Checkpoint); err != nil {
		return err
	}

	if inst.Status.Terminal() {
		_, err := tx.ExecContext(ctx, `
			UPDATE version_locks SET active = 0, released_at = ?
			WHERE instance_id = ? AND active = 1
		`, formatTime(time.Now().UTC()), inst.ID)
		if err != nil {
			return fmt.Errorf("releasing version lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	inst.Revision++
	inst.CheckpointSeq = t.Checkpoint.Seq
	return nil
}

func upsertExecution(ctx context.Context, tx *sql.Tx, exec *core.PhaseExecution) error {
	output, err := marshalNullable(exec.Output)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO phase_executions (
			id, instance_id, phase_id, kind, status, attempts,
			started_at, completed_at, output, error, child_instance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			started_at = COALESCE(phase_executions.started_at, excluded.started_at),
			completed_at = excluded.completed_at,
			output = excluded.output,
			error = excluded.error,
			child_instance_id = COALESCE(excluded.child_instance_id, phase_executions.child_instance_id)
	`,
		exec.ID, exec.InstanceID, exec.PhaseID, exec.Kind, exec.Status, exec.Attempts,
		nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt), output,
		nullableString(exec.Error), nullableString(string(exec.ChildInstanceID)),
	)
	return err
}

func insertGateResult(ctx context.Context, tx *sql.Tx, g *core.QualityGateResult) error {
	detail, err := marshalNullable(g.Detail)
	if err != nil {
		return err
	}
	var score sql.NullFloat64
	if g.Score != nil {
		score = sql.NullFloat64{Float64: *g.Score, Valid: true}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO gate_results (
			id, instance_id, phase_id, execution_id, gate_kind, criteria, result, score, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO NOTHING
	`,
		g.ID, g.InstanceID, g.PhaseID, g.ExecutionID, g.GateKind, g.Criteria, g.Result,
		score, detail, formatTime(g.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting gate result: %w", err)
	}
	return nil
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, cp *core.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, instance_id, phase_id, seq, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, seq) DO NOTHING
	`, cp.ID, cp.InstanceID, nullableString(string(cp.PhaseID)), cp.Seq, string(cp.Snapshot), formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

const executionColumns = `id, instance_id, phase_id, kind, status, attempts,
	started_at, completed_at, output, error, child_instance_id`

// GetPhaseExecution loads one execution row.
func (s *SQLiteStore) GetPhaseExecution(ctx context.Context, id core.ExecutionID) (*core.PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM phase_executions WHERE id = ?", id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("phase execution", string(id))
	}
	return exec, err
}

// ListPhaseExecutions returns an instance's executions in creation order.
func (s *SQLiteStore) ListPhaseExecutions(ctx context.Context, id core.InstanceID) ([]*core.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM phase_executions WHERE instance_id = ? ORDER BY rowid", id)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*core.PhaseExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ListGateResults returns an instance's gate results in creation order.
func (s *SQLiteStore) ListGateResults(ctx context.Context, id core.InstanceID) ([]*core.QualityGateResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, phase_id, execution_id, gate_kind, criteria, result, score, detail, created_at
		FROM gate_results WHERE instance_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("listing gate results: %w", err)
	}
	defer rows.Close()

	var out []*core.QualityGateResult
	for rows.Next() {
		var (
			g         core.QualityGateResult
			score     sql.NullFloat64
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&g.ID, &g.InstanceID, &g.PhaseID, &g.ExecutionID, &g.GateKind,
			&g.Criteria, &g.Result, &score, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning gate result: %w", err)
		}
		if score.Valid {
			v := score.Float64
			g.Score = &v
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &g.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling gate detail: %w", err)
			}
		}
		g.CreatedAt = parseTime(createdAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ListCheckpoints returns an instance's checkpoints in seq order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, id core.InstanceID) ([]*core.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, phase_id, seq, snapshot, created_at
		FROM checkpoints WHERE instance_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the checkpoint with the highest seq.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, id core.InstanceID) (*core.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, phase_id, seq, snapshot, created_at
		FROM checkpoints WHERE instance_id = ? ORDER BY seq DESC LIMIT 1
	`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("checkpoint", string(id))
	}
	return cp, err
}
