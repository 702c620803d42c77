package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type instanceRow struct {
	active  string
	joins   sql.NullString
	context string
}

func encodeInstance(inst *core.Instance) (instanceRow, error) {
	var row instanceRow
	active := inst.Active
	if active == nil {
		active = []core.Activation{}
	}
	data, err := json.Marshal(active)
	if err != nil {
		return row, fmt.Errorf("marshaling active set: %w", err)
	}
	row.active = string(data)

	if len(inst.Joins) > 0 {
		data, err = json.Marshal(inst.Joins)
		if err != nil {
			return row, fmt.Errorf("marshaling joins: %w", err)
		}
		row.joins = sql.NullString{String: string(data), Valid: true}
	}

	writes := inst.Context.Writes
	if writes == nil {
		writes = []core.ContextWrite{}
	}
	data, err = json.Marshal(writes)
	if err != nil {
		return row, fmt.Errorf("marshaling context: %w", err)
	}
	row.context = string(data)
	return row, nil
}

func scanInstance(s rowScanner) (*core.Instance, error) {
	var (
		inst        core.Instance
		active      string
		joins       sql.NullString
		context     string
		parentID    sql.NullString
		parentPhase sql.NullString
		errText     sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	err := s.Scan(
		&inst.ID, &inst.WorkflowID, &inst.Version, &inst.Status, &active, &joins, &context,
		&parentID, &parentPhase, &errText, &inst.Revision, &inst.CheckpointSeq,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(active), &inst.Active); err != nil {
		return nil, fmt.Errorf("unmarshaling active set: %w", err)
	}
	if joins.Valid && joins.String != "" {
		if err := json.Unmarshal([]byte(joins.String), &inst.Joins); err != nil {
			return nil, fmt.Errorf("unmarshaling joins: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(context), &inst.Context.Writes); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}
	inst.ParentInstanceID = core.InstanceID(parentID.String)
	inst.ParentPhaseID = core.PhaseID(parentPhase.String)
	inst.Error = errText.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	inst.CompletedAt = parseNullTime(completedAt)
	return &inst, nil
}

func scanExecution(s rowScanner) (*core.PhaseExecution, error) {
	var (
		exec        core.PhaseExecution
		startedAt   sql.NullString
		completedAt sql.NullString
		output      sql.NullString
		errText     sql.NullString
		child       sql.NullString
	)
	err := s.Scan(
		&exec.ID, &exec.InstanceID, &exec.PhaseID, &exec.Kind, &exec.Status, &exec.Attempts,
		&startedAt, &completedAt, &output, &errText, &child,
	)
	if err != nil {
		return nil, err
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &exec.Output); err != nil {
			return nil, fmt.Errorf("unmarshaling output: %w", err)
		}
	}
	exec.StartedAt = parseNullTime(startedAt)
	exec.CompletedAt = parseNullTime(completedAt)
	exec.Error = errText.String
	exec.ChildInstanceID = core.InstanceID(child.String)
	return &exec, nil
}

func scanCheckpoint(s rowScanner) (*core.Checkpoint, error) {
	var (
		cp        core.Checkpoint
		phaseID   sql.NullString
		snapshot  string
		createdAt string
	)
	if err := s.Scan(&cp.ID, &cp.InstanceID, &phaseID, &cp.Seq, &snapshot, &createdAt); err != nil {
		return nil, err
	}
	cp.PhaseID = core.PhaseID(phaseID.String)
	cp.Snapshot = []byte(snapshot)
	cp.CreatedAt = parseTime(createdAt)
	return &cp, nil
}

func marshalNullable(v map[string]interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// compareVersions orders dotted versions numerically segment by segment,
// falling back to string comparison for non-numeric segments.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
