package core

import (
	"strings"
	"time"
)

// ContextWrite is one namespaced entry of the execution context log.
type ContextWrite struct {
	Seq     int64       `json:"seq"`
	PhaseID PhaseID     `json:"phase_id,omitempty"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
	At      time.Time   `json:"at"`
}

// ExecutionContext is an append-only log of writes. Readers work on snapshots.
type ExecutionContext struct {
	Writes []ContextWrite `json:"writes"`
}

// Len returns the number of writes in the log.
func (c *ExecutionContext) Len() int {
	return len(c.Writes)
}

// Append records a write under key and returns it.
func (c *ExecutionContext) Append(phaseID PhaseID, key string, value interface{}) ContextWrite {
	w := ContextWrite{
		Seq:     int64(len(c.Writes) + 1),
		PhaseID: phaseID,
		Key:     key,
		Value:   CloneValue(value),
		At:      time.Now(),
	}
	c.Writes = append(c.Writes, w)
	return w
}

// Snapshot replays the whole log.
func (c *ExecutionContext) Snapshot() map[string]interface{} {
	return c.SnapshotAt(len(c.Writes))
}

// SnapshotAt replays the first n writes. Later writes to a key replace earlier ones.
func (c *ExecutionContext) SnapshotAt(n int) map[string]interface{} {
	if n > len(c.Writes) {
		n = len(c.Writes)
	}
	out := make(map[string]interface{})
	for _, w := range c.Writes[:n] {
		out[w.Key] = CloneValue(w.Value)
	}
	return out
}

// Clone copies the log.
func (c ExecutionContext) Clone() ExecutionContext {
	return ExecutionContext{Writes: append([]ContextWrite(nil), c.Writes...)}
}

// Lookup resolves a dotted path against a snapshot.
func Lookup(snapshot map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath stores value at a dotted path, creating intermediate maps.
func SetPath(dst map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := dst
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// CloneValue deep-copies the map and slice shapes produced by JSON decoding.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = CloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = CloneValue(val)
		}
		return s
	default:
		return v
	}
}
