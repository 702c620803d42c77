package state

import (
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// NewStateStore opens the SQLite store at path.
// The path should be the state DB path (e.g., ".quorum-flow/state.db").
func NewStateStore(path string) (core.StateStore, error) {
	// Ensure path has .db extension for SQLite
	if !strings.HasSuffix(path, ".db") {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
	}
	return NewSQLiteStore(path)
}

// Compile-time check
var _ core.StateStore = (*SQLiteStore)(nil)
