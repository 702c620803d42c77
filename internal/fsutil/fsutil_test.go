package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "def.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: demo\n"), 0o600))

	data, err := ReadFileScoped(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "id: demo\n", string(data))

	data, err = ReadFileScoped(path, 9)
	require.NoError(t, err)
	assert.Len(t, data, 9)
}

func TestReadFileScoped_SizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o600))

	_, err := ReadFileScoped(path, 99)
	assert.ErrorContains(t, err, "exceeds 99 bytes")
}

func TestReadFileScoped_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "nope.txt")},
		{name: "missing directory", path: filepath.Join(dir, "nodir", "file.txt")},
		{name: "directory itself", path: dir + string(filepath.Separator) + "."},
		{name: "root", path: string(filepath.Separator)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFileScoped(tt.path, 0)
			assert.Error(t, err)
		})
	}
}

func TestReadFileScoped_SymlinkEscape(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	dir := t.TempDir()
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := ReadFileScoped(link, 0)
	assert.Error(t, err)
}
