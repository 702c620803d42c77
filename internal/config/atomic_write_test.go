package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := AtomicWrite(path, []byte(DefaultConfigYAML)); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != DefaultConfigYAML {
		t.Error("content mismatch")
	}

	if err := AtomicWrite(path, []byte("log:\n  level: debug\n")); err != nil {
		t.Fatalf("AtomicWrite(overwrite) error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "log:\n  level: debug\n" {
		t.Errorf("overwrite content = %q", data)
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".config.yaml.*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestAtomicWrite_PreservesPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte("b")); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestDefaultConfigYAMLLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(DefaultConfigYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.Runner.Commands["echo"].Path != "sh" {
		t.Errorf("Runner.Commands = %+v", cfg.Runner.Commands)
	}
}

func TestCalculateETag(t *testing.T) {
	a := CalculateETag([]byte("one"))
	if a != CalculateETag([]byte("one")) {
		t.Error("ETag should be deterministic")
	}
	if a == CalculateETag([]byte("two")) {
		t.Error("different content should give different ETags")
	}
	if a[0] != '"' || a[len(a)-1] != '"' {
		t.Errorf("ETag should be quoted, got %s", a)
	}
}
