package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	State       StateConfig       `mapstructure:"state"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Events      EventsConfig      `mapstructure:"events"`
	Trace       TraceConfig       `mapstructure:"trace"`
	Server      ServerConfig      `mapstructure:"server"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StateConfig configures the SQLite state store.
type StateConfig struct {
	Path      string `mapstructure:"path"`
	ExportDir string `mapstructure:"export_dir"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	// MaxParallel caps concurrently dispatched phases per instance. 0 means unlimited.
	MaxParallel int         `mapstructure:"max_parallel"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig configures runner retries.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelay   string  `mapstructure:"base_delay"`
	MaxDelay    string  `mapstructure:"max_delay"`
	Multiplier  float64 `mapstructure:"multiplier"`
	Jitter      float64 `mapstructure:"jitter"`
}

// RunnerConfig configures phase runner invocation.
type RunnerConfig struct {
	Timeout         string                     `mapstructure:"timeout"`
	LivenessTimeout string                     `mapstructure:"liveness_timeout"`
	Commands        map[string]CommandConfig   `mapstructure:"commands"`
	RateLimits      map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

// CommandConfig maps a runner name to an external command.
type CommandConfig struct {
	Path string   `mapstructure:"path"`
	Args []string `mapstructure:"args"`
	Env  []string `mapstructure:"env"`
	Dir  string   `mapstructure:"dir"`
	// Interactive keeps stdin open so SendInput reaches the command.
	Interactive bool `mapstructure:"interactive"`
}

// RateLimitConfig throttles invocations of one runner.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`  // invocations per second
	Burst float64 `mapstructure:"burst"` // bucket capacity
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// TraceConfig configures per-instance event traces.
type TraceConfig struct {
	Mode             string `mapstructure:"mode"` // off or events
	Dir              string `mapstructure:"dir"`
	MaxRecordBytes   int64  `mapstructure:"max_record_bytes"`
	MaxInstanceBytes int64  `mapstructure:"max_instance_bytes"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string   `mapstructure:"addr"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// DefinitionsConfig configures definition file import.
type DefinitionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// DiagnosticsConfig configures the resource monitor of the serve process.
type DiagnosticsConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Interval           string `mapstructure:"interval"`
	HistorySize        int    `mapstructure:"history_size"`
	FDThresholdPercent int    `mapstructure:"fd_threshold_percent"`
	GoroutineThreshold int    `mapstructure:"goroutine_threshold"`
	MemoryThresholdMB  int    `mapstructure:"memory_threshold_mb"`
}

// Duration parses a validated duration field. Empty or malformed values yield 0.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
