package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateEngine(&cfg.Engine)
	v.validateRunner(&cfg.Runner)
	v.validateEvents(&cfg.Events)
	v.validateTrace(&cfg.Trace)
	v.validateServer(&cfg.Server)
	v.validateDefinitions(&cfg.Definitions)
	v.validateDiagnostics(&cfg.Diagnostics)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	if cfg.Path == "" {
		v.addError("state.path", cfg.Path, "path required")
	} else if !isValidPath(cfg.Path) {
		v.addError("state.path", cfg.Path, "invalid file path")
	}
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	if cfg.MaxParallel < 0 {
		v.addError("engine.max_parallel", cfg.MaxParallel, "must be zero (unlimited) or positive")
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 20 {
		v.addError("engine.retry.max_attempts", r.MaxAttempts, "must be between 1 and 20")
	}
	base := v.validateDuration("engine.retry.base_delay", r.BaseDelay)
	maxDelay := v.validateDuration("engine.retry.max_delay", r.MaxDelay)
	if base > 0 && maxDelay > 0 && maxDelay < base {
		v.addError("engine.retry.max_delay", r.MaxDelay, "must not be less than base_delay")
	}
	if r.Multiplier < 1 {
		v.addError("engine.retry.multiplier", r.Multiplier, "must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		v.addError("engine.retry.jitter", r.Jitter, "must be between 0 and 1")
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	v.validateDuration("runner.timeout", cfg.Timeout)
	v.validateDuration("runner.liveness_timeout", cfg.LivenessTimeout)

	for _, name := range sortedKeys(cfg.Commands) {
		if strings.TrimSpace(cfg.Commands[name].Path) == "" {
			v.addError("runner.commands."+name+".path", "", "command path required")
		}
	}
	for name, rl := range cfg.RateLimits {
		if rl.Rate < 0 {
			v.addError("runner.rate_limits."+name+".rate", rl.Rate, "must not be negative")
		}
		if rl.Burst < 0 {
			v.addError("runner.rate_limits."+name+".burst", rl.Burst, "must not be negative")
		}
	}
}

func (v *Validator) validateEvents(cfg *EventsConfig) {
	if cfg.BufferSize < 1 {
		v.addError("events.buffer_size", cfg.BufferSize, "must be positive")
	}
}

func (v *Validator) validateTrace(cfg *TraceConfig) {
	if cfg.Mode != "off" && cfg.Mode != "events" {
		v.addError("trace.mode", cfg.Mode, "must be one of: off, events")
	}
	if cfg.Mode == "events" && cfg.Dir == "" {
		v.addError("trace.dir", cfg.Dir, "directory required when tracing")
	}
	if cfg.MaxRecordBytes < 0 {
		v.addError("trace.max_record_bytes", cfg.MaxRecordBytes, "must not be negative")
	}
	if cfg.MaxInstanceBytes < 0 {
		v.addError("trace.max_instance_bytes", cfg.MaxInstanceBytes, "must not be negative")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("server.addr", cfg.Addr, "must be host:port")
	}
	if cfg.ShutdownTimeout != "" {
		v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
	}
}

func (v *Validator) validateDefinitions(cfg *DefinitionsConfig) {
	if cfg.Watch && cfg.Dir == "" {
		v.addError("definitions.dir", cfg.Dir, "directory required when watch is enabled")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Interval != "" {
		if d := v.validateDuration("diagnostics.interval", cfg.Interval); d > 0 && d < time.Second {
			v.addError("diagnostics.interval", cfg.Interval, "must be at least 1s")
		}
	}
	if cfg.FDThresholdPercent < 0 || cfg.FDThresholdPercent > 100 {
		v.addError("diagnostics.fd_threshold_percent", cfg.FDThresholdPercent, "must be between 0 and 100")
	}
	if cfg.GoroutineThreshold < 0 {
		v.addError("diagnostics.goroutine_threshold", cfg.GoroutineThreshold, "must not be negative")
	}
	if cfg.MemoryThresholdMB < 0 {
		v.addError("diagnostics.memory_threshold_mb", cfg.MemoryThresholdMB, "must not be negative")
	}
	if cfg.HistorySize < 0 {
		v.addError("diagnostics.history_size", cfg.HistorySize, "must not be negative")
	}
}

func (v *Validator) validateDuration(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return 0
	}
	if d < 0 {
		v.addError(field, value, "must not be negative")
		return 0
	}
	return d
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

func sortedKeys(m map[string]CommandConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
