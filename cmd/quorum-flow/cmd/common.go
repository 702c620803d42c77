package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/runner"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
)

// loadConfig loads and validates the configuration from file, env and flags.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The returned function closes the log file, if any.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	closeFn := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	return logging.New(logging.Config{Level: level, Format: cfg.Log.Format, Output: out}), closeFn, nil
}

// engine is the in-process runtime shared by serve and the local control commands.
type engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    core.StateStore
	bus      *events.EventBus
	emitter  *events.Emitter
	tracer   *service.Tracer
	traceSub *events.Subscription
	orch     *workflow.Orchestrator
	monitor  *diagnostics.ResourceMonitor // nil when diagnostics are disabled
	closeLog func()
}

func newEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStateStore(cfg.State.Path)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	bus := events.New(cfg.Events.BufferSize)
	emitter := events.NewEmitter(bus, logger)
	tracer := service.NewTracer(service.TraceConfig{
		Mode:             cfg.Trace.Mode,
		Dir:              cfg.Trace.Dir,
		MaxRecordBytes:   cfg.Trace.MaxRecordBytes,
		MaxInstanceBytes: cfg.Trace.MaxInstanceBytes,
	}, logger)

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bus:      bus,
		emitter:  emitter,
		tracer:   tracer,
		traceSub: tracer.Attach(emitter),
		closeLog: closeLog,
	}

	var phaseRunner core.PhaseRunner = newRunner(cfg, logger)
	if cfg.Diagnostics.Enabled {
		e.monitor = newMonitor(cfg.Diagnostics, logger)
		phaseRunner = e.monitor.WrapRunner(phaseRunner)
	}

	orch, err := workflow.NewOrchestrator(workflow.OrchestratorDeps{
		Store:   store,
		Runner:  phaseRunner,
		Emitter: emitter,
		Retry:   newRetryPolicy(cfg.Engine.Retry),
		Limits:  newRateLimits(cfg.Runner.RateLimits),
		Metrics: service.NewMetricsCollector(),
		Logger:  logger,
		Config: workflow.Config{
			MaxParallel:     cfg.Engine.MaxParallel,
			RunnerTimeout:   config.Duration(cfg.Runner.Timeout),
			LivenessTimeout: config.Duration(cfg.Runner.LivenessTimeout),
		},
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.orch = orch
	return e, nil
}

// Close stops every run and releases the store.
func (e *engine) Close() {
	if e.orch != nil {
		e.orch.Close()
	}
	if e.traceSub != nil {
		e.traceSub.Close()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing state store", "error", err)
	}
	e.closeLog()
}

func newRunner(cfg *config.Config, logger *logging.Logger) *runner.ExecRunner {
	commands := make(map[string]runner.Command, len(cfg.Runner.Commands))
	for name, c := range cfg.Runner.Commands {
		commands[name] = runner.Command{
			Path:        c.Path,
			Args:        c.Args,
			Env:         c.Env,
			Dir:         c.Dir,
			Interactive: c.Interactive,
		}
	}
	return runner.NewExecRunner(commands, runner.WithLogger(logger))
}

func newMonitor(cfg config.DiagnosticsConfig, logger *logging.Logger) *diagnostics.ResourceMonitor {
	return diagnostics.NewResourceMonitor(diagnostics.MonitorConfig{
		Interval:           config.Duration(cfg.Interval),
		FDThresholdPercent: cfg.FDThresholdPercent,
		GoroutineThreshold: cfg.GoroutineThreshold,
		MemoryThresholdMB:  cfg.MemoryThresholdMB,
		HistorySize:        cfg.HistorySize,
	}, logger)
}

func newRetryPolicy(cfg config.RetryConfig) *service.RetryPolicy {
	var opts []service.RetryPolicyOption
	if cfg.MaxAttempts > 0 {
		opts = append(opts, service.WithMaxAttempts(cfg.MaxAttempts))
	}
	if d := config.Duration(cfg.BaseDelay); d > 0 {
		opts = append(opts, service.WithBaseDelay(d))
	}
	if d := config.Duration(cfg.MaxDelay); d > 0 {
		opts = append(opts, service.WithMaxDelay(d))
	}
	if cfg.Multiplier > 0 {
		opts = append(opts, service.WithMultiplier(cfg.Multiplier))
	}
	if cfg.Jitter > 0 {
		opts = append(opts, service.WithJitter(cfg.Jitter))
	}
	return service.NewRetryPolicy(opts...)
}

func newRateLimits(limits map[string]config.RateLimitConfig) *service.RateLimiterRegistry {
	configs := make(map[string]service.RateLimiterConfig, len(limits))
	for name, l := range limits {
		configs[name] = service.RateLimiterConfig{MaxTokens: l.Burst, RefillRate: l.Rate}
	}
	return service.NewRateLimiterRegistry(configs)
}

// remote returns an API client when --server is set.
func remote() *api.Client {
	if serverAddr == "" {
		return nil
	}
	return api.NewClient(serverAddr, nil)
}

// parseJSONObject decodes a JSON object given inline or as @file.
func parseJSONObject(value string) (map[string]interface{}, error) {
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if strings.HasPrefix(value, "@") {
		var err error
		data, err = fsutil.ReadFileScoped(strings.TrimPrefix(value, "@"), 16<<20)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", value, err)
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing JSON object: %w", err)
	}
	return out, nil
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// TruncateString shortens s to maxLen runes with a trailing ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
