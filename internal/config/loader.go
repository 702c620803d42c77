package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "QUORUM_FLOW",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "QUORUM_FLOW",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (QUORUM_FLOW_*)
// 3. Project config (.quorum-flow/config.yaml)
// 4. User config (~/.config/quorum-flow/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")

		// First found wins
		l.v.AddConfigPath(".quorum-flow")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "quorum-flow"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("state.path", ".quorum-flow/state.db")
	l.v.SetDefault("state.export_dir", ".quorum-flow/exports")

	l.v.SetDefault("engine.max_parallel", 4)
	l.v.SetDefault("engine.retry.max_attempts", 3)
	l.v.SetDefault("engine.retry.base_delay", "1s")
	l.v.SetDefault("engine.retry.max_delay", "30s")
	l.v.SetDefault("engine.retry.multiplier", 2.0)
	l.v.SetDefault("engine.retry.jitter", 0.2)

	l.v.SetDefault("runner.timeout", "30m")
	l.v.SetDefault("runner.liveness_timeout", "5m")

	l.v.SetDefault("events.buffer_size", 256)

	l.v.SetDefault("trace.mode", "off")
	l.v.SetDefault("trace.dir", ".quorum-flow/traces")
	l.v.SetDefault("trace.max_record_bytes", 65536)
	l.v.SetDefault("trace.max_instance_bytes", 10485760)

	l.v.SetDefault("server.addr", "127.0.0.1:8088")
	l.v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("definitions.dir", ".quorum-flow/workflows")
	l.v.SetDefault("definitions.watch", false)

	l.v.SetDefault("diagnostics.enabled", true)
	l.v.SetDefault("diagnostics.interval", "30s")
	l.v.SetDefault("diagnostics.history_size", 120)
	l.v.SetDefault("diagnostics.fd_threshold_percent", 80)
	l.v.SetDefault("diagnostics.goroutine_threshold", 10000)
	l.v.SetDefault("diagnostics.memory_threshold_mb", 2048)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
