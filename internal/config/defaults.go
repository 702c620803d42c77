package config

// DefaultConfigYAML is written by `quorum-flow init`.
const DefaultConfigYAML = `# quorum-flow configuration
# Values not specified here use built-in defaults.

log:
  level: info
  format: auto

state:
  path: .quorum-flow/state.db
  export_dir: .quorum-flow/exports

engine:
  # Phases dispatched concurrently per instance (0 = unlimited)
  max_parallel: 4
  retry:
    max_attempts: 3
    base_delay: 1s
    max_delay: 30s
    multiplier: 2.0
    jitter: 0.2

runner:
  # Hard cap per runner invocation
  timeout: 30m
  # Fail an attempt that reports no progress for this long
  liveness_timeout: 5m
  # Named runners referenced by phases (runner.name)
  commands:
    echo:
      path: sh
      args:
        - -c
        - 'read -r req; printf "{\"type\":\"result\",\"output\":{\"request\":%s}}\n" "$req"'
  # rate_limits:
  #   llm:
  #     rate: 0.5
  #     burst: 2

events:
  buffer_size: 256

trace:
  # off | events (one JSONL file per instance)
  mode: off
  dir: .quorum-flow/traces

server:
  addr: 127.0.0.1:8088
  cors_origins:
    - http://localhost:5173
  shutdown_timeout: 10s

definitions:
  dir: .quorum-flow/workflows
  watch: false

diagnostics:
  # Process resource sampling for serve, exposed on /api/v1/diagnostics
  enabled: true
  interval: 30s
  fd_threshold_percent: 80
  goroutine_threshold: 10000
  memory_threshold_mb: 2048
`
