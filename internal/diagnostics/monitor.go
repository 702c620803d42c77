package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp         time.Time     `json:"timestamp"`
	OpenFDs           int           `json:"open_fds"`
	MaxFDs            int           `json:"max_fds"`
	FDUsagePercent    float64       `json:"fd_usage_percent"`
	Goroutines        int           `json:"goroutines"`
	HeapAllocMB       float64       `json:"heap_alloc_mb"`
	HeapInUseMB       float64       `json:"heap_in_use_mb"`
	StackInUseMB      float64       `json:"stack_in_use_mb"`
	NumGC             uint32        `json:"num_gc"`
	ProcessUptime     time.Duration `json:"process_uptime"`
	InvocationsRun    int64         `json:"invocations_run"`
	InvocationsActive int           `json:"invocations_active"`
}

// ResourceTrend captures resource usage trends over the recorded history.
type ResourceTrend struct {
	FDGrowthRate        float64  `json:"fd_growth_rate"`        // FDs per hour
	GoroutineGrowthRate float64  `json:"goroutine_growth_rate"` // goroutines per hour
	MemoryGrowthRate    float64  `json:"memory_growth_rate"`    // MB per hour
	IsHealthy           bool     `json:"is_healthy"`
	Warnings            []string `json:"warnings,omitempty"`
}

// HealthWarning is a single threshold violation.
type HealthWarning struct {
	Level   string  `json:"level"` // warning or critical
	Type    string  `json:"type"`  // fd, goroutine or memory
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

// MonitorConfig configures a ResourceMonitor. Zero thresholds disable their check.
type MonitorConfig struct {
	Interval           time.Duration
	FDThresholdPercent int
	GoroutineThreshold int
	MemoryThresholdMB  int
	HistorySize        int
}

// ResourceMonitor samples process resources on an interval.
type ResourceMonitor struct {
	cfg    MonitorConfig
	logger *logging.Logger

	// countFDs is replaced in tests.
	countFDs func() (open, limit int)

	mu      sync.RWMutex
	history []ResourceSnapshot

	invocationsRun    atomic.Int64
	invocationsActive atomic.Int32

	stopCh  chan struct{}
	stopped atomic.Bool
	started time.Time
}

// NewResourceMonitor creates a monitor. It samples nothing until Start.
func NewResourceMonitor(cfg MonitorConfig, logger *logging.Logger) *ResourceMonitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120 // one hour at 30s intervals
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ResourceMonitor{
		cfg:      cfg,
		logger:   logger,
		countFDs: CountFDs,
		history:  make([]ResourceSnapshot, 0, cfg.HistorySize),
		stopCh:   make(chan struct{}),
		started:  time.Now(),
	}
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.recordSnapshot(m.TakeSnapshot())

	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.recordSnapshot(m.TakeSnapshot())
				for _, w := range m.CheckHealth() {
					m.logger.Warn("resource warning",
						"type", w.Type,
						"level", w.Level,
						"value", w.Value,
						"limit", w.Limit,
						"message", w.Message,
					)
				}
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// TakeSnapshot captures the current resource state without recording it.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openFDs, maxFDs := m.countFDs()
	fdPercent := 0.0
	if maxFDs > 0 {
		fdPercent = float64(openFDs) / float64(maxFDs) * 100
	}

	return ResourceSnapshot{
		Timestamp:         time.Now(),
		OpenFDs:           openFDs,
		MaxFDs:            maxFDs,
		FDUsagePercent:    fdPercent,
		Goroutines:        runtime.NumGoroutine(),
		HeapAllocMB:       float64(memStats.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:       float64(memStats.HeapInuse) / 1024 / 1024,
		StackInUseMB:      float64(memStats.StackInuse) / 1024 / 1024,
		NumGC:             memStats.NumGC,
		ProcessUptime:     time.Since(m.started),
		InvocationsRun:    m.invocationsRun.Load(),
		InvocationsActive: int(m.invocationsActive.Load()),
	}
}

func (m *ResourceMonitor) recordSnapshot(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns the recorded snapshots, oldest first.
func (m *ResourceMonitor) History() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// Latest returns the most recent recorded snapshot.
func (m *ResourceMonitor) Latest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// Trend reports growth rates between the oldest and newest snapshot.
func (m *ResourceMonitor) Trend() ResourceTrend {
	history := m.History()
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}

	first := history[0]
	last := history[len(history)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours < 0.01 { // under 36 seconds of history
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		FDGrowthRate:        float64(last.OpenFDs-first.OpenFDs) / hours,
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / hours,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / hours,
		IsHealthy:           true,
	}
	if trend.FDGrowthRate > 10 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("FD count growing at %.1f/hour (potential leak)", trend.FDGrowthRate))
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Memory growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}
	return trend
}

// CheckHealth returns the thresholds the latest snapshot exceeds.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	snapshot, ok := m.Latest()
	if !ok {
		snapshot = m.TakeSnapshot()
	}

	var warnings []HealthWarning

	if m.cfg.FDThresholdPercent > 0 && snapshot.FDUsagePercent > float64(m.cfg.FDThresholdPercent) {
		level := "warning"
		if snapshot.FDUsagePercent > 90 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "fd",
			Message: fmt.Sprintf("FD usage at %.1f%% (threshold: %d%%)",
				snapshot.FDUsagePercent, m.cfg.FDThresholdPercent),
			Value: snapshot.FDUsagePercent,
			Limit: float64(m.cfg.FDThresholdPercent),
		})
	}

	if m.cfg.GoroutineThreshold > 0 && snapshot.Goroutines > m.cfg.GoroutineThreshold {
		level := "warning"
		if snapshot.Goroutines > m.cfg.GoroutineThreshold*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "goroutine",
			Message: fmt.Sprintf("Goroutine count at %d (threshold: %d)",
				snapshot.Goroutines, m.cfg.GoroutineThreshold),
			Value: float64(snapshot.Goroutines),
			Limit: float64(m.cfg.GoroutineThreshold),
		})
	}

	if m.cfg.MemoryThresholdMB > 0 && snapshot.HeapAllocMB > float64(m.cfg.MemoryThresholdMB) {
		level := "warning"
		if snapshot.HeapAllocMB > float64(m.cfg.MemoryThresholdMB)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "memory",
			Message: fmt.Sprintf("Heap usage at %.1f MB (threshold: %d MB)",
				snapshot.HeapAllocMB, m.cfg.MemoryThresholdMB),
			Value: snapshot.HeapAllocMB,
			Limit: float64(m.cfg.MemoryThresholdMB),
		})
	}

	return warnings
}

// Uptime returns the time since the monitor was created.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}

// WrapRunner counts every invocation of runner in the monitor's snapshots.
func (m *ResourceMonitor) WrapRunner(runner core.PhaseRunner) core.PhaseRunner {
	return core.PhaseRunnerFunc(func(ctx context.Context, req core.RunRequest, progress core.ProgressFunc) (*core.RunResult, error) {
		m.invocationsRun.Add(1)
		m.invocationsActive.Add(1)
		defer m.invocationsActive.Add(-1)
		return runner.Run(ctx, req, progress)
	})
}
