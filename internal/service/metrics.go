package service

import (
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

// MetricsCollector aggregates engine counters across instances.
type MetricsCollector struct {
	engine  EngineMetrics
	runners map[string]*RunnerMetrics
	kinds   map[core.PhaseKind]int
	mu      sync.RWMutex
}

// EngineMetrics holds process-wide counters.
type EngineMetrics struct {
	StartedAt          time.Time `json:"started_at"`
	InstancesStarted   int       `json:"instances_started"`
	InstancesCompleted int       `json:"instances_completed"`
	InstancesFailed    int       `json:"instances_failed"`
	InstancesCancelled int       `json:"instances_cancelled"`
	PhasesCompleted    int       `json:"phases_completed"`
	PhasesFailed       int       `json:"phases_failed"`
	RetriesTotal       int       `json:"retries_total"`
	GatesPassed        int       `json:"gates_passed"`
	GatesFailed        int       `json:"gates_failed"`
}

// RunnerMetrics holds per-runner invocation stats.
type RunnerMetrics struct {
	Name          string        `json:"name"`
	Invocations   int           `json:"invocations"`
	Errors        int           `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// MetricsSnapshot is a consistent copy of all counters.
type MetricsSnapshot struct {
	Engine  EngineMetrics            `json:"engine"`
	Runners map[string]RunnerMetrics `json:"runners"`
	Kinds   map[core.PhaseKind]int   `json:"kinds"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		engine:  EngineMetrics{StartedAt: time.Now()},
		runners: make(map[string]*RunnerMetrics),
		kinds:   make(map[core.PhaseKind]int),
	}
}

// RecordInstance counts an instance lifecycle change.
func (m *MetricsCollector) RecordInstance(status core.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch status {
	case core.InstanceStatusRunning:
		m.engine.InstancesStarted++
	case core.InstanceStatusComplete:
		m.engine.InstancesCompleted++
	case core.InstanceStatusFailed:
		m.engine.InstancesFailed++
	case core.InstanceStatusCancelled:
		m.engine.InstancesCancelled++
	}
}

// RecordPhase counts one finished phase execution.
func (m *MetricsCollector) RecordPhase(kind core.PhaseKind, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kinds[kind]++
	if failed {
		m.engine.PhasesFailed++
	} else {
		m.engine.PhasesCompleted++
	}
}

// RecordRunner tracks one runner invocation.
func (m *MetricsCollector) RecordRunner(name string, duration time.Duration, err error) {
	if name == "" {
		name = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.runners[name]
	if !ok {
		rm = &RunnerMetrics{Name: name}
		m.runners[name] = rm
	}
	rm.Invocations++
	rm.TotalDuration += duration
	rm.AvgDuration = rm.TotalDuration / time.Duration(rm.Invocations)
	if err != nil {
		rm.Errors++
	}
}

// RecordRetry records a runner retry.
func (m *MetricsCollector) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.RetriesTotal++
}

// RecordGate records a gate verdict.
func (m *MetricsCollector) RecordGate(verdict core.GateVerdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if verdict == core.GatePass {
		m.engine.GatesPassed++
	} else {
		m.engine.GatesFailed++
	}
}

// Snapshot returns a copy of all counters.
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Engine:  m.engine,
		Runners: make(map[string]RunnerMetrics, len(m.runners)),
		Kinds:   make(map[core.PhaseKind]int, len(m.kinds)),
	}
	for k, v := range m.runners {
		snap.Runners[k] = *v
	}
	for k, v := range m.kinds {
		snap.Kinds[k] = v
	}
	return snap
}

// Reset clears all metrics.
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engine = EngineMetrics{StartedAt: time.Now()}
	m.runners = make(map[string]*RunnerMetrics)
	m.kinds = make(map[core.PhaseKind]int)
}
