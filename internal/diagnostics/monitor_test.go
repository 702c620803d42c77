package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

func TestNewResourceMonitor_Defaults(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{}, nil)
	assert.Equal(t, 30*time.Second, m.cfg.Interval)
	assert.Equal(t, 120, m.cfg.HistorySize)
	_, ok := m.Latest()
	assert.False(t, ok, "nothing is sampled before Start")
}

func TestResourceMonitor_StartRecordsSnapshots(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{Interval: 10 * time.Millisecond, HistorySize: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	_, ok := m.Latest()
	require.True(t, ok, "Start records an initial snapshot")
	require.Eventually(t, func() bool { return len(m.History()) == 3 }, 2*time.Second, 5*time.Millisecond)

	// History is capped.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, m.History(), 3)

	m.Stop()
	m.Stop()
}

func TestResourceMonitor_TakeSnapshot(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{}, nil)
	m.countFDs = func() (int, int) { return 25, 100 }

	s := m.TakeSnapshot()
	assert.Equal(t, 25, s.OpenFDs)
	assert.Equal(t, 100, s.MaxFDs)
	assert.InDelta(t, 25.0, s.FDUsagePercent, 0.001)
	assert.Positive(t, s.Goroutines)
	assert.Positive(t, s.HeapAllocMB)
}

func TestResourceMonitor_CheckHealth(t *testing.T) {
	tests := []struct {
		name      string
		cfg       MonitorConfig
		fds       [2]int
		wantTypes []string
		wantLevel string
	}{
		{
			name: "all below thresholds",
			cfg:  MonitorConfig{FDThresholdPercent: 80, GoroutineThreshold: 1 << 20, MemoryThresholdMB: 1 << 20},
			fds:  [2]int{10, 100},
		},
		{
			name:      "fd warning",
			cfg:       MonitorConfig{FDThresholdPercent: 50},
			fds:       [2]int{60, 100},
			wantTypes: []string{"fd"},
			wantLevel: "warning",
		},
		{
			name:      "fd critical",
			cfg:       MonitorConfig{FDThresholdPercent: 50},
			fds:       [2]int{95, 100},
			wantTypes: []string{"fd"},
			wantLevel: "critical",
		},
		{
			name:      "goroutines over a tiny threshold",
			cfg:       MonitorConfig{GoroutineThreshold: 1},
			fds:       [2]int{1, 100},
			wantTypes: []string{"goroutine"},
		},
		{
			name: "zero thresholds disable checks",
			cfg:  MonitorConfig{},
			fds:  [2]int{99, 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewResourceMonitor(tt.cfg, nil)
			m.countFDs = func() (int, int) { return tt.fds[0], tt.fds[1] }

			warnings := m.CheckHealth()
			var types []string
			for _, w := range warnings {
				types = append(types, w.Type)
			}
			assert.Equal(t, tt.wantTypes, types)
			if tt.wantLevel != "" {
				assert.Equal(t, tt.wantLevel, warnings[0].Level)
			}
		})
	}
}

func TestResourceMonitor_Trend(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{}, nil)
	assert.True(t, m.Trend().IsHealthy, "no history is healthy")

	now := time.Now()
	m.recordSnapshot(ResourceSnapshot{Timestamp: now.Add(-time.Hour), OpenFDs: 10, Goroutines: 10, HeapAllocMB: 10})
	m.recordSnapshot(ResourceSnapshot{Timestamp: now, OpenFDs: 50, Goroutines: 20, HeapAllocMB: 20})

	trend := m.Trend()
	assert.False(t, trend.IsHealthy)
	assert.InDelta(t, 40.0, trend.FDGrowthRate, 0.5)
	require.Len(t, trend.Warnings, 1)
	assert.Contains(t, trend.Warnings[0], "FD count growing")
}

func TestResourceMonitor_WrapRunner(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{}, nil)
	release := make(chan struct{})
	entered := make(chan struct{})
	inner := core.PhaseRunnerFunc(func(ctx context.Context, req core.RunRequest, _ core.ProgressFunc) (*core.RunResult, error) {
		close(entered)
		<-release
		return &core.RunResult{Text: string(req.PhaseID)}, nil
	})
	runner := m.WrapRunner(inner)

	done := make(chan *core.RunResult)
	go func() {
		res, _ := runner.Run(context.Background(), core.RunRequest{PhaseID: "draft"}, nil)
		done <- res
	}()

	<-entered
	s := m.TakeSnapshot()
	assert.Equal(t, int64(1), s.InvocationsRun)
	assert.Equal(t, 1, s.InvocationsActive)

	close(release)
	res := <-done
	assert.Equal(t, "draft", res.Text)
	s = m.TakeSnapshot()
	assert.Equal(t, int64(1), s.InvocationsRun)
	assert.Equal(t, 0, s.InvocationsActive)
}
